/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package alerting posts critical operator alerts to Slack. Alerts are for
// conditions polling cannot fix on its own: rejected provider credentials,
// an unusable template catalogue. Everything else belongs in logs.
package alerting

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// repeatCooldown silences identical summaries for a while. One credential
// failure surfaces once per window, not once per polled trip.
const repeatCooldown = 5 * time.Minute

type messagePoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier posts critical alerts. The zero token form is disabled: alerts
// land in the service log only. Posting is best effort; a Slack outage never
// fails the calling cycle.
type Notifier struct {
	api     messagePoster
	channel string
	log     *zap.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	clock    func() time.Time
}

// New builds a Notifier. An empty token disables posting.
func New(token, channel string, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	n := &Notifier{
		channel:  channel,
		log:      log,
		lastSent: make(map[string]time.Time),
		clock:    time.Now,
	}
	if strings.TrimSpace(token) != "" {
		n.api = slack.New(token)
	}
	return n
}

// Critical logs the condition and, when posting is enabled and the summary
// has not fired within the cooldown, raises it in the alert channel.
func (n *Notifier) Critical(ctx context.Context, summary string, err error) {
	n.log.Error("critical alert", zap.String("summary", summary), zap.Error(err))
	if n.api == nil {
		return
	}
	if !n.shouldPost(summary) {
		return
	}

	text := fmt.Sprintf(":rotating_light: %s", summary)
	if err != nil {
		text = fmt.Sprintf("%s\n> %v", text, err)
	}
	if _, _, postErr := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false)); postErr != nil {
		n.log.Warn("posting slack alert failed",
			zap.String("channel", n.channel), zap.Error(postErr))
	}
}

func (n *Notifier) shouldPost(summary string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clock()
	if last, ok := n.lastSent[summary]; ok && now.Sub(last) < repeatCooldown {
		return false
	}
	n.lastSent[summary] = now
	return true
}
