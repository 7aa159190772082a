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

package notification

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

// hashLength is the number of hex characters kept from the SHA-256 digest.
// 64 bits of fingerprint is plenty for a per-(trip, kind) namespace.
const hashLength = 16

// CanonicalJSON renders a flat string map as JSON with keys in byte order.
// Two semantically equal payloads always produce the same bytes, which is
// the property idempotency hashing needs. Marshal a map with encoding/json
// directly and the same guarantee holds, but only as an implementation
// detail; this makes it a contract.
func CanonicalJSON(payload map[string]string) string {
	if len(payload) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeJSONString(&b, k)
		b.WriteByte(':')
		writeJSONString(&b, payload[k])
	}
	b.WriteByte('}')
	return b.String()
}

func writeJSONString(b *strings.Builder, s string) {
	enc, _ := json.Marshal(s)
	b.Write(enc)
}

// IdempotencyHash fingerprints a (trip, kind, payload) triple. Only the
// payload fields that define the message's meaning belong here; anything
// that varies per attempt (timestamps, retry counters) would defeat the
// dedup it exists for.
func IdempotencyHash(tripID uuid.UUID, kind trip.NotificationKind, payload map[string]string) string {
	var b strings.Builder
	b.WriteString(`{"kind":`)
	writeJSONString(&b, string(kind))
	b.WriteString(`,"payload":`)
	b.WriteString(CanonicalJSON(payload))
	b.WriteString(`,"trip_id":`)
	writeJSONString(&b, tripID.String())
	b.WriteByte('}')

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:hashLength]
}

// FloorETA rounds an ETA down to the nearest 5 minutes and renders it as a
// UTC ISO-8601 string. This is the eta_round value used both for delay
// dedup and as the DELAYED idempotency payload: two provider readings
// inside the same 5-minute bucket are the same delay.
func FloorETA(t time.Time) string {
	return t.UTC().Truncate(5 * time.Minute).Format(time.RFC3339)
}
