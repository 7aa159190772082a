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

package storage

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

var _ = Describe("SentCache", func() {
	var (
		ctx    context.Context
		mr     *miniredis.Miniredis
		client *redis.Client
		cache  *SentCache
		tripID uuid.UUID
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		cache = NewSentCache(client, zap.NewNop())
		tripID = uuid.MustParse("0b079e61-9d4b-4b3e-a210-4e4a64f5a8c3")
	})

	AfterEach(func() {
		Expect(client.Close()).To(Succeed())
		mr.Close()
	})

	It("round-trips a sent marker", func() {
		seen, err := cache.SeenSent(ctx, tripID, trip.KindBoarding, "bf2c4a9d1e3f5a70")
		Expect(err).NotTo(HaveOccurred())
		Expect(seen).To(BeFalse())

		Expect(cache.MarkSent(ctx, tripID, trip.KindBoarding, "bf2c4a9d1e3f5a70", time.Hour)).To(Succeed())

		seen, err = cache.SeenSent(ctx, tripID, trip.KindBoarding, "bf2c4a9d1e3f5a70")
		Expect(err).NotTo(HaveOccurred())
		Expect(seen).To(BeTrue())
	})

	It("namespaces markers by trip, kind and hash", func() {
		Expect(cache.MarkSent(ctx, tripID, trip.KindBoarding, "bf2c4a9d1e3f5a70", time.Hour)).To(Succeed())

		Expect(mr.Exists("bauhaus:sent:" + tripID.String() + ":BOARDING:bf2c4a9d1e3f5a70")).To(BeTrue())

		seen, err := cache.SeenSent(ctx, tripID, trip.KindCancelled, "bf2c4a9d1e3f5a70")
		Expect(err).NotTo(HaveOccurred())
		Expect(seen).To(BeFalse())

		seen, err = cache.SeenSent(ctx, tripID, trip.KindBoarding, "0000000000000000")
		Expect(err).NotTo(HaveOccurred())
		Expect(seen).To(BeFalse())
	})

	It("expires markers after the ttl", func() {
		Expect(cache.MarkSent(ctx, tripID, trip.KindDelayed, "bf2c4a9d1e3f5a70", time.Hour)).To(Succeed())

		mr.FastForward(61 * time.Minute)

		seen, err := cache.SeenSent(ctx, tripID, trip.KindDelayed, "bf2c4a9d1e3f5a70")
		Expect(err).NotTo(HaveOccurred())
		Expect(seen).To(BeFalse())
	})

	It("is inert without a configured client", func() {
		var disabled *SentCache

		seen, err := disabled.SeenSent(ctx, tripID, trip.KindBoarding, "bf2c4a9d1e3f5a70")
		Expect(err).NotTo(HaveOccurred())
		Expect(seen).To(BeFalse())
		Expect(disabled.MarkSent(ctx, tripID, trip.KindBoarding, "bf2c4a9d1e3f5a70", time.Hour)).To(Succeed())
	})

	It("surfaces connection errors to the caller", func() {
		mr.Close()

		_, err := cache.SeenSent(ctx, tripID, trip.KindBoarding, "bf2c4a9d1e3f5a70")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("OpenRedis", func() {
	It("connects with a redis url and verifies the server", func() {
		mr, err := miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		defer mr.Close()

		client, err := OpenRedis(context.Background(), "redis://"+mr.Addr())
		Expect(err).NotTo(HaveOccurred())
		Expect(client.Close()).To(Succeed())
	})

	It("rejects a malformed url", func() {
		_, err := OpenRedis(context.Background(), "localhost:6379")
		Expect(err).To(MatchError(ContainSubstring("parsing redis url")))
	})
})
