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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/google/uuid"

	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

var _ = Describe("CanonicalJSON", func() {
	It("renders the empty payload as an empty object", func() {
		Expect(CanonicalJSON(nil)).To(Equal("{}"))
		Expect(CanonicalJSON(map[string]string{})).To(Equal("{}"))
	})

	It("orders keys alphabetically regardless of insertion order", func() {
		a := map[string]string{"zulu": "1", "alpha": "2", "mike": "3"}
		b := map[string]string{"mike": "3", "alpha": "2", "zulu": "1"}
		Expect(CanonicalJSON(a)).To(Equal(`{"alpha":"2","mike":"3","zulu":"1"}`))
		Expect(CanonicalJSON(a)).To(Equal(CanonicalJSON(b)))
	})

	It("escapes values that need it", func() {
		out := CanonicalJSON(map[string]string{"note": `say "hola"`})
		Expect(out).To(Equal(`{"note":"say \"hola\""}`))
	})
})

var _ = Describe("IdempotencyHash", func() {
	var tripID uuid.UUID

	BeforeEach(func() {
		tripID = uuid.MustParse("0d3bb8e7-9a4f-4c6d-8a2b-1e5f7c9d0a31")
	})

	It("is 16 lowercase hex characters", func() {
		h := IdempotencyHash(tripID, trip.KindCancelled, map[string]string{"event": "CANCELLED"})
		Expect(h).To(HaveLen(16))
		Expect(h).To(MatchRegexp(`^[0-9a-f]{16}$`))
	})

	It("is stable across calls and map orderings", func() {
		p1 := map[string]string{"eta_round": "2025-07-09T02:55:00Z", "flight": "BA245"}
		p2 := map[string]string{"flight": "BA245", "eta_round": "2025-07-09T02:55:00Z"}
		Expect(IdempotencyHash(tripID, trip.KindDelayed, p1)).
			To(Equal(IdempotencyHash(tripID, trip.KindDelayed, p2)))
	})

	It("diverges when the kind changes", func() {
		payload := map[string]string{"event": "X"}
		Expect(IdempotencyHash(tripID, trip.KindBoarding, payload)).
			ToNot(Equal(IdempotencyHash(tripID, trip.KindCancelled, payload)))
	})

	It("diverges when the payload changes", func() {
		Expect(IdempotencyHash(tripID, trip.KindDelayed, map[string]string{"eta_round": "2025-07-09T02:55:00Z"})).
			ToNot(Equal(IdempotencyHash(tripID, trip.KindDelayed, map[string]string{"eta_round": "2025-07-09T03:00:00Z"})))
	})

	It("diverges across trips", func() {
		other := uuid.MustParse("ffffffff-0000-4000-8000-000000000001")
		payload := map[string]string{"event": "BOARDING"}
		Expect(IdempotencyHash(tripID, trip.KindBoarding, payload)).
			ToNot(Equal(IdempotencyHash(other, trip.KindBoarding, payload)))
	})
})

var _ = Describe("FloorETA", func() {
	It("floors to the previous five-minute boundary", func() {
		eta := time.Date(2025, 7, 9, 2, 57, 13, 0, time.UTC)
		Expect(FloorETA(eta)).To(Equal("2025-07-09T02:55:00Z"))
	})

	It("keeps exact boundaries untouched", func() {
		eta := time.Date(2025, 7, 9, 3, 0, 0, 0, time.UTC)
		Expect(FloorETA(eta)).To(Equal("2025-07-09T03:00:00Z"))
	})

	It("normalizes zoned inputs to UTC before flooring", func() {
		zone := time.FixedZone("ART", -3*60*60)
		eta := time.Date(2025, 7, 8, 23, 57, 0, 0, zone) // 02:57 UTC
		Expect(FloorETA(eta)).To(Equal("2025-07-09T02:55:00Z"))
	})

	It("maps nearby estimates to the same bucket", func() {
		a := time.Date(2025, 7, 9, 2, 55, 1, 0, time.UTC)
		b := time.Date(2025, 7, 9, 2, 59, 59, 0, time.UTC)
		Expect(FloorETA(a)).To(Equal(FloorETA(b)))
	})
})
