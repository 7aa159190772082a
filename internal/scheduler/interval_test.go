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

package scheduler

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

var _ = Describe("NextCheck", func() {
	now := time.Date(2025, 7, 8, 12, 0, 0, 0, time.UTC)

	expectWait := func(next *time.Time, wait time.Duration) {
		GinkgoHelper()
		Expect(next).ToNot(BeNil())
		Expect(*next).To(Equal(now.Add(wait)))
	}

	It("returns nil for terminal trips", func() {
		dep := now.Add(3 * time.Hour)
		Expect(NextCheck(dep, now, trip.StatusLanded, nil)).To(BeNil())
		Expect(NextCheck(dep, now, trip.StatusCancelled, nil)).To(BeNil())
	})

	Describe("before departure", func() {
		It("checks every six hours when departure is more than a day out", func() {
			next := NextCheck(now.Add(48*time.Hour), now, trip.StatusScheduled, nil)
			expectWait(next, 6*time.Hour)
		})

		It("checks hourly inside the last day", func() {
			next := NextCheck(now.Add(10*time.Hour), now, trip.StatusScheduled, nil)
			expectWait(next, time.Hour)
		})

		It("switches to hourly at exactly 24 hours out", func() {
			next := NextCheck(now.Add(24*time.Hour), now, trip.StatusScheduled, nil)
			expectWait(next, time.Hour)
		})

		It("switches to 15 minutes at exactly 4 hours out", func() {
			next := NextCheck(now.Add(4*time.Hour), now, trip.StatusScheduled, nil)
			expectWait(next, 15*time.Minute)
		})

		It("stays on the hourly band just over 4 hours out", func() {
			next := NextCheck(now.Add(4*time.Hour+time.Second), now, trip.StatusScheduled, nil)
			expectWait(next, time.Hour)
		})

		It("checks every 15 minutes close to departure", func() {
			next := NextCheck(now.Add(30*time.Minute), now, trip.StatusDelayed, nil)
			expectWait(next, 15*time.Minute)
		})
	})

	Describe("after departure", func() {
		dep := now.Add(-2 * time.Hour)

		It("cruises at 30 minutes when arrival is far off", func() {
			arrival := now.Add(3 * time.Hour)
			next := NextCheck(dep, now, trip.StatusInFlight, &arrival)
			expectWait(next, 30*time.Minute)
		})

		It("cruises at 30 minutes when the arrival estimate is unknown", func() {
			next := NextCheck(dep, now, trip.StatusInFlight, nil)
			expectWait(next, 30*time.Minute)
		})

		It("tightens to 10 minutes one hour before the estimate", func() {
			arrival := now.Add(time.Hour)
			next := NextCheck(dep, now, trip.StatusInFlight, &arrival)
			expectWait(next, 10*time.Minute)
		})

		It("holds the landing watch through the estimate itself", func() {
			arrival := now.Add(-5 * time.Minute)
			next := NextCheck(dep, now, trip.StatusInFlight, &arrival)
			expectWait(next, 10*time.Minute)
		})

		It("holds the landing watch until 30 minutes past the estimate", func() {
			arrival := now.Add(-30 * time.Minute)
			next := NextCheck(dep, now, trip.StatusInFlight, &arrival)
			expectWait(next, 10*time.Minute)
		})

		It("hunts hourly for a late landing report", func() {
			arrival := now.Add(-31 * time.Minute)
			next := NextCheck(dep, now, trip.StatusInFlight, &arrival)
			expectWait(next, time.Hour)
		})

		It("uses the in-flight cadence when the provider jumps ahead of the clock", func() {
			// The provider can report IN_FLIGHT on an early pushback while the
			// scheduled departure is still in the future.
			arrival := now.Add(8 * time.Hour)
			next := NextCheck(now.Add(20*time.Minute), now, trip.StatusInFlight, &arrival)
			expectWait(next, 30*time.Minute)
		})

		It("treats a past departure as in flight even when the status lags", func() {
			next := NextCheck(dep, now, trip.StatusBoarding, nil)
			expectWait(next, 30*time.Minute)
		})
	})
})
