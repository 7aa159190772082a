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

package trip

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Status", func() {
	Describe("IsTerminal", func() {
		It("treats CANCELLED and LANDED as terminal", func() {
			Expect(StatusCancelled.IsTerminal()).To(BeTrue())
			Expect(StatusLanded.IsTerminal()).To(BeTrue())
		})

		It("treats every other state as live", func() {
			for _, s := range []Status{StatusScheduled, StatusDelayed, StatusBoarding, StatusInFlight} {
				Expect(s.IsTerminal()).To(BeFalse(), "expected %s to be non-terminal", s)
			}
		})
	})

	Describe("CanTransition", func() {
		It("allows any non-terminal state to cancel", func() {
			for _, s := range []Status{StatusScheduled, StatusDelayed, StatusBoarding, StatusInFlight} {
				Expect(s.CanTransition(StatusCancelled)).To(BeTrue(), "expected %s -> CANCELLED", s)
			}
		})

		It("allows a delayed flight to recover to SCHEDULED", func() {
			Expect(StatusDelayed.CanTransition(StatusScheduled)).To(BeTrue())
		})

		It("allows skipping BOARDING straight to LANDED", func() {
			Expect(StatusScheduled.CanTransition(StatusLanded)).To(BeTrue())
		})

		It("rejects transitions out of terminal states", func() {
			for _, target := range []Status{StatusScheduled, StatusDelayed, StatusBoarding, StatusInFlight, StatusLanded} {
				Expect(StatusCancelled.CanTransition(target)).To(BeFalse(), "expected CANCELLED -> %s to be rejected", target)
			}
			Expect(StatusLanded.CanTransition(StatusScheduled)).To(BeFalse())
		})

		It("rejects boarding rollback to SCHEDULED", func() {
			Expect(StatusBoarding.CanTransition(StatusScheduled)).To(BeFalse())
		})
	})

	Describe("Validate", func() {
		It("accepts every declared state", func() {
			for s := range ValidTransitions {
				Expect(s.Validate()).To(Succeed())
			}
		})

		It("rejects unknown states", func() {
			Expect(Status("EN_ROUTE").Validate()).To(HaveOccurred())
			Expect(Status("").Validate()).To(HaveOccurred())
		})
	})
})

var _ = Describe("NotificationKind", func() {
	It("recognizes all eight kinds", func() {
		kinds := []NotificationKind{
			KindReservationConfirmation, KindReminder24h, KindDelayed,
			KindGateChange, KindCancelled, KindBoarding,
			KindLandingWelcome, KindItineraryReady,
		}
		for _, k := range kinds {
			Expect(k.IsValid()).To(BeTrue(), "expected %s to be valid", k)
		}
	})

	It("rejects unknown kinds", func() {
		Expect(NotificationKind("WEATHER_ALERT").IsValid()).To(BeFalse())
		Expect(NotificationKind("").IsValid()).To(BeFalse())
	})
})

var _ = Describe("Trip", func() {
	Describe("MetadataValue", func() {
		It("returns the first non-empty value in key order", func() {
			t := &Trip{Metadata: map[string]string{
				"gate":          "B12",
				"boarding_gate": "C3",
			}}
			Expect(t.MetadataValue("gate_origin", "gate", "boarding_gate")).To(Equal("B12"))
		})

		It("skips empty values", func() {
			t := &Trip{Metadata: map[string]string{"gate": ""}}
			Expect(t.MetadataValue("gate", "terminal_gate")).To(Equal(""))
		})

		It("handles a nil metadata map", func() {
			t := &Trip{}
			Expect(t.MetadataValue("gate")).To(Equal(""))
		})
	})
})
