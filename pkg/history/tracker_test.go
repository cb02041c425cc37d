package history_test

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/client-go/kubernetes/fake"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/Fadih/kube-freezer/pkg/history"
	"github.com/Fadih/kube-freezer/pkg/store"
)

var _ = Describe("Tracker", func() {
	var clk *clocktesting.FakeClock
	var cmStore *store.ConfigMapStore
	var tracker *history.Tracker

	BeforeEach(func() {
		clk = clocktesting.NewFakeClock(time.Date(2024, 12, 25, 10, 0, 0, 0, time.UTC))
		cmStore = store.NewConfigMapStore(fake.NewSimpleClientset(), "kube-freezer")
		tracker = history.NewTracker(cmStore, "kube-freezer-history", clk, 5)
	})

	It("should stamp and persist recorded events", func() {
		Expect(tracker.Record(ctx, history.Event{EventType: history.EventFreezeEnabled, Reason: "holiday"})).To(Succeed())
		events, err := tracker.List(ctx, "", "", 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(events[0].ID).ToNot(BeEmpty())
		Expect(events[0].Timestamp).To(BeTemporally("==", clk.Now()))
	})
	It("should return events newest-first", func() {
		for i := 0; i < 3; i++ {
			clk.SetTime(clk.Now().Add(time.Minute))
			Expect(tracker.Record(ctx, history.Event{EventType: history.EventViolation, Reason: fmt.Sprintf("event-%d", i)})).To(Succeed())
		}
		events, err := tracker.List(ctx, "", "", 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(events[0].Reason).To(Equal("event-2"))
		Expect(events[2].Reason).To(Equal("event-0"))
	})
	It("should trim the ring to capacity, dropping the oldest", func() {
		for i := 0; i < 8; i++ {
			Expect(tracker.Record(ctx, history.Event{EventType: history.EventViolation, Reason: fmt.Sprintf("event-%d", i)})).To(Succeed())
		}
		events, err := tracker.List(ctx, "", "", 10)
		Expect(err).ToNot(HaveOccurred())
		Expect(events).To(HaveLen(5))
		Expect(events[0].Reason).To(Equal("event-7"))
		Expect(events[4].Reason).To(Equal("event-3"))
	})
	It("should filter by event type and namespace", func() {
		Expect(tracker.Record(ctx, history.Event{EventType: history.EventViolation, Namespace: "prod"})).To(Succeed())
		Expect(tracker.Record(ctx, history.Event{EventType: history.EventBypassGranted, Namespace: "staging"})).To(Succeed())
		Expect(tracker.Record(ctx, history.Event{EventType: history.EventFreezeEnabled})).To(Succeed())

		violations, err := tracker.List(ctx, history.EventViolation, "", 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(violations).To(HaveLen(1))

		// The namespace filter keeps cluster-wide events that carry none.
		prod, err := tracker.List(ctx, "", "prod", 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(prod).To(HaveLen(2))
	})
	It("should honor the list limit", func() {
		for i := 0; i < 4; i++ {
			Expect(tracker.Record(ctx, history.Event{EventType: history.EventViolation})).To(Succeed())
		}
		events, err := tracker.List(ctx, "", "", 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(events).To(HaveLen(2))
	})
	It("should merge appends from another replica", func() {
		other := history.NewTracker(cmStore, "kube-freezer-history", clk, 5)
		Expect(tracker.Record(ctx, history.Event{EventType: history.EventViolation, Reason: "replica-a"})).To(Succeed())
		Expect(other.Record(ctx, history.Event{EventType: history.EventViolation, Reason: "replica-b"})).To(Succeed())
		events, err := tracker.List(ctx, "", "", 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(events).To(HaveLen(2))
	})
})
