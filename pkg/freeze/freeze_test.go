package freeze_test

import (
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/Fadih/kube-freezer/pkg/freeze"
	"github.com/Fadih/kube-freezer/pkg/store"
)

func mustInstant(s string) time.Time {
	t, err := freeze.ParseInstant(s)
	Expect(err).ToNot(HaveOccurred())
	return t
}

var _ = Describe("Evaluator", func() {
	var schedule freeze.Schedule

	BeforeEach(func() {
		schedule = freeze.Schedule{
			Name:  "holiday-freeze",
			Start: mustInstant("2024-12-24T00:00:00Z"),
			End:   mustInstant("2024-12-27T00:00:00Z"),
			Cron:  "0 0 * * *",
		}
	})

	It("should cover the whole UTC day after a midnight onset", func() {
		Expect(schedule.ActiveAt(mustInstant("2024-12-25T10:30:00Z"), "prod", nil)).To(BeTrue())
		Expect(schedule.ActiveAt(mustInstant("2024-12-25T23:59:59Z"), "prod", nil)).To(BeTrue())
	})
	It("should be inactive outside the validity range", func() {
		Expect(schedule.ActiveAt(mustInstant("2024-12-23T23:59:59Z"), "prod", nil)).To(BeFalse())
		Expect(schedule.ActiveAt(mustInstant("2024-12-27T00:00:01Z"), "prod", nil)).To(BeFalse())
	})
	It("should activate exactly at start when the cron matches there", func() {
		schedule.Start = mustInstant("2024-12-24T22:00:00Z")
		schedule.Cron = "0 22 * * *"
		Expect(schedule.ActiveAt(schedule.Start, "prod", nil)).To(BeTrue())
		Expect(schedule.ActiveAt(schedule.Start.Add(-time.Microsecond), "prod", nil)).To(BeFalse())
	})
	It("should stay active through end when the cron matches at end", func() {
		schedule.Cron = "0 22 * * *"
		schedule.End = mustInstant("2024-12-25T22:00:00Z")
		Expect(schedule.ActiveAt(schedule.End, "prod", nil)).To(BeTrue())
		Expect(schedule.ActiveAt(schedule.End.Add(time.Microsecond), "prod", nil)).To(BeFalse())
	})
	It("should lapse at midnight after an evening onset", func() {
		schedule.Cron = "0 22 * * *"
		Expect(schedule.ActiveAt(mustInstant("2024-12-25T10:00:00Z"), "prod", nil)).To(BeFalse())
		Expect(schedule.ActiveAt(mustInstant("2024-12-25T23:00:00Z"), "prod", nil)).To(BeTrue())
	})
	It("should not activate before the first onset at or after start", func() {
		schedule.Start = mustInstant("2024-12-24T06:00:00Z")
		Expect(schedule.ActiveAt(mustInstant("2024-12-24T08:00:00Z"), "prod", nil)).To(BeFalse())
		Expect(schedule.ActiveAt(mustInstant("2024-12-25T08:00:00Z"), "prod", nil)).To(BeTrue())
	})
	It("should skip exempt namespaces when no namespace scope is declared", func() {
		t := mustInstant("2024-12-25T10:30:00Z")
		Expect(schedule.ActiveAt(t, "staging", []string{"staging"})).To(BeFalse())
		Expect(schedule.ActiveAt(t, "prod", []string{"staging"})).To(BeTrue())
	})
	It("should honor an explicit namespace scope over the exempt set", func() {
		schedule.Namespaces = []string{"prod"}
		t := mustInstant("2024-12-25T10:30:00Z")
		Expect(schedule.ActiveAt(t, "prod", []string{"prod"})).To(BeTrue())
		Expect(schedule.ActiveAt(t, "staging", nil)).To(BeFalse())
	})
	It("should always pass the scope check for cluster-scoped requests", func() {
		Expect(schedule.ActiveAt(mustInstant("2024-12-25T10:30:00Z"), "", []string{"staging"})).To(BeTrue())
	})
	It("should never activate an invalid schedule", func() {
		schedule.End = schedule.Start
		Expect(schedule.ActiveAt(mustInstant("2024-12-24T00:00:00Z"), "prod", nil)).To(BeFalse())
	})
	It("should return active schedules in input order", func() {
		other := schedule
		other.Name = "second-window"
		active := freeze.Active([]freeze.Schedule{schedule, other}, mustInstant("2024-12-25T10:30:00Z"), "prod", nil)
		Expect(active).To(HaveLen(2))
		Expect(active[0].Name).To(Equal("holiday-freeze"))
	})
})

var _ = Describe("Store", func() {
	var schedules *freeze.Store
	var schedule freeze.Schedule

	BeforeEach(func() {
		cmStore := store.NewConfigMapStore(fake.NewSimpleClientset(), "kube-freezer")
		schedules = freeze.NewStore(cmStore, "kube-freezer-schedules")
		schedule = freeze.Schedule{
			Name:       "holiday-freeze",
			Start:      mustInstant("2024-12-24T00:00:00Z"),
			End:        mustInstant("2024-12-27T00:00:00Z"),
			Cron:       "0 0 * * *",
			Namespaces: []string{"prod"},
			Message:    "Holiday change freeze",
		}
	})

	It("should round-trip schedules through save and list", func() {
		Expect(schedules.Save(ctx, []freeze.Schedule{schedule})).To(Succeed())
		got, err := schedules.List(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(HaveLen(1))
		Expect(got[0].Name).To(Equal(schedule.Name))
		Expect(got[0].Start).To(BeTemporally("==", schedule.Start))
		Expect(got[0].End).To(BeTemporally("==", schedule.End))
		Expect(got[0].Cron).To(Equal(schedule.Cron))
		Expect(got[0].Namespaces).To(Equal(schedule.Namespaces))
		Expect(got[0].Message).To(Equal(schedule.Message))
	})
	It("should persist fields in canonical order", func() {
		cmStore := store.NewConfigMapStore(fake.NewSimpleClientset(), "kube-freezer")
		schedules = freeze.NewStore(cmStore, "kube-freezer-schedules")
		Expect(schedules.Save(ctx, []freeze.Schedule{schedule})).To(Succeed())
		data, err := cmStore.Get(ctx, "kube-freezer-schedules")
		Expect(err).ToNot(HaveOccurred())
		raw := data["schedules"]
		order := []string{"name:", "start:", "end:", "cron:", "namespaces:", "message:"}
		last := -1
		for _, field := range order {
			idx := strings.Index(raw, field)
			Expect(idx).To(BeNumerically(">", last), "expected %s after previous field", field)
			last = idx
		}
	})
	It("should return an empty list when nothing is persisted", func() {
		got, err := schedules.List(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(BeEmpty())
	})
	It("should upsert by name on add", func() {
		Expect(schedules.Add(ctx, schedule)).To(Succeed())
		schedule.Message = "updated"
		Expect(schedules.Add(ctx, schedule)).To(Succeed())
		got, err := schedules.List(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(HaveLen(1))
		Expect(got[0].Message).To(Equal("updated"))
	})
	It("should restore the original list after add and remove", func() {
		Expect(schedules.Save(ctx, []freeze.Schedule{schedule})).To(Succeed())
		extra := schedule
		extra.Name = "extra-window"
		Expect(schedules.Add(ctx, extra)).To(Succeed())
		Expect(schedules.Remove(ctx, "extra-window")).To(Succeed())
		got, err := schedules.List(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(HaveLen(1))
		Expect(got[0].Name).To(Equal("holiday-freeze"))
	})
	It("should fail removal of an unknown schedule", func() {
		Expect(schedules.Remove(ctx, "missing")).To(MatchError(freeze.ErrScheduleNotFound))
	})
	It("should reject invalid schedules", func() {
		schedule.Cron = "not a cron"
		Expect(schedules.Add(ctx, schedule)).ToNot(Succeed())
		schedule.Cron = "0 0 * * *"
		schedule.End = schedule.Start
		Expect(schedules.Add(ctx, schedule)).ToNot(Succeed())
	})
	It("should parse bare UTC instants", func() {
		t, err := freeze.ParseInstant("2024-12-24T06:00:00")
		Expect(err).ToNot(HaveOccurred())
		Expect(t).To(BeTemporally("==", mustInstant("2024-12-24T06:00:00Z")))
	})
})
