package templates_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/Fadih/kube-freezer/pkg/store"
	"github.com/Fadih/kube-freezer/pkg/templates"
)

const templatesRecord = `
- name: holiday-freeze
  description: Year-end change freeze
  schedule:
    cron: "0 0 * * *"
    start: 2024-12-20T00:00:00Z
    durationDays: 14
  namespaces: [prod]
  message: Holiday change freeze
- name: maintenance
  schedule:
    cron: "0 22 * * 5"
    durationHours: 6
`

var _ = Describe("Engine", func() {
	var clk *clocktesting.FakeClock
	var engine *templates.Engine

	BeforeEach(func() {
		clk = clocktesting.NewFakeClock(time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC))
		client := fake.NewSimpleClientset(&corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: "kube-freezer-templates", Namespace: "kube-freezer"},
			Data:       map[string]string{"templates": templatesRecord},
		})
		engine = templates.NewEngine(store.NewConfigMapStore(client, "kube-freezer"), "kube-freezer-templates", clk)
		Expect(engine.ReloadFromStore(ctx)).To(Succeed())
	})

	It("should list loaded templates sorted by name", func() {
		list := engine.List()
		Expect(list).To(HaveLen(2))
		Expect(list[0].Name).To(Equal("holiday-freeze"))
		Expect(list[1].Name).To(Equal("maintenance"))
	})
	It("should fail lookups of unknown templates", func() {
		_, err := engine.Get("missing")
		Expect(err).To(MatchError(templates.ErrTemplateNotFound))
		_, err = engine.Apply("missing", nil)
		Expect(err).To(MatchError(templates.ErrTemplateNotFound))
	})
	It("should render a day-bounded window from the template start", func() {
		sched, err := engine.Apply("holiday-freeze", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(sched.Name).To(Equal("holiday-freeze-2024"))
		Expect(sched.Start).To(BeTemporally("==", time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC)))
		Expect(sched.End).To(BeTemporally("==", time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)))
		Expect(sched.Cron).To(Equal("0 0 * * *"))
		Expect(sched.Namespaces).To(Equal([]string{"prod"}))
		Expect(sched.Message).To(Equal("Holiday change freeze"))
	})
	It("should default start to now for hour-bounded windows", func() {
		sched, err := engine.Apply("maintenance", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(sched.Start).To(BeTemporally("==", clk.Now()))
		Expect(sched.End).To(BeTemporally("==", clk.Now().Add(6*time.Hour)))
	})
	It("should apply parameter overrides", func() {
		sched, err := engine.Apply("holiday-freeze", map[string]any{
			"name":       "holiday-freeze-custom",
			"message":    "override",
			"namespaces": []any{"prod", "payments"},
			"end":        "2024-12-28T00:00:00Z",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(sched.Name).To(Equal("holiday-freeze-custom"))
		Expect(sched.Message).To(Equal("override"))
		Expect(sched.Namespaces).To(Equal([]string{"prod", "payments"}))
		Expect(sched.End).To(BeTemporally("==", time.Date(2024, 12, 28, 0, 0, 0, 0, time.UTC)))
	})
	It("should reject unknown parameters and bad timestamps", func() {
		_, err := engine.Apply("holiday-freeze", map[string]any{"bogus": true})
		Expect(err).To(HaveOccurred())
		_, err = engine.Apply("holiday-freeze", map[string]any{"start": "not a time"})
		Expect(err).To(HaveOccurred())
	})
	It("should use a fully-formed override schedule directly", func() {
		sched, err := engine.Apply("maintenance", map[string]any{
			"override_schedule": map[string]any{
				"name":  "incident-freeze",
				"start": "2024-11-02T00:00:00Z",
				"end":   "2024-11-03T00:00:00Z",
				"cron":  "0 0 * * *",
			},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(sched.Name).To(Equal("incident-freeze"))
		Expect(sched.Start).To(BeTemporally("==", time.Date(2024, 11, 2, 0, 0, 0, 0, time.UTC)))
	})
	It("should validate rendered schedules", func() {
		_, err := engine.Apply("maintenance", map[string]any{"end": "2020-01-01T00:00:00Z"})
		Expect(err).To(HaveOccurred())
	})
	It("should empty the set when the record is missing", func() {
		engine = templates.NewEngine(store.NewConfigMapStore(fake.NewSimpleClientset(), "kube-freezer"), "kube-freezer-templates", clk)
		Expect(engine.ReloadFromStore(ctx)).To(Succeed())
		Expect(engine.List()).To(BeEmpty())
	})
})
