package admission_test

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/Fadih/kube-freezer/pkg/admission"
	"github.com/Fadih/kube-freezer/pkg/audit"
	"github.com/Fadih/kube-freezer/pkg/bypass"
	"github.com/Fadih/kube-freezer/pkg/config"
	"github.com/Fadih/kube-freezer/pkg/exemptions"
	"github.com/Fadih/kube-freezer/pkg/freeze"
	"github.com/Fadih/kube-freezer/pkg/history"
	"github.com/Fadih/kube-freezer/pkg/metrics"
	"github.com/Fadih/kube-freezer/pkg/notifications"
	"github.com/Fadih/kube-freezer/pkg/store"
)

type fakePolicySource struct {
	ready  bool
	policy config.Policy
}

func (f *fakePolicySource) IsReady() bool            { return f.ready }
func (f *fakePolicySource) GetConfig() config.Policy { return f.policy.DeepCopy() }

type fakeHistory struct {
	events []history.Event
}

func (f *fakeHistory) Record(_ context.Context, event history.Event) error {
	f.events = append(f.events, event)
	return nil
}

type fakeNotifier struct {
	events []notifications.Event
}

func (f *fakeNotifier) Dispatch(_ context.Context, event notifications.Event) {
	f.events = append(f.events, event)
}

type fakeAuditor struct {
	events []audit.Event
}

func (f *fakeAuditor) Record(_ context.Context, event audit.Event) {
	f.events = append(f.events, event)
}

var _ = Describe("Engine", func() {
	var clk *clocktesting.FakeClock
	var policies *fakePolicySource
	var exemptionManager *exemptions.Manager
	var recorder *fakeHistory
	var notifier *fakeNotifier
	var auditor *fakeAuditor
	var engine *admission.Engine

	request := func(mutate ...func(*admission.Request)) admission.Request {
		req := admission.Request{
			UID:       "test-uid",
			Kind:      "Deployment",
			Namespace: "prod",
			Name:      "api",
			Operation: "CREATE",
			Username:  "dev@example.com",
		}
		for _, m := range mutate {
			m(&req)
		}
		return req
	}

	BeforeEach(func() {
		clk = clocktesting.NewFakeClock(time.Date(2024, 12, 25, 10, 30, 0, 0, time.UTC))
		policies = &fakePolicySource{ready: true, policy: func() config.Policy {
			p := config.DefaultPolicy()
			p.FreezeEnabled = true
			return p
		}()}
		exemptionManager = exemptions.NewManager(exemptions.NewMemoryBackend(), clk)
		recorder = &fakeHistory{}
		notifier = &fakeNotifier{}
		auditor = &fakeAuditor{}
		engine = admission.NewEngine(policies, exemptionManager, recorder, notifier, auditor, metrics.NewCollector(), clk)
	})

	It("should deny a monitored resource during an indefinite manual freeze", func() {
		resp := engine.Review(ctx, request())
		Expect(resp.Allowed).To(BeFalse())
		Expect(resp.Code).To(Equal(int32(http.StatusForbidden)))
		Expect(resp.Message).To(ContainSubstring("Freeze window: Manual Freeze"))
		Expect(resp.Warnings).To(BeEmpty())
		Expect(notifier.events).To(HaveLen(1))
		Expect(notifier.events[0].Type).To(Equal(notifications.EventViolation))
		Expect(auditor.events).To(HaveLen(1))
		Expect(auditor.events[0].Outcome).To(Equal(audit.OutcomeDenied))
	})
	It("should allow the emergency bypass annotation and record it", func() {
		resp := engine.Review(ctx, request(func(r *admission.Request) {
			r.Annotations = map[string]string{
				"admission-controller.io/emergency-bypass": "True",
				"admission-controller.io/emergency-reason": "hotfix",
			}
		}))
		Expect(resp.Allowed).To(BeTrue())
		Expect(recorder.events).To(HaveLen(1))
		Expect(recorder.events[0].EventType).To(Equal(history.EventBypassGranted))
		Expect(recorder.events[0].Reason).To(Equal("hotfix"))
		Expect(recorder.events[0].FreezeWindow).To(Equal(bypass.TypeAnnotation))
	})
	It("should allow allowlisted users and groups", func() {
		policies.policy.BypassAllowedUsers = []string{"dev@example.com", "platform-admins"}
		Expect(engine.Review(ctx, request()).Allowed).To(BeTrue())

		policies.policy.BypassAllowedUsers = []string{"platform-admins"}
		resp := engine.Review(ctx, request(func(r *admission.Request) {
			r.Groups = []string{"platform-admins"}
		}))
		Expect(resp.Allowed).To(BeTrue())
	})
	It("should allow namespaces declared exempt", func() {
		policies.policy.BypassExemptNamespaces = []string{"kube-system"}
		resp := engine.Review(ctx, request(func(r *admission.Request) {
			r.Namespace = "kube-system"
		}))
		Expect(resp.Allowed).To(BeTrue())
		Expect(recorder.events).To(BeEmpty())
	})
	It("should short-circuit unmonitored resources without side effects", func() {
		resp := engine.Review(ctx, request(func(r *admission.Request) {
			r.Kind = "ConfigMap"
		}))
		Expect(resp.Allowed).To(BeTrue())
		Expect(recorder.events).To(BeEmpty())
		Expect(notifier.events).To(BeEmpty())
		Expect(auditor.events).To(BeEmpty())
	})
	It("should match monitored resources through pluralization", func() {
		policies.policy.MonitoredResources = []string{"networkpolicies"}
		resp := engine.Review(ctx, request(func(r *admission.Request) {
			r.Kind = "NetworkPolicy"
		}))
		Expect(resp.Allowed).To(BeFalse())
	})
	It("should admit through a valid exemption regardless of its used flag", func() {
		e, err := exemptionManager.Create(ctx, "prod", "", 60, "migration", "oncall")
		Expect(err).ToNot(HaveOccurred())
		Expect(exemptionManager.Use(ctx, e.ID)).To(Succeed())

		resp := engine.Review(ctx, request())
		Expect(resp.Allowed).To(BeTrue())
		Expect(recorder.events).To(HaveLen(1))
		Expect(recorder.events[0].EventType).To(Equal(history.EventExemptionUsed))
	})
	It("should ignore exemptions scoped to a different resource", func() {
		_, err := exemptionManager.Create(ctx, "prod", "web", 60, "scoped", "oncall")
		Expect(err).ToNot(HaveOccurred())
		Expect(engine.Review(ctx, request()).Allowed).To(BeFalse())
	})
	It("should deny by schedule with the window name", func() {
		policies.policy.FreezeEnabled = false
		policies.policy.Schedules = []freeze.Schedule{{
			Name:  "holiday-freeze",
			Start: time.Date(2024, 12, 24, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 12, 27, 0, 0, 0, 0, time.UTC),
			Cron:  "0 0 * * *",
		}}
		resp := engine.Review(ctx, request())
		Expect(resp.Allowed).To(BeFalse())
		Expect(resp.Message).To(ContainSubstring("Freeze window: holiday-freeze"))
	})
	It("should allow schedule-exempt namespaces", func() {
		policies.policy.FreezeEnabled = false
		policies.policy.BypassExemptNamespaces = []string{"staging"}
		policies.policy.Schedules = []freeze.Schedule{{
			Name:  "holiday-freeze",
			Start: time.Date(2024, 12, 24, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 12, 27, 0, 0, 0, 0, time.UTC),
			Cron:  "0 0 * * *",
		}}
		resp := engine.Review(ctx, request(func(r *admission.Request) {
			r.Namespace = "staging"
		}))
		Expect(resp.Allowed).To(BeTrue())
	})
	It("should turn a would-deny into allow-with-warnings for dry runs", func() {
		resp := engine.Review(ctx, request(func(r *admission.Request) {
			r.DryRun = lo.ToPtr(true)
		}))
		Expect(resp.Allowed).To(BeTrue())
		Expect(resp.Warnings).To(HaveLen(1))
		Expect(resp.Warnings[0]).To(ContainSubstring("FreezeActive"))
		Expect(resp.Warnings[0]).To(ContainSubstring("Would be blocked"))
	})
	It("should allow an inactive freeze", func() {
		policies.policy.FreezeEnabled = false
		Expect(engine.Review(ctx, request()).Allowed).To(BeTrue())
	})
	It("should expire the manual freeze at freezeUntil", func() {
		policies.policy.FreezeUntil = lo.ToPtr(clk.Now().Add(time.Hour))
		Expect(engine.Review(ctx, request()).Allowed).To(BeFalse())
		clk.SetTime(clk.Now().Add(2 * time.Hour))
		Expect(engine.Review(ctx, request()).Allowed).To(BeTrue())
	})
	It("should follow failClosed when the policy is not loaded", func() {
		policies.ready = false
		resp := engine.Review(ctx, request())
		Expect(resp.Allowed).To(BeFalse())
		Expect(resp.Code).To(Equal(int32(http.StatusForbidden)))

		policies.policy.FailClosed = false
		Expect(engine.Review(ctx, request()).Allowed).To(BeTrue())
	})
	It("should fail closed before the loader's first successful load", func() {
		cmStore := store.NewConfigMapStore(fake.NewSimpleClientset(), "kube-freezer")
		loader := config.NewLoader(cmStore, freeze.NewStore(cmStore, "kube-freezer-schedules"), config.LoaderOptions{
			PolicyRecordName: "kube-freezer-config",
		})
		Expect(loader.IsReady()).To(BeFalse())

		unready := admission.NewEngine(loader, exemptionManager, recorder, notifier, auditor, metrics.NewCollector(), clk)
		resp := unready.Review(ctx, request())
		Expect(resp.Allowed).To(BeFalse())
		Expect(resp.Code).To(Equal(int32(http.StatusForbidden)))
	})
})

var _ = Describe("Review envelope", func() {
	var engine *admission.Engine

	BeforeEach(func() {
		clk := clocktesting.NewFakeClock(time.Date(2024, 12, 25, 10, 30, 0, 0, time.UTC))
		policies := &fakePolicySource{ready: true, policy: func() config.Policy {
			p := config.DefaultPolicy()
			p.FreezeEnabled = true
			return p
		}()}
		engine = admission.NewEngine(policies, exemptions.NewManager(exemptions.NewMemoryBackend(), clk), &fakeHistory{}, &fakeNotifier{}, &fakeAuditor{}, metrics.NewCollector(), clk)
	})

	It("should decode, decide and wrap a review", func() {
		object, err := json.Marshal(map[string]any{"metadata": map[string]any{
			"name":        "api",
			"annotations": map[string]string{"admission-controller.io/emergency-bypass": "true"},
		}})
		Expect(err).ToNot(HaveOccurred())
		review := &admissionv1.AdmissionReview{
			TypeMeta: metav1.TypeMeta{APIVersion: "admission.k8s.io/v1", Kind: "AdmissionReview"},
			Request: &admissionv1.AdmissionRequest{
				UID:       "uid-1",
				Kind:      metav1.GroupVersionKind{Kind: "Deployment"},
				Namespace: "prod",
				Operation: admissionv1.Create,
				Object:    runtime.RawExtension{Raw: object},
			},
		}
		encoded, err := json.Marshal(review)
		Expect(err).ToNot(HaveOccurred())
		decoded, err := admission.DecodeReview(encoded)
		Expect(err).ToNot(HaveOccurred())

		resp := engine.ReviewAdmission(ctx, decoded)
		Expect(resp.Response).ToNot(BeNil())
		Expect(string(resp.Response.UID)).To(Equal("uid-1"))
		Expect(resp.Response.Allowed).To(BeTrue())
	})
	It("should deny with a 403 status in the envelope", func() {
		review := &admissionv1.AdmissionReview{
			Request: &admissionv1.AdmissionRequest{
				UID:       "uid-2",
				Kind:      metav1.GroupVersionKind{Kind: "Deployment"},
				Namespace: "prod",
				Name:      "api",
				Operation: admissionv1.Create,
			},
		}
		resp := engine.ReviewAdmission(ctx, review)
		Expect(resp.Response.Allowed).To(BeFalse())
		Expect(resp.Response.Result.Code).To(Equal(int32(http.StatusForbidden)))
	})
	It("should reject envelopes without a request", func() {
		_, err := admission.DecodeReview([]byte(`{"apiVersion":"admission.k8s.io/v1","kind":"AdmissionReview"}`))
		Expect(err).To(HaveOccurred())
	})
})
