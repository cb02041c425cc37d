package notifications_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/Fadih/kube-freezer/pkg/notifications"
	"github.com/Fadih/kube-freezer/pkg/store"
)

var _ = Describe("Dispatcher", func() {
	var (
		mu         sync.Mutex
		bodies     []string
		gate       chan struct{}
		endpoint   *httptest.Server
		dispatcher *notifications.Dispatcher
	)

	received := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies)
	}

	violation := func(namespace string) notifications.Event {
		return notifications.Event{
			Type:      notifications.EventViolation,
			Namespace: namespace,
			Title:     "Freeze violation blocked",
			Message:   "Deployment prod/api was denied",
		}
	}

	newDispatcher := func(configYAML string) *notifications.Dispatcher {
		client := fake.NewSimpleClientset(&corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: "kube-freezer-notifications", Namespace: "kube-freezer"},
			Data:       map[string]string{"config": configYAML},
		})
		d := notifications.NewDispatcher(store.NewConfigMapStore(client, "kube-freezer"), "kube-freezer-notifications")
		Expect(d.Reload(ctx)).To(Succeed())
		return d
	}

	BeforeEach(func() {
		bodies = nil
		gate = nil
		endpoint = httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			mu.Lock()
			g := gate
			mu.Unlock()
			if g != nil {
				<-g
			}
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			bodies = append(bodies, string(body))
			mu.Unlock()
		}))
		DeferCleanup(endpoint.Close)
		dispatcher = newDispatcher(fmt.Sprintf(
			"enabled: true\nproviders:\n- type: webhook\n  url: %s\n  events: [violation]\n", endpoint.URL))
	})

	It("should deliver subscribed events through the webhook provider", func() {
		dispatcher.Dispatch(ctx, violation("prod"))
		Eventually(received).Should(Equal(1))
		mu.Lock()
		body := bodies[0]
		mu.Unlock()
		Expect(body).To(ContainSubstring(`"event_type":"violation"`))
		Expect(body).To(ContainSubstring(`"namespace":"prod"`))
	})
	It("should skip events outside the provider subscription", func() {
		dispatcher.Dispatch(ctx, notifications.Event{
			Type:  notifications.EventFreezeEnabled,
			Title: "Deployment freeze enabled",
		})
		Consistently(received, "200ms").Should(BeZero())
	})
	It("should drop repeats of the same event and namespace within the window", func() {
		dispatcher.Dispatch(ctx, violation("prod"))
		dispatcher.Dispatch(ctx, violation("prod"))
		Eventually(received).Should(Equal(1))
		Consistently(received, "200ms").Should(Equal(1))

		dispatcher.Dispatch(ctx, violation("staging"))
		Eventually(received).Should(Equal(2))
	})
	It("should return before slow providers finish delivering", func() {
		block := make(chan struct{})
		mu.Lock()
		gate = block
		mu.Unlock()

		returned := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			dispatcher.Dispatch(ctx, violation("prod"))
			close(returned)
		}()
		Eventually(returned, time.Second).Should(BeClosed())
		Expect(received()).To(BeZero())

		close(block)
		Eventually(received).Should(Equal(1))
	})
	It("should disable dispatch when the record is missing", func() {
		client := fake.NewSimpleClientset()
		missing := notifications.NewDispatcher(store.NewConfigMapStore(client, "kube-freezer"), "kube-freezer-notifications")
		Expect(missing.Reload(ctx)).To(Succeed())
		missing.Dispatch(ctx, violation("prod"))
		Consistently(received, "200ms").Should(BeZero())
	})
})
