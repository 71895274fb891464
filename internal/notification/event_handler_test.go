package notification_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/overtime-management/internal/core/events"
	"github.com/frahmantamala/overtime-management/internal/notification"
)

func TestNotification(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Notification Suite")
}

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
	fields   []map[string]interface{}
}

func (n *recordingNotifier) Notify(ctx context.Context, subject string, fields map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	n.fields = append(n.fields, fields)
	return nil
}

func (n *recordingNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.subjects...)
}

var _ = Describe("EventHandler", func() {
	var (
		bus      *events.EventBus
		notifier *recordingNotifier
		ctx      context.Context
	)

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		bus = events.NewEventBus(logger)
		notifier = &recordingNotifier{}
		notification.NewEventHandler(notifier, logger).RegisterEventHandlers(bus)
		ctx = context.Background()
	})

	It("should notify when a request is finalized", func() {
		err := bus.PublishSync(ctx, events.NewRequestFinalizedEvent(7, "approved"))
		Expect(err).NotTo(HaveOccurred())

		Expect(notifier.snapshot()).To(ConsistOf("overtime request finalized"))
		Expect(notifier.fields[0]).To(HaveKeyWithValue("request_id", int64(7)))
		Expect(notifier.fields[0]).To(HaveKeyWithValue("status", "approved"))
	})

	It("should notify on sweeper outcomes", func() {
		Expect(bus.PublishSync(ctx, events.NewRequestExpiredEvent(7))).To(Succeed())
		Expect(bus.PublishSync(ctx, events.NewStepEscalatedEvent(7, 2))).To(Succeed())

		Expect(notifier.snapshot()).To(ConsistOf(
			"overtime request expired",
			"approval step escalated",
		))
	})

	It("should ignore events it never subscribed to", func() {
		Expect(bus.PublishSync(ctx, events.NewRequestSubmittedEvent(7, 42, 2))).To(Succeed())

		Consistently(notifier.snapshot, 50*time.Millisecond).Should(BeEmpty())
	})
})
