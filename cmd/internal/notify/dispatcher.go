package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/appocareu/appocar-web/cmd/internal/ids"
)

// Sink receives notifications. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// DispatcherConfig controls queueing and delivery.
type DispatcherConfig struct {
	QueueSize   int
	Workers     int
	SinkTimeout time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 5 * time.Second
	}
	return c
}

// Dispatcher fans notifications out to sinks from a bounded queue.
type Dispatcher struct {
	log   *slog.Logger
	cfg   DispatcherConfig
	sinks []Sink
	queue chan Notification
}

// NewDispatcher constructs a Dispatcher. Nil sinks are ignored.
func NewDispatcher(log *slog.Logger, cfg DispatcherConfig, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}

	return &Dispatcher{
		log:   log,
		cfg:   cfg,
		sinks: kept,
		queue: make(chan Notification, cfg.QueueSize),
	}
}

// Enqueue queues n for delivery without blocking.
// It returns false when the notification was dropped.
func (d *Dispatcher) Enqueue(n Notification) bool {
	if d == nil {
		return false
	}
	if n.ID == "" {
		id, err := ids.NewUUID()
		if err != nil {
			d.log.Warn("notify.enqueue.drop", "reason", "id", "err", err)
			notificationsTotal.WithLabelValues("dropped").Inc()
			return false
		}
		n.ID = id
	}

	select {
	case d.queue <- n:
		notificationsTotal.WithLabelValues("queued").Inc()
		return true
	default:
		d.log.Warn("notify.enqueue.drop",
			"reason", "queue_full",
			"type", n.Type,
			"conversation_id", n.Meta.ConversationID,
		)
		notificationsTotal.WithLabelValues("dropped").Inc()
		return false
	}
}

// Run delivers queued notifications until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	wg.Wait()

	if n := d.drainPending(); n > 0 {
		d.log.Warn("notify.shutdown.drop", "pending", n)
	}
	return nil
}

// drainPending empties the queue after the workers stopped and counts what
// was left undelivered.
func (d *Dispatcher) drainPending() int {
	n := 0
	for {
		select {
		case <-d.queue:
			n++
			notificationsTotal.WithLabelValues("dropped").Inc()
		default:
			return n
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	for _, s := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, d.cfg.SinkTimeout)
		err := s.Deliver(sctx, n)
		cancel()

		if err != nil {
			d.log.Warn("notify.sink.fail",
				"sink", s.Name(),
				"notification_id", n.ID,
				"conversation_id", n.Meta.ConversationID,
				"err", err,
			)
			notificationsTotal.WithLabelValues("failed").Inc()
			continue
		}
		notificationsTotal.WithLabelValues("delivered").Inc()
	}
}
