package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lavet13/tour-sub000"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultAttempts = 3
)

// Event is a message addressed to every account holding one of Roles
type Event struct {
	Type     string
	Text     string
	Roles    []auth.Role
	Metadata map[string]any
}

// Recipient is a chat that receives notifications
type Recipient struct {
	AccountID uuid.UUID
	ChatID    int64
}

// RecipientResolver lists the chats for a set of roles
type RecipientResolver interface {
	Resolve(ctx context.Context, roles []auth.Role) ([]Recipient, error)
}

// Transport delivers one event to one recipient
type Transport interface {
	Deliver(ctx context.Context, to Recipient, event Event) error
}

// Notifier fans events out to recipients in the background. Deliveries
// never block or fail the caller.
type Notifier struct {
	recipients RecipientResolver
	transport  Transport
	logger     auth.Logger
	timeout    time.Duration
	attempts   int
	backoff    func(attempt int) time.Duration
	deliveries *prometheus.CounterVec
	wg         sync.WaitGroup
}

// Option customizes a Notifier
type Option func(*Notifier)

func WithLogger(logger auth.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithTimeout bounds each delivery attempt
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

func WithAttempts(attempts int) Option {
	return func(n *Notifier) {
		if attempts > 0 {
			n.attempts = attempts
		}
	}
}

func WithBackoff(backoff func(attempt int) time.Duration) Option {
	return func(n *Notifier) {
		if backoff != nil {
			n.backoff = backoff
		}
	}
}

// WithRegisterer registers the delivery counter on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(n *Notifier) {
		if reg != nil {
			reg.MustRegister(n.deliveries)
		}
	}
}

func New(recipients RecipientResolver, transport Transport, opts ...Option) *Notifier {
	n := &Notifier{
		recipients: recipients,
		transport:  transport,
		logger:     auth.NewZapLogger(nil),
		timeout:    DefaultTimeout,
		attempts:   DefaultAttempts,
		backoff:    jittered(200 * time.Millisecond),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tour",
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by outcome.",
		}, []string{"outcome"}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// Notify schedules delivery of event and returns immediately. The request
// context only contributes values, its cancellation is ignored.
func (n *Notifier) Notify(ctx context.Context, event Event) {
	ctx = context.WithoutCancel(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		rctx, cancel := context.WithTimeout(ctx, n.timeout)
		recipients, err := n.recipients.Resolve(rctx, event.Roles)
		cancel()
		if err != nil {
			n.logger.Error("notify %s: resolve recipients: %v", event.Type, err)
			n.deliveries.WithLabelValues("resolve_failed").Inc()
			return
		}

		for _, r := range recipients {
			n.wg.Add(1)
			go func(r Recipient) {
				defer n.wg.Done()
				n.deliver(ctx, r, event)
			}(r)
		}
	}()
}

// Close waits for scheduled deliveries to finish.
func (n *Notifier) Close() {
	n.wg.Wait()
}

func (n *Notifier) deliver(ctx context.Context, to Recipient, event Event) {
	var err error
	for attempt := 0; attempt < n.attempts; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, n.timeout)
		err = n.transport.Deliver(dctx, to, event)
		cancel()
		if err == nil {
			n.deliveries.WithLabelValues("delivered").Inc()
			return
		}
		if IsPermanent(err) || attempt == n.attempts-1 {
			break
		}
		time.Sleep(n.backoff(attempt))
	}

	n.deliveries.WithLabelValues("failed").Inc()
	n.logger.Warn("notify %s: delivery to chat %d failed: %v", event.Type, to.ChatID, err)
}
