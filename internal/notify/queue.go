package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokligence/relay-authz/internal/hooks"
	"github.com/tokligence/relay-authz/internal/ledger"
)

// Notification kinds, used as metric labels.
const (
	KindOnboarding = "onboarding"
	KindBalance    = "balance"
	KindHook       = "hook"
)

// Recorder receives delivery metrics.
type Recorder interface {
	RecordNotification(kind string, err error)
	RecordQueueDrop()
}

type nopRecorder struct{}

func (nopRecorder) RecordNotification(string, error) {}
func (nopRecorder) RecordQueueDrop()                 {}

// Config configures the queue.
type Config struct {
	QueueSize int           // buffered notices (default 1024)
	Workers   int           // parallel deliverers (default 1)
	Timeout   time.Duration // per delivery (default 10s)

	// AdmissionMessage is sent when a payment opens an account. Empty disables it.
	AdmissionMessage string
	// BalanceNotifications sends the new balance after every credit.
	BalanceNotifications bool
}

// Queue is a ledger.Notifier that hands notices to background workers.
// Notify never blocks: when the buffer is full the notice is dropped.
// Delivery failures are logged and counted, never retried.
type Queue struct {
	cfg      Config
	sender   Sender
	hooks    *hooks.Dispatcher
	metrics  Recorder
	logger   *zap.Logger
	jobs     chan ledger.Notice
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// mu orders Enqueue against Close so nothing lands in jobs after the
	// workers have drained it.
	mu     sync.RWMutex
	closed bool
}

var _ ledger.Notifier = (*Queue)(nil)

// Option configures a Queue.
type Option func(*Queue)

// WithHooks fans every notice out to d as well.
func WithHooks(d *hooks.Dispatcher) Option {
	return func(q *Queue) { q.hooks = d }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) {
		if r != nil {
			q.metrics = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// NewQueue starts cfg.Workers workers delivering through sender.
func NewQueue(sender Sender, cfg Config, opts ...Option) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	q := &Queue{
		cfg:      cfg,
		sender:   sender,
		metrics:  nopRecorder{},
		logger:   zap.NewNop(),
		jobs:     make(chan ledger.Notice, cfg.QueueSize),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.logger.Info("notification queue started",
		zap.Int("workers", cfg.Workers),
		zap.Int("buffer", cfg.QueueSize))
	return q
}

// Notify implements ledger.Notifier.
func (q *Queue) Notify(n ledger.Notice) {
	if err := q.Enqueue(n); err != nil {
		q.logger.Warn("dropping notification",
			zap.String("kind", string(n.Kind)),
			zap.String("pubkey", n.Pubkey),
			zap.Error(err))
	}
}

// Enqueue queues n without blocking. Notices refused because the buffer is
// full or the queue is closed are counted as drops.
func (q *Queue) Enqueue(n ledger.Notice) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.metrics.RecordQueueDrop()
		return fmt.Errorf("%w: queue closed", ErrQueueFull)
	}
	select {
	case q.jobs <- n:
		return nil
	default:
		q.metrics.RecordQueueDrop()
		return ErrQueueFull
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		select {
		case n := <-q.jobs:
			q.deliver(n)
		case <-q.stopChan:
			// drain what is already buffered
			for {
				select {
				case n := <-q.jobs:
					q.deliver(n)
				default:
					q.logger.Debug("notification worker stopped", zap.Int("worker", id))
					return
				}
			}
		}
	}
}

func (q *Queue) deliver(n ledger.Notice) {
	switch {
	case n.Kind == ledger.NoticeOnboarded && q.cfg.AdmissionMessage != "":
		q.send(KindOnboarding, n.Pubkey, q.cfg.AdmissionMessage)
	case n.Kind == ledger.NoticeCredited && q.cfg.BalanceNotifications:
		q.send(KindBalance, n.Pubkey, BalanceMessage(n.Balance))
	}

	if q.hooks == nil || q.hooks.Len() == 0 {
		return
	}
	evt, ok := hooks.FromNotice(n)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.Timeout)
	defer cancel()
	err := q.hooks.Emit(ctx, evt)
	q.metrics.RecordNotification(KindHook, err)
	if err != nil {
		q.logger.Warn("hook delivery failed", zap.String("type", string(evt.Type)), zap.Error(err))
	}
}

func (q *Queue) send(kind, pubkey, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.Timeout)
	defer cancel()
	err := q.sender.Send(ctx, pubkey, text)
	q.metrics.RecordNotification(kind, err)
	if err != nil {
		q.logger.Warn("direct message failed", zap.String("kind", kind), zap.String("to", pubkey), zap.Error(err))
		return
	}
	q.logger.Debug("direct message sent", zap.String("kind", kind), zap.String("to", pubkey))
}

// BalanceMessage is the text of a balance notification.
func BalanceMessage(balance int64) string {
	return fmt.Sprintf("Your account balance is %d", balance)
}

// Close stops accepting notices, delivers what is buffered and waits for the
// workers to exit.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.stopOnce.Do(func() { close(q.stopChan) })
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
