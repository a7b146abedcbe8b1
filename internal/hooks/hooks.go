package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/relay-authz/internal/ledger"
)

// EventType names the ledger transitions exported to hook listeners.
// Downstream systems (welcome bots, accounting exports, audit sinks) can
// subscribe to these to mirror account state.
type EventType string

const (
	// EventAccountOnboarded is emitted when a payment opens a new account.
	EventAccountOnboarded EventType = "relay.account.onboarded"
	// EventPaymentCredited is emitted after a payment is credited.
	EventPaymentCredited EventType = "relay.payment.credited"
	// EventAccountDebited is emitted after an admitted event is charged.
	EventAccountDebited EventType = "relay.account.debited"
)

// Event envelopes the payload broadcast to hook listeners.
type Event struct {
	ID         string         // globally unique event identifier
	Type       EventType      // ledger transition
	OccurredAt time.Time      // timestamp of emission
	Pubkey     string         // principal whose account changed
	Balance    int64          // balance after the change
	Delta      int64          // signed change applied
	ProofID    string         // payment proof, for credits
	Metadata   map[string]any // notice kind, source and previous balance
}

// Metadata sources.
const (
	SourcePayment    = "payment"
	SourceAdjustment = "adjustment"
)

// FromNotice maps a committed ledger change to a hook event.
func FromNotice(n ledger.Notice) (Event, bool) {
	var typ EventType
	switch n.Kind {
	case ledger.NoticeOnboarded:
		typ = EventAccountOnboarded
	case ledger.NoticeCredited:
		typ = EventPaymentCredited
	case ledger.NoticeDebited:
		typ = EventAccountDebited
	default:
		return Event{}, false
	}
	source := SourceAdjustment
	if n.ProofID != "" {
		source = SourcePayment
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Pubkey:     n.Pubkey,
		Balance:    n.Balance,
		Delta:      n.Delta,
		ProofID:    n.ProofID,
		Metadata: map[string]any{
			"notice":           string(n.Kind),
			"source":           source,
			"previous_balance": n.Balance - n.Delta,
		},
	}, true
}

// Handler reacts to an Event. Implementations should be idempotent.
type Handler func(context.Context, Event) error

// Dispatcher coordinates handler registration and event fan-out.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

// Register adds a new handler. Handlers fire sequentially in registration
// order so operators can reason about side effects.
func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Len reports the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Emit delivers an event to all registered handlers. Errors are aggregated so
// callers can surface each failure in logs.
func (d *Dispatcher) Emit(ctx context.Context, event Event) error {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// ScriptConfig describes how to invoke an external command when events fire.
type ScriptConfig struct {
	Command string            // required executable (absolute or PATH lookup)
	Args    []string          // static arguments passed to the executable
	Env     map[string]string // optional environment overrides
	Timeout time.Duration     // optional max execution time
}

// MarshalEvent converts an Event into the wire format presented to scripts.
var MarshalEvent = JSONMarshaler

// NewScriptHandler returns a Handler that pipes the marshalled event to a
// configured executable via STDIN.
func NewScriptHandler(cfg ScriptConfig) Handler {
	return func(parentCtx context.Context, evt Event) error {
		if cfg.Command == "" {
			return fmt.Errorf("hooks: command not configured")
		}

		payload, err := MarshalEvent(evt)
		if err != nil {
			return fmt.Errorf("hooks: marshal event: %w", err)
		}

		ctx := parentCtx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, cfg.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			env := cmd.Environ()
			for key, val := range cfg.Env {
				env = append(env, fmt.Sprintf("%s=%s", key, val))
			}
			cmd.Env = env
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("hooks: stdin pipe: %w", err)
		}

		go func() {
			defer stdin.Close()
			_, _ = stdin.Write(payload)
		}()

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("hooks: command failed: %w", err)
		}

		return nil
	}
}

// JSONMarshaler serialises the event into a stable JSON envelope.
func JSONMarshaler(evt Event) ([]byte, error) {
	envelope := struct {
		ID         string         `json:"id"`
		Type       EventType      `json:"type"`
		OccurredAt time.Time      `json:"occurred_at"`
		Pubkey     string         `json:"pubkey"`
		Balance    int64          `json:"balance"`
		Delta      int64          `json:"delta"`
		ProofID    string         `json:"proof_id,omitempty"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}{
		ID:         evt.ID,
		Type:       evt.Type,
		OccurredAt: evt.OccurredAt,
		Pubkey:     evt.Pubkey,
		Balance:    evt.Balance,
		Delta:      evt.Delta,
		ProofID:    evt.ProofID,
		Metadata:   evt.Metadata,
	}
	return json.Marshal(envelope)
}
