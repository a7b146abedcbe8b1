// Package notify delivers best-effort direct messages and hook events for
// committed ledger changes, off the decision path.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue cannot take more work.
	ErrQueueFull = errors.New("notify: queue full")
	// ErrNotifierUnavailable is returned while the relay circuit is open.
	ErrNotifierUnavailable = errors.New("notify: notifier unavailable")
)

// Sender delivers a text message to a principal.
type Sender interface {
	Send(ctx context.Context, pubkey, text string) error
}

// LogSender only logs messages. It stands in when no relay is configured.
type LogSender struct {
	Logger *zap.Logger
}

// Send logs the message.
func (s LogSender) Send(_ context.Context, pubkey, text string) error {
	if s.Logger != nil {
		s.Logger.Info("direct message (not delivered, no relay configured)",
			zap.String("to", pubkey), zap.String("text", text))
	}
	return nil
}

// NostrSender publishes NIP-04 encrypted direct messages to one relay,
// signed with the gatekeeper's service key.
type NostrSender struct {
	relayURL  string
	secretKey string
	publicKey string

	pool   *nostr.SimplePool
	cancel context.CancelFunc

	mu      sync.Mutex
	secrets map[string][]byte
}

// NewNostrSender prepares a sender. The relay connection is opened lazily on
// first send and re-established when it drops.
func NewNostrSender(relayURL, secretKeyHex string) (*NostrSender, error) {
	if relayURL == "" {
		return nil, errors.New("notify: relay url required")
	}
	pub, err := nostr.GetPublicKey(secretKeyHex)
	if err != nil {
		return nil, fmt.Errorf("notify: derive public key: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NostrSender{
		relayURL:  relayURL,
		secretKey: secretKeyHex,
		publicKey: pub,
		pool:      nostr.NewSimplePool(ctx),
		cancel:    cancel,
		secrets:   make(map[string][]byte),
	}, nil
}

// PublicKey returns the hex public key messages are signed with.
func (s *NostrSender) PublicKey() string { return s.publicKey }

func (s *NostrSender) sharedSecret(pubkey string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if secret, ok := s.secrets[pubkey]; ok {
		return secret, nil
	}
	secret, err := nip04.ComputeSharedSecret(pubkey, s.secretKey)
	if err != nil {
		return nil, err
	}
	s.secrets[pubkey] = secret
	return secret, nil
}

// Send encrypts text for pubkey and publishes it as a kind 4 event.
func (s *NostrSender) Send(ctx context.Context, pubkey, text string) error {
	secret, err := s.sharedSecret(pubkey)
	if err != nil {
		return fmt.Errorf("notify: shared secret for %s: %w", pubkey, err)
	}
	content, err := nip04.Encrypt(text, secret)
	if err != nil {
		return fmt.Errorf("notify: encrypt: %w", err)
	}

	ev := nostr.Event{
		PubKey:    s.publicKey,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindEncryptedDirectMessage,
		Tags:      nostr.Tags{nostr.Tag{"p", pubkey}},
		Content:   content,
	}
	if err := ev.Sign(s.secretKey); err != nil {
		return fmt.Errorf("notify: sign: %w", err)
	}

	relay, err := s.pool.EnsureRelay(s.relayURL)
	if err != nil {
		return fmt.Errorf("notify: connect %s: %w", s.relayURL, err)
	}
	if err := relay.Publish(ctx, ev); err != nil {
		return fmt.Errorf("notify: publish to %s: %w", s.relayURL, err)
	}
	return nil
}

// Close drops the relay connection.
func (s *NostrSender) Close() error {
	s.cancel()
	return nil
}
