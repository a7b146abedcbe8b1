// Package event holds the relay event as the gatekeeper sees it, decoupled
// from the wire encoding.
package event

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrInvalidPrincipal is returned when a principal is neither a 32-byte hex
// key nor an npub.
var ErrInvalidPrincipal = errors.New("event: invalid principal")

// PrincipalSize is the byte length of a relay public key.
const PrincipalSize = 32

// Tag is one tag entry: a name followed by its values.
type Tag []string

// Name returns the tag name or "" for an empty tag.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first value after the name.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Event is a signed relay event. ID, Pubkey and Sig are lowercase hex.
type Event struct {
	ID        string
	Pubkey    string
	CreatedAt uint64
	Kind      uint64
	Content   string
	Tags      []Tag
	Sig       string
}

// Find returns the first tag with the given name.
func (e Event) Find(name string) (Tag, bool) {
	for _, t := range e.Tags {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// ContentSample returns at most n runes of the content, for logging.
func (e Event) ContentSample(n int) string {
	i := 0
	for pos := range e.Content {
		if i == n {
			return e.Content[:pos]
		}
		i++
	}
	return e.Content
}

// PrincipalFromBytes hex-encodes a raw public key.
func PrincipalFromBytes(raw []byte) (string, error) {
	if len(raw) != PrincipalSize {
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidPrincipal, len(raw))
	}
	return hex.EncodeToString(raw), nil
}

// NormalizePrincipal accepts a hex key or an npub and returns lowercase hex.
func NormalizePrincipal(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPrincipal, err)
		}
		hexKey, ok := value.(string)
		if prefix != "npub" || !ok {
			return "", fmt.Errorf("%w: unexpected %s entity", ErrInvalidPrincipal, prefix)
		}
		s = hexKey
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPrincipal, err)
	}
	return PrincipalFromBytes(raw)
}

// NormalizeSecret accepts a hex secret key or an nsec and returns lowercase hex.
func NormalizeSecret(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("decode secret key: %w", err)
		}
		hexKey, ok := value.(string)
		if prefix != "nsec" || !ok {
			return "", fmt.Errorf("decode secret key: unexpected %s entity", prefix)
		}
		s = hexKey
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != PrincipalSize {
		return "", errors.New("secret key must be 32 bytes of hex or an nsec")
	}
	return hex.EncodeToString(raw), nil
}
