// Package payment turns payment-proof events into ledger credits.
package payment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tokligence/relay-authz/internal/event"
)

var (
	// ErrMalformedPayment covers every reason a payment event cannot be credited.
	ErrMalformedPayment = errors.New("payment: malformed payment event")
	// ErrPaymentNotFound means the event lacks a recipient or an amount.
	ErrPaymentNotFound = errors.New("payment: payment information not found")
	// ErrInvalidInvoice means the payment request could not be decoded.
	ErrInvalidInvoice = errors.New("payment: invalid invoice")
)

const (
	// TagRecipient names the payee principal.
	TagRecipient = "p"
	// TagInvoice carries the settled payment request.
	TagInvoice = "bolt11"
)

// Receipt is a decoded payment event.
type Receipt struct {
	Payee      string
	AmountMsat uint64
	// Amount is the credit in the ledger unit (satoshi), remainder discarded.
	Amount  int64
	ProofID string
}

// Decode scans ev's tags for a recipient and an invoice. Later tags override
// earlier ones until both are known; the scan stops there.
func Decode(ev event.Event) (Receipt, error) {
	var (
		payee     string
		msat      uint64
		hasAmount bool
	)
	for _, tag := range ev.Tags {
		switch tag.Name() {
		case TagRecipient:
			if len(tag) < 2 {
				return Receipt{}, fmt.Errorf("%w: empty %q tag", ErrMalformedPayment, TagRecipient)
			}
			payee = tag.Value()
		case TagInvoice:
			if len(tag) < 2 {
				return Receipt{}, fmt.Errorf("%w: empty %q tag", ErrMalformedPayment, TagInvoice)
			}
			amount, ok, err := DecodeInvoiceAmount(tag.Value())
			if err != nil {
				return Receipt{}, fmt.Errorf("%w: %w", ErrMalformedPayment, err)
			}
			msat, hasAmount = amount, ok
		}
		if payee != "" && hasAmount {
			break
		}
	}
	if payee == "" || !hasAmount {
		return Receipt{}, fmt.Errorf("%w: %w", ErrMalformedPayment, ErrPaymentNotFound)
	}

	principal, err := event.NormalizePrincipal(payee)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: recipient: %w", ErrMalformedPayment, err)
	}
	proofID := strings.ToLower(ev.ID)
	if proofID == "" {
		return Receipt{}, fmt.Errorf("%w: event has no id", ErrMalformedPayment)
	}
	return Receipt{
		Payee:      principal,
		AmountMsat: msat,
		Amount:     int64(msat / 1000),
		ProofID:    proofID,
	}, nil
}
