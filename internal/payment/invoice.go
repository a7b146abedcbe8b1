package payment

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Minimum data part of a payment request: a 35-bit timestamp (7 groups) and a
// 520-bit signature (104 groups).
const minInvoiceGroups = 7 + 104

var currencies = map[string]struct{}{
	"bc":   {},
	"tb":   {},
	"bcrt": {},
	"tbs":  {},
	"sb":   {},
}

// msat per unit of the amount, keyed by multiplier. Pico is handled apart
// because it divides.
var multipliers = map[byte]uint64{
	'm': 100_000_000,
	'u': 100_000,
	'n': 100,
}

const msatPerBitcoin = 100_000_000_000

// DecodeInvoiceAmount returns the amount encoded in a lightning payment request,
// in millisatoshi. ok is false when the request carries no amount.
//
// Only the human readable part is interpreted; the checksum is verified but the
// tagged fields and the signature are not, since the payer already settled it.
func DecodeInvoiceAmount(invoice string) (msat uint64, ok bool, err error) {
	hrp, data, err := bech32.DecodeNoLimit(strings.TrimSpace(invoice))
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}
	if len(data) < minInvoiceGroups {
		return 0, false, fmt.Errorf("%w: data part too short (%d groups)", ErrInvalidInvoice, len(data))
	}
	hrp = strings.ToLower(hrp)
	if !strings.HasPrefix(hrp, "ln") {
		return 0, false, fmt.Errorf("%w: prefix %q is not a lightning request", ErrInvalidInvoice, hrp)
	}
	rest := hrp[2:]

	split := strings.IndexAny(rest, "0123456789")
	currency, amount := rest, ""
	if split >= 0 {
		currency, amount = rest[:split], rest[split:]
	}
	if _, known := currencies[currency]; !known {
		return 0, false, fmt.Errorf("%w: unknown currency %q", ErrInvalidInvoice, currency)
	}
	if amount == "" {
		return 0, false, nil
	}
	msat, err = parseAmount(amount)
	if err != nil {
		return 0, false, err
	}
	return msat, true, nil
}

func parseAmount(s string) (uint64, error) {
	last := s[len(s)-1]
	digits := s
	isDigit := last >= '0' && last <= '9'
	if !isDigit {
		digits = s[:len(s)-1]
	}
	if digits == "" {
		return 0, fmt.Errorf("%w: amount %q has no digits", ErrInvalidInvoice, s)
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", ErrInvalidInvoice, s, err)
	}

	switch {
	case isDigit:
		return mul(n, msatPerBitcoin, s)
	case last == 'p':
		if n%10 != 0 {
			return 0, fmt.Errorf("%w: pico amount %q is not a whole millisatoshi", ErrInvalidInvoice, s)
		}
		return n / 10, nil
	}
	factor, known := multipliers[last]
	if !known {
		return 0, fmt.Errorf("%w: unknown multiplier %q", ErrInvalidInvoice, string(last))
	}
	return mul(n, factor, s)
}

func mul(n, factor uint64, raw string) (uint64, error) {
	if n > math.MaxUint64/factor {
		return 0, fmt.Errorf("%w: amount %q overflows", ErrInvalidInvoice, raw)
	}
	return n * factor, nil
}
