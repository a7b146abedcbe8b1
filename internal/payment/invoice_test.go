package payment

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// testInvoice builds a checksummed payment request with the given human
// readable part and a zeroed data part long enough to pass length checks.
func testInvoice(t *testing.T, hrp string) string {
	t.Helper()
	data := make([]byte, minInvoiceGroups+10)
	s, err := bech32.Encode(hrp, data)
	if err != nil {
		t.Fatalf("bech32.Encode(%s): %v", hrp, err)
	}
	return s
}

func TestDecodeInvoiceAmountMultipliers(t *testing.T) {
	cases := []struct {
		hrp  string
		msat uint64
	}{
		{"lnbc1", 100_000_000_000},
		{"lnbc2500u", 250_000_000},
		{"lnbc50u", 5_000_000},
		{"lnbc20m", 2_000_000_000},
		{"lntb10n", 1_000},
		{"lnbcrt1500p", 150},
		{"lntbs7u", 700_000},
		{"lnsb3m", 300_000_000},
	}
	for _, tc := range cases {
		t.Run(tc.hrp, func(t *testing.T) {
			msat, ok, err := DecodeInvoiceAmount(testInvoice(t, tc.hrp))
			if err != nil {
				t.Fatalf("DecodeInvoiceAmount: %v", err)
			}
			if !ok {
				t.Fatalf("expected an amount")
			}
			if msat != tc.msat {
				t.Fatalf("msat = %d, want %d", msat, tc.msat)
			}
		})
	}
}

func TestDecodeInvoiceWithoutAmount(t *testing.T) {
	msat, ok, err := DecodeInvoiceAmount(testInvoice(t, "lnbc"))
	if err != nil {
		t.Fatalf("DecodeInvoiceAmount: %v", err)
	}
	if ok || msat != 0 {
		t.Fatalf("expected no amount, got %d (ok=%v)", msat, ok)
	}
}

func TestDecodeInvoiceRejects(t *testing.T) {
	bad := map[string]string{
		"not bech32":       "lnbc1notaninvoice",
		"fractional pico":  testInvoice(t, "lnbc15p"),
		"unknown currency": testInvoice(t, "lnxx10u"),
		"not lightning":    testInvoice(t, "bc10u"),
		"bad multiplier":   testInvoice(t, "lnbc10x"),
		"overflow":         testInvoice(t, "lnbc99999999999999999"),
	}
	for name, invoice := range bad {
		t.Run(name, func(t *testing.T) {
			if _, _, err := DecodeInvoiceAmount(invoice); !errors.Is(err, ErrInvalidInvoice) {
				t.Fatalf("expected ErrInvalidInvoice, got %v", err)
			}
		})
	}

	short, err := bech32.Encode("lnbc10u", make([]byte, 20))
	if err != nil {
		t.Fatalf("bech32.Encode: %v", err)
	}
	if _, _, err := DecodeInvoiceAmount(short); !errors.Is(err, ErrInvalidInvoice) {
		t.Fatalf("expected short data part to be rejected, got %v", err)
	}
}
