package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/tokligence/relay-authz/internal/ledger"
)

func TestDispatcherEmit(t *testing.T) {
	d := &Dispatcher{}
	var sequence []string
	d.Register(func(ctx context.Context, evt Event) error {
		sequence = append(sequence, "first:"+string(evt.Type))
		return nil
	})
	d.Register(func(ctx context.Context, evt Event) error {
		sequence = append(sequence, "second:"+evt.Metadata["label"].(string))
		return errors.New("second handler failed")
	})
	d.Register(nil)

	evt := Event{
		ID:         "evt-1",
		Type:       EventAccountOnboarded,
		OccurredAt: time.Now(),
		Metadata:   map[string]any{"label": "ok"},
	}

	err := d.Emit(context.Background(), evt)
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "second handler failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Len() != 2 {
		t.Fatalf("nil handlers must not register, got %d", d.Len())
	}
	if sequence[0] != "first:"+string(EventAccountOnboarded) {
		t.Fatalf("unexpected first handler record %q", sequence[0])
	}
	if sequence[1] != "second:ok" {
		t.Fatalf("unexpected second handler record %q", sequence[1])
	}
}

func TestFromNotice(t *testing.T) {
	evt, ok := FromNotice(ledger.Notice{Kind: ledger.NoticeCredited, Pubkey: "ab", Balance: 50, Delta: 50, ProofID: "z1"})
	if !ok {
		t.Fatalf("credit notice not mapped")
	}
	if evt.Type != EventPaymentCredited || evt.Pubkey != "ab" || evt.ProofID != "z1" || evt.ID == "" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt, _ := FromNotice(ledger.Notice{Kind: ledger.NoticeDebited}); evt.Type != EventAccountDebited {
		t.Fatalf("debit mapped to %s", evt.Type)
	}
	if evt.Metadata["source"] != SourcePayment || evt.Metadata["previous_balance"] != int64(0) {
		t.Fatalf("unexpected metadata %v", evt.Metadata)
	}
	if _, ok := FromNotice(ledger.Notice{Kind: "unknown"}); ok {
		t.Fatalf("unknown notice kinds must be skipped")
	}
}

func TestJSONMarshalerEnvelope(t *testing.T) {
	payload, err := JSONMarshaler(Event{ID: "e", Type: EventAccountDebited, Pubkey: "ab", Balance: 80, Delta: -20})
	if err != nil {
		t.Fatalf("JSONMarshaler: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["type"] != string(EventAccountDebited) || decoded["delta"].(float64) != -20 {
		t.Fatalf("unexpected envelope %s", payload)
	}
	if _, present := decoded["proof_id"]; present {
		t.Fatalf("empty proof_id should be omitted: %s", payload)
	}
}

func TestJSONMarshalerCarriesMetadata(t *testing.T) {
	evt, ok := FromNotice(ledger.Notice{Kind: ledger.NoticeDebited, Pubkey: "ab", Balance: 80, Delta: -20})
	if !ok {
		t.Fatalf("debit notice not mapped")
	}
	payload, err := JSONMarshaler(evt)
	if err != nil {
		t.Fatalf("JSONMarshaler: %v", err)
	}
	var decoded struct {
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	md := decoded.Metadata
	if md["notice"] != "debited" || md["source"] != SourceAdjustment || md["previous_balance"].(float64) != 100 {
		t.Fatalf("unexpected metadata %s", payload)
	}
}

func TestNewScriptHandlerRunsCommand(t *testing.T) {
	MarshalEvent = JSONMarshaler

	expectID := "evt-script"
	expectType := EventPaymentCredited
	handler := NewScriptHandler(ScriptConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcessScriptHandler", "--", expectID, string(expectType)},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"HOOK_EXPECT_ID":         expectID,
			"HOOK_EXPECT_TYPE":       string(expectType),
		},
		Timeout: 5 * time.Second,
	})

	evt := Event{
		ID:         expectID,
		Type:       expectType,
		OccurredAt: time.Now(),
		Pubkey:     strings.Repeat("ab", 32),
		Balance:    5000,
		Delta:      5000,
		ProofID:    strings.Repeat("cd", 32),
	}

	if err := handler(context.Background(), evt); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
}

func TestHelperProcessScriptHandler(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	var payload struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Balance int64  `json:"balance"`
	}
	if err := json.NewDecoder(os.Stdin).Decode(&payload); err != nil {
		io.WriteString(os.Stderr, "decode error: "+err.Error())
		os.Exit(2)
	}
	if payload.ID != os.Getenv("HOOK_EXPECT_ID") {
		io.WriteString(os.Stderr, "unexpected id")
		os.Exit(3)
	}
	if payload.Type != os.Getenv("HOOK_EXPECT_TYPE") {
		io.WriteString(os.Stderr, "unexpected type")
		os.Exit(4)
	}
	os.Exit(0)
}

func TestScriptHandlerWithoutCommand(t *testing.T) {
	if err := NewScriptHandler(ScriptConfig{})(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error for missing command")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when enabled without script path")
	}

	cfg.ScriptPath = "/tmp/hook.sh"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	cfg.Timeout = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for negative timeout")
	}
	cfg.Timeout = 0

	h, err := cfg.ScriptHandler()
	if err != nil || h == nil {
		t.Fatalf("expected handler when config enabled, err=%v", err)
	}

	disabled := Config{}
	if handler, err := disabled.ScriptHandler(); handler != nil || err != nil {
		t.Fatalf("expected nil handler when config disabled")
	}
}

func TestConfigEnvEntries(t *testing.T) {
	cfg := Config{
		Enabled:    true,
		ScriptPath: "/tmp/hook.sh",
		Env:        []string{"API_TOKEN=s3cr3t", " Mixed_Case = a=b", "EMPTY="},
	}
	env, err := cfg.EnvMap()
	if err != nil {
		t.Fatalf("EnvMap: %v", err)
	}
	if env["API_TOKEN"] != "s3cr3t" {
		t.Fatalf("uppercase key lost: %v", env)
	}
	if v, ok := env["Mixed_Case"]; !ok || v != " a=b" {
		t.Fatalf("value after first '=' must be kept verbatim: %q", v)
	}
	if v, ok := env["EMPTY"]; !ok || v != "" {
		t.Fatalf("empty value dropped: %v", env)
	}

	for _, bad := range []string{"NOEQUALS", "=value", "  =x"} {
		cfg.Env = []string{bad}
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected validation error for env entry %q", bad)
		}
		if h, err := cfg.ScriptHandler(); err == nil || h != nil {
			t.Fatalf("expected ScriptHandler to reject env entry %q", bad)
		}
	}
}
