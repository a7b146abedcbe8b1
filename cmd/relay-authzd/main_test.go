package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"

	"github.com/tokligence/relay-authz/internal/config"
	"github.com/tokligence/relay-authz/internal/ledger"
	"github.com/tokligence/relay-authz/internal/ledger/sqlite"
	"github.com/tokligence/relay-authz/internal/nauthz"
)

const (
	trusted  = "7777777777777777777777777777777777777777777777777777777777777777"
	stranger = "8888888888888888888888888888888888888888888888888888888888888888"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestAccountsCommands(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ledger.db")
	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[ledger]\npath = \""+filepath.ToSlash(dbPath)+"\"\n[cost]\nadmission = 100\n"), 0o644))

	store, err := sqlite.New(dbPath)
	require.NoError(t, err)
	_, err = store.Credit(context.Background(), stranger, "proof-a", 250)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := runCLI(t, "--config", cfgPath, "accounts", "list", "--format", "yaml")
	require.NoError(t, err)
	var accounts []ledger.Account
	require.NoError(t, yaml.Unmarshal([]byte(out), &accounts))
	assert.Equal(t, []ledger.Account{{Pubkey: stranger, Balance: 250}}, accounts)

	out, err = runCLI(t, "--config", cfgPath, "accounts", "show", stranger)
	require.NoError(t, err)
	assert.Contains(t, out, "balance:  250")
	assert.Contains(t, out, "admitted: true")
	assert.Contains(t, out, "proof-a")

	_, err = runCLI(t, "--config", cfgPath, "accounts", "show", trusted)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = runCLI(t, "--config", cfgPath, "accounts", "clear")
	require.Error(t, err)

	_, err = runCLI(t, "--config", cfgPath, "accounts", "clear", "--yes")
	require.NoError(t, err)
	out, err = runCLI(t, "--config", cfgPath, "accounts", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, stranger)
}

func TestInitAndVersionCommands(t *testing.T) {
	dir := t.TempDir()
	out, err := runCLI(t, "init", "--root", dir, "--per-event", "5")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, config.DefaultFile))

	cfg, err := config.Load(filepath.Join(dir, config.DefaultFile))
	require.NoError(t, err)
	assert.Equal(t, int64(5), cfg.Cost.PerEvent)

	out, err = runCLI(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "relay-authz "))
}

func TestServeAnswersEventAdmit(t *testing.T) {
	cfg := config.Default()
	cfg.Ledger.Backend = config.BackendMemory
	cfg.Server.AdminAddress = ""
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Info.TrustedKeys = []string{trusted}

	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx, lis, nil) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := nauthz.NewClient(conn)

	admit := func(author string) *nauthz.EventReply {
		raw, err := hex.DecodeString(author)
		require.NoError(t, err)
		callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
		defer callCancel()
		reply, err := client.EventAdmit(callCtx, &nauthz.EventRequest{
			Event: &nauthz.Event{Id: make([]byte, 32), Pubkey: raw, Kind: 1, Content: "hello"},
		})
		require.NoError(t, err)
		return reply
	}

	reply := admit(trusted)
	assert.Equal(t, nauthz.Decision_DECISION_PERMIT, reply.Decision)
	assert.Equal(t, "Ok", reply.GetMessage())

	reply = admit(stranger)
	assert.Equal(t, nauthz.Decision_DECISION_DENY, reply.Decision)
	assert.Equal(t, "Not allowed to publish", reply.GetMessage())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
