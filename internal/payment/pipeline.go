package payment

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tokligence/relay-authz/internal/event"
	"github.com/tokligence/relay-authz/internal/ledger"
)

// Result reports what a processed payment did to the ledger.
type Result struct {
	Receipt Receipt
	Credit  ledger.CreditResult
}

// Pipeline credits decoded payment events exactly once per proof.
type Pipeline struct {
	ledger *ledger.Service
	logger *zap.Logger
}

// NewPipeline builds a pipeline over svc. A nil logger disables logging.
func NewPipeline(svc *ledger.Service, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{ledger: svc, logger: logger}
}

// Process decodes ev and credits its payee. Replayed proofs succeed without
// changing the ledger (Result.Credit.Duplicate is set).
func (p *Pipeline) Process(ctx context.Context, ev event.Event) (Result, error) {
	receipt, err := Decode(ev)
	if err != nil {
		return Result{}, err
	}
	p.logger.Debug("payment received",
		zap.String("payee", receipt.Payee),
		zap.Int64("amount", receipt.Amount),
		zap.String("proof_id", receipt.ProofID))

	credit, err := p.ledger.ApplyPayment(ctx, receipt.Payee, receipt.ProofID, receipt.Amount)
	if err != nil {
		return Result{Receipt: receipt}, err
	}
	if !credit.Duplicate && p.logger.Core().Enabled(zap.DebugLevel) {
		go p.logSnapshot()
	}
	return Result{Receipt: receipt, Credit: credit}, nil
}

// logSnapshot dumps every account at debug level. It runs detached from the
// request and only when debug logging is on.
func (p *Pipeline) logSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	accounts, err := p.ledger.SnapshotAll(ctx)
	if err != nil {
		p.logger.Debug("ledger snapshot failed", zap.Error(err))
		return
	}
	for _, a := range accounts {
		p.logger.Debug("ledger account", zap.String("pubkey", a.Pubkey), zap.Int64("balance", a.Balance))
	}
}
