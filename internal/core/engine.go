package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"LeverLedger/internal/event"
	"LeverLedger/internal/ledger"
	"LeverLedger/internal/observability"
	"LeverLedger/internal/state"
	"LeverLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const (
	// maxAmount bounds any single command amount so liquidity sums and
	// amount+fee stay far from int64 overflow.
	maxAmount = int64(1) << 60

	globalCheckInterval = 1000
)

// Config fixes the economic parameters and collateral wiring of one core.
type Config struct {
	Params              state.ProtocolParams
	Asset               ledger.AssetID
	Lender              common.Address // Funds borrowed levels via transferFrom
	IdempotencyCapacity int
}

// DeterministicCore is the single-threaded command processor. It owns all
// ledger state; nothing else reads or writes it concurrently.
type DeterministicCore struct {
	cfg            Config
	sequence       int64
	hasher         *StateHasher
	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator
	st             *state.State
	collateral     token.Collateral
	idempotency    *IdempotencyChecker
	metrics        *observability.Metrics
	logger         zerolog.Logger

	executing        bool
	sinceGlobalCheck int

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one committed command as seen by persistence and projections.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Command    event.Event
	Batch      *ledger.Batch
	Result     *Result
	StateDelta []byte
	Quotes     []Quote // post-command prices of every pool the command touched
}

// Result is what a committed command returns to its caller.
type Result struct {
	Sequence      int64                     `json:"sequence"`
	OpportunityID uint64                    `json:"opportunity_id,omitempty"`
	ChainID       uint64                    `json:"chain_id,omitempty"`
	Level         int                       `json:"level,omitempty"`
	Borrowed      int64                     `json:"borrowed,omitempty"`
	Fee           int64                     `json:"fee,omitempty"`
	Liquidation   *state.LiquidationOutcome `json:"liquidation,omitempty"`
	Payout        *state.Payout             `json:"payout,omitempty"`
	UnconfirmedTx string                    `json:"unconfirmed_tx,omitempty"` // transfer sent, outcome not observed
}

// transfer is the single external interaction a command may perform.
type transfer struct {
	pull   bool // transferFrom(party, vault) when true, transfer(vault, party) otherwise
	party  common.Address
	amount int64
}

// effect is a handler's staged outcome: state already mutated under the undo
// log, a batch not yet applied, and the transfer not yet made.
type effect struct {
	batch         *ledger.Batch
	transfer      *transfer
	result        *Result
	opportunities []*state.Opportunity
	chain         *state.PositionChain
	record        func(m *observability.Metrics)
}

func NewDeterministicCore(
	cfg Config,
	startSequence int64,
	collateral token.Collateral,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *DeterministicCore {
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = 1_000_000
	}
	balanceTracker := ledger.NewBalanceTracker()

	return &DeterministicCore{
		cfg:            cfg,
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		balanceTracker: balanceTracker,
		journalGen:     ledger.NewJournalGenerator(cfg.Asset),
		validator:      ledger.NewInvariantValidator(balanceTracker),
		st:             state.New(cfg.Params),
		collateral:     collateral,
		idempotency:    NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker, metrics, logger),
		metrics:        metrics,
		logger:         logger,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// ProcessCommand is the main processing pipeline:
// reentrancy guard -> dedup -> handler -> batch -> post-checks ->
// token transfer -> hash chain -> emit.
func (c *DeterministicCore) ProcessCommand(ctx context.Context, cmd event.Event) (*Result, error) {
	start := time.Now()
	eventType := cmd.EventType().String()
	idempotencyKey := cmd.IdempotencyKey()

	if c.executing || InCoreCall(ctx) {
		c.reject(eventType, ErrReentrantCall)
		return nil, fmt.Errorf("%w: %s while another command is executing", ErrReentrantCall, eventType)
	}

	if c.idempotency.IsDuplicate(eventType, idempotencyKey) {
		c.reject(eventType, ErrDuplicateRequest)
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateRequest, eventType, idempotencyKey)
	}

	c.executing = true
	defer func() { c.executing = false }()

	output, rec, err := c.apply(WithCallMarker(ctx), cmd, true)
	if err != nil {
		c.reject(eventType, err)
		return nil, err
	}

	c.emit(output)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		if rec != nil {
			rec(c.metrics)
		}
		if output.Batch != nil {
			for _, j := range output.Batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
		c.metrics.FeeBalance.Set(float64(c.balanceTracker.FeeBalance(c.cfg.Asset)))
		c.metrics.CoreCommandsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return output.Result, nil
}

// Replay re-applies a logged command during recovery. Transfers are not
// repeated and nothing is emitted; the returned output carries the
// recomputed state hash for verification against the log.
func (c *DeterministicCore) Replay(cmd event.Event) (*CoreOutput, error) {
	output, _, err := c.apply(WithCallMarker(context.Background()), cmd, false)
	if err != nil {
		return nil, fmt.Errorf("replay %s %s: %w", cmd.EventType(), cmd.IdempotencyKey(), err)
	}
	c.idempotency.MarkProcessed(cmd.EventType().String(), cmd.IdempotencyKey())
	return output, nil
}

// apply runs one command to commit or full rollback.
func (c *DeterministicCore) apply(ctx context.Context, cmd event.Event, interact bool) (*CoreOutput, func(*observability.Metrics), error) {
	undo := state.NewUndoLog()
	header := ledger.BatchHeader{
		EventRef:  cmd.IdempotencyKey(),
		Sequence:  c.sequence,
		Timestamp: cmd.EventTime().UnixMicro(),
	}

	eff, err := c.dispatchCommand(cmd, header, undo)
	if err != nil {
		undo.Rollback()
		return nil, nil, err
	}

	applied := false
	if eff.batch != nil && !eff.batch.Empty() {
		if err := c.validator.ValidateBatchBalance(eff.batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(eff.batch); err != nil {
			undo.Rollback()
			return nil, nil, fmt.Errorf("apply batch failed: %w", err)
		}
		applied = true
	}

	if err := c.postCheckInvariants(eff); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Every internal effect is in place before the token is touched.
	var unconfirmedTx string
	if interact && eff.transfer != nil {
		err := c.interact(ctx, eff.transfer)
		if errors.Is(err, token.ErrTransferUnknown) {
			// The transfer may have landed: undoing the command could pay
			// the same claim twice. Commit and leave the tx to reconciliation.
			unconfirmedTx = "unknown"
			var unknown *token.UnknownOutcomeError
			if errors.As(err, &unknown) && unknown.TxHash != "" {
				unconfirmedTx = unknown.TxHash
			}
			if c.metrics != nil {
				c.metrics.CoreUnconfirmed.WithLabelValues(cmd.EventType().String()).Inc()
			}
			c.logger.Error().Err(err).
				Str("command", cmd.EventType().String()).
				Str("request_id", cmd.IdempotencyKey()).
				Str("tx", unconfirmedTx).
				Int64("amount", eff.transfer.amount).
				Msg("token transfer outcome unknown, command committed for reconciliation")
			err = nil
		}
		if err != nil {
			if applied {
				c.balanceTracker.RevertBatch(eff.batch)
			}
			undo.Rollback()
			if c.metrics != nil {
				c.metrics.CoreRollbacks.WithLabelValues(cmd.EventType().String()).Inc()
			}
			c.logger.Warn().Err(err).
				Str("command", cmd.EventType().String()).
				Str("request_id", cmd.IdempotencyKey()).
				Int64("amount", eff.transfer.amount).
				Msg("token transfer failed, command rolled back")
			return nil, nil, fmt.Errorf("%w: %w", token.ErrTransferFailed, err)
		}
	}
	undo.Commit()

	if !applied {
		eff.batch = nil
	}

	digest := c.computeStateDigest(eff)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: cmd.IdempotencyKey(),
		EventType:      cmd.EventType(),
		OpportunityID:  cmd.OpportunityRef(),
		Caller:         cmd.Actor(),
		Timestamp:      cmd.EventTime(),
		StateHash:      stateHash,
		PrevHash:       prevHash,
		UnconfirmedTx:  unconfirmedTx,
	}

	eff.result.Sequence = c.sequence
	eff.result.UnconfirmedTx = unconfirmedTx
	quotes := quotesOf(eff.opportunities, c.sequence)
	c.sequence++

	return &CoreOutput{
		Envelope:   envelope,
		Command:    cmd,
		Batch:      eff.batch,
		Result:     eff.result,
		StateDelta: digest,
		Quotes:     quotes,
	}, eff.record, nil
}

func quotesOf(opps []*state.Opportunity, seq int64) []Quote {
	if len(opps) == 0 {
		return nil
	}
	quotes := make([]Quote, 0, len(opps))
	seen := make(map[uint64]bool, len(opps))
	for _, opp := range opps {
		if seen[opp.ID] {
			continue
		}
		seen[opp.ID] = true
		quotes = append(quotes, quoteOf(opp, seq))
	}
	return quotes
}

func (c *DeterministicCore) interact(ctx context.Context, t *transfer) error {
	if c.collateral == nil {
		return fmt.Errorf("no collateral token configured")
	}
	if t.pull {
		return c.collateral.TransferFrom(ctx, t.party, t.amount)
	}
	return c.collateral.Transfer(ctx, t.party, t.amount)
}

// emit hands the output to persistence (blocking, backpressure) and
// projections (non-blocking, dropped when full; projections rebuild from the log).
func (c *DeterministicCore) emit(output *CoreOutput) {
	if c.persistChan != nil {
		c.persistChan <- *output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- *output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

func (c *DeterministicCore) reject(eventType string, err error) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(eventType, RejectReason(err)).Inc()
	}
}

// computeStateDigest creates canonical bytes for the state hash: every
// affected account with its new balance, then the touched aggregates.
func (c *DeterministicCore) computeStateDigest(eff *effect) []byte {
	var accounts []ledger.AccountKey
	if eff.batch != nil {
		accounts = eff.batch.AffectedAccounts()
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+256)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, c.balanceTracker.GetBalance(key))
	}

	opps := append([]*state.Opportunity(nil), eff.opportunities...)
	sort.Slice(opps, func(i, j int) bool { return opps[i].ID < opps[j].ID })
	for i, opp := range opps {
		if i > 0 && opps[i-1].ID == opp.ID {
			continue
		}
		digest = append(digest, opp.CanonicalBytes()...)
	}
	if eff.chain != nil {
		digest = append(digest, eff.chain.CanonicalBytes()...)
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates the invariants a command could have touched.
// A failure means the state is corrupt; the caller panics.
func (c *DeterministicCore) postCheckInvariants(eff *effect) error {
	asset := c.cfg.Asset
	for _, opp := range eff.opportunities {
		if err := c.st.CheckOpportunity(opp); err != nil {
			return err
		}
		if err := c.validator.ValidatePools(opp.ID, opp.LiquidityYes, opp.LiquidityNo, opp.Resolved, asset); err != nil {
			return err
		}
	}

	if eff.chain != nil {
		if err := c.st.CheckChain(eff.chain); err != nil {
			return err
		}
		owner := eff.chain.Owner
		if err := c.validator.ValidateOwnerDebt(owner, c.st.Chains.OwnerDebt(owner), asset); err != nil {
			return err
		}
	}

	if err := c.validator.ValidateFeesNonNegative(asset); err != nil {
		return err
	}

	c.sinceGlobalCheck++
	if c.sinceGlobalCheck >= globalCheckInterval {
		c.sinceGlobalCheck = 0
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return err
		}
	}
	return nil
}

func checkAmount(amount int64) error {
	if amount <= 0 || amount > maxAmount {
		return fmt.Errorf("%w: amount must be in (0, %d], got %d", state.ErrInvalidAmount, maxAmount, amount)
	}
	return nil
}

func (c *DeterministicCore) handleCreateOpportunity(cmd *event.CreateOpportunity, h ledger.BatchHeader, undo *state.UndoLog) (*effect, error) {
	if cmd.InitialLiquidity > maxAmount {
		return nil, checkAmount(cmd.InitialLiquidity)
	}
	opp, err := c.st.Registry.Create(cmd.Caller, cmd.Name, cmd.MetadataRef, cmd.InitialLiquidity, c.cfg.Params.MinInitialLiquidity, undo)
	if err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GenerateLiquiditySeed(h, opp.ID, opp.LiquidityYes, opp.LiquidityNo)
	if err != nil {
		return nil, err
	}

	return &effect{
		batch:         batch,
		transfer:      &transfer{pull: true, party: cmd.Caller, amount: cmd.InitialLiquidity},
		result:        &Result{OpportunityID: opp.ID},
		opportunities: []*state.Opportunity{opp},
		record: func(m *observability.Metrics) {
			m.OpportunitiesCreated.Inc()
		},
	}, nil
}

func (c *DeterministicCore) handleBuyTokens(cmd *event.BuyTokens, h ledger.BatchHeader, undo *state.UndoLog) (*effect, error) {
	if cmd.Amount > maxAmount {
		return nil, checkAmount(cmd.Amount)
	}
	opp, err := c.st.Registry.Trade(cmd.OpportunityID, cmd.Side, cmd.Caller, cmd.Amount, undo)
	if err != nil {
		return nil, err
	}

	fee := c.st.Fees.TradeFee(cmd.Amount)
	batch, err := c.journalGen.GenerateTrade(h, opp.ID, cmd.Side, cmd.Amount, fee)
	if err != nil {
		return nil, err
	}

	side := cmd.Side.String()
	amount := cmd.Amount
	return &effect{
		batch:         batch,
		transfer:      &transfer{pull: true, party: cmd.Caller, amount: cmd.Amount + fee},
		result:        &Result{OpportunityID: opp.ID, Fee: fee},
		opportunities: []*state.Opportunity{opp},
		record: func(m *observability.Metrics) {
			m.TradeVolume.WithLabelValues(side).Add(float64(amount))
		},
	}, nil
}

func (c *DeterministicCore) handleCreatePositionChain(cmd *event.CreatePositionChain, h ledger.BatchHeader, undo *state.UndoLog) (*effect, error) {
	if cmd.Amount > maxAmount {
		return nil, checkAmount(cmd.Amount)
	}
	chain, err := c.st.Chains.Open(cmd.Caller, cmd.OpportunityID, cmd.Side, cmd.Amount, undo)
	if err != nil {
		return nil, err
	}
	opp, err := c.st.Registry.Get(cmd.OpportunityID)
	if err != nil {
		return nil, err
	}

	fee := c.st.Fees.TradeFee(cmd.Amount)
	batch, err := c.journalGen.GenerateTrade(h, opp.ID, cmd.Side, cmd.Amount, fee)
	if err != nil {
		return nil, err
	}

	side := cmd.Side.String()
	amount := cmd.Amount
	return &effect{
		batch:         batch,
		transfer:      &transfer{pull: true, party: cmd.Caller, amount: cmd.Amount + fee},
		result:        &Result{OpportunityID: opp.ID, ChainID: chain.ID, Fee: fee},
		opportunities: []*state.Opportunity{opp},
		chain:         chain,
		record: func(m *observability.Metrics) {
			m.TradeVolume.WithLabelValues(side).Add(float64(amount))
			m.ChainLevelsOpened.Inc()
		},
	}, nil
}

func (c *DeterministicCore) handleExtendChain(cmd *event.ExtendChain, h ledger.BatchHeader, undo *state.UndoLog) (*effect, error) {
	plan, err := c.st.Chains.PlanExtend(cmd.ChainID, cmd.Caller, cmd.OpportunityID, cmd.Side, c.cfg.Params.MaxLTV)
	if err != nil {
		return nil, err
	}
	pos, err := c.st.Chains.ApplyExtend(plan, undo)
	if err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GenerateBorrow(h, plan.Chain.Owner, plan.Target.ID, plan.Side, plan.Borrow)
	if err != nil {
		return nil, err
	}

	side := plan.Side.String()
	borrow := plan.Borrow
	return &effect{
		batch:    batch,
		transfer: &transfer{pull: true, party: c.cfg.Lender, amount: plan.Borrow},
		result: &Result{
			OpportunityID: plan.Target.ID,
			ChainID:       plan.Chain.ID,
			Level:         pos.Level,
			Borrowed:      plan.Borrow,
		},
		opportunities: []*state.Opportunity{plan.Target},
		chain:         plan.Chain,
		record: func(m *observability.Metrics) {
			m.TradeVolume.WithLabelValues(side).Add(float64(borrow))
			m.ChainLevelsOpened.Inc()
			m.BorrowedTotal.Add(float64(borrow))
		},
	}, nil
}

// handleLiquidateChain is permissionless. A healthy chain is a successful
// no-op: no batch, no transfer, outcome with no levels.
func (c *DeterministicCore) handleLiquidateChain(cmd *event.LiquidateChain, h ledger.BatchHeader, undo *state.UndoLog) (*effect, error) {
	outcome, err := c.st.Liquidations.Plan(cmd.ChainID)
	if err != nil {
		return nil, err
	}
	chain, err := c.st.Chains.Get(cmd.ChainID)
	if err != nil {
		return nil, err
	}

	if !outcome.Changed() {
		return &effect{
			result: &Result{ChainID: chain.ID, Liquidation: outcome},
			chain:  chain,
			record: func(m *observability.Metrics) {
				m.LiquidationCalls.WithLabelValues("noop").Inc()
			},
		}, nil
	}

	incentive, shortfall := c.st.Fees.LiquidationIncentive(outcome.DebtCleared, c.balanceTracker.FeeBalance(c.cfg.Asset))
	outcome.Incentive = incentive
	if shortfall > 0 {
		c.logger.Debug().Uint64("chain_id", chain.ID).Int64("shortfall", shortfall).
			Msg("liquidation incentive capped by fee balance")
	}

	if err := c.st.Liquidations.Apply(outcome, undo); err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GenerateLiquidation(h, chain.Owner, outcome.DebtCleared, incentive)
	if err != nil {
		return nil, err
	}

	var t *transfer
	if incentive > 0 {
		t = &transfer{party: cmd.Caller, amount: incentive}
	}

	result := "partial"
	if outcome.ChainLiquidated {
		result = "full"
	}
	levels := len(outcome.LiquidatedLevels)
	debt := outcome.DebtCleared
	return &effect{
		batch:    batch,
		transfer: t,
		result:   &Result{ChainID: chain.ID, Liquidation: outcome},
		chain:    chain,
		record: func(m *observability.Metrics) {
			m.LiquidationCalls.WithLabelValues(result).Inc()
			m.LevelsLiquidated.Add(float64(levels))
			m.DebtCleared.Add(float64(debt))
			m.IncentivesPaid.Add(float64(incentive))
		},
	}, nil
}

func (c *DeterministicCore) handleResolveOpportunity(cmd *event.ResolveOpportunity, h ledger.BatchHeader, undo *state.UndoLog) (*effect, error) {
	opp, err := c.st.Registry.Resolve(cmd.OpportunityID, cmd.Outcome, cmd.Caller, undo)
	if err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GenerateSettlementLock(h, opp.ID, opp.LiquidityYes, opp.LiquidityNo)
	if err != nil {
		return nil, err
	}

	return &effect{
		batch:         batch,
		result:        &Result{OpportunityID: opp.ID},
		opportunities: []*state.Opportunity{opp},
	}, nil
}

func (c *DeterministicCore) handleClaimWinnings(cmd *event.ClaimWinnings, h ledger.BatchHeader, undo *state.UndoLog) (*effect, error) {
	payout, err := c.st.Settlement.Plan(cmd.OpportunityID, cmd.Caller)
	if err != nil {
		return nil, err
	}
	if err := c.st.Settlement.Apply(payout, undo); err != nil {
		return nil, err
	}
	opp, err := c.st.Registry.Get(cmd.OpportunityID)
	if err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GenerateClaim(h, opp.ID, payout.Net, payout.Fee)
	if err != nil {
		return nil, err
	}

	var t *transfer
	if payout.Net > 0 {
		t = &transfer{party: cmd.Caller, amount: payout.Net}
	}

	net := payout.Net
	return &effect{
		batch:         batch,
		transfer:      t,
		result:        &Result{OpportunityID: opp.ID, Fee: payout.Fee, Payout: payout},
		opportunities: []*state.Opportunity{opp},
		record: func(m *observability.Metrics) {
			m.SettlementPayouts.Add(float64(net))
		},
	}, nil
}

func (c *DeterministicCore) dispatchCommand(cmd event.Event, h ledger.BatchHeader, undo *state.UndoLog) (*effect, error) {
	switch e := cmd.(type) {
	case *event.CreateOpportunity:
		return c.handleCreateOpportunity(e, h, undo)
	case *event.BuyTokens:
		return c.handleBuyTokens(e, h, undo)
	case *event.CreatePositionChain:
		return c.handleCreatePositionChain(e, h, undo)
	case *event.ExtendChain:
		return c.handleExtendChain(e, h, undo)
	case *event.LiquidateChain:
		return c.handleLiquidateChain(e, h, undo)
	case *event.ResolveOpportunity:
		return c.handleResolveOpportunity(e, h, undo)
	case *event.ClaimWinnings:
		return c.handleClaimWinnings(e, h, undo)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

// GetSequence returns the next sequence number to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

func (c *DeterministicCore) Params() state.ProtocolParams {
	return c.cfg.Params
}

func (c *DeterministicCore) Asset() ledger.AssetID {
	return c.cfg.Asset
}

// CheckIntegrity runs every state and ledger invariant over the whole state.
func (c *DeterministicCore) CheckIntegrity() error {
	if err := c.st.CheckAll(); err != nil {
		return err
	}
	for _, opp := range c.st.Registry.All() {
		if err := c.validator.ValidatePools(opp.ID, opp.LiquidityYes, opp.LiquidityNo, opp.Resolved, c.cfg.Asset); err != nil {
			return err
		}
	}
	for _, chain := range c.st.Chains.All() {
		if err := c.validator.ValidateOwnerDebt(chain.Owner, c.st.Chains.OwnerDebt(chain.Owner), c.cfg.Asset); err != nil {
			return err
		}
	}
	if err := c.validator.ValidateFeesNonNegative(c.cfg.Asset); err != nil {
		return err
	}
	return c.validator.ValidateGlobalBalance()
}
