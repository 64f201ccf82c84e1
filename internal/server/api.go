package server

import (
	"context"
	"errors"
	"fmt"

	"LeverLedger/internal/cache"
	"LeverLedger/internal/core"
	"LeverLedger/internal/event"
	"LeverLedger/internal/ingestion"
	"LeverLedger/internal/observability"
	"LeverLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// CoreViewer runs read-only fn on the core goroutine; core.Dispatcher
// implements it.
type CoreViewer interface {
	View(ctx context.Context, fn func(*core.DeterministicCore) error) error
}

// QuoteCache is the read-through quote store; cache.QuoteCache implements it.
type QuoteCache interface {
	GetQuote(ctx context.Context, opportunityID uint64) (*core.Quote, error)
	PutQuote(ctx context.Context, q core.Quote) (bool, error)
}

// --- Requests ---

type CreateOpportunityRequest struct {
	Name             string `json:"name"`
	MetadataRef      string `json:"metadata_ref"`
	InitialLiquidity int64  `json:"initial_liquidity"`
}

type BuyTokensRequest struct {
	OpportunityID uint64 `json:"opportunity_id"`
	Side          string `json:"side"`
	Amount        int64  `json:"amount"`
}

type CreatePositionChainRequest struct {
	OpportunityID uint64 `json:"opportunity_id"`
	Side          string `json:"side"`
	Amount        int64  `json:"amount"`
}

type ExtendChainRequest struct {
	ChainID       uint64 `json:"chain_id"`
	OpportunityID uint64 `json:"opportunity_id"`
	Side          string `json:"side"`
}

type LiquidateChainRequest struct {
	ChainID uint64 `json:"chain_id"`
}

type ResolveOpportunityRequest struct {
	OpportunityID uint64 `json:"opportunity_id"`
	Outcome       *bool  `json:"outcome"`
}

type ClaimWinningsRequest struct {
	OpportunityID uint64 `json:"opportunity_id"`
}

type OpportunityRequest struct {
	OpportunityID uint64 `json:"opportunity_id"`
}

type ChainRequest struct {
	ChainID uint64 `json:"chain_id"`
}

type UserChainsRequest struct {
	Owner string `json:"owner"`
}

type UserTokensRequest struct {
	OpportunityID uint64 `json:"opportunity_id"`
	Side          string `json:"side"`
	Holder        string `json:"holder"`
}

type PositionValueRequest struct {
	ChainID uint64 `json:"chain_id"`
	Level   int    `json:"level"`
}

type ProtocolFeesRequest struct {
	Asset string `json:"asset"`
}

// --- Responses ---

type UserChainsResponse struct {
	Owner  common.Address    `json:"owner"`
	Chains []*core.ChainView `json:"chains"`
}

type UserTokensResponse struct {
	OpportunityID uint64         `json:"opportunity_id"`
	Side          string         `json:"side"`
	Holder        common.Address `json:"holder"`
	Balance       int64          `json:"balance"`
}

type PositionValueResponse struct {
	ChainID uint64 `json:"chain_id"`
	Level   int    `json:"level"`
	Value   int64  `json:"value"`
}

type ProtocolFeesResponse struct {
	Asset   string `json:"asset"`
	Balance int64  `json:"balance"`
}

// API is the transport-independent operation set behind the HTTP gateway
// and the gRPC service. Mutations go through the command service, views
// run on the core goroutine, audit reads go to the query service.
type API struct {
	commands *ingestion.CommandService
	viewer   CoreViewer
	quotes   QuoteCache
	queries  *query.QueryService
	admins   map[common.Address]bool
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// NewAPI wires the operations. quotes and queries may be nil: quotes then
// come straight from the core and the admin reads report unavailable.
func NewAPI(commands *ingestion.CommandService, viewer CoreViewer, quotes QuoteCache, queries *query.QueryService, admins []common.Address, metrics *observability.Metrics, logger zerolog.Logger) *API {
	set := make(map[common.Address]bool, len(admins))
	for _, a := range admins {
		set[a] = true
	}
	return &API{
		commands: commands,
		viewer:   viewer,
		quotes:   quotes,
		queries:  queries,
		admins:   set,
		metrics:  metrics,
		logger:   logger,
	}
}

// ErrUnavailable means an optional backend is not configured.
var ErrUnavailable = errors.New("backend unavailable")

func parseSide(s string) (event.Side, error) {
	side, err := event.ParseSide(s)
	if err != nil {
		return side, fmt.Errorf("%w: %v", ingestion.ErrInvalidCommand, err)
	}
	return side, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s: invalid address %q", ingestion.ErrInvalidCommand, field, s)
	}
	return common.HexToAddress(s), nil
}

// --- Mutations ---

func (a *API) CreateOpportunity(ctx context.Context, m ingestion.Meta, req CreateOpportunityRequest) (*core.Result, error) {
	return a.commands.CreateOpportunity(ctx, m, req.Name, req.MetadataRef, req.InitialLiquidity)
}

func (a *API) BuyTokens(ctx context.Context, m ingestion.Meta, req BuyTokensRequest) (*core.Result, error) {
	side, err := parseSide(req.Side)
	if err != nil {
		return nil, err
	}
	return a.commands.BuyTokens(ctx, m, req.OpportunityID, side, req.Amount)
}

func (a *API) CreatePositionChain(ctx context.Context, m ingestion.Meta, req CreatePositionChainRequest) (*core.Result, error) {
	side, err := parseSide(req.Side)
	if err != nil {
		return nil, err
	}
	return a.commands.CreatePositionChain(ctx, m, req.OpportunityID, side, req.Amount)
}

func (a *API) ExtendChain(ctx context.Context, m ingestion.Meta, req ExtendChainRequest) (*core.Result, error) {
	side, err := parseSide(req.Side)
	if err != nil {
		return nil, err
	}
	return a.commands.ExtendChain(ctx, m, req.ChainID, req.OpportunityID, side)
}

func (a *API) LiquidateChain(ctx context.Context, m ingestion.Meta, req LiquidateChainRequest) (*core.Result, error) {
	return a.commands.LiquidateChain(ctx, m, req.ChainID)
}

func (a *API) ResolveOpportunity(ctx context.Context, m ingestion.Meta, req ResolveOpportunityRequest) (*core.Result, error) {
	if req.Outcome == nil {
		return nil, fmt.Errorf("%w: outcome is required", ingestion.ErrInvalidCommand)
	}
	return a.commands.ResolveOpportunity(ctx, m, req.OpportunityID, *req.Outcome)
}

func (a *API) ClaimWinnings(ctx context.Context, m ingestion.Meta, req ClaimWinningsRequest) (*core.Result, error) {
	return a.commands.ClaimWinnings(ctx, m, req.OpportunityID)
}

// --- Views ---

func (a *API) GetOpportunity(ctx context.Context, req OpportunityRequest) (*core.OpportunityView, error) {
	var view *core.OpportunityView
	err := a.viewer.View(ctx, func(c *core.DeterministicCore) error {
		var err error
		view, err = c.GetOpportunity(req.OpportunityID)
		return err
	})
	return view, err
}

func (a *API) ListOpportunities(ctx context.Context) ([]*core.OpportunityView, error) {
	var views []*core.OpportunityView
	err := a.viewer.View(ctx, func(c *core.DeterministicCore) error {
		views = c.ListOpportunities()
		return nil
	})
	return views, err
}

func (a *API) GetPositionChain(ctx context.Context, req ChainRequest) (*core.ChainView, error) {
	var view *core.ChainView
	err := a.viewer.View(ctx, func(c *core.DeterministicCore) error {
		var err error
		view, err = c.GetPositionChain(req.ChainID)
		return err
	})
	return view, err
}

func (a *API) GetUserChains(ctx context.Context, req UserChainsRequest) (*UserChainsResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	resp := &UserChainsResponse{Owner: owner}
	err = a.viewer.View(ctx, func(c *core.DeterministicCore) error {
		var err error
		resp.Chains, err = c.GetUserChains(owner)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (a *API) GetUserTokens(ctx context.Context, req UserTokensRequest) (*UserTokensResponse, error) {
	side, err := parseSide(req.Side)
	if err != nil {
		return nil, err
	}
	holder, err := parseAddress("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	resp := &UserTokensResponse{OpportunityID: req.OpportunityID, Side: side.String(), Holder: holder}
	err = a.viewer.View(ctx, func(c *core.DeterministicCore) error {
		var err error
		resp.Balance, err = c.GetUserTokens(req.OpportunityID, side, holder)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (a *API) GetCurrentPositionValue(ctx context.Context, req PositionValueRequest) (*PositionValueResponse, error) {
	resp := &PositionValueResponse{ChainID: req.ChainID, Level: req.Level}
	err := a.viewer.View(ctx, func(c *core.DeterministicCore) error {
		var err error
		resp.Value, err = c.GetCurrentPositionValue(req.ChainID, req.Level)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (a *API) ProtocolFees(ctx context.Context, req ProtocolFeesRequest) (*ProtocolFeesResponse, error) {
	resp := &ProtocolFeesResponse{Asset: req.Asset}
	err := a.viewer.View(ctx, func(c *core.DeterministicCore) error {
		var err error
		resp.Balance, err = c.ProtocolFees(req.Asset)
		if err != nil {
			return fmt.Errorf("%w: %v", ingestion.ErrInvalidCommand, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetQuote reads the cached quote and falls back to the core on a miss or
// a cache error, refilling the cache on the way out.
func (a *API) GetQuote(ctx context.Context, req OpportunityRequest) (*core.Quote, error) {
	if a.quotes != nil {
		q, err := a.quotes.GetQuote(ctx, req.OpportunityID)
		if err == nil {
			a.countQuote("hit")
			return q, nil
		}
		if errors.Is(err, cache.ErrCacheMiss) {
			a.countQuote("miss")
		} else {
			a.countQuote("error")
			a.logger.Warn().Err(err).Uint64("opportunity_id", req.OpportunityID).Msg("quote cache read failed")
		}
	}

	var q *core.Quote
	err := a.viewer.View(ctx, func(c *core.DeterministicCore) error {
		var err error
		q, err = c.Quote(req.OpportunityID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if a.quotes != nil {
		if _, err := a.quotes.PutQuote(ctx, *q); err != nil {
			a.logger.Warn().Err(err).Uint64("opportunity_id", q.OpportunityID).Msg("quote cache refill failed")
		}
	}
	return q, nil
}

func (a *API) countQuote(result string) {
	if a.metrics != nil {
		a.metrics.QuoteCacheHits.WithLabelValues(result).Inc()
	}
}

// --- Admin ---

// IsAdmin reports whether caller may use the audit endpoints.
func (a *API) IsAdmin(caller common.Address) bool {
	return a.admins[caller]
}

func (a *API) JournalHistory(ctx context.Context, f query.JournalFilter) ([]query.JournalHistoryEntry, error) {
	if a.queries == nil {
		return nil, ErrUnavailable
	}
	return a.queries.GetJournalHistory(ctx, f)
}

func (a *API) Events(ctx context.Context, afterSequence int64, limit int) ([]query.EventRecord, error) {
	if a.queries == nil {
		return nil, ErrUnavailable
	}
	return a.queries.GetEvents(ctx, afterSequence, limit)
}

func (a *API) Balances(ctx context.Context, prefix string) ([]query.BalanceResponse, error) {
	if a.queries == nil {
		return nil, ErrUnavailable
	}
	return a.queries.GetBalances(ctx, prefix)
}

func (a *API) VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error) {
	if a.queries == nil {
		return nil, ErrUnavailable
	}
	return a.queries.VerifyIntegrity(ctx)
}
