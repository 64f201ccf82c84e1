package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"LeverLedger/internal/ingestion"
	"LeverLedger/internal/observability"
	"LeverLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

type access int

const (
	public access = iota
	authenticated
	admin
)

// call is one decoded HTTP request.
type call struct {
	r      *http.Request
	params map[string]string
	meta   ingestion.Meta
}

func (c *call) decode(v any) error {
	if c.r.Body == nil || c.r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(c.r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decode body: %v", ingestion.ErrInvalidCommand, err)
	}
	return nil
}

func (c *call) uintParam(name string) (uint64, error) {
	v, err := strconv.ParseUint(c.params[name], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %q is not an id", ingestion.ErrInvalidCommand, name, c.params[name])
	}
	return v, nil
}

func (c *call) intQuery(name string) (int64, error) {
	raw := c.r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %q is not a number", ingestion.ErrInvalidCommand, name, raw)
	}
	return v, nil
}

type handlerFn func(ctx context.Context, c *call) (any, error)

// Gateway serves the JSON HTTP API on a grpc-gateway ServeMux.
type Gateway struct {
	mux     *runtime.ServeMux
	api     *API
	auth    *Authenticator
	limiter *RateLimiter
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewGateway registers every route. health may be nil.
func NewGateway(api *API, auth *Authenticator, limiter *RateLimiter, health *observability.HealthChecker, metrics *observability.Metrics, logger zerolog.Logger) (*Gateway, error) {
	g := &Gateway{
		mux:     runtime.NewServeMux(),
		api:     api,
		auth:    auth,
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
	}

	if health != nil {
		if err := g.mux.HandlePath(http.MethodGet, "/healthz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			health.LivenessHandler(w, r)
		}); err != nil {
			return nil, err
		}
		if err := g.mux.HandlePath(http.MethodGet, "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			health.ReadinessHandler(w, r)
		}); err != nil {
			return nil, err
		}
	}

	routes := []struct {
		method, pattern, op string
		access              access
		fn                  handlerFn
	}{
		// Mutations
		{http.MethodPost, "/v1/opportunities", "CreateOpportunity", authenticated, g.createOpportunity},
		{http.MethodPost, "/v1/opportunities/{id}/buy", "BuyTokens", authenticated, g.buyTokens},
		{http.MethodPost, "/v1/opportunities/{id}/resolve", "ResolveOpportunity", authenticated, g.resolveOpportunity},
		{http.MethodPost, "/v1/opportunities/{id}/claim", "ClaimWinnings", authenticated, g.claimWinnings},
		{http.MethodPost, "/v1/chains", "CreatePositionChain", authenticated, g.createPositionChain},
		{http.MethodPost, "/v1/chains/{id}/extend", "ExtendChain", authenticated, g.extendChain},
		{http.MethodPost, "/v1/chains/{id}/liquidate", "LiquidateChain", authenticated, g.liquidateChain},

		// Views
		{http.MethodGet, "/v1/opportunities", "ListOpportunities", public, g.listOpportunities},
		{http.MethodGet, "/v1/opportunities/{id}", "GetOpportunity", public, g.getOpportunity},
		{http.MethodGet, "/v1/opportunities/{id}/quote", "GetQuote", public, g.getQuote},
		{http.MethodGet, "/v1/opportunities/{id}/tokens/{side}/{holder}", "GetUserTokens", public, g.getUserTokens},
		{http.MethodGet, "/v1/chains/{id}", "GetPositionChain", public, g.getPositionChain},
		{http.MethodGet, "/v1/chains/{id}/positions/{level}/value", "GetCurrentPositionValue", public, g.getPositionValue},
		{http.MethodGet, "/v1/users/{owner}/chains", "GetUserChains", public, g.getUserChains},
		{http.MethodGet, "/v1/fees/{asset}", "ProtocolFees", public, g.protocolFees},

		// Audit
		{http.MethodGet, "/v1/admin/journal", "JournalHistory", admin, g.journalHistory},
		{http.MethodGet, "/v1/admin/events", "Events", admin, g.events},
		{http.MethodGet, "/v1/admin/balances", "Balances", admin, g.balances},
		{http.MethodGet, "/v1/admin/integrity", "VerifyIntegrity", admin, g.integrity},
	}
	for _, rt := range routes {
		if err := g.mux.HandlePath(rt.method, rt.pattern, g.wrap(rt.op, rt.access, rt.fn)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// wrap applies authentication, rate limiting, metrics and the JSON envelope.
func (g *Gateway) wrap(op string, level access, fn handlerFn) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		c := &call{r: r, params: params}

		resp, err := g.serve(r.Context(), c, level, fn)
		code := http.StatusOK
		if err != nil {
			code = HTTPStatus(err)
			if code >= http.StatusInternalServerError {
				g.logger.Error().Err(err).Str("operation", op).Msg("request failed")
			}
			writeJSON(w, code, errorBody(err))
		} else {
			writeJSON(w, code, resp)
		}

		if g.metrics != nil {
			g.metrics.APIRequests.WithLabelValues("http", op, strconv.Itoa(code)).Inc()
			g.metrics.APIDuration.WithLabelValues("http", op).Observe(time.Since(start).Seconds())
		}
	}
}

func (g *Gateway) serve(ctx context.Context, c *call, level access, fn handlerFn) (any, error) {
	key := clientIP(c.r)
	if level != public || c.r.Header.Get("Authorization") != "" {
		caller, err := g.auth.Authenticate(c.r.Header.Get("Authorization"))
		if err != nil {
			return nil, err
		}
		c.meta.Caller = caller
		key = caller.Hex()
	}
	if level == admin && !g.api.IsAdmin(c.meta.Caller) {
		return nil, ErrForbidden
	}
	if !g.limiter.Allow(key) {
		if g.metrics != nil {
			g.metrics.APIRateLimited.WithLabelValues("http").Inc()
		}
		return nil, ErrRateLimited
	}
	if raw := c.r.Header.Get("Idempotency-Key"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: Idempotency-Key must be a UUID", ingestion.ErrInvalidCommand)
		}
		c.meta.RequestID = id
	}
	return fn(ctx, c)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- Mutation handlers ---

func (g *Gateway) createOpportunity(ctx context.Context, c *call) (any, error) {
	var req CreateOpportunityRequest
	if err := c.decode(&req); err != nil {
		return nil, err
	}
	return g.api.CreateOpportunity(ctx, c.meta, req)
}

func (g *Gateway) buyTokens(ctx context.Context, c *call) (any, error) {
	var req BuyTokensRequest
	if err := c.decode(&req); err != nil {
		return nil, err
	}
	id, err := c.uintParam("id")
	if err != nil {
		return nil, err
	}
	req.OpportunityID = id
	return g.api.BuyTokens(ctx, c.meta, req)
}

func (g *Gateway) resolveOpportunity(ctx context.Context, c *call) (any, error) {
	var req ResolveOpportunityRequest
	if err := c.decode(&req); err != nil {
		return nil, err
	}
	id, err := c.uintParam("id")
	if err != nil {
		return nil, err
	}
	req.OpportunityID = id
	return g.api.ResolveOpportunity(ctx, c.meta, req)
}

func (g *Gateway) claimWinnings(ctx context.Context, c *call) (any, error) {
	id, err := c.uintParam("id")
	if err != nil {
		return nil, err
	}
	return g.api.ClaimWinnings(ctx, c.meta, ClaimWinningsRequest{OpportunityID: id})
}

func (g *Gateway) createPositionChain(ctx context.Context, c *call) (any, error) {
	var req CreatePositionChainRequest
	if err := c.decode(&req); err != nil {
		return nil, err
	}
	return g.api.CreatePositionChain(ctx, c.meta, req)
}

func (g *Gateway) extendChain(ctx context.Context, c *call) (any, error) {
	var req ExtendChainRequest
	if err := c.decode(&req); err != nil {
		return nil, err
	}
	id, err := c.uintParam("id")
	if err != nil {
		return nil, err
	}
	req.ChainID = id
	return g.api.ExtendChain(ctx, c.meta, req)
}

func (g *Gateway) liquidateChain(ctx context.Context, c *call) (any, error) {
	id, err := c.uintParam("id")
	if err != nil {
		return nil, err
	}
	return g.api.LiquidateChain(ctx, c.meta, LiquidateChainRequest{ChainID: id})
}

// --- View handlers ---

func (g *Gateway) listOpportunities(ctx context.Context, _ *call) (any, error) {
	opps, err := g.api.ListOpportunities(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"opportunities": opps}, nil
}

func (g *Gateway) getOpportunity(ctx context.Context, c *call) (any, error) {
	id, err := c.uintParam("id")
	if err != nil {
		return nil, err
	}
	return g.api.GetOpportunity(ctx, OpportunityRequest{OpportunityID: id})
}

func (g *Gateway) getQuote(ctx context.Context, c *call) (any, error) {
	id, err := c.uintParam("id")
	if err != nil {
		return nil, err
	}
	return g.api.GetQuote(ctx, OpportunityRequest{OpportunityID: id})
}

func (g *Gateway) getUserTokens(ctx context.Context, c *call) (any, error) {
	id, err := c.uintParam("id")
	if err != nil {
		return nil, err
	}
	return g.api.GetUserTokens(ctx, UserTokensRequest{
		OpportunityID: id,
		Side:          c.params["side"],
		Holder:        c.params["holder"],
	})
}

func (g *Gateway) getPositionChain(ctx context.Context, c *call) (any, error) {
	id, err := c.uintParam("id")
	if err != nil {
		return nil, err
	}
	return g.api.GetPositionChain(ctx, ChainRequest{ChainID: id})
}

func (g *Gateway) getPositionValue(ctx context.Context, c *call) (any, error) {
	id, err := c.uintParam("id")
	if err != nil {
		return nil, err
	}
	level, err := strconv.Atoi(c.params["level"])
	if err != nil {
		return nil, fmt.Errorf("%w: level: %q is not a number", ingestion.ErrInvalidCommand, c.params["level"])
	}
	return g.api.GetCurrentPositionValue(ctx, PositionValueRequest{ChainID: id, Level: level})
}

func (g *Gateway) getUserChains(ctx context.Context, c *call) (any, error) {
	return g.api.GetUserChains(ctx, UserChainsRequest{Owner: c.params["owner"]})
}

func (g *Gateway) protocolFees(ctx context.Context, c *call) (any, error) {
	return g.api.ProtocolFees(ctx, ProtocolFeesRequest{Asset: c.params["asset"]})
}

// --- Audit handlers ---

func (g *Gateway) journalHistory(ctx context.Context, c *call) (any, error) {
	f := query.JournalFilter{AccountPrefix: c.r.URL.Query().Get("account")}
	limit, err := c.intQuery("limit")
	if err != nil {
		return nil, err
	}
	f.Limit = int(limit)
	before, err := c.intQuery("before")
	if err != nil {
		return nil, err
	}
	if before > 0 {
		f.BeforeSequence = &before
	}
	entries, err := g.api.JournalHistory(ctx, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

func (g *Gateway) events(ctx context.Context, c *call) (any, error) {
	after, err := c.intQuery("after")
	if err != nil {
		return nil, err
	}
	limit, err := c.intQuery("limit")
	if err != nil {
		return nil, err
	}
	events, err := g.api.Events(ctx, after, int(limit))
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events}, nil
}

func (g *Gateway) balances(ctx context.Context, c *call) (any, error) {
	prefix := c.r.URL.Query().Get("prefix")
	if owner := c.r.URL.Query().Get("owner"); owner != "" {
		if !common.IsHexAddress(owner) {
			return nil, fmt.Errorf("%w: owner: invalid address %q", ingestion.ErrInvalidCommand, owner)
		}
		prefix = "user:" + common.HexToAddress(owner).Hex() + ":"
	}
	balances, err := g.api.Balances(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return map[string]any{"balances": balances}, nil
}

func (g *Gateway) integrity(ctx context.Context, _ *call) (any, error) {
	return g.api.VerifyIntegrity(ctx)
}

// Serve runs an HTTP server for h on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
