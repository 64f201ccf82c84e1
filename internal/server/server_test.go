package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"LeverLedger/internal/cache"
	"LeverLedger/internal/core"
	"LeverLedger/internal/ingestion"
	"LeverLedger/internal/observability"
	"LeverLedger/internal/query"
	"LeverLedger/internal/server"
	"LeverLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const secret = "0123456789abcdef0123456789abcdef"

var admin = common.HexToAddress("0x00000000000000000000000000000000000000ad")

type memQuotes struct {
	mu     sync.Mutex
	quotes map[uint64]core.Quote
	reads  int
}

func (m *memQuotes) GetQuote(_ context.Context, id uint64) (*core.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	q, ok := m.quotes[id]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return &q, nil
}

func (m *memQuotes) PutQuote(_ context.Context, q core.Quote) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.OpportunityID] = q
	return true, nil
}

type harness struct {
	tc      *testutil.Core
	api     *server.API
	auth    *server.Authenticator
	metrics *observability.Metrics
	quotes  *memQuotes
	srv     *httptest.Server
}

type options struct {
	limiter *server.RateLimiter
	queries *query.QueryService
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	tc := testutil.NewCore(t, nil)
	d := core.NewDispatcher(tc.Core, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	auth, err := server.NewAuthenticator(secret, "leverledger")
	require.NoError(t, err)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	quotes := &memQuotes{quotes: make(map[uint64]core.Quote)}
	api := server.NewAPI(ingestion.NewCommandService(d, nil), d, quotes, opts.queries,
		[]common.Address{admin}, metrics, zerolog.Nop())

	limiter := opts.limiter
	if limiter == nil {
		limiter = server.NewRateLimiter(0, 0)
	}
	gw, err := server.NewGateway(api, auth, limiter, observability.NewHealthChecker(), metrics, zerolog.Nop())
	require.NoError(t, err)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &harness{tc: tc, api: api, auth: auth, metrics: metrics, quotes: quotes, srv: srv}
}

func (h *harness) token(t *testing.T, who common.Address) string {
	t.Helper()
	tok, err := h.auth.Issue(who, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request and decodes the JSON reply into out when non-nil.
func (h *harness) do(t *testing.T, method, path string, who *common.Address, body any, headers map[string]string, out any) int {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		req.Header.Set("Authorization", "Bearer "+h.token(t, *who))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func addr(a common.Address) *common.Address { return &a }

// ============================================================================
// HTTP gateway
// ============================================================================

func TestGateway_TradingFlow(t *testing.T) {
	h := newHarness(t, options{})

	var created core.Result
	code := h.do(t, "POST", "/v1/opportunities", addr(testutil.Creator),
		server.CreateOpportunityRequest{Name: "rain", MetadataRef: "ipfs://x", InitialLiquidity: 10_000}, nil, &created)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, uint64(1), created.OpportunityID)

	var bought core.Result
	code = h.do(t, "POST", "/v1/opportunities/1/buy", addr(testutil.Alice),
		map[string]any{"side": "yes", "amount": 2_000}, nil, &bought)
	require.Equal(t, http.StatusOK, code)
	assert.Positive(t, bought.Fee)

	var chain core.Result
	code = h.do(t, "POST", "/v1/chains", addr(testutil.Bob),
		map[string]any{"opportunity_id": 1, "side": "no", "amount": 5_000}, nil, &chain)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, uint64(1), chain.ChainID)

	var opp core.OpportunityView
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/opportunities/1", nil, nil, nil, &opp))
	assert.Equal(t, "rain", opp.Name)
	assert.InDelta(t, 100_000_000, opp.PriceYes+opp.PriceNo, 2)

	var list struct {
		Opportunities []core.OpportunityView `json:"opportunities"`
	}
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/opportunities", nil, nil, nil, &list))
	assert.Len(t, list.Opportunities, 1)

	var cv core.ChainView
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/chains/1", nil, nil, nil, &cv))
	assert.Equal(t, testutil.Bob, cv.Owner)
	require.Len(t, cv.Positions, 1)

	var chains server.UserChainsResponse
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/users/"+testutil.Bob.Hex()+"/chains", nil, nil, nil, &chains))
	assert.Len(t, chains.Chains, 1)

	var tokens server.UserTokensResponse
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/opportunities/1/tokens/yes/"+testutil.Alice.Hex(), nil, nil, nil, &tokens))
	assert.Positive(t, tokens.Balance)

	var value server.PositionValueResponse
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/chains/1/positions/0/value", nil, nil, nil, &value))
	assert.Equal(t, cv.Positions[0].CurrentValue, value.Value)

	var fees server.ProtocolFeesResponse
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/fees/USDC", nil, nil, nil, &fees))
	assert.Positive(t, fees.Balance)

	var resolved core.Result
	require.Equal(t, http.StatusOK, h.do(t, "POST", "/v1/opportunities/1/resolve", addr(testutil.Creator),
		map[string]any{"outcome": true}, nil, &resolved))

	var claimed core.Result
	require.Equal(t, http.StatusOK, h.do(t, "POST", "/v1/opportunities/1/claim", addr(testutil.Alice), nil, nil, &claimed))
	require.NotNil(t, claimed.Payout)
	assert.Equal(t, claimed.Payout.Gross-claimed.Payout.Fee, claimed.Payout.Net)

	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.APIRequests.WithLabelValues("http", "ClaimWinnings", "200")))
}

func TestGateway_Errors(t *testing.T) {
	h := newHarness(t, options{})
	require.Equal(t, http.StatusOK, h.do(t, "POST", "/v1/opportunities", addr(testutil.Creator),
		server.CreateOpportunityRequest{Name: "rain", InitialLiquidity: 10_000}, nil, nil))

	cases := []struct {
		name   string
		method string
		path   string
		who    *common.Address
		body   any
		code   int
		reason string
	}{
		{"no token", "POST", "/v1/opportunities/1/buy", nil, map[string]any{"side": "yes", "amount": 1}, 401, "unauthenticated"},
		{"unknown opportunity", "POST", "/v1/opportunities/99/buy", addr(testutil.Alice), map[string]any{"side": "yes", "amount": 100}, 404, "opportunity_not_found"},
		{"bad side", "POST", "/v1/opportunities/1/buy", addr(testutil.Alice), map[string]any{"side": "maybe", "amount": 100}, 400, "invalid_argument"},
		{"zero amount", "POST", "/v1/opportunities/1/buy", addr(testutil.Alice), map[string]any{"side": "yes", "amount": 0}, 400, "invalid_amount"},
		{"unknown field", "POST", "/v1/opportunities/1/buy", addr(testutil.Alice), map[string]any{"sid": "yes"}, 400, "invalid_argument"},
		{"not creator", "POST", "/v1/opportunities/1/resolve", addr(testutil.Alice), map[string]any{"outcome": true}, 403, "unauthorized"},
		{"missing outcome", "POST", "/v1/opportunities/1/resolve", addr(testutil.Creator), map[string]any{}, 400, "invalid_argument"},
		{"claim before resolve", "POST", "/v1/opportunities/1/claim", addr(testutil.Alice), nil, 409, "not_resolved"},
		{"bad id", "GET", "/v1/chains/abc", nil, nil, 400, "invalid_argument"},
		{"unknown chain", "GET", "/v1/chains/7", nil, nil, 404, "chain_not_found"},
		{"bad holder", "GET", "/v1/opportunities/1/tokens/yes/bob", nil, nil, 400, "invalid_argument"},
		{"unknown asset", "GET", "/v1/fees/DOGE", nil, nil, 400, "invalid_argument"},
		{"admin only", "GET", "/v1/admin/integrity", addr(testutil.Alice), nil, 403, "forbidden"},
		{"no query backend", "GET", "/v1/admin/integrity", addr(admin), nil, 503, "unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body server.ErrorBody
			code := h.do(t, tc.method, tc.path, tc.who, tc.body, nil, &body)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.reason, body.Reason)
		})
	}
}

func TestGateway_IdempotencyKey(t *testing.T) {
	h := newHarness(t, options{})
	key := map[string]string{"Idempotency-Key": uuid.NewString()}
	req := server.CreateOpportunityRequest{Name: "rain", InitialLiquidity: 10_000}

	require.Equal(t, http.StatusOK, h.do(t, "POST", "/v1/opportunities", addr(testutil.Creator), req, key, nil))

	var body server.ErrorBody
	assert.Equal(t, http.StatusConflict, h.do(t, "POST", "/v1/opportunities", addr(testutil.Creator), req, key, &body))
	assert.Equal(t, "duplicate", body.Reason)

	assert.Equal(t, http.StatusBadRequest, h.do(t, "POST", "/v1/opportunities", addr(testutil.Creator), req,
		map[string]string{"Idempotency-Key": "not-a-uuid"}, nil))
	assert.Equal(t, int64(2), h.tc.Core.GetSequence())
}

func TestGateway_RateLimit(t *testing.T) {
	h := newHarness(t, options{limiter: server.NewRateLimiter(0.001, 2)})

	assert.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/opportunities", nil, nil, nil, nil))
	assert.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/opportunities", nil, nil, nil, nil))
	var body server.ErrorBody
	assert.Equal(t, http.StatusTooManyRequests, h.do(t, "GET", "/v1/opportunities", nil, nil, nil, &body))
	assert.Equal(t, "rate_limited", body.Reason)

	// An authenticated caller has its own bucket.
	assert.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/opportunities", addr(testutil.Alice), nil, nil, nil))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.APIRateLimited.WithLabelValues("http")))
}

func TestGateway_QuoteReadThrough(t *testing.T) {
	h := newHarness(t, options{})
	require.Equal(t, http.StatusOK, h.do(t, "POST", "/v1/opportunities", addr(testutil.Creator),
		server.CreateOpportunityRequest{Name: "rain", InitialLiquidity: 10_000}, nil, nil))

	var first core.Quote
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/opportunities/1/quote", nil, nil, nil, &first))
	assert.Equal(t, int64(50_000_000), first.PriceYes)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Contains(t, h.quotes.quotes, uint64(1), "miss refills the cache")

	var second core.Quote
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/opportunities/1/quote", nil, nil, nil, &second))
	assert.Equal(t, first, second)

	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.QuoteCacheHits.WithLabelValues("miss")))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.QuoteCacheHits.WithLabelValues("hit")))
}

func TestGateway_Admin(t *testing.T) {
	db := testutil.SetupSQLite(t)
	h := newHarness(t, options{queries: query.NewQueryService(db)})

	var report query.IntegrityReport
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/admin/integrity", addr(admin), nil, nil, &report))
	assert.True(t, report.IsHealthy)

	var entries struct {
		Entries []query.JournalHistoryEntry `json:"entries"`
	}
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/admin/journal?limit=5", addr(admin), nil, nil, &entries))
	assert.Empty(t, entries.Entries)

	assert.Equal(t, http.StatusBadRequest, h.do(t, "GET", "/v1/admin/events?after=x", addr(admin), nil, nil, nil))
	assert.Equal(t, http.StatusOK, h.do(t, "GET", "/v1/admin/balances?owner="+testutil.Bob.Hex(), addr(admin), nil, nil, nil))
}

func TestGateway_Health(t *testing.T) {
	h := newHarness(t, options{})
	assert.Equal(t, http.StatusOK, h.do(t, "GET", "/healthz", nil, nil, nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, "GET", "/readyz", nil, nil, nil, nil))
}

// ============================================================================
// gRPC
// ============================================================================

func TestGRPC_LedgerService(t *testing.T) {
	h := newHarness(t, options{})
	limiter := server.NewRateLimiter(0, 0)
	gs := server.NewGRPCServer("", h.api, h.auth, limiter, h.metrics, zerolog.Nop())

	lis := bufconn.Listen(1 << 20)
	go func() { _ = gs.Server().Serve(lis) }()
	t.Cleanup(gs.Server().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	invoke := func(ctx context.Context, name string, req map[string]any) (*structpb.Struct, error) {
		in, err := structpb.NewStruct(req)
		require.NoError(t, err)
		out := &structpb.Struct{}
		err = conn.Invoke(ctx, "/"+server.LedgerServiceName+"/"+name, in, out)
		return out, err
	}
	as := func(who common.Address) context.Context {
		return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+h.token(t, who))
	}

	out, err := invoke(as(testutil.Creator), "CreateOpportunity", map[string]any{"name": "rain", "initial_liquidity": 10_000})
	require.NoError(t, err)
	assert.Equal(t, float64(1), out.AsMap()["opportunity_id"])

	_, err = invoke(context.Background(), "BuyTokens", map[string]any{"opportunity_id": 1, "side": "yes", "amount": 100})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = invoke(as(testutil.Alice), "BuyTokens", map[string]any{"opportunity_id": 1, "side": "yes", "amount": 100})
	require.NoError(t, err)

	_, err = invoke(as(testutil.Alice), "BuyTokens", map[string]any{"opportunity_id": 5, "side": "yes", "amount": 100})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = invoke(as(testutil.Alice), "ResolveOpportunity", map[string]any{"opportunity_id": 1, "outcome": true})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	dup := metadata.AppendToOutgoingContext(as(testutil.Alice), "idempotency-key", uuid.NewString())
	_, err = invoke(dup, "BuyTokens", map[string]any{"opportunity_id": 1, "side": "no", "amount": 100})
	require.NoError(t, err)
	_, err = invoke(dup, "BuyTokens", map[string]any{"opportunity_id": 1, "side": "no", "amount": 100})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	opp, err := invoke(context.Background(), "GetOpportunity", map[string]any{"opportunity_id": 1})
	require.NoError(t, err)
	assert.Equal(t, "rain", opp.AsMap()["name"])

	list, err := invoke(context.Background(), "ListOpportunities", map[string]any{})
	require.NoError(t, err)
	assert.Len(t, list.AsMap()["opportunities"], 1)

	_, err = invoke(as(testutil.Alice), "BuyTokens", map[string]any{"opportunity_id": 1, "side": "no", "amount": float64(1 << 54)})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "amount beyond 2^53 is rejected, not rounded")

	_, err = invoke(as(testutil.Alice), "VerifyIntegrity", map[string]any{})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.APIRequests.WithLabelValues("grpc", "CreateOpportunity", "OK")))
}

// ============================================================================
// Auth, rate limiter, error mapping
// ============================================================================

func TestAuthenticator(t *testing.T) {
	auth, err := server.NewAuthenticator(secret, "leverledger")
	require.NoError(t, err)

	tok, err := auth.Issue(testutil.Alice, time.Minute)
	require.NoError(t, err)
	who, err := auth.Authenticate("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, testutil.Alice, who)

	expired, err := auth.Issue(testutil.Alice, -time.Hour)
	require.NoError(t, err)
	_, err = auth.Authenticate(expired)
	assert.ErrorIs(t, err, server.ErrUnauthenticated)

	other, err := server.NewAuthenticator("ffffffffffffffffffffffffffffffff", "leverledger")
	require.NoError(t, err)
	forged, err := other.Issue(testutil.Alice, time.Minute)
	require.NoError(t, err)
	_, err = auth.Authenticate(forged)
	assert.ErrorIs(t, err, server.ErrUnauthenticated)

	_, err = auth.Authenticate("")
	assert.ErrorIs(t, err, server.ErrUnauthenticated)

	_, err = server.NewAuthenticator("short", "")
	assert.Error(t, err)
}

func TestRateLimiter_PerKey(t *testing.T) {
	rl := server.NewRateLimiter(0.001, 1)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	unlimited := server.NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, unlimited.Allow("a"))
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		http int
		grpc codes.Code
	}{
		{core.ErrDuplicateRequest, 409, codes.AlreadyExists},
		{core.ErrReentrantCall, 409, codes.Aborted},
		{server.ErrRateLimited, 429, codes.ResourceExhausted},
		{ingestion.ErrInvalidCommand, 400, codes.InvalidArgument},
		{errors.New("boom"), 500, codes.Internal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.http, server.HTTPStatus(tc.err), tc.err.Error())
		assert.Equal(t, tc.grpc, server.GRPCCode(tc.err), tc.err.Error())
	}
	assert.Equal(t, "internal error", status.Convert(server.GRPCError(errors.New("db password leaked"))).Message())
}
