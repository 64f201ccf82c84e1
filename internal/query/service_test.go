package query_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"LeverLedger/internal/core"
	"LeverLedger/internal/observability"
	"LeverLedger/internal/persistence"
	"LeverLedger/internal/projection"
	"LeverLedger/internal/query"
	"LeverLedger/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seeded runs the shared scenario and fills the event log and projection.
func seeded(t *testing.T) (*sql.DB, *testutil.Core) {
	t.Helper()
	db := testutil.SetupSQLite(t)
	tc := testutil.NewCore(t, nil)
	tc.RunScenario(t)

	outputs := testutil.Drain(tc.Persist)
	ch := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		ch <- o
	}
	close(ch)
	w := persistence.NewPersistenceWorker(db, ch, 16, time.Millisecond,
		observability.NewMetricsWith(prometheus.NewRegistry()), zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))
	require.NoError(t, projection.RebuildProjections(context.Background(), db, zerolog.Nop()))
	return db, tc
}

func TestGetBalances_UserPrefix(t *testing.T) {
	db, tc := seeded(t)
	qs := query.NewQueryService(db)

	prefix := "user:" + testutil.Bob.Hex() + ":"
	got, err := qs.GetBalances(context.Background(), prefix)
	require.NoError(t, err)

	want := make(map[string]int64)
	for _, b := range tc.Core.AccountBalances() {
		if strings.HasPrefix(b.Key.AccountPath(), prefix) {
			want[b.Key.AccountPath()] = b.Balance
		}
	}
	require.NotEmpty(t, want, "bob borrowed in the scenario")
	require.Len(t, got, len(want))
	for _, b := range got {
		assert.Equal(t, want[b.AccountPath], b.Balance, b.AccountPath)
		assert.Equal(t, "USDC", b.Asset)
		assert.Equal(t, int64(9), b.AsOfSequence)
	}
}

func TestGetJournalHistory_PagesNewestFirst(t *testing.T) {
	db, _ := seeded(t)
	qs := query.NewQueryService(db)
	ctx := context.Background()

	all, err := qs.GetJournalHistory(ctx, query.JournalFilter{AccountPrefix: "system:opportunity:1:"})
	require.NoError(t, err)
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i-1].Sequence, all[i].Sequence)
	}
	for _, e := range all {
		touches := strings.HasPrefix(e.DebitAccount, "system:opportunity:1:") ||
			strings.HasPrefix(e.CreditAccount, "system:opportunity:1:")
		assert.True(t, touches, "%+v", e)
		assert.NotEmpty(t, e.JournalType)
	}

	first, err := qs.GetJournalHistory(ctx, query.JournalFilter{AccountPrefix: "system:opportunity:1:", Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)

	cursor := first[len(first)-1].Sequence
	next, err := qs.GetJournalHistory(ctx, query.JournalFilter{AccountPrefix: "system:opportunity:1:", BeforeSequence: &cursor})
	require.NoError(t, err)
	for _, e := range next {
		assert.Less(t, e.Sequence, cursor)
	}
}

func TestGetEvents(t *testing.T) {
	db, _ := seeded(t)
	qs := query.NewQueryService(db)

	page, err := qs.GetEvents(context.Background(), 3, 4)
	require.NoError(t, err)
	require.Len(t, page, 4)
	assert.Equal(t, int64(4), page[0].Sequence)
	assert.Equal(t, "CreatePositionChain", page[0].EventType)
	require.NotNil(t, page[0].OpportunityID)
	assert.Equal(t, uint64(1), *page[0].OpportunityID)
	assert.Len(t, page[0].StateHash, 64)
}

func TestVerifyIntegrity_Healthy(t *testing.T) {
	db, _ := seeded(t)
	report, err := query.NewQueryService(db).VerifyIntegrity(context.Background())
	require.NoError(t, err)

	assert.True(t, report.IsHealthy, "%+v", report)
	assert.Equal(t, int64(9), report.EventsChecked)
	assert.Equal(t, int64(9), report.LastSequence)
	assert.Zero(t, report.ProjectionLag)
}

func TestVerifyIntegrity_ListsUnconfirmedTransfers(t *testing.T) {
	db, _ := seeded(t)
	ctx := context.Background()
	_, err := db.Exec(`UPDATE events SET unconfirmed_tx = '0xabc' WHERE sequence = 4`)
	require.NoError(t, err)

	qs := query.NewQueryService(db)
	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "pending reconciliation is not corruption")
	assert.Equal(t, []int64{4}, report.UnconfirmedTransfers)

	events, err := qs.GetEvents(ctx, 3, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "0xabc", events[0].UnconfirmedTx)
	assert.Empty(t, events[1].UnconfirmedTx)
}

func TestVerifyIntegrity_DetectsTampering(t *testing.T) {
	db, _ := seeded(t)
	ctx := context.Background()

	_, err := db.Exec(`UPDATE events SET prev_hash = $1 WHERE sequence = 5`, make([]byte, 32))
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM events WHERE sequence = 7`)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE balances SET balance = balance + 1 WHERE account_path LIKE 'system:fees:%'`)
	require.NoError(t, err)

	report, err := query.NewQueryService(db).VerifyIntegrity(ctx)
	require.NoError(t, err)

	assert.False(t, report.IsHealthy)
	assert.Contains(t, report.HashChainBreaks, int64(5))
	assert.Equal(t, []int64{8}, report.SequenceGaps)
	require.Len(t, report.UnbalancedAssets, 1)
	assert.Equal(t, int64(1), report.UnbalancedAssets[0].Imbalance)
}
