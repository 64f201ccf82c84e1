package projection

import (
	"context"
	"fmt"

	"LeverLedger/internal/core"
)

// QuoteStore is where the latest quotes are published; cache.QuoteCache
// implements it over Redis.
type QuoteStore interface {
	PutQuote(ctx context.Context, q core.Quote) (bool, error)
}

// QuoteProjector pushes the prices of every pool a command touched.
type QuoteProjector struct {
	store QuoteStore
}

func NewQuoteProjector(store QuoteStore) *QuoteProjector {
	return &QuoteProjector{store: store}
}

func (qp *QuoteProjector) Name() string { return "quotes" }

func (qp *QuoteProjector) Apply(ctx context.Context, out core.CoreOutput) error {
	for _, q := range out.Quotes {
		if _, err := qp.store.PutQuote(ctx, q); err != nil {
			return fmt.Errorf("quote %d: %w", q.OpportunityID, err)
		}
	}
	return nil
}
