package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"LeverLedger/internal/core"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when no quote is cached for an opportunity.
var ErrCacheMiss = errors.New("cache: miss")

// putQuoteLua stores a quote only if it is newer than the cached one, so a
// late projection write never rolls a price back.
const putQuoteLua = `
local cur = redis.call('HGET', KEYS[1], 'seq')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
    return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`

// QuoteCache keeps the latest quote of each opportunity in a Redis hash at
// "<prefix>quote:<id>" with fields seq and data (JSON).
type QuoteCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	putSc  *redis.Script
}

// NewQuoteCache creates a quote cache. A zero ttl keeps entries forever.
func NewQuoteCache(c *Client, prefix string, ttl time.Duration) *QuoteCache {
	return &QuoteCache{
		rdb:    c.Underlying(),
		prefix: prefix,
		ttl:    ttl,
		putSc:  redis.NewScript(putQuoteLua),
	}
}

func (qc *QuoteCache) key(opportunityID uint64) string {
	return qc.prefix + "quote:" + strconv.FormatUint(opportunityID, 10)
}

// PutQuote stores q unless a quote at the same or a later sequence is already
// cached. It reports whether the write happened.
func (qc *QuoteCache) PutQuote(ctx context.Context, q core.Quote) (bool, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return false, fmt.Errorf("redis: encode quote %d: %w", q.OpportunityID, err)
	}
	n, err := qc.putSc.Run(ctx, qc.rdb, []string{qc.key(q.OpportunityID)},
		q.Sequence, string(data), qc.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis: put quote %d: %w", q.OpportunityID, err)
	}
	return n == 1, nil
}

// GetQuote returns the cached quote or ErrCacheMiss.
func (qc *QuoteCache) GetQuote(ctx context.Context, opportunityID uint64) (*core.Quote, error) {
	data, err := qc.rdb.HGet(ctx, qc.key(opportunityID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get quote %d: %w", opportunityID, err)
	}
	var q core.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("redis: decode quote %d: %w", opportunityID, err)
	}
	return &q, nil
}

// Invalidate drops the cached quote, e.g. after a projection rebuild.
func (qc *QuoteCache) Invalidate(ctx context.Context, opportunityID uint64) error {
	if err := qc.rdb.Del(ctx, qc.key(opportunityID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate quote %d: %w", opportunityID, err)
	}
	return nil
}
