package query

// BalanceResponse is one projected account balance.
type BalanceResponse struct {
	AccountPath  string `json:"account_path"`
	Asset        string `json:"asset"`
	Balance      int64  `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"` // projection watermark
}

// JournalFilter narrows a journal history page. Results are newest first;
// BeforeSequence is the cursor from the previous page.
type JournalFilter struct {
	AccountPrefix  string `json:"account_prefix"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
	Limit          int    `json:"limit"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	TimestampUs   int64  `json:"timestamp_us"`
}

// EventRecord is one event-log row without its payload.
type EventRecord struct {
	Sequence       int64   `json:"sequence"`
	EventType      string  `json:"event_type"`
	IdempotencyKey string  `json:"idempotency_key"`
	OpportunityID  *uint64 `json:"opportunity_id,omitempty"`
	Caller         string  `json:"caller"`
	StateHash      string  `json:"state_hash"`
	TimestampUs    int64   `json:"timestamp_us"`
	UnconfirmedTx  string  `json:"unconfirmed_tx,omitempty"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	EventsChecked    int64             `json:"events_checked"`
	LastSequence     int64             `json:"last_sequence"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	ProjectionLag    int64             `json:"projection_lag"`

	// Commands whose token transfer was sent but never confirmed. They need
	// reconciliation against the chain; they do not make the log unhealthy.
	UnconfirmedTransfers []int64 `json:"unconfirmed_transfers,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
