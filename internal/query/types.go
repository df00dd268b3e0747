package query

import "PerpSettle/internal/api"

// PositionsResponse lists an account's open positions from the projection.
type PositionsResponse struct {
	AccountID    string         `json:"account_id"`
	Positions    []api.Position `json:"positions"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// MarginBalance is one margin ledger entry of an account.
type MarginBalance struct {
	MarketID     string `json:"market_id"`
	CollateralID string `json:"collateral_id"`
	Amount       string `json:"amount"`
	LastSequence int64  `json:"last_sequence"`
}

type MarginsResponse struct {
	AccountID    string          `json:"account_id"`
	Margins      []MarginBalance `json:"margins"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	CollateralID  string `json:"collateral_id"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy            bool                   `json:"is_healthy"`
	HashChainBreaks      []int64                `json:"hash_chain_breaks,omitempty"`
	UnbalancedCollateral []UnbalancedCollateral `json:"unbalanced_collateral,omitempty"`
}

// UnbalancedCollateral is a collateral whose balances do not sum to zero.
type UnbalancedCollateral struct {
	CollateralID string `json:"collateral_id"`
	Imbalance    int64  `json:"imbalance"`
}
