package query

// Amounts are rendered as decimal strings in whole units (18D internally),
// e.g. "1.5". Raw amounts are integer strings in the token's native decimals.

// BalanceResponse is an account's spot balance in one asset.
type BalanceResponse struct {
	Account      string `json:"account"`
	Asset        string `json:"asset"`
	Symbol       string `json:"symbol"`
	Balance      string `json:"balance"`
	RawBalance   string `json:"raw_balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PositionResponse is an account's position in one product.
type PositionResponse struct {
	Account           string `json:"account"`
	Product           uint8  `json:"product"`
	Symbol            string `json:"symbol"`
	SettlementAsset   string `json:"settlement_asset"`
	Size              string `json:"size"`
	Quote             string `json:"quote"`
	FundingRateID     uint64 `json:"funding_rate_id"`
	CumulativeFunding string `json:"cumulative_funding"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// AssetTotalsResponse aggregates the system-level balances of one asset.
type AssetTotalsResponse struct {
	Asset         string `json:"asset"`
	Symbol        string `json:"symbol"`
	TotalBalance  string `json:"total_balance"`
	InsuranceFund string `json:"insurance_fund"`
	TradingFees   string `json:"trading_fees"`
	SequencerFees string `json:"sequencer_fees"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// SignerResponse answers whether signer may sign for account.
type SignerResponse struct {
	Account         string `json:"account"`
	Signer          string `json:"signer"`
	IsSigningWallet bool   `json:"is_signing_wallet"`
}

// AltFeeQuote expresses a settlement-asset fee in the alternate fee asset.
type AltFeeQuote struct {
	AltAsset  string `json:"alt_asset"`
	Fee       string `json:"fee"`
	AltAmount string `json:"alt_amount"`
}

// StatusResponse describes the engine and persistence high-water marks.
type StatusResponse struct {
	Sequence           int64  `json:"sequence"`
	PersistedSequence  int64  `json:"persisted_sequence"`
	TxCounter          uint32 `json:"tx_counter"`
	StaleTxIDs         int64  `json:"stale_tx_ids"`
	TxIDGaps           int64  `json:"tx_id_gaps"`
	StateHash          string `json:"state_hash"`
	Paused             bool   `json:"paused"`
	DepositsEnabled    bool   `json:"deposits_enabled"`
	WithdrawalsEnabled bool   `json:"withdrawals_enabled"`
}

// JournalHistoryEntry is one persisted journal line.
type JournalHistoryEntry struct {
	CommandSeq    int64  `json:"command_seq"`
	Entry         int    `json:"entry"`
	TxID          uint32 `json:"tx_id"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy         bool    `json:"is_healthy"`
	SequenceGaps      []int64 `json:"sequence_gaps,omitempty"`
	StateHashMismatch bool    `json:"state_hash_mismatch"`
	ConservationError string  `json:"conservation_error,omitempty"`
}
