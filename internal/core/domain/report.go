package domain

import "time"

// KindBreakdown aggregates one transaction kind inside a settlement report.
type KindBreakdown struct {
	Count     int64   `json:"count"`
	Completed int64   `json:"completed"`
	Failed    int64   `json:"failed"`
	Disputed  int64   `json:"disputed"`
	TotalFiat float64 `json:"total_fiat"`
	TotalSats int64   `json:"total_sats"`
}

// SettlementReport is a derived, read-only aggregate over a time window.
// It is computed on demand and never persisted as authoritative state.
type SettlementReport struct {
	WindowStart  time.Time                         `json:"window_start"`
	WindowEnd    time.Time                         `json:"window_end"`
	ByKind       map[TransactionKind]KindBreakdown `json:"by_kind"`
	TotalFiat    float64                           `json:"total_fiat"`
	TotalSats    int64                             `json:"total_sats"`
	RealizedRate float64                           `json:"realized_rate"` // KES per BTC actually achieved
	SuccessRate  float64                           `json:"success_rate"`
	GeneratedAt  time.Time                         `json:"generated_at"`
}

// Discrepancy records one invariant violation found during reconciliation.
type Discrepancy struct {
	TransactionID string `json:"transaction_id"`
	Kind          string `json:"kind"`
	Invariant     string `json:"invariant"`
	Detail        string `json:"detail"`
}

// ReconciliationResult summarizes one reconciliation run. Errors holds
// transactions whose checks could not be evaluated; unknown is not the same
// as invalid, so those transactions are left untouched.
type ReconciliationResult struct {
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	Matched     int           `json:"matched"`
	Unmatched   []Discrepancy `json:"unmatched"`
	Errors      []string      `json:"errors"`
}
