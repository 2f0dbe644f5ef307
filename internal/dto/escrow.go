package dto

// DepositRequest holds one item batch against an order.
type DepositRequest struct {
	Item Item `json:"item"`
}

// EscrowHintResponse reports whether unclaimed escrow exists. A hint for
// UI visibility, not a correctness guarantee.
type EscrowHintResponse struct {
	OrderID    int64 `json:"order_id"`
	HasEntries bool  `json:"has_entries"`
}

// ClaimResponse returns everything claimed from an order's escrow.
type ClaimResponse struct {
	OrderID int64  `json:"order_id"`
	Items   []Item `json:"items"`
}
