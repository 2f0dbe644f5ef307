package dto

// EnqueueRequest queues compensation for an unreachable recipient.
type EnqueueRequest struct {
	RecipientID  string  `json:"recipient_id"`
	RefundAmount float64 `json:"refund_amount"`
	Items        []Item  `json:"items,omitempty"`
}

// PendingResponse reports queued compensation records for a recipient.
type PendingResponse struct {
	RecipientID string `json:"recipient_id"`
	Pending     int    `json:"pending"`
}

// ReconcileResponse summarizes a reconciliation run.
type ReconcileResponse struct {
	RecipientID    string  `json:"recipient_id"`
	Records        int     `json:"records"`
	ItemsDelivered int     `json:"items_delivered"`
	ItemsSpilled   int     `json:"items_spilled"`
	Refunded       float64 `json:"refunded"`
}
