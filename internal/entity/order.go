package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// Order statuses. Transitions are forward-only: ACTIVE may move to any of
// the terminal statuses, terminal statuses never change again.
const (
	StatusActive    = "ACTIVE"
	StatusFulfilled = "FULFILLED"
	StatusExpired   = "EXPIRED"
	StatusCancelled = "CANCELLED"
)

// TerminalStatus reports whether a status admits no further transitions.
func TerminalStatus(status string) bool {
	switch status {
	case StatusFulfilled, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether the given string is a known order status.
func ValidStatus(status string) bool {
	return status == StatusActive || TerminalStatus(status)
}

// Order is a standing trade request stored in the relational database.
// DeliveredQty never exceeds TotalQty; the repository enforces the bound
// with a conditional update.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID           int64     `bun:",pk,autoincrement"`
	OwnerID      string    `bun:"owner_id,notnull"`
	OwnerName    string    `bun:"owner_name,notnull"`
	ItemBlob     []byte    `bun:"item_blob,notnull"`
	TotalQty     int64     `bun:"total_qty,notnull"`
	UnitPrice    float64   `bun:"unit_price,notnull"`
	DeliveredQty int64     `bun:"delivered_qty,notnull,default:0"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	ExpiresAt    time.Time `bun:"expires_at,notnull"`
	Status       string    `bun:"status,notnull"`
}

// Expired reports whether the order's expiry has passed at the given instant.
func (o *Order) Expired(now time.Time) bool {
	return !o.ExpiresAt.After(now)
}

// Remaining returns how many units the order still wants.
func (o *Order) Remaining() int64 {
	if o.TotalQty < o.DeliveredQty {
		return 0
	}
	return o.TotalQty - o.DeliveredQty
}
