package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// OfflineDelivery is a durable promise of compensation (refund and/or
// items) to a recipient who could not receive it immediately. A record is
// consumed exactly once: read and delete happen in one transaction.
type OfflineDelivery struct {
	bun.BaseModel `bun:"table:offline_delivery"`

	ID           int64     `bun:",pk,autoincrement"`
	RecipientID  string    `bun:"recipient_id,notnull"`
	RefundAmount float64   `bun:"refund_amount,notnull,default:0"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
}

// OfflineDeliveryItem is one item row attached to an offline delivery.
// Item rows commit and delete together with their parent record.
type OfflineDeliveryItem struct {
	bun.BaseModel `bun:"table:offline_delivery_items"`

	ID         int64  `bun:",pk,autoincrement"`
	DeliveryID int64  `bun:"delivery_id,notnull"`
	ItemBlob   []byte `bun:"item_blob,notnull"`
}
