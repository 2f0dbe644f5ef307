package entity

import "github.com/uptrace/bun"

// EscrowEntry is one batch of items delivered toward an order and held
// until its owner claims it. Entries are read and removed together; a row
// is never returned by two different claims.
type EscrowEntry struct {
	bun.BaseModel `bun:"table:escrow"`

	ID       int64  `bun:",pk,autoincrement"`
	OrderID  int64  `bun:"order_id,notnull"`
	OwnerID  string `bun:"owner_id,notnull"`
	ItemBlob []byte `bun:"item_blob,notnull"`
}
