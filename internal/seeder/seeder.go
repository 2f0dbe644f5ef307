package seeder

import (
	"context"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/tradepost/internal/codec"
	"github.com/Additional-Code/tradepost/internal/database"
	"github.com/Additional-Code/tradepost/internal/entity"
)

// Module provides the seeder to Fx.
var Module = fx.Provide(New)

// Seeder performs database seeding for local/dev setups.
type Seeder struct {
	db     *bun.DB
	logger *zap.Logger
}

// New constructs a Seeder backed by the primary database connection.
func New(conns *database.Connections, logger *zap.Logger) *Seeder {
	return &Seeder{db: conns.Writer, logger: logger}
}

// Orders seeds example standing orders if the table is empty.
func (s *Seeder) Orders(ctx context.Context) error {
	count, err := s.db.NewSelect().Model((*entity.Order)(nil)).Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		s.logger.Info("orders already present, skipping seed", zap.Int("count", count))
		return nil
	}

	now := time.Now().UTC()
	samples := []struct {
		owner string
		name  string
		item  codec.ItemDescriptor
		qty   int64
		price float64
	}{
		{"owner-1001", "Mara", codec.ItemDescriptor{TypeID: "iron_ingot", Quantity: 1}, 64, 2.5},
		{"owner-1002", "Torv", codec.ItemDescriptor{TypeID: "oak_plank", Quantity: 4, Meta: map[string]string{"grade": "fine"}}, 256, 0.75},
	}

	for _, sample := range samples {
		blob, err := codec.Encode(sample.item)
		if err != nil {
			return err
		}
		order := entity.Order{
			OwnerID:   sample.owner,
			OwnerName: sample.name,
			ItemBlob:  blob,
			TotalQty:  sample.qty,
			UnitPrice: sample.price,
			CreatedAt: now,
			ExpiresAt: now.Add(7 * 24 * time.Hour),
			Status:    entity.StatusActive,
		}
		if _, err := s.db.NewInsert().Model(&order).Exec(ctx); err != nil {
			return err
		}
	}

	s.logger.Info("seeded orders", zap.Int("count", len(samples)))
	return nil
}
