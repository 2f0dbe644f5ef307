package reconcile

import (
	"context"

	"go.uber.org/zap"

	"github.com/Additional-Code/tradepost/internal/codec"
)

// The real currency and inventory subsystems live outside this engine.
// These defaults log every hand-off so the drain loop is observable when
// the host has not replaced them.

type logCurrencyLedger struct {
	logger *zap.Logger
}

// NewLogCurrencyLedger returns a ledger that only records credits.
func NewLogCurrencyLedger(logger *zap.Logger) CurrencyLedger {
	return &logCurrencyLedger{logger: logger}
}

func (l *logCurrencyLedger) Credit(_ context.Context, recipientID string, amount float64) error {
	l.logger.Info("currency credit",
		zap.String("recipient_id", recipientID),
		zap.Float64("amount", amount),
	)
	return nil
}

type logInventoryAcceptor struct {
	logger *zap.Logger
}

// NewLogInventoryAcceptor returns an acceptor that takes everything and
// never overflows.
func NewLogInventoryAcceptor(logger *zap.Logger) InventoryAcceptor {
	return &logInventoryAcceptor{logger: logger}
}

func (l *logInventoryAcceptor) Accept(_ context.Context, recipientID string, items []codec.ItemDescriptor) ([]codec.ItemDescriptor, error) {
	l.logger.Info("inventory accept",
		zap.String("recipient_id", recipientID),
		zap.Int("items", len(items)),
	)
	return nil, nil
}

type logOverflowSink struct {
	logger *zap.Logger
}

// NewLogOverflowSink returns a sink that records spilled items.
func NewLogOverflowSink(logger *zap.Logger) OverflowSink {
	return &logOverflowSink{logger: logger}
}

func (l *logOverflowSink) Spill(_ context.Context, recipientID string, items []codec.ItemDescriptor) error {
	l.logger.Warn("overflow spill",
		zap.String("recipient_id", recipientID),
		zap.Int("items", len(items)),
	)
	return nil
}
