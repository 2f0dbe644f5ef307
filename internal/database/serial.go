package database

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/tradepost/internal/config"
)

// ErrUnavailable is returned when the store worker is not running or the
// backing connection cannot be used. Callers must treat it as fail-fast:
// no partial writes occurred.
var ErrUnavailable = errors.New("store unavailable")

// Op is a unit of work executed on the serialized store worker. The db it
// receives is the single writer connection; Ops from every repository are
// executed one at a time and never interleave.
type Op func(ctx context.Context, db bun.IDB) error

type request struct {
	ctx  context.Context
	name string
	op   Op
	done chan error
}

// Serial routes every engine operation through one goroutine owning the
// writer connection. Callers block on a result channel; a caller that gives
// up (context cancelled) abandons the result and the dispatched write
// completes or fails on its own.
type Serial struct {
	db        *bun.DB
	opTimeout time.Duration
	logger    *zap.Logger

	requests chan request
	quit     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewSerialWorker builds a store worker over the given writer connection.
// Start must be called before Do.
func NewSerialWorker(db *bun.DB, opTimeout time.Duration, queueDepth int, logger *zap.Logger) *Serial {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Serial{
		db:        db,
		opTimeout: opTimeout,
		logger:    logger,
		requests:  make(chan request, queueDepth),
		quit:      make(chan struct{}),
	}
}

// NewSerial wires the store worker into the Fx lifecycle.
func NewSerial(lc fx.Lifecycle, cfg config.Config, conns *Connections, logger *zap.Logger) *Serial {
	s := NewSerialWorker(conns.Writer, cfg.Engine.OpTimeout, cfg.Engine.QueueDepth, logger)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.Start()
			logger.Info("store worker started", zap.Duration("op_timeout", s.opTimeout))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop(ctx)
		},
	})

	return s
}

// Start launches the worker goroutine.
func (s *Serial) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.run()
}

// Stop shuts the worker down, draining already-queued requests. Requests
// submitted after Stop fail with ErrUnavailable.
func (s *Serial) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.quit)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Do dispatches op to the worker and waits for its result. It fails fast
// with ErrUnavailable when the worker is not running. If ctx is cancelled
// after dispatch the result is discarded, not the write.
func (s *Serial) Do(ctx context.Context, name string, op Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrUnavailable
	}

	req := request{ctx: ctx, name: name, op: op, done: make(chan error, 1)}

	select {
	case s.requests <- req:
	case <-s.quit:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Serial) run() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.requests:
			s.execute(req)
		case <-s.quit:
			for {
				select {
				case req := <-s.requests:
					s.execute(req)
				default:
					return
				}
			}
		}
	}
}

func (s *Serial) execute(req request) {
	if err := req.ctx.Err(); err != nil {
		req.done <- err
		return
	}

	// Detach from caller cancellation: once dispatched, the op runs to
	// completion under the worker's own deadline.
	opCtx := context.WithoutCancel(req.ctx)
	cancel := func() {}
	if s.opTimeout > 0 {
		opCtx, cancel = context.WithTimeout(opCtx, s.opTimeout)
	}

	start := time.Now()
	err := req.op(opCtx, s.db)
	cancel()

	if err != nil && s.logger != nil {
		s.logger.Debug("store op failed",
			zap.String("op", req.name),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
	}

	req.done <- err
}
