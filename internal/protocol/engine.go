// Package protocol implements the instructions of the time-weighted
// commitment protocol: positions are minted against a fixed price, burned
// into pools during an epoch, and paid out in proportion to committed
// weight once the epoch is resolved.
//
// Every instruction runs as one store.Update transaction. All preconditions
// are checked before the first write; an error aborts the transaction, so
// a rejected instruction leaves every account untouched.
package protocol

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/conviction-engine/internal/address"
	"github.com/atmx/conviction-engine/internal/metrics"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/oracle"
	"github.com/atmx/conviction-engine/internal/store"
)

// RandomnessProvider accepts randomness requests for pending epochs.
type RandomnessProvider interface {
	Request(ctx context.Context, req oracle.Request) error
}

// Engine executes protocol instructions against a store.
type Engine struct {
	st       store.Store
	addr     *address.Deriver
	clock    func() time.Time
	oracle   RandomnessProvider
	notifier Notifier
	log      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for createdAt and deadlines.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithOracle sets the provider asked for randomness in oracle mode.
func WithOracle(p RandomnessProvider) Option {
	return func(e *Engine) { e.oracle = p }
}

// WithNotifier sets the sink for events emitted after each commit.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an engine deriving addresses under programID.
func New(st store.Store, programID solana.PublicKey, opts ...Option) *Engine {
	e := &Engine{
		st:       st,
		addr:     address.NewDeriver(programID),
		clock:    time.Now,
		notifier: nopNotifier{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Addresses returns the deriver the engine validates accounts against.
func (e *Engine) Addresses() *address.Deriver {
	return e.addr
}

func (e *Engine) now() int64 {
	return e.clock().Unix()
}

// exec runs fn as one instruction and records its outcome.
func (e *Engine) exec(ctx context.Context, name string, fn func(tx store.Tx) error) error {
	start := time.Now()
	err := e.st.Update(ctx, fn)
	result := "ok"
	if err != nil {
		result = KindOf(err).String()
		e.log.Warn("instruction rejected", "instruction", name, "kind", result, "err", err)
	}
	metrics.ObserveInstruction(name, result, start)
	return err
}

func (e *Engine) loadConfig(ctx context.Context, tx store.Tx) (*model.Config, error) {
	cfg, err := tx.GetConfig(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInitialized
	}
	return cfg, err
}

func (e *Engine) loadEpochResult(ctx context.Context, tx store.Tx, epoch uint64) (*model.EpochResult, error) {
	addr, err := e.addr.EpochResult(epoch)
	if err != nil {
		return nil, err
	}
	res, err := tx.GetEpochResult(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrEpochNotFound
	}
	return res, err
}

// closedOr maps a missing account to closedErr when it was closed and to
// missingErr when it never existed.
func closedOr(ctx context.Context, tx store.Tx, addr solana.PublicKey, err, closedErr, missingErr error) error {
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	closed, cerr := tx.IsClosed(ctx, addr)
	if cerr != nil {
		return cerr
	}
	if closed {
		return closedErr
	}
	return missingErr
}

func (e *Engine) observeConfig(cfg *model.Config) {
	metrics.CurrentEpoch.Set(float64(cfg.CurrentEpoch))
	metrics.RolloverPositions.Set(float64(cfg.RemainingTotalPosition))
}
