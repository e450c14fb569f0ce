// Package store defines the account store of the commitment engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache) and in-memory (for testing and development).
//
// Every instruction runs inside one Update call: either all of its reads,
// writes, creations and closures apply, or none do.
package store

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/conviction-engine/internal/model"
)

var (
	// ErrNotFound is returned when no open account exists at an address.
	ErrNotFound = errors.New("store: account not found")

	// ErrConflict is returned when a transaction lost a serialization race.
	// The whole instruction can be retried.
	ErrConflict = errors.New("store: transaction conflict")

	// ErrReadOnly is returned when a View transaction attempts a write.
	ErrReadOnly = errors.New("store: read-only transaction")
)

// Store runs transactions against the account store.
type Store interface {
	// Update runs fn in a serializable read-write transaction. If fn returns
	// an error nothing it wrote is applied.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the account surface available inside a transaction. Accounts are
// addressed by their derived address; closing an account removes it and
// records the address as closed so it can be told apart from an address
// that never held an account.
type Tx interface {
	// --- Config singleton ---

	GetConfig(ctx context.Context) (*model.Config, error)
	PutConfig(ctx context.Context, cfg *model.Config) error

	// --- Per-user counters ---

	GetUserState(ctx context.Context, addr solana.PublicKey) (*model.UserState, error)
	PutUserState(ctx context.Context, addr solana.PublicKey, us *model.UserState) error

	// --- Positions ---

	GetPosition(ctx context.Context, addr solana.PublicKey) (*model.Position, error)
	PutPosition(ctx context.Context, p *model.Position) error
	ClosePosition(ctx context.Context, addr solana.PublicKey) error
	ListPositions(ctx context.Context, owner solana.PublicKey) ([]model.Position, error)

	// --- Pools ---

	GetPool(ctx context.Context, addr solana.PublicKey) (*model.Pool, error)
	PutPool(ctx context.Context, p *model.Pool) error
	ClosePool(ctx context.Context, addr solana.PublicKey) error
	ListPools(ctx context.Context, epoch uint64) ([]model.Pool, error)

	// --- Commitments ---

	GetCommitment(ctx context.Context, addr solana.PublicKey) (*model.Commitment, error)
	PutCommitment(ctx context.Context, c *model.Commitment) error
	CloseCommitment(ctx context.Context, addr solana.PublicKey) error
	ListCommitments(ctx context.Context, owner solana.PublicKey) ([]model.Commitment, error)

	// --- Epoch results (never closed) ---

	GetEpochResult(ctx context.Context, addr solana.PublicKey) (*model.EpochResult, error)
	PutEpochResult(ctx context.Context, r *model.EpochResult) error

	// --- Token balances ---

	GetTokenAccount(ctx context.Context, addr solana.PublicKey) (*model.TokenAccount, error)
	PutTokenAccount(ctx context.Context, acct *model.TokenAccount) error

	// IsClosed reports whether an account once existed at addr and was closed.
	IsClosed(ctx context.Context, addr solana.PublicKey) (bool, error)
}
