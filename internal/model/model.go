// Package model defines the accounts shared across the commitment engine.
// Token quantities are raw uint64 base units; decimal.Decimal is only used
// to present them to humans, never to compute with them.
package model

import (
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxPools is the number of pools an epoch can hold.
const MaxPools = 10

// Config is the protocol-wide singleton. Created once by initialize and
// mutated by every pool, resolve and claim instruction.
type Config struct {
	Admin                  solana.PublicKey `json:"admin"`
	Resolver               solana.PublicKey `json:"resolver"`
	CurrentEpoch           uint64           `json:"current_epoch"`
	TotalPositionsMinted   uint64           `json:"total_positions_minted"`
	PositionPrice          uint64           `json:"position_price"`
	RemainingTotalPosition uint64           `json:"remaining_total_position"` // rollover credit, in positions
	AllowedMint            solana.PublicKey `json:"allowed_mint"`
	MintDecimals           uint8            `json:"mint_decimals"`
	TreasuryAddress        solana.PublicKey `json:"treasury_address"`
	WeightModel            WeightModel      `json:"weight_model"`
	ResolutionType         ResolutionType   `json:"resolution_type"`
	EpochDuration          int64            `json:"epoch_duration"` // seconds
	WeightRateNumerator    uint64           `json:"weight_rate_numerator"`
	WeightRateDenominator  uint64           `json:"weight_rate_denominator"`
	MinWeight              uint64           `json:"min_weight"`
	OracleQueue            solana.PublicKey `json:"oracle_queue"`
	OracleAuthority        solana.PublicKey `json:"oracle_authority"`
}

// UserState holds the per-owner counter used to derive position addresses.
type UserState struct {
	Owner         solana.PublicKey `json:"owner"`
	PositionCount uint64           `json:"position_count"`
}

// Position is a minted, not yet committed ticket. Its existence proves it
// has never been burned.
type Position struct {
	Address   solana.PublicKey `json:"address"`
	Owner     solana.PublicKey `json:"owner"`
	UserIndex uint64           `json:"user_index"`
	GlobalID  uint64           `json:"global_id"`
	CreatedAt int64            `json:"created_at"`
}

// Pool accumulates commitments for one (id, epoch) pair.
type Pool struct {
	Address        solana.PublicKey `json:"address"`
	ID             uint8            `json:"id"`
	Epoch          uint64           `json:"epoch"`
	TotalPositions uint64           `json:"total_positions"`
	TotalWeight    uint64           `json:"total_weight"`
}

// Commitment is the per (user, pool, epoch) sum of burned positions.
type Commitment struct {
	Address        solana.PublicKey `json:"address"`
	UserPK         solana.PublicKey `json:"user_pk"`
	PositionAmount uint64           `json:"position_amount"`
	Weight         uint64           `json:"weight"`
	PoolID         uint8            `json:"pool_id"`
	Epoch          uint64           `json:"epoch"`
}

// EpochResult is the per-epoch record. Created Active by initializePool,
// finalized once by resolution and kept forever for claims.
//
// RequestID and RequestSeed identify the randomness request a pending
// epoch waits for; only a fulfillment of that exact request finalizes it.
type EpochResult struct {
	Address             solana.PublicKey `json:"address"`
	Epoch               uint64           `json:"epoch"`
	Weight              uint64           `json:"weight"` // winning pool weight
	TotalPositionAmount uint64           `json:"total_position_amount"`
	EndAt               int64            `json:"end_at"`
	WinningPoolID       uint8            `json:"winning_pool_id"`
	State               EpochState       `json:"epoch_result_state"`
	PoolCount           uint8            `json:"pool_count"`
	PoolWeights         [MaxPools]uint64 `json:"pool_weights"`
	RequestID           uuid.UUID        `json:"request_id"`
	RequestSeed         uint8            `json:"request_seed"`
}

// Claimable reports whether winners of this epoch can withdraw.
func (e *EpochResult) Claimable() bool {
	return e.State == EpochResolved && e.Weight > 0
}

// TokenAccount is a balance of one mint held by one owner.
type TokenAccount struct {
	Address solana.PublicKey `json:"address"`
	Owner   solana.PublicKey `json:"owner"`
	Mint    solana.PublicKey `json:"mint"`
	Amount  uint64           `json:"amount"`
}

// UIAmount converts raw base units into a human readable decimal.
func UIAmount(amount uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(decimals))
}
