package protocol

import (
	"errors"

	"github.com/atmx/conviction-engine/internal/oracle"
	"github.com/atmx/conviction-engine/internal/store"
	"github.com/atmx/conviction-engine/internal/token"
	"github.com/atmx/conviction-engine/internal/weight"
)

// Arithmetic.
var (
	ErrInvalidAdd         = weight.ErrInvalidAdd
	ErrInvalidMul         = weight.ErrInvalidMul
	ErrInvalidDiv         = weight.ErrInvalidDiv
	ErrInvalidCalculation = weight.ErrInvalidCalculation
)

// Configuration.
var (
	ErrUnsupportedResolution = errors.New("protocol: unsupported resolution type")
	ErrUnsupportedWeight     = errors.New("protocol: unsupported weight model")
	ErrOracleQueueRequired   = errors.New("protocol: oracle queue required")
	ErrOracleAuthorityUnset  = errors.New("protocol: oracle authority required")
	ErrInvalidOracleQueue    = errors.New("protocol: invalid oracle queue")
	ErrInvalidWeightRate     = errors.New("protocol: weight rate denominator must be non-zero")
	ErrInvalidEpochDuration  = errors.New("protocol: epoch duration must be positive")
	ErrNoRandomnessProvider  = errors.New("protocol: no randomness provider configured")
	ErrNotAdminMode          = errors.New("protocol: resolution type is not admin")
	ErrNotOracleMode         = errors.New("protocol: resolution type is not oracle")
)

// Epoch/pool consistency.
var (
	ErrEpochMismatch       = errors.New("protocol: pool epoch does not match current epoch")
	ErrInvalidPoolID       = errors.New("protocol: invalid pool id")
	ErrInvalidEpoch        = errors.New("protocol: invalid epoch state")
	ErrWinningPoolNotFound = errors.New("protocol: winning pool not found")
	ErrNoPoolsProvided     = errors.New("protocol: no pools provided")
	ErrTooManyPools        = errors.New("protocol: too many pools")
	ErrNotEnoughAccounts   = errors.New("protocol: pool account count mismatch")
	ErrEpochEnded          = errors.New("protocol: epoch ended")
	ErrEpochNotEnded       = errors.New("protocol: epoch not ended")
	ErrEpochNotStarted     = errors.New("protocol: epoch not started")
	ErrEpochPending        = errors.New("protocol: previous epoch awaiting randomness")
	ErrNotInitialized      = errors.New("protocol: config not initialized")
	ErrAlreadyInitialized  = errors.New("protocol: config already initialized")
	ErrRequestMismatch     = errors.New("protocol: fulfillment does not answer the pending request")
)

// Authorization.
var (
	ErrUnauthorizedResolver = errors.New("protocol: caller is not the resolver")
	ErrUnauthorizedAdmin    = errors.New("protocol: caller is not the admin")
	ErrUnauthorizedOracle   = errors.New("protocol: caller is not the oracle authority")
)

// Claim integrity.
var (
	ErrAlreadyClaimed = errors.New("protocol: already claimed")
	ErrLosingPool     = errors.New("protocol: commitment is not in the winning pool")
	ErrPositionBurned = errors.New("protocol: position already committed")
)

// Missing accounts.
var (
	ErrPoolNotFound       = errors.New("protocol: pool not found")
	ErrPositionNotFound   = errors.New("protocol: position not found")
	ErrCommitmentNotFound = errors.New("protocol: commitment not found")
	ErrEpochNotFound      = errors.New("protocol: epoch result not found")
)

// Kind groups errors for callers that react by category.
type Kind int

const (
	KindInternal Kind = iota
	KindArithmetic
	KindConfiguration
	KindConsistency
	KindAuthorization
	KindClaimIntegrity
	KindNotFound
	KindFunds
	KindConflict
)

var kindNames = map[Kind]string{
	KindInternal:       "internal",
	KindArithmetic:     "arithmetic",
	KindConfiguration:  "configuration",
	KindConsistency:    "consistency",
	KindAuthorization:  "authorization",
	KindClaimIntegrity: "claim_integrity",
	KindNotFound:       "not_found",
	KindFunds:          "funds",
	KindConflict:       "conflict",
}

func (k Kind) String() string {
	return kindNames[k]
}

var kinds = []struct {
	kind Kind
	errs []error
}{
	{KindArithmetic, []error{ErrInvalidAdd, ErrInvalidMul, ErrInvalidDiv, ErrInvalidCalculation, token.ErrBalanceOverflow}},
	{KindConfiguration, []error{
		ErrUnsupportedResolution, ErrUnsupportedWeight, ErrOracleQueueRequired, ErrOracleAuthorityUnset,
		ErrInvalidOracleQueue, ErrInvalidWeightRate, ErrInvalidEpochDuration, ErrNoRandomnessProvider,
		ErrNotAdminMode, ErrNotOracleMode, oracle.ErrQueueFull,
	}},
	{KindConsistency, []error{
		ErrEpochMismatch, ErrInvalidPoolID, ErrInvalidEpoch, ErrWinningPoolNotFound, ErrNoPoolsProvided,
		ErrTooManyPools, ErrNotEnoughAccounts, ErrEpochEnded, ErrEpochNotEnded, ErrEpochNotStarted,
		ErrEpochPending, ErrNotInitialized, ErrRequestMismatch, token.ErrMintMismatch,
	}},
	{KindAuthorization, []error{ErrUnauthorizedResolver, ErrUnauthorizedAdmin, ErrUnauthorizedOracle, oracle.ErrInvalidProof}},
	{KindClaimIntegrity, []error{ErrAlreadyClaimed, ErrLosingPool, ErrPositionBurned}},
	{KindNotFound, []error{ErrPoolNotFound, ErrPositionNotFound, ErrCommitmentNotFound, ErrEpochNotFound}},
	{KindFunds, []error{token.ErrInsufficientBalance, token.ErrAccountNotFound}},
	{KindConflict, []error{store.ErrConflict}},
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	for _, k := range kinds {
		for _, target := range k.errs {
			if errors.Is(err, target) {
				return k.kind
			}
		}
	}
	return KindInternal
}
