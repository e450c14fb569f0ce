// Package weight implements the arithmetic of the commitment protocol:
// time-based position weight, proportional claim reward and
// weight-proportional pool selection from 32 bytes of randomness.
//
// Everything here is pure. Intermediates are computed in 256-bit integers
// (holiman/uint256) so no product of u64 operands can wrap; a result that
// does not fit back into u64 is an error, never a truncation.
package weight

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/atmx/conviction-engine/internal/model"
)

// Precision scales every weight: one unit of weight is stored as 10_000.
const Precision uint64 = 10_000

var (
	// ErrInvalidAdd is returned when a checked addition overflows u64.
	ErrInvalidAdd = errors.New("weight: addition overflow")

	// ErrInvalidMul is returned when a product does not fit back into u64.
	ErrInvalidMul = errors.New("weight: multiplication overflow")

	// ErrInvalidDiv is returned on division by zero.
	ErrInvalidDiv = errors.New("weight: division by zero")

	// ErrInvalidCalculation is returned when a position's age is negative.
	ErrInvalidCalculation = errors.New("weight: invalid calculation, negative age")

	// ErrNoPools is returned when selecting from an empty weight list.
	ErrNoPools = errors.New("weight: no pools to select from")
)

// Compute returns floor(age * numerator * Precision / denominator).
func Compute(ageSeconds int64, numerator, denominator uint64) (uint64, error) {
	if ageSeconds < 0 {
		return 0, ErrInvalidCalculation
	}
	if denominator == 0 {
		return 0, ErrInvalidDiv
	}

	x := uint256.NewInt(uint64(ageSeconds))
	if _, overflow := x.MulOverflow(x, uint256.NewInt(numerator)); overflow {
		return 0, ErrInvalidMul
	}
	if _, overflow := x.MulOverflow(x, uint256.NewInt(Precision)); overflow {
		return 0, ErrInvalidMul
	}
	x.Div(x, uint256.NewInt(denominator))

	if !x.IsUint64() {
		return 0, ErrInvalidMul
	}
	return x.Uint64(), nil
}

// Params is the subset of Config that decides a commit's weight.
type Params struct {
	Model       model.WeightModel
	Numerator   uint64
	Denominator uint64
	MinWeight   uint64
}

// ParamsFromConfig extracts the weight parameters of cfg.
func ParamsFromConfig(cfg *model.Config) Params {
	return Params{
		Model:       cfg.WeightModel,
		Numerator:   cfg.WeightRateNumerator,
		Denominator: cfg.WeightRateDenominator,
		MinWeight:   cfg.MinWeight,
	}
}

// ForPosition returns the weight a position created at createdAt carries
// when committed at now. Constant model positions always weigh Precision;
// time-based weights are floored at p.MinWeight.
func ForPosition(p Params, createdAt, now int64) (uint64, error) {
	if p.Model == model.WeightConstant {
		return Precision, nil
	}
	w, err := Compute(now-createdAt, p.Numerator, p.Denominator)
	if err != nil {
		return 0, err
	}
	if w < p.MinWeight {
		w = p.MinWeight
	}
	return w, nil
}

// Add returns a + b, failing with ErrInvalidAdd on overflow.
func Add(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, ErrInvalidAdd
	}
	return s, nil
}

// Reward returns floor(commitWeight * totalPositions * price / epochWeight).
func Reward(commitWeight, totalPositions, price, epochWeight uint64) (uint64, error) {
	if epochWeight == 0 {
		return 0, ErrInvalidDiv
	}

	x := uint256.NewInt(commitWeight)
	if _, overflow := x.MulOverflow(x, uint256.NewInt(totalPositions)); overflow {
		return 0, ErrInvalidMul
	}
	if _, overflow := x.MulOverflow(x, uint256.NewInt(price)); overflow {
		return 0, ErrInvalidMul
	}
	x.Div(x, uint256.NewInt(epochWeight))

	if !x.IsUint64() {
		return 0, ErrInvalidMul
	}
	return x.Uint64(), nil
}

// Total sums weights without overflow.
func Total(weights []uint64) *uint256.Int {
	total := new(uint256.Int)
	for _, w := range weights {
		total.Add(total, uint256.NewInt(w))
	}
	return total
}

// SelectPool maps randomness to a pool id with probability proportional to
// weight. The 32 bytes are read as a big-endian integer, reduced modulo the
// total weight, and pools are walked in ascending id order accumulating
// weight; the first pool whose cumulative weight exceeds the reduced value
// wins. Zero-weight pools never win.
//
// When every weight is zero the selection falls back to randomness modulo
// the pool count, so a winner still exists (with zero weight).
func SelectPool(randomness [32]byte, weights []uint64) (uint8, error) {
	if len(weights) == 0 {
		return 0, ErrNoPools
	}
	if len(weights) > model.MaxPools {
		weights = weights[:model.MaxPools]
	}

	r := new(uint256.Int).SetBytes32(randomness[:])
	total := Total(weights)
	if total.IsZero() {
		r.Mod(r, uint256.NewInt(uint64(len(weights))))
		return uint8(r.Uint64()), nil
	}

	r.Mod(r, total)
	cum := new(uint256.Int)
	for i, w := range weights {
		cum.Add(cum, uint256.NewInt(w))
		if r.Lt(cum) {
			return uint8(i), nil
		}
	}
	// Unreachable: r < total == final cum.
	return uint8(len(weights) - 1), nil
}
