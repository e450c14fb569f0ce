package protocol_test

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/protocol"
	"github.com/atmx/conviction-engine/internal/store"
	"github.com/atmx/conviction-engine/internal/token"
	"github.com/atmx/conviction-engine/internal/weight"
)

func TestInitialize_Defaults(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()

	require.Equal(t, uint64(1), cfg.CurrentEpoch)
	require.Equal(t, price, cfg.PositionPrice)
	require.Equal(t, h.admin, cfg.Admin)
	require.Equal(t, h.admin, cfg.Resolver, "zero resolver defaults to the admin")
	require.Zero(t, cfg.RemainingTotalPosition)
	require.Zero(t, h.treasury())
}

func TestInitialize_SecondCallIsNoOp(t *testing.T) {
	h := newHarness(t)
	other := solana.NewWallet().PublicKey()

	cfg, err := h.eng.Initialize(h.ctx, other, protocol.InitializeParams{
		EpochDuration:         999,
		WeightRateDenominator: 1,
		Mint:                  solana.NewWallet().PublicKey(),
	})
	require.NoError(t, err)
	require.Equal(t, h.admin, cfg.Admin)
	require.Equal(t, int64(60), h.config().EpochDuration)
}

func TestInitialize_RejectsBadParams(t *testing.T) {
	tests := []struct {
		name   string
		params protocol.InitializeParams
		want   error
	}{
		{"zero denominator", protocol.InitializeParams{EpochDuration: 60}, protocol.ErrInvalidWeightRate},
		{"zero duration", protocol.InitializeParams{WeightRateDenominator: 1}, protocol.ErrInvalidEpochDuration},
		{"unknown resolution", protocol.InitializeParams{EpochDuration: 60, WeightRateDenominator: 1, ResolutionType: 7}, protocol.ErrUnsupportedResolution},
		{"unknown weight model", protocol.InitializeParams{EpochDuration: 60, WeightRateDenominator: 1, WeightModel: 7}, protocol.ErrUnsupportedWeight},
		{"price overflow", protocol.InitializeParams{EpochDuration: 60, WeightRateDenominator: 1, MintDecimals: 30}, protocol.ErrInvalidMul},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := protocol.New(store.NewMemoryStore(), solana.NewWallet().PublicKey())
			_, err := eng.Initialize(context.Background(), solana.NewWallet().PublicKey(), tt.params)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

// One position aged 60s is the sole winner and claims back its own fee.
func TestScenario_SingleWinnerClaimsFullFee(t *testing.T) {
	h := newHarness(t)
	alice := h.user(price)

	h.mint1(alice)
	require.Equal(t, uint64(0), h.balance(alice))
	require.Equal(t, price, h.treasury())

	h.clock.Advance(50 * time.Second)
	h.startEpoch(3)
	h.clock.Advance(10 * time.Second)
	c := h.commit(alice, 0, 0)
	require.Equal(t, 60*weight.Precision, c.Weight)

	h.clock.Advance(10 * time.Second)
	res := h.resolveAfterEnd(0)
	require.Equal(t, model.EpochResolved, res.State)
	require.Greater(t, res.Weight, uint64(0))
	require.Equal(t, uint64(1), res.TotalPositionAmount)

	reward, err := h.eng.Claim(h.ctx, alice, 0, 1)
	require.NoError(t, err)
	require.Equal(t, price, reward)
	require.Equal(t, price, h.balance(alice))
	require.Zero(t, h.treasury())
}

// An empty winner forwards the epoch to the next one, whose winner takes both fees.
func TestScenario_RolloverOnEmptyWinner(t *testing.T) {
	h := newHarness(t)
	alice := h.user(price)
	bob := h.user(price)

	// Epoch 1: the only commit goes to pool 0, pool 2 wins.
	h.startEpoch(3)
	h.mint1(alice)
	h.clock.Advance(5 * time.Second)
	h.commit(alice, 0, 0)

	treasuryBefore := h.treasury()
	res1 := h.resolveAfterEnd(2)
	require.Zero(t, res1.Weight)
	require.Equal(t, uint64(1), res1.TotalPositionAmount)
	require.False(t, res1.Claimable())
	require.Equal(t, uint64(1), h.config().RemainingTotalPosition)
	require.Equal(t, treasuryBefore, h.treasury(), "rollover must not move funds")

	_, err := h.eng.Claim(h.ctx, alice, 0, 1)
	require.ErrorIs(t, err, protocol.ErrLosingPool)

	// Epoch 2: bob commits to pool 0 and wins.
	h.startEpoch(3)
	h.mint1(bob)
	h.clock.Advance(5 * time.Second)
	h.commit(bob, 0, 0)
	res2 := h.resolveAfterEnd(0)
	require.Equal(t, uint64(2), res2.TotalPositionAmount)
	require.Zero(t, h.config().RemainingTotalPosition)

	reward, err := h.eng.Claim(h.ctx, bob, 0, 2)
	require.NoError(t, err)
	require.Equal(t, 2*price, reward)
	require.Zero(t, h.treasury())
}

// Two empty winners in a row accumulate their totals; the third epoch's
// winner is paid for all three positions.
func TestScenario_RolloverAccumulatesAcrossEpochs(t *testing.T) {
	h := newHarness(t)
	alice := h.user(price)
	bob := h.user(price)
	carol := h.user(price)

	h.startEpoch(2)
	h.mint1(alice)
	h.clock.Advance(5 * time.Second)
	h.commit(alice, 0, 0)
	res1 := h.resolveAfterEnd(1)
	require.Zero(t, res1.Weight)
	require.Equal(t, uint64(1), res1.TotalPositionAmount)
	require.Equal(t, uint64(1), h.config().RemainingTotalPosition)

	h.startEpoch(2)
	h.mint1(bob)
	h.clock.Advance(5 * time.Second)
	h.commit(bob, 0, 0)
	res2 := h.resolveAfterEnd(1)
	require.Zero(t, res2.Weight)
	require.Equal(t, uint64(2), res2.TotalPositionAmount)
	require.Equal(t, uint64(2), h.config().RemainingTotalPosition)

	h.startEpoch(2)
	h.mint1(carol)
	h.clock.Advance(5 * time.Second)
	h.commit(carol, 0, 1)
	res3 := h.resolveAfterEnd(1)
	require.Equal(t, uint64(3), res3.TotalPositionAmount)
	require.True(t, res3.Claimable())
	require.Zero(t, h.config().RemainingTotalPosition)

	for epoch, owner := range map[uint64]solana.PublicKey{1: alice, 2: bob} {
		_, err := h.eng.Claim(h.ctx, owner, 0, epoch)
		require.ErrorIs(t, err, protocol.ErrLosingPool)
	}

	require.Equal(t, 3*price, h.treasury())
	reward, err := h.eng.Claim(h.ctx, carol, 1, 3)
	require.NoError(t, err)
	require.Equal(t, 3*price, reward)
	require.Equal(t, 3*price, h.balance(carol))
	require.Zero(t, h.treasury())
}

func TestDeposit(t *testing.T) {
	h := newHarness(t)
	alice := solana.NewWallet().PublicKey()

	_, err := h.eng.Deposit(h.ctx, alice, alice, price)
	require.ErrorIs(t, err, protocol.ErrUnauthorizedAdmin)
	require.Zero(t, h.balance(alice))

	acct, err := h.eng.Deposit(h.ctx, h.admin, alice, price)
	require.NoError(t, err)
	require.Equal(t, alice, acct.Owner)
	require.Equal(t, h.mint, acct.Mint)

	_, err = h.eng.Deposit(h.ctx, h.admin, alice, price)
	require.NoError(t, err)
	require.Equal(t, 2*price, h.balance(alice))

	_, err = h.eng.Deposit(h.ctx, h.admin, alice, ^uint64(0))
	require.ErrorIs(t, err, token.ErrBalanceOverflow)
	require.Equal(t, 2*price, h.balance(alice), "a rejected deposit credits nothing")

	h.mint1(alice)
	require.Equal(t, price, h.balance(alice))
}

func TestScenario_ProportionalPayout(t *testing.T) {
	h := newHarness(t)
	alice := h.user(price)
	bob := h.user(price)

	h.mint1(alice)
	h.clock.Advance(20 * time.Second)
	h.mint1(bob)
	h.startEpoch(2)
	h.clock.Advance(10 * time.Second)

	ca := h.commit(alice, 0, 1) // aged 30s
	cb := h.commit(bob, 0, 1)   // aged 10s
	require.Equal(t, 3*cb.Weight, ca.Weight)

	h.resolveAfterEnd(1)
	ra, err := h.eng.Claim(h.ctx, alice, 1, 1)
	require.NoError(t, err)
	rb, err := h.eng.Claim(h.ctx, bob, 1, 1)
	require.NoError(t, err)

	require.Equal(t, 3*rb, ra)
	require.LessOrEqual(t, ra+rb, 2*price)
	require.Equal(t, 2*price-ra-rb, h.treasury())
}

func TestCommit_Conservation(t *testing.T) {
	h := newHarness(t)
	alice := h.user(3 * price)
	bob := h.user(price)

	h.startEpoch(2)
	for i := 0; i < 3; i++ {
		h.mint1(alice)
		h.clock.Advance(3 * time.Second)
	}
	h.mint1(bob)
	h.clock.Advance(7 * time.Second)

	var aliceWeight uint64
	for id := uint64(0); id < 3; id++ {
		c := h.commit(alice, id, 0)
		aliceWeight = c.Weight // cumulative
	}
	cb := h.commit(bob, 0, 0)

	pools, err := h.eng.Pools(h.ctx, 1)
	require.NoError(t, err)
	require.Len(t, pools, 2)
	require.Equal(t, uint64(4), pools[0].TotalPositions)
	require.Equal(t, aliceWeight+cb.Weight, pools[0].TotalWeight)
	require.Zero(t, pools[1].TotalWeight)

	views, err := h.eng.Commitments(h.ctx, alice)
	require.NoError(t, err)
	require.Len(t, views, 1, "commits to the same pool accumulate into one commitment")
	require.Equal(t, uint64(3), views[0].PositionAmount)
	require.Equal(t, protocol.StatusActive, views[0].Status)
}

func TestCommit_BurnIsIrreversible(t *testing.T) {
	h := newHarness(t)
	alice := h.user(price)
	h.startEpoch(1)
	h.mint1(alice)

	h.commit(alice, 0, 0)

	_, err := h.eng.Commit(h.ctx, alice, 0, 0)
	require.ErrorIs(t, err, protocol.ErrPositionBurned)

	_, err = h.eng.Commit(h.ctx, alice, 1, 0)
	require.ErrorIs(t, err, protocol.ErrPositionNotFound)

	positions, err := h.eng.Positions(h.ctx, alice)
	require.NoError(t, err)
	require.Empty(t, positions)
}

func TestCommit_Preconditions(t *testing.T) {
	h := newHarness(t)
	alice := h.user(2 * price)
	h.mint1(alice)
	h.mint1(alice)

	_, err := h.eng.Commit(h.ctx, alice, 0, 0)
	require.ErrorIs(t, err, protocol.ErrEpochNotStarted)

	h.startEpoch(2)
	_, err = h.eng.Commit(h.ctx, alice, 0, 5)
	require.ErrorIs(t, err, protocol.ErrPoolNotFound)
	_, err = h.eng.Commit(h.ctx, alice, 0, model.MaxPools)
	require.ErrorIs(t, err, protocol.ErrInvalidPoolID)

	h.clock.Advance(60 * time.Second)
	_, err = h.eng.Commit(h.ctx, alice, 0, 0)
	require.ErrorIs(t, err, protocol.ErrEpochEnded)

	// Rejected commits leave the position in place.
	positions, err := h.eng.Positions(h.ctx, alice)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	require.Equal(t, 60*weight.Precision, positions[0].Weight)
}

func TestCommit_ConstantWeightModel(t *testing.T) {
	h := newHarness(t, withWeightModel(model.WeightConstant))
	alice := h.user(price)
	h.mint1(alice)
	h.clock.Advance(time.Hour)
	h.startEpoch(1)
	c := h.commit(alice, 0, 0)
	require.Equal(t, weight.Precision, c.Weight)
}

func TestMint_InsufficientBalance(t *testing.T) {
	h := newHarness(t)
	alice := h.user(price - 1)

	_, err := h.eng.MintPosition(h.ctx, alice)
	require.Error(t, err)
	require.Equal(t, protocol.KindFunds, protocol.KindOf(err))

	require.Equal(t, price-1, h.balance(alice))
	require.Zero(t, h.config().TotalPositionsMinted)

	_, err = h.eng.MintPosition(h.ctx, solana.NewWallet().PublicKey())
	require.Equal(t, protocol.KindFunds, protocol.KindOf(err), "owner without a token account")
}

func TestMint_CountersAndIndices(t *testing.T) {
	h := newHarness(t)
	alice := h.user(2 * price)
	bob := h.user(price)

	a0 := h.mint1(alice)
	b0 := h.mint1(bob)
	a1 := h.mint1(alice)

	require.Equal(t, uint64(0), a0.UserIndex)
	require.Equal(t, uint64(1), a1.UserIndex)
	require.Equal(t, uint64(0), b0.UserIndex)
	require.Equal(t, []uint64{0, 1, 2}, []uint64{a0.GlobalID, b0.GlobalID, a1.GlobalID})
	require.Equal(t, uint64(3), h.config().TotalPositionsMinted)
	require.NotEqual(t, a0.Address, a1.Address)
}

func TestResolve_ClosesPoolsAndAdvancesEpoch(t *testing.T) {
	h := newHarness(t)
	alice := h.user(price)
	h.startEpoch(4)
	h.mint1(alice)
	h.clock.Advance(time.Second)
	h.commit(alice, 0, 3)

	pools := h.pools(4, 1)
	res := h.resolveAfterEnd(3)
	require.Equal(t, uint64(2), h.config().CurrentEpoch)
	require.Equal(t, weight.Precision, res.PoolWeights[3])

	open, err := h.eng.Pools(h.ctx, 1)
	require.NoError(t, err)
	require.Empty(t, open)
	require.NoError(t, h.st.View(h.ctx, func(tx store.Tx) error {
		for _, addr := range pools {
			closed, err := tx.IsClosed(h.ctx, addr)
			require.NoError(t, err)
			require.True(t, closed)
		}
		return nil
	}))

	// Pool 0 of epoch 2 gets a fresh address.
	next := h.startEpoch(4)
	require.Equal(t, uint64(2), next.Epoch)
	require.NotEqual(t, pools[0], h.pools(1, 2)[0])
}

func TestResolve_Preconditions(t *testing.T) {
	h := newHarness(t)
	stranger := solana.NewWallet().PublicKey()

	_, err := h.eng.Resolve(h.ctx, h.admin, protocol.ResolveParams{Pools: h.pools(2, 1)})
	require.ErrorIs(t, err, protocol.ErrEpochNotStarted)

	h.startEpoch(2)
	_, err = h.eng.Resolve(h.ctx, h.admin, protocol.ResolveParams{Pools: h.pools(2, 1)})
	require.ErrorIs(t, err, protocol.ErrEpochNotEnded)

	h.clock.Advance(60 * time.Second)
	tests := []struct {
		name   string
		caller solana.PublicKey
		params protocol.ResolveParams
		want   error
	}{
		{"stranger", stranger, protocol.ResolveParams{Pools: h.pools(2, 1)}, protocol.ErrUnauthorizedResolver},
		{"no pools", h.admin, protocol.ResolveParams{}, protocol.ErrNoPoolsProvided},
		{"short list", h.admin, protocol.ResolveParams{Pools: h.pools(1, 1)}, protocol.ErrNotEnoughAccounts},
		{"wrong epoch", h.admin, protocol.ResolveParams{Pools: h.pools(2, 2)}, protocol.ErrInvalidPoolID},
		{"winner out of range", h.admin, protocol.ResolveParams{WinningPoolID: 2, Pools: h.pools(2, 1)}, protocol.ErrWinningPoolNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.eng.Resolve(h.ctx, tt.caller, tt.params)
			require.ErrorIs(t, err, tt.want)
		})
	}

	// Every rejection left the epoch untouched.
	require.Equal(t, uint64(1), h.config().CurrentEpoch)
	pools, err := h.eng.Pools(h.ctx, 1)
	require.NoError(t, err)
	require.Len(t, pools, 2)
}

func TestInitializePool_Preconditions(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.InitializePool(h.ctx, solana.NewWallet().PublicKey(), 2, h.pools(2, 1))
	require.ErrorIs(t, err, protocol.ErrUnauthorizedResolver)

	_, err = h.eng.InitializePool(h.ctx, h.admin, 11, h.pools(10, 1))
	require.ErrorIs(t, err, protocol.ErrTooManyPools)

	_, err = h.eng.InitializePool(h.ctx, h.admin, 3, h.pools(2, 1))
	require.ErrorIs(t, err, protocol.ErrNotEnoughAccounts)

	_, err = h.eng.InitializePool(h.ctx, h.admin, 0, nil)
	require.ErrorIs(t, err, protocol.ErrNoPoolsProvided)

	swapped := h.pools(2, 1)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	_, err = h.eng.InitializePool(h.ctx, h.admin, 2, swapped)
	require.ErrorIs(t, err, protocol.ErrInvalidPoolID)
}

func TestInitializePool_ExtendsBeforeEnd(t *testing.T) {
	h := newHarness(t)
	alice := h.user(price)
	first := h.startEpoch(2)
	h.mint1(alice)
	h.clock.Advance(4 * time.Second)
	h.commit(alice, 0, 1)

	h.clock.Advance(10 * time.Second)
	res := h.startEpoch(5)
	require.Equal(t, uint8(5), res.PoolCount)
	require.Equal(t, first.EndAt, res.EndAt, "extending keeps the deadline")

	pools, err := h.eng.Pools(h.ctx, 1)
	require.NoError(t, err)
	require.Len(t, pools, 5)
	require.Equal(t, 4*weight.Precision, pools[1].TotalWeight, "existing pools keep their totals")

	h.clock.Advance(60 * time.Second)
	_, err = h.eng.InitializePool(h.ctx, h.admin, 6, h.pools(6, 1))
	require.ErrorIs(t, err, protocol.ErrEpochEnded)
}

func TestClaim_Guards(t *testing.T) {
	h := newHarness(t)
	alice := h.user(2 * price)
	bob := h.user(0)

	h.startEpoch(2)
	h.mint1(alice)
	h.mint1(alice)
	h.clock.Advance(time.Second)
	h.commit(alice, 0, 0)
	h.commit(alice, 1, 1)

	_, err := h.eng.Claim(h.ctx, alice, 0, 1)
	require.ErrorIs(t, err, protocol.ErrInvalidEpoch, "active epoch")
	_, err = h.eng.Claim(h.ctx, alice, 0, 9)
	require.ErrorIs(t, err, protocol.ErrEpochNotFound, "unknown epoch")
	require.Equal(t, protocol.KindNotFound, protocol.KindOf(err))

	h.resolveAfterEnd(0)

	_, err = h.eng.Claim(h.ctx, alice, 1, 1)
	require.ErrorIs(t, err, protocol.ErrLosingPool)
	_, err = h.eng.Claim(h.ctx, bob, 0, 1)
	require.ErrorIs(t, err, protocol.ErrCommitmentNotFound)

	views, err := h.eng.Commitments(h.ctx, alice)
	require.NoError(t, err)
	require.Len(t, views, 2)
	require.Equal(t, protocol.StatusWon, views[0].Status)
	require.Equal(t, 2*price, views[0].Reward)
	require.Equal(t, protocol.StatusLost, views[1].Status)

	reward, err := h.eng.Claim(h.ctx, alice, 0, 1)
	require.NoError(t, err)
	require.Equal(t, 2*price, reward)

	_, err = h.eng.Claim(h.ctx, alice, 0, 1)
	require.ErrorIs(t, err, protocol.ErrAlreadyClaimed)
	require.Equal(t, protocol.KindClaimIntegrity, protocol.KindOf(err))
	require.Equal(t, 2*price, h.balance(alice), "second claim pays nothing")
}

func TestUpdateResolutionType(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.UpdateResolutionType(h.ctx, solana.NewWallet().PublicKey(), model.ResolutionOracle)
	require.ErrorIs(t, err, protocol.ErrUnauthorizedAdmin)

	_, err = h.eng.UpdateResolutionType(h.ctx, h.admin, model.ResolutionType(9))
	require.ErrorIs(t, err, protocol.ErrUnsupportedResolution)

	// No oracle authority or queue was configured at initialize.
	_, err = h.eng.UpdateResolutionType(h.ctx, h.admin, model.ResolutionOracle)
	require.ErrorIs(t, err, protocol.ErrOracleAuthorityUnset)
	require.Equal(t, model.ResolutionAdmin, h.config().ResolutionType)
}

func TestUpdateResolutionType_RoundTrip(t *testing.T) {
	h := newHarness(t, withOracle(solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), nil))

	cfg, err := h.eng.UpdateResolutionType(h.ctx, h.admin, model.ResolutionAdmin)
	require.NoError(t, err)
	require.Equal(t, model.ResolutionAdmin, cfg.ResolutionType)

	cfg, err = h.eng.UpdateResolutionType(h.ctx, h.admin, model.ResolutionOracle)
	require.NoError(t, err)
	require.Equal(t, model.ResolutionOracle, cfg.ResolutionType)
	require.Equal(t, model.ResolutionOracle, h.config().ResolutionType)
}

func TestEvents(t *testing.T) {
	h := newHarness(t)
	alice := h.user(price)
	h.startEpoch(1)
	h.mint1(alice)
	h.clock.Advance(time.Second)
	h.commit(alice, 0, 0)
	h.resolveAfterEnd(0)
	_, err := h.eng.Claim(h.ctx, alice, 0, 1)
	require.NoError(t, err)

	require.Equal(t, []protocol.EventType{
		protocol.EventDeposited,
		protocol.EventEpochStarted,
		protocol.EventPositionMinted,
		protocol.EventCommitted,
		protocol.EventEpochResolved,
		protocol.EventClaimed,
	}, h.events.types())
}

func TestNotInitialized(t *testing.T) {
	eng := protocol.New(store.NewMemoryStore(), solana.NewWallet().PublicKey())
	_, err := eng.MintPosition(context.Background(), solana.NewWallet().PublicKey())
	require.ErrorIs(t, err, protocol.ErrNotInitialized)
	_, err = eng.Config(context.Background())
	require.ErrorIs(t, err, protocol.ErrNotInitialized)
}
