package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/conviction-engine/internal/metrics"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/store"
	"github.com/atmx/conviction-engine/internal/token"
	"github.com/atmx/conviction-engine/internal/weight"
)

// Claim pays owner's share of a resolved epoch and closes the commitment.
// The share is commitment.weight * totalPositionAmount * positionPrice
// divided by the winning pool's weight, rounded down.
func (e *Engine) Claim(ctx context.Context, owner solana.PublicKey, poolID uint8, epoch uint64) (uint64, error) {
	var reward uint64
	var cfg *model.Config

	err := e.exec(ctx, "claim", func(tx store.Tx) error {
		var err error
		if cfg, err = e.loadConfig(ctx, tx); err != nil {
			return err
		}

		res, err := e.loadEpochResult(ctx, tx, epoch)
		if errors.Is(err, ErrEpochNotFound) {
			return fmt.Errorf("%w: epoch %d", err, epoch)
		}
		if err != nil {
			return err
		}
		if res.State != model.EpochResolved {
			return fmt.Errorf("%w: epoch %d is %s", ErrInvalidEpoch, epoch, res.State)
		}

		cAddr, err := e.addr.Commitment(owner, poolID, epoch)
		if err != nil {
			return err
		}
		c, err := tx.GetCommitment(ctx, cAddr)
		if err != nil {
			return closedOr(ctx, tx, cAddr, err,
				fmt.Errorf("%w: pool %d epoch %d", ErrAlreadyClaimed, poolID, epoch),
				fmt.Errorf("%w: pool %d epoch %d", ErrCommitmentNotFound, poolID, epoch))
		}
		if poolID != res.WinningPoolID {
			return fmt.Errorf("%w: pool %d, winner %d", ErrLosingPool, poolID, res.WinningPoolID)
		}

		reward, err = weight.Reward(c.Weight, res.TotalPositionAmount, cfg.PositionPrice, res.Weight)
		if err != nil {
			return err
		}

		dst, err := token.Open(ctx, tx, owner, cfg.AllowedMint)
		if err != nil {
			return err
		}
		if err := token.Transfer(ctx, tx, cfg.TreasuryAddress, dst.Address, cfg.AllowedMint, reward); err != nil {
			return err
		}
		return tx.CloseCommitment(ctx, cAddr)
	})
	if err != nil {
		return 0, err
	}

	metrics.ClaimedAmount.Add(float64(reward))
	e.log.Info("reward claimed",
		"owner", owner.String(),
		"pool_id", poolID,
		"epoch", epoch,
		"reward", reward,
	)
	e.emit(Event{
		Type:     EventClaimed,
		Epoch:    epoch,
		PoolID:   poolID,
		Owner:    owner.String(),
		Amount:   reward,
		UIAmount: model.UIAmount(reward, cfg.MintDecimals).String(),
	})
	return reward, nil
}
