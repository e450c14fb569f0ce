package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/conviction-engine/internal/address"
	"github.com/atmx/conviction-engine/internal/metrics"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/store"
	"github.com/atmx/conviction-engine/internal/token"
	"github.com/atmx/conviction-engine/internal/weight"
)

// MintPosition charges owner the position price and creates a new position
// at the owner's next index. Minting is independent of the epoch phase.
func (e *Engine) MintPosition(ctx context.Context, owner solana.PublicKey) (*model.Position, error) {
	var pos *model.Position
	var cfg *model.Config

	err := e.exec(ctx, "mint_position", func(tx store.Tx) error {
		var err error
		if cfg, err = e.loadConfig(ctx, tx); err != nil {
			return err
		}

		usAddr, err := e.addr.UserState(owner)
		if err != nil {
			return err
		}
		us, err := tx.GetUserState(ctx, usAddr)
		if errors.Is(err, store.ErrNotFound) {
			us = &model.UserState{Owner: owner}
		} else if err != nil {
			return err
		}

		posAddr, err := e.addr.Position(owner, us.PositionCount)
		if err != nil {
			return err
		}
		nextIndex, err := weight.Add(us.PositionCount, 1)
		if err != nil {
			return err
		}
		nextGlobal, err := weight.Add(cfg.TotalPositionsMinted, 1)
		if err != nil {
			return err
		}

		src, err := address.TokenAccount(owner, cfg.AllowedMint)
		if err != nil {
			return err
		}
		if err := token.Transfer(ctx, tx, src, cfg.TreasuryAddress, cfg.AllowedMint, cfg.PositionPrice); err != nil {
			return err
		}

		pos = &model.Position{
			Address:   posAddr,
			Owner:     owner,
			UserIndex: us.PositionCount,
			GlobalID:  cfg.TotalPositionsMinted,
			CreatedAt: e.now(),
		}
		us.PositionCount = nextIndex
		cfg.TotalPositionsMinted = nextGlobal

		if err := tx.PutPosition(ctx, pos); err != nil {
			return err
		}
		if err := tx.PutUserState(ctx, usAddr, us); err != nil {
			return err
		}
		return tx.PutConfig(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("position minted",
		"owner", owner.String(),
		"user_index", pos.UserIndex,
		"global_id", pos.GlobalID,
		"price", cfg.PositionPrice,
	)
	e.emit(Event{
		Type:     EventPositionMinted,
		Epoch:    cfg.CurrentEpoch,
		Owner:    owner.String(),
		Amount:   cfg.PositionPrice,
		UIAmount: model.UIAmount(cfg.PositionPrice, cfg.MintDecimals).String(),
	})
	return pos, nil
}

// Commit burns owner's position positionID into pool poolID of the current
// epoch, adding its weight to the owner's commitment and to the pool.
func (e *Engine) Commit(ctx context.Context, owner solana.PublicKey, positionID uint64, poolID uint8) (*model.Commitment, error) {
	var c *model.Commitment
	var w uint64

	err := e.exec(ctx, "commit", func(tx store.Tx) error {
		cfg, err := e.loadConfig(ctx, tx)
		if err != nil {
			return err
		}
		epoch := cfg.CurrentEpoch
		now := e.now()

		res, err := e.loadEpochResult(ctx, tx, epoch)
		if errors.Is(err, ErrEpochNotFound) {
			return fmt.Errorf("%w: epoch %d", ErrEpochNotStarted, epoch)
		}
		if err != nil {
			return err
		}
		if res.State != model.EpochActive || now >= res.EndAt {
			return fmt.Errorf("%w: epoch %d ended at %d", ErrEpochEnded, epoch, res.EndAt)
		}

		posAddr, err := e.addr.Position(owner, positionID)
		if err != nil {
			return err
		}
		pos, err := tx.GetPosition(ctx, posAddr)
		if err != nil {
			return closedOr(ctx, tx, posAddr, err,
				fmt.Errorf("%w: position %d", ErrPositionBurned, positionID),
				fmt.Errorf("%w: position %d", ErrPositionNotFound, positionID))
		}

		if poolID >= model.MaxPools {
			return fmt.Errorf("%w: %d", ErrInvalidPoolID, poolID)
		}
		poolAddr, err := e.addr.Pool(poolID, epoch)
		if err != nil {
			return err
		}
		pool, err := tx.GetPool(ctx, poolAddr)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: pool %d in epoch %d", ErrPoolNotFound, poolID, epoch)
		}
		if err != nil {
			return err
		}

		if w, err = weight.ForPosition(weight.ParamsFromConfig(cfg), pos.CreatedAt, now); err != nil {
			return err
		}

		cAddr, err := e.addr.Commitment(owner, poolID, epoch)
		if err != nil {
			return err
		}
		c, err = tx.GetCommitment(ctx, cAddr)
		if errors.Is(err, store.ErrNotFound) {
			c = &model.Commitment{Address: cAddr, UserPK: owner, PoolID: poolID, Epoch: epoch}
		} else if err != nil {
			return err
		}

		if c.PositionAmount, err = weight.Add(c.PositionAmount, 1); err != nil {
			return err
		}
		if c.Weight, err = weight.Add(c.Weight, w); err != nil {
			return err
		}
		if pool.TotalPositions, err = weight.Add(pool.TotalPositions, 1); err != nil {
			return err
		}
		if pool.TotalWeight, err = weight.Add(pool.TotalWeight, w); err != nil {
			return err
		}

		if err := tx.ClosePosition(ctx, posAddr); err != nil {
			return err
		}
		if err := tx.PutCommitment(ctx, c); err != nil {
			return err
		}
		return tx.PutPool(ctx, pool)
	})
	if err != nil {
		return nil, err
	}

	metrics.CommittedWeight.Observe(float64(w))
	e.log.Info("position committed",
		"owner", owner.String(),
		"position_id", positionID,
		"pool_id", poolID,
		"epoch", c.Epoch,
		"weight", w,
	)
	e.emit(Event{
		Type:   EventCommitted,
		Epoch:  c.Epoch,
		PoolID: poolID,
		Owner:  owner.String(),
		Weight: w,
	})
	return c, nil
}
