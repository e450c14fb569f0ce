package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/oracle"
	"github.com/atmx/conviction-engine/internal/store"
	"github.com/atmx/conviction-engine/internal/weight"
)

// InitializePool starts the current epoch with pools [0, numPools). pools
// must list the derived pool addresses in id order. Calling it again before
// the epoch ends creates the pools that do not exist yet and widens the
// epoch's pool count; existing pools are left as they are.
func (e *Engine) InitializePool(ctx context.Context, caller solana.PublicKey, numPools uint8, pools []solana.PublicKey) (*model.EpochResult, error) {
	var res *model.EpochResult
	var created int

	err := e.exec(ctx, "initialize_pool", func(tx store.Tx) error {
		cfg, err := e.loadConfig(ctx, tx)
		if err != nil {
			return err
		}
		if !caller.Equals(cfg.Resolver) {
			return ErrUnauthorizedResolver
		}
		if numPools == 0 {
			return ErrNoPoolsProvided
		}
		if numPools > model.MaxPools {
			return fmt.Errorf("%w: %d > %d", ErrTooManyPools, numPools, model.MaxPools)
		}
		if len(pools) != int(numPools) {
			return fmt.Errorf("%w: expected %d pool accounts, got %d", ErrNotEnoughAccounts, numPools, len(pools))
		}

		epoch := cfg.CurrentEpoch
		now := e.now()
		if epoch > 1 {
			prev, err := e.loadEpochResult(ctx, tx, epoch-1)
			if err != nil && !errors.Is(err, ErrEpochNotFound) {
				return err
			}
			if prev != nil && prev.State == model.EpochPending {
				return fmt.Errorf("%w: epoch %d", ErrEpochPending, epoch-1)
			}
		}

		expected, err := e.addr.Pools(numPools, epoch)
		if err != nil {
			return err
		}
		for i, addr := range pools {
			if !addr.Equals(expected[i]) {
				return fmt.Errorf("%w: account %d is not pool %d of epoch %d", ErrInvalidPoolID, i, i, epoch)
			}
		}

		res, err = e.loadEpochResult(ctx, tx, epoch)
		switch {
		case errors.Is(err, ErrEpochNotFound):
			resAddr, err := e.addr.EpochResult(epoch)
			if err != nil {
				return err
			}
			res = &model.EpochResult{
				Address:   resAddr,
				Epoch:     epoch,
				EndAt:     now + cfg.EpochDuration,
				State:     model.EpochActive,
				PoolCount: numPools,
			}
		case err != nil:
			return err
		case res.State != model.EpochActive || now >= res.EndAt:
			return fmt.Errorf("%w: epoch %d", ErrEpochEnded, epoch)
		case numPools > res.PoolCount:
			res.PoolCount = numPools
		}

		for i, addr := range pools {
			_, err := tx.GetPool(ctx, addr)
			if err == nil {
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err := tx.PutPool(ctx, &model.Pool{Address: addr, ID: uint8(i), Epoch: epoch}); err != nil {
				return err
			}
			created++
		}
		return tx.PutEpochResult(ctx, res)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("epoch started",
		"epoch", res.Epoch,
		"pool_count", res.PoolCount,
		"pools_created", created,
		"end_at", res.EndAt,
	)
	e.emit(Event{Type: EventEpochStarted, Epoch: res.Epoch})
	return res, nil
}

// ResolveParams are the caller-supplied inputs of Resolve.
type ResolveParams struct {
	// WinningPoolID is the winner in admin mode and the oracle seed otherwise.
	WinningPoolID uint8
	// Pools lists every pool address of the epoch in id order.
	Pools []solana.PublicKey
	// OracleQueue must name the configured queue in oracle mode.
	OracleQueue solana.PublicKey
}

// Resolve closes the current epoch once its deadline has passed: it
// snapshots pool weights, folds the rollover credit into the epoch total,
// closes every pool and advances the epoch. In admin mode the result is
// final; in oracle mode it stays pending until CallbackResolve.
func (e *Engine) Resolve(ctx context.Context, caller solana.PublicKey, p ResolveParams) (*model.EpochResult, error) {
	var res *model.EpochResult
	var cfg *model.Config
	var pending oracle.Request

	err := e.exec(ctx, "resolve", func(tx store.Tx) error {
		var err error
		if cfg, err = e.loadConfig(ctx, tx); err != nil {
			return err
		}
		if !caller.Equals(cfg.Resolver) {
			return ErrUnauthorizedResolver
		}
		epoch := cfg.CurrentEpoch

		res, err = e.loadEpochResult(ctx, tx, epoch)
		if errors.Is(err, ErrEpochNotFound) {
			return fmt.Errorf("%w: epoch %d", ErrEpochNotStarted, epoch)
		}
		if err != nil {
			return err
		}
		if res.State != model.EpochActive {
			return fmt.Errorf("%w: epoch %d is %s", ErrInvalidEpoch, epoch, res.State)
		}
		if now := e.now(); now < res.EndAt {
			return fmt.Errorf("%w: epoch %d ends at %d, now %d", ErrEpochNotEnded, epoch, res.EndAt, now)
		}

		switch cfg.ResolutionType {
		case model.ResolutionAdmin:
			if p.WinningPoolID >= res.PoolCount {
				return fmt.Errorf("%w: pool %d of %d", ErrWinningPoolNotFound, p.WinningPoolID, res.PoolCount)
			}
		case model.ResolutionOracle:
			if p.OracleQueue.IsZero() {
				return ErrOracleQueueRequired
			}
			if !p.OracleQueue.Equals(cfg.OracleQueue) {
				return fmt.Errorf("%w: %s", ErrInvalidOracleQueue, p.OracleQueue)
			}
		default:
			return fmt.Errorf("%w: %d", ErrUnsupportedResolution, cfg.ResolutionType)
		}

		if len(p.Pools) == 0 {
			return ErrNoPoolsProvided
		}
		if len(p.Pools) != int(res.PoolCount) {
			return fmt.Errorf("%w: expected %d pool accounts, got %d", ErrNotEnoughAccounts, res.PoolCount, len(p.Pools))
		}

		total := cfg.RemainingTotalPosition
		for i, addr := range p.Pools {
			expected, err := e.addr.Pool(uint8(i), epoch)
			if err != nil {
				return err
			}
			if !addr.Equals(expected) {
				return fmt.Errorf("%w: account %d is not pool %d of epoch %d", ErrInvalidPoolID, i, i, epoch)
			}
			pool, err := tx.GetPool(ctx, addr)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: pool %d in epoch %d", ErrPoolNotFound, i, epoch)
			}
			if err != nil {
				return err
			}
			if pool.Epoch != epoch {
				return fmt.Errorf("%w: pool %d has epoch %d", ErrEpochMismatch, i, pool.Epoch)
			}
			if total, err = weight.Add(total, pool.TotalPositions); err != nil {
				return err
			}
			res.PoolWeights[pool.ID] = pool.TotalWeight
		}
		next, err := weight.Add(epoch, 1)
		if err != nil {
			return err
		}

		for _, addr := range p.Pools {
			if err := tx.ClosePool(ctx, addr); err != nil {
				return err
			}
		}
		res.TotalPositionAmount = total
		cfg.RemainingTotalPosition = 0
		cfg.CurrentEpoch = next

		if cfg.ResolutionType == model.ResolutionAdmin {
			finalize(cfg, res, p.WinningPoolID)
		} else {
			pending = oracle.NewRequest(epoch, p.WinningPoolID, cfg.OracleQueue)
			res.State = model.EpochPending
			res.RequestID = pending.ID
			res.RequestSeed = pending.Seed
		}

		if err := tx.PutEpochResult(ctx, res); err != nil {
			return err
		}
		return tx.PutConfig(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}

	e.observeConfig(cfg)
	if res.State == model.EpochPending {
		e.log.Info("epoch pending randomness",
			"epoch", res.Epoch,
			"request_id", res.RequestID,
			"total_position_amount", res.TotalPositionAmount,
			"pool_count", res.PoolCount,
		)
		e.emit(Event{Type: EventEpochPending, Epoch: res.Epoch})
		e.requestRandomness(ctx, pending)
		return res, nil
	}
	e.resolved(res, cfg)
	return res, nil
}

// finalize records the winner and applies the rollover rule: a winner
// without weight forwards the whole epoch total to the next epoch.
func finalize(cfg *model.Config, res *model.EpochResult, winner uint8) {
	res.WinningPoolID = winner
	res.Weight = res.PoolWeights[winner]
	if res.Weight == 0 {
		cfg.RemainingTotalPosition = res.TotalPositionAmount
	} else {
		cfg.RemainingTotalPosition = 0
	}
	res.State = model.EpochResolved
}

func (e *Engine) resolved(res *model.EpochResult, cfg *model.Config) {
	e.log.Info("epoch resolved",
		"epoch", res.Epoch,
		"winning_pool_id", res.WinningPoolID,
		"weight", res.Weight,
		"total_position_amount", res.TotalPositionAmount,
		"rolled_over", res.Weight == 0,
		"remaining_total_position", cfg.RemainingTotalPosition,
	)
	e.emit(Event{
		Type:   EventEpochResolved,
		Epoch:  res.Epoch,
		PoolID: res.WinningPoolID,
		Weight: res.Weight,
		Amount: res.TotalPositionAmount,
	})
}

// CallbackResolve completes a pending oracle resolution. The fulfillment
// must carry a valid proof from the configured oracle authority, which is
// also the caller, and must answer the request recorded on the epoch.
func (e *Engine) CallbackResolve(ctx context.Context, caller solana.PublicKey, f oracle.Fulfillment) (*model.EpochResult, error) {
	var res *model.EpochResult
	var cfg *model.Config

	err := e.exec(ctx, "callback_resolve", func(tx store.Tx) error {
		var err error
		if cfg, err = e.loadConfig(ctx, tx); err != nil {
			return err
		}
		if cfg.OracleAuthority.IsZero() || !caller.Equals(cfg.OracleAuthority) || !f.Authority.Equals(caller) {
			return ErrUnauthorizedOracle
		}
		if cfg.ResolutionType != model.ResolutionOracle {
			return fmt.Errorf("%w: %s", ErrNotOracleMode, cfg.ResolutionType)
		}
		if err := oracle.Verify(&f); err != nil {
			return err
		}
		if res, err = e.loadEpochResult(ctx, tx, f.Epoch); err != nil {
			return err
		}
		if res.State != model.EpochPending {
			return fmt.Errorf("%w: epoch %d is %s", ErrInvalidEpoch, f.Epoch, res.State)
		}
		if f.ID != res.RequestID || f.Seed != res.RequestSeed || !f.Queue.Equals(cfg.OracleQueue) {
			return fmt.Errorf("%w: request %s for epoch %d, pending %s", ErrRequestMismatch, f.ID, f.Epoch, res.RequestID)
		}

		winner, err := weight.SelectPool(f.Randomness, res.PoolWeights[:res.PoolCount])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoPoolsProvided, err)
		}
		finalize(cfg, res, winner)

		if err := tx.PutEpochResult(ctx, res); err != nil {
			return err
		}
		return tx.PutConfig(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}

	e.observeConfig(cfg)
	e.resolved(res, cfg)
	return res, nil
}

// RequestRandomness issues a new request for a pending epoch, for example
// after the first one was dropped. The new request replaces the recorded
// one, so a late answer to the old request is rejected.
func (e *Engine) RequestRandomness(ctx context.Context, caller solana.PublicKey, epoch uint64) (oracle.Request, error) {
	var req oracle.Request
	if e.oracle == nil {
		return req, ErrNoRandomnessProvider
	}
	err := e.exec(ctx, "request_randomness", func(tx store.Tx) error {
		cfg, err := e.loadConfig(ctx, tx)
		if err != nil {
			return err
		}
		if !caller.Equals(cfg.Resolver) {
			return ErrUnauthorizedResolver
		}
		if cfg.ResolutionType != model.ResolutionOracle {
			return fmt.Errorf("%w: %s", ErrNotOracleMode, cfg.ResolutionType)
		}
		res, err := e.loadEpochResult(ctx, tx, epoch)
		if err != nil {
			return err
		}
		if res.State != model.EpochPending {
			return fmt.Errorf("%w: epoch %d is %s", ErrInvalidEpoch, epoch, res.State)
		}
		req = oracle.NewRequest(epoch, res.RequestSeed, cfg.OracleQueue)
		res.RequestID = req.ID
		return tx.PutEpochResult(ctx, res)
	})
	if err != nil {
		return req, err
	}
	if err := e.oracle.Request(ctx, req); err != nil {
		return req, err
	}
	e.log.Info("randomness requested", "epoch", req.Epoch, "request_id", req.ID)
	return req, nil
}

// ResolvePending finalizes an epoch left pending by oracle mode once the
// admin has switched back to admin resolution. The resolver picks the
// winner as in an admin-mode Resolve.
func (e *Engine) ResolvePending(ctx context.Context, caller solana.PublicKey, epoch uint64, winner uint8) (*model.EpochResult, error) {
	var res *model.EpochResult
	var cfg *model.Config

	err := e.exec(ctx, "resolve_pending", func(tx store.Tx) error {
		var err error
		if cfg, err = e.loadConfig(ctx, tx); err != nil {
			return err
		}
		if !caller.Equals(cfg.Resolver) {
			return ErrUnauthorizedResolver
		}
		if cfg.ResolutionType != model.ResolutionAdmin {
			return fmt.Errorf("%w: %s", ErrNotAdminMode, cfg.ResolutionType)
		}
		if res, err = e.loadEpochResult(ctx, tx, epoch); err != nil {
			return err
		}
		if res.State != model.EpochPending {
			return fmt.Errorf("%w: epoch %d is %s", ErrInvalidEpoch, epoch, res.State)
		}
		if winner >= res.PoolCount {
			return fmt.Errorf("%w: pool %d of %d", ErrWinningPoolNotFound, winner, res.PoolCount)
		}
		finalize(cfg, res, winner)

		if err := tx.PutEpochResult(ctx, res); err != nil {
			return err
		}
		return tx.PutConfig(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}

	e.observeConfig(cfg)
	e.resolved(res, cfg)
	return res, nil
}

func (e *Engine) requestRandomness(ctx context.Context, req oracle.Request) {
	if e.oracle == nil {
		e.log.Warn("no randomness provider, waiting for external callback", "epoch", req.Epoch)
		return
	}
	if err := e.oracle.Request(ctx, req); err != nil {
		e.log.Error("randomness request failed", "epoch", req.Epoch, "request_id", req.ID, "err", err)
		return
	}
	e.log.Info("randomness requested", "epoch", req.Epoch, "request_id", req.ID)
}
