package protocol

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/store"
	"github.com/atmx/conviction-engine/internal/token"
	"github.com/atmx/conviction-engine/internal/weight"
)

// CommitmentStatus describes where a commitment stands relative to its epoch.
type CommitmentStatus string

const (
	StatusActive     CommitmentStatus = "active"
	StatusPending    CommitmentStatus = "pending"
	StatusWon        CommitmentStatus = "won"
	StatusLost       CommitmentStatus = "lost"
	StatusRolledOver CommitmentStatus = "rolled_over"
)

// PositionView is a position with the weight it would carry if committed now.
type PositionView struct {
	model.Position
	Weight uint64 `json:"weight"`
}

// CommitmentView is a commitment with its claim outlook.
type CommitmentView struct {
	model.Commitment
	Status CommitmentStatus `json:"status"`
	Reward uint64           `json:"reward,omitempty"`
}

// Config returns the protocol configuration.
func (e *Engine) Config(ctx context.Context) (*model.Config, error) {
	var cfg *model.Config
	err := e.st.View(ctx, func(tx store.Tx) error {
		var err error
		cfg, err = e.loadConfig(ctx, tx)
		return err
	})
	return cfg, err
}

// Epoch returns the result record of epoch.
func (e *Engine) Epoch(ctx context.Context, epoch uint64) (*model.EpochResult, error) {
	var res *model.EpochResult
	err := e.st.View(ctx, func(tx store.Tx) error {
		var err error
		res, err = e.loadEpochResult(ctx, tx, epoch)
		return err
	})
	return res, err
}

// Pools returns the open pools of epoch in id order. Pools of resolved
// epochs are closed; their weights live in the epoch result.
func (e *Engine) Pools(ctx context.Context, epoch uint64) ([]model.Pool, error) {
	var pools []model.Pool
	err := e.st.View(ctx, func(tx store.Tx) error {
		var err error
		pools, err = tx.ListPools(ctx, epoch)
		return err
	})
	return pools, err
}

// Positions returns owner's uncommitted positions.
func (e *Engine) Positions(ctx context.Context, owner solana.PublicKey) ([]PositionView, error) {
	var out []PositionView
	err := e.st.View(ctx, func(tx store.Tx) error {
		cfg, err := e.loadConfig(ctx, tx)
		if err != nil {
			return err
		}
		positions, err := tx.ListPositions(ctx, owner)
		if err != nil {
			return err
		}
		params := weight.ParamsFromConfig(cfg)
		now := e.now()
		out = make([]PositionView, 0, len(positions))
		for _, p := range positions {
			w, err := weight.ForPosition(params, p.CreatedAt, now)
			if err != nil {
				w = 0
			}
			out = append(out, PositionView{Position: p, Weight: w})
		}
		return nil
	})
	return out, err
}

// Commitments returns owner's open commitments with their status and, for
// winning ones, the reward a claim would pay now.
func (e *Engine) Commitments(ctx context.Context, owner solana.PublicKey) ([]CommitmentView, error) {
	var out []CommitmentView
	err := e.st.View(ctx, func(tx store.Tx) error {
		cfg, err := e.loadConfig(ctx, tx)
		if err != nil {
			return err
		}
		commitments, err := tx.ListCommitments(ctx, owner)
		if err != nil {
			return err
		}
		out = make([]CommitmentView, 0, len(commitments))
		for _, c := range commitments {
			v := CommitmentView{Commitment: c, Status: StatusActive}
			res, err := e.loadEpochResult(ctx, tx, c.Epoch)
			if err != nil && !errors.Is(err, ErrEpochNotFound) {
				return err
			}
			if res != nil {
				switch {
				case res.State == model.EpochPending:
					v.Status = StatusPending
				case res.State != model.EpochResolved:
				case res.Weight == 0:
					v.Status = StatusRolledOver
				case res.WinningPoolID != c.PoolID:
					v.Status = StatusLost
				default:
					v.Status = StatusWon
					if v.Reward, err = weight.Reward(c.Weight, res.TotalPositionAmount, cfg.PositionPrice, res.Weight); err != nil {
						return err
					}
				}
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

// TreasuryBalance returns the raw token amount held by the treasury.
func (e *Engine) TreasuryBalance(ctx context.Context) (uint64, error) {
	var bal uint64
	err := e.st.View(ctx, func(tx store.Tx) error {
		cfg, err := e.loadConfig(ctx, tx)
		if err != nil {
			return err
		}
		bal, err = token.Balance(ctx, tx, cfg.TreasuryAddress)
		return err
	})
	return bal, err
}
