package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/store"
	"github.com/atmx/conviction-engine/internal/token"
)

// DefaultPositionUnits is the price of one position in whole tokens when
// InitializeParams.PositionPrice is zero.
const DefaultPositionUnits = 1000

// InitializeParams are the protocol-wide parameters fixed by Initialize.
type InitializeParams struct {
	WeightModel           model.WeightModel    `json:"weight_model"`
	ResolutionType        model.ResolutionType `json:"resolution_type"`
	Resolver              solana.PublicKey     `json:"resolver"`
	EpochDuration         int64                `json:"epoch_duration"`
	WeightRateNumerator   uint64               `json:"weight_rate_numerator"`
	WeightRateDenominator uint64               `json:"weight_rate_denominator"`
	Mint                  solana.PublicKey     `json:"mint"`
	MintDecimals          uint8                `json:"mint_decimals"`
	PositionPrice         uint64               `json:"position_price"` // raw units; 0 for the default
	MinWeight             uint64               `json:"min_weight"`
	OracleQueue           solana.PublicKey     `json:"oracle_queue"`
	OracleAuthority       solana.PublicKey     `json:"oracle_authority"`
}

func (p InitializeParams) validate() error {
	if !p.WeightModel.Valid() {
		return fmt.Errorf("%w: %d", ErrUnsupportedWeight, p.WeightModel)
	}
	if !p.ResolutionType.Valid() {
		return fmt.Errorf("%w: %d", ErrUnsupportedResolution, p.ResolutionType)
	}
	if p.WeightRateDenominator == 0 {
		return ErrInvalidWeightRate
	}
	if p.EpochDuration <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidEpochDuration, p.EpochDuration)
	}
	if p.ResolutionType == model.ResolutionOracle {
		return oracleReady(p.OracleAuthority, p.OracleQueue)
	}
	return nil
}

// oracleReady reports whether oracle mode has both an authority and a queue.
func oracleReady(authority, queue solana.PublicKey) error {
	if authority.IsZero() {
		return ErrOracleAuthorityUnset
	}
	if queue.IsZero() {
		return ErrOracleQueueRequired
	}
	return nil
}

// defaultPrice returns DefaultPositionUnits * 10^decimals.
func defaultPrice(decimals uint8) (uint64, error) {
	price := uint64(DefaultPositionUnits)
	for i := uint8(0); i < decimals; i++ {
		next := price * 10
		if next/10 != price {
			return 0, fmt.Errorf("%w: default price with %d decimals", ErrInvalidMul, decimals)
		}
		price = next
	}
	return price, nil
}

// Initialize creates the Config singleton with admin as its administrator,
// starts the epoch counter at 1 and opens the treasury token account.
// When Config already exists it is returned unchanged.
func (e *Engine) Initialize(ctx context.Context, admin solana.PublicKey, p InitializeParams) (*model.Config, error) {
	var cfg *model.Config
	var existed bool

	err := e.exec(ctx, "initialize", func(tx store.Tx) error {
		existing, err := tx.GetConfig(ctx)
		if err == nil {
			cfg, existed = existing, true
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if err := p.validate(); err != nil {
			return err
		}
		price := p.PositionPrice
		if price == 0 {
			if price, err = defaultPrice(p.MintDecimals); err != nil {
				return err
			}
		}
		resolver := p.Resolver
		if resolver.IsZero() {
			resolver = admin
		}

		authority, err := e.addr.TreasuryAuthority()
		if err != nil {
			return err
		}
		treasury, err := token.Open(ctx, tx, authority, p.Mint)
		if err != nil {
			return err
		}

		cfg = &model.Config{
			Admin:                 admin,
			Resolver:              resolver,
			CurrentEpoch:          1,
			PositionPrice:         price,
			AllowedMint:           p.Mint,
			MintDecimals:          p.MintDecimals,
			TreasuryAddress:       treasury.Address,
			WeightModel:           p.WeightModel,
			ResolutionType:        p.ResolutionType,
			EpochDuration:         p.EpochDuration,
			WeightRateNumerator:   p.WeightRateNumerator,
			WeightRateDenominator: p.WeightRateDenominator,
			MinWeight:             p.MinWeight,
			OracleQueue:           p.OracleQueue,
			OracleAuthority:       p.OracleAuthority,
		}
		return tx.PutConfig(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}

	if existed {
		e.log.Warn("config already initialized, skipping", "err", ErrAlreadyInitialized, "admin", cfg.Admin.String())
		return cfg, nil
	}
	e.observeConfig(cfg)
	e.log.Info("protocol initialized",
		"admin", cfg.Admin.String(),
		"resolver", cfg.Resolver.String(),
		"mint", cfg.AllowedMint.String(),
		"position_price", cfg.PositionPrice,
		"weight_model", cfg.WeightModel.String(),
		"resolution_type", cfg.ResolutionType.String(),
		"epoch_duration", cfg.EpochDuration,
	)
	return cfg, nil
}

// UpdateResolutionType switches between admin and oracle resolution.
// Switching to oracle requires the stored oracle authority and queue.
func (e *Engine) UpdateResolutionType(ctx context.Context, caller solana.PublicKey, rt model.ResolutionType) (*model.Config, error) {
	var cfg *model.Config
	err := e.exec(ctx, "update_resolution_type", func(tx store.Tx) error {
		var err error
		if cfg, err = e.loadConfig(ctx, tx); err != nil {
			return err
		}
		if !caller.Equals(cfg.Admin) {
			return ErrUnauthorizedAdmin
		}
		if !rt.Valid() {
			return fmt.Errorf("%w: %d", ErrUnsupportedResolution, rt)
		}
		if rt == model.ResolutionOracle {
			if err := oracleReady(cfg.OracleAuthority, cfg.OracleQueue); err != nil {
				return err
			}
		}
		cfg.ResolutionType = rt
		return tx.PutConfig(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("resolution type updated", "resolution_type", rt.String())
	return cfg, nil
}
