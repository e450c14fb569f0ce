package protocol

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/store"
	"github.com/atmx/conviction-engine/internal/token"
)

// Deposit credits amount of the allowed mint to owner's token account.
// Only the admin may call it; it stands in for the external mint authority
// that funds wallets before they buy positions.
func (e *Engine) Deposit(ctx context.Context, caller, owner solana.PublicKey, amount uint64) (*model.TokenAccount, error) {
	var acct *model.TokenAccount
	var cfg *model.Config

	err := e.exec(ctx, "deposit", func(tx store.Tx) error {
		var err error
		if cfg, err = e.loadConfig(ctx, tx); err != nil {
			return err
		}
		if !caller.Equals(cfg.Admin) {
			return ErrUnauthorizedAdmin
		}
		acct, err = token.MintTo(ctx, tx, owner, cfg.AllowedMint, amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("tokens deposited", "owner", owner.String(), "amount", amount, "balance", acct.Amount)
	e.emit(Event{
		Type:     EventDeposited,
		Owner:    owner.String(),
		Amount:   amount,
		UIAmount: model.UIAmount(amount, cfg.MintDecimals).String(),
	})
	return acct, nil
}
