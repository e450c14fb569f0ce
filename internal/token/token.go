// Package token is the value-movement primitive: balances of one mint held
// in token accounts that live in the same store transaction as the
// protocol accounts, so a transfer commits or aborts with its instruction.
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/conviction-engine/internal/address"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/store"
)

var (
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	ErrAccountNotFound     = errors.New("token: account not found")
	ErrMintMismatch        = errors.New("token: mint mismatch")
	ErrBalanceOverflow     = errors.New("token: balance overflow")
)

// Accounts is the part of a store transaction the token primitive needs.
type Accounts interface {
	GetTokenAccount(ctx context.Context, addr solana.PublicKey) (*model.TokenAccount, error)
	PutTokenAccount(ctx context.Context, acct *model.TokenAccount) error
}

// Open returns the token account of owner for mint, creating an empty one
// at its associated address if it does not exist yet.
func Open(ctx context.Context, accts Accounts, owner, mint solana.PublicKey) (*model.TokenAccount, error) {
	addr, err := address.TokenAccount(owner, mint)
	if err != nil {
		return nil, err
	}
	acct, err := accts.GetTokenAccount(ctx, addr)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	acct = &model.TokenAccount{Address: addr, Owner: owner, Mint: mint}
	if err := accts.PutTokenAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Balance returns the amount held at addr.
func Balance(ctx context.Context, accts Accounts, addr solana.PublicKey) (uint64, error) {
	acct, err := load(ctx, accts, addr)
	if err != nil {
		return 0, err
	}
	return acct.Amount, nil
}

// Transfer moves amount of mint from one token account to another.
func Transfer(ctx context.Context, accts Accounts, from, to, mint solana.PublicKey, amount uint64) error {
	src, err := load(ctx, accts, from)
	if err != nil {
		return err
	}
	dst, err := load(ctx, accts, to)
	if err != nil {
		return err
	}
	if !src.Mint.Equals(mint) || !dst.Mint.Equals(mint) {
		return fmt.Errorf("%w: expected %s", ErrMintMismatch, mint)
	}
	if src.Amount < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientBalance, from, src.Amount, amount)
	}
	if from.Equals(to) {
		return nil
	}
	credited := dst.Amount + amount
	if credited < dst.Amount {
		return ErrBalanceOverflow
	}

	src.Amount -= amount
	dst.Amount = credited
	if err := accts.PutTokenAccount(ctx, src); err != nil {
		return err
	}
	return accts.PutTokenAccount(ctx, dst)
}

// MintTo credits amount of mint to owner's token account, opening it first
// if needed. It is the only way new units enter circulation.
func MintTo(ctx context.Context, accts Accounts, owner, mint solana.PublicKey, amount uint64) (*model.TokenAccount, error) {
	acct, err := Open(ctx, accts, owner, mint)
	if err != nil {
		return nil, err
	}
	credited := acct.Amount + amount
	if credited < acct.Amount {
		return nil, fmt.Errorf("%w: %s holds %d, credit %d", ErrBalanceOverflow, acct.Address, acct.Amount, amount)
	}
	acct.Amount = credited
	if err := accts.PutTokenAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func load(ctx context.Context, accts Accounts, addr solana.PublicKey) (*model.TokenAccount, error) {
	acct, err := accts.GetTokenAccount(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	return acct, err
}
