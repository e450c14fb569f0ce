package token_test

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/atmx/conviction-engine/internal/address"
	"github.com/atmx/conviction-engine/internal/store"
	"github.com/atmx/conviction-engine/internal/token"
)

func TestOpen_CreatesAtAssociatedAddress(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	owner, mint := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		acct, err := token.Open(ctx, tx, owner, mint)
		require.NoError(t, err)
		want, err := address.TokenAccount(owner, mint)
		require.NoError(t, err)
		require.Equal(t, want, acct.Address)
		require.Zero(t, acct.Amount)

		acct.Amount = 42
		require.NoError(t, tx.PutTokenAccount(ctx, acct))

		again, err := token.Open(ctx, tx, owner, mint)
		require.NoError(t, err)
		require.Equal(t, uint64(42), again.Amount, "open returns the existing account")
		return nil
	}))
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	mint := solana.NewWallet().PublicKey()
	alice, bob := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()

	tests := []struct {
		name      string
		fund      uint64
		bobFund   uint64
		amount    uint64
		mint      solana.PublicKey
		wantErr   error
		wantAlice uint64
		wantBob   uint64
	}{
		{name: "moves funds", fund: 100, amount: 60, mint: mint, wantAlice: 40, wantBob: 60},
		{name: "exact balance", fund: 60, amount: 60, mint: mint, wantAlice: 0, wantBob: 60},
		{name: "insufficient", fund: 59, amount: 60, mint: mint, wantErr: token.ErrInsufficientBalance, wantAlice: 59},
		{name: "wrong mint", fund: 100, amount: 1, mint: solana.NewWallet().PublicKey(), wantErr: token.ErrMintMismatch, wantAlice: 100},
		{name: "overflow", fund: 10, bobFund: ^uint64(0), amount: 1, mint: mint, wantErr: token.ErrBalanceOverflow, wantAlice: 10, wantBob: ^uint64(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			var from, to solana.PublicKey
			require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
				a, err := token.Open(ctx, tx, alice, mint)
				require.NoError(t, err)
				a.Amount = tt.fund
				require.NoError(t, tx.PutTokenAccount(ctx, a))
				b, err := token.Open(ctx, tx, bob, mint)
				require.NoError(t, err)
				b.Amount = tt.bobFund
				require.NoError(t, tx.PutTokenAccount(ctx, b))
				from, to = a.Address, b.Address
				return nil
			}))

			err := st.Update(ctx, func(tx store.Tx) error {
				return token.Transfer(ctx, tx, from, to, tt.mint, tt.amount)
			})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			require.NoError(t, st.View(ctx, func(tx store.Tx) error {
				got, err := token.Balance(ctx, tx, from)
				require.NoError(t, err)
				require.Equal(t, tt.wantAlice, got)
				got, err = token.Balance(ctx, tx, to)
				require.NoError(t, err)
				require.Equal(t, tt.wantBob, got)
				return nil
			}))
		})
	}
}

func TestTransfer_MissingAccount(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	err := st.Update(ctx, func(tx store.Tx) error {
		return token.Transfer(ctx, tx, solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), 1)
	})
	require.ErrorIs(t, err, token.ErrAccountNotFound)
}

func TestMintTo(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	owner, mint := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		acct, err := token.MintTo(ctx, tx, owner, mint, 70)
		require.NoError(t, err)
		want, err := address.TokenAccount(owner, mint)
		require.NoError(t, err)
		require.Equal(t, want, acct.Address, "opens the associated account")
		require.Equal(t, uint64(70), acct.Amount)

		acct, err = token.MintTo(ctx, tx, owner, mint, 30)
		require.NoError(t, err)
		require.Equal(t, uint64(100), acct.Amount)
		return nil
	}))

	err := st.Update(ctx, func(tx store.Tx) error {
		_, err := token.MintTo(ctx, tx, owner, mint, ^uint64(0))
		return err
	})
	require.ErrorIs(t, err, token.ErrBalanceOverflow)

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		addr, err := address.TokenAccount(owner, mint)
		require.NoError(t, err)
		got, err := token.Balance(ctx, tx, addr)
		require.NoError(t, err)
		require.Equal(t, uint64(100), got)
		return nil
	}))
}
