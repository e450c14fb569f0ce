// Package address derives every account address of the protocol from a
// fixed seed tag plus the identifying fields of the account, the same way
// on-chain programs derive their PDAs. Any caller can precompute an address
// without an index.
//
// All variable fields are encoded at fixed width (u8 pool ids, little-endian
// u64 counters and epochs, 32-byte keys), which keeps the derivation
// injective over each tuple: pool 1 of epoch 2 never collides with pool 1
// of epoch 3.
package address

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Seed tags.
const (
	SeedConfig      = "config"
	SeedTreasury    = "treasury"
	SeedUserState   = "user_state"
	SeedPosition    = "position"
	SeedPool        = "pool"
	SeedCommitment  = "commitment"
	SeedEpochResult = "epoch_result"
)

var (
	ErrDerivation     = errors.New("address: derivation failed")
	ErrInvalidAddress = errors.New("address: invalid base58 address")
)

// Deriver derives addresses under one program id.
type Deriver struct {
	programID solana.PublicKey
}

// NewDeriver creates a deriver for the given program id.
func NewDeriver(programID solana.PublicKey) *Deriver {
	return &Deriver{programID: programID}
}

// ProgramID returns the program id addresses are derived under.
func (d *Deriver) ProgramID() solana.PublicKey {
	return d.programID
}

func (d *Deriver) find(tag string, fields ...[]byte) (solana.PublicKey, error) {
	seeds := make([][]byte, 0, len(fields)+1)
	seeds = append(seeds, []byte(tag))
	seeds = append(seeds, fields...)
	addr, _, err := solana.FindProgramAddress(seeds, d.programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %s: %v", ErrDerivation, tag, err)
	}
	return addr, nil
}

// Config returns the address of the Config singleton.
func (d *Deriver) Config() (solana.PublicKey, error) {
	return d.find(SeedConfig)
}

// TreasuryAuthority returns the PDA that owns the treasury token account.
func (d *Deriver) TreasuryAuthority() (solana.PublicKey, error) {
	return d.find(SeedTreasury)
}

// Treasury returns the treasury token account for mint.
func (d *Deriver) Treasury(mint solana.PublicKey) (solana.PublicKey, error) {
	authority, err := d.TreasuryAuthority()
	if err != nil {
		return solana.PublicKey{}, err
	}
	return TokenAccount(authority, mint)
}

// UserState returns the counter account of owner.
func (d *Deriver) UserState(owner solana.PublicKey) (solana.PublicKey, error) {
	return d.find(SeedUserState, owner.Bytes())
}

// Position returns the address of owner's index-th position.
func (d *Deriver) Position(owner solana.PublicKey, index uint64) (solana.PublicKey, error) {
	return d.find(SeedPosition, owner.Bytes(), le64(index))
}

// Pool returns the address of pool id in epoch.
func (d *Deriver) Pool(id uint8, epoch uint64) (solana.PublicKey, error) {
	return d.find(SeedPool, []byte{id}, le64(epoch))
}

// Pools returns the addresses of pools [0, count) of epoch, in id order.
func (d *Deriver) Pools(count uint8, epoch uint64) ([]solana.PublicKey, error) {
	addrs := make([]solana.PublicKey, 0, count)
	for i := uint8(0); i < count; i++ {
		addr, err := d.Pool(i, epoch)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// Commitment returns the address of user's commitment to pool id in epoch.
func (d *Deriver) Commitment(user solana.PublicKey, id uint8, epoch uint64) (solana.PublicKey, error) {
	return d.find(SeedCommitment, user.Bytes(), []byte{id}, le64(epoch))
}

// EpochResult returns the address of the result record of epoch.
func (d *Deriver) EpochResult(epoch uint64) (solana.PublicKey, error) {
	return d.find(SeedEpochResult, le64(epoch))
}

// TokenAccount returns the associated token account of owner for mint.
func TokenAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: token account: %v", ErrDerivation, err)
	}
	return addr, nil
}

// Parse decodes a base58 address.
func Parse(s string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return pk, nil
}

// ParseList decodes an ordered list of base58 addresses.
func ParseList(ss []string) ([]solana.PublicKey, error) {
	out := make([]solana.PublicKey, 0, len(ss))
	for _, s := range ss {
		pk, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

func le64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}
