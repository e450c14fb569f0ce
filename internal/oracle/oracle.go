// Package oracle provides verifiable randomness for oracle-mode resolution.
//
// A Request names the epoch waiting for randomness. The provider answers
// with a Fulfillment whose Proof is the authority's ed25519 signature over
// the request message; the 32 random bytes are the SHA-256 of that proof.
// The request id is issued by the engine and recorded on the epoch, so the
// authority cannot pick the message it signs. Verification proves who
// signed; it cannot prove which of the valid signatures a signer chose, so
// the authority remains a trusted party.
package oracle

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

var (
	// ErrInvalidProof is returned when a fulfillment does not verify.
	ErrInvalidProof = errors.New("oracle: invalid randomness proof")

	// ErrQueueFull is returned when the provider cannot accept more requests.
	ErrQueueFull = errors.New("oracle: request queue full")
)

const domainTag = "conviction-vrf-v1"

// Request asks for randomness to finalize one pending epoch.
type Request struct {
	ID    uuid.UUID        `json:"request_id"`
	Epoch uint64           `json:"epoch"`
	Seed  uint8            `json:"seed"` // advisory winning pool id from resolve
	Queue solana.PublicKey `json:"queue"`
}

// NewRequest creates a request with a fresh random id.
func NewRequest(epoch uint64, seed uint8, queue solana.PublicKey) Request {
	return Request{ID: uuid.New(), Epoch: epoch, Seed: seed, Queue: queue}
}

// Message returns the bytes the authority signs.
func (r Request) Message() []byte {
	msg := make([]byte, 0, len(domainTag)+16+8+1+32)
	msg = append(msg, domainTag...)
	msg = append(msg, r.ID[:]...)
	msg = binary.LittleEndian.AppendUint64(msg, r.Epoch)
	msg = append(msg, r.Seed)
	msg = append(msg, r.Queue[:]...)
	return msg
}

// Fulfillment answers a Request.
type Fulfillment struct {
	Request
	Authority  solana.PublicKey `json:"authority"`
	Proof      solana.Signature `json:"proof"`
	Randomness [32]byte         `json:"-"`
}

// Prove signs req with key and derives its randomness.
func Prove(key solana.PrivateKey, req Request) (Fulfillment, error) {
	sig, err := key.Sign(req.Message())
	if err != nil {
		return Fulfillment{}, fmt.Errorf("sign request %s: %w", req.ID, err)
	}
	return Fulfillment{
		Request:    req,
		Authority:  key.PublicKey(),
		Proof:      sig,
		Randomness: Randomness(sig),
	}, nil
}

// Randomness derives 32 random bytes from a proof.
func Randomness(proof solana.Signature) [32]byte {
	return sha256.Sum256(proof[:])
}

// Verify checks the proof against the authority and recomputes the
// randomness into f.
func Verify(f *Fulfillment) error {
	if !f.Proof.Verify(f.Authority, f.Request.Message()) {
		return fmt.Errorf("%w: request %s", ErrInvalidProof, f.ID)
	}
	f.Randomness = Randomness(f.Proof)
	return nil
}
