package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
)

func TestProveVerify(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	req := NewRequest(3, 1, solana.NewWallet().PublicKey())

	f, err := Prove(key, req)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if !f.Authority.Equals(key.PublicKey()) {
		t.Fatalf("expected authority %s, got %s", key.PublicKey(), f.Authority)
	}

	// Verify recomputes the randomness from the proof alone.
	got := Fulfillment{Request: f.Request, Authority: f.Authority, Proof: f.Proof}
	if err := Verify(&got); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Randomness != f.Randomness {
		t.Error("verified randomness differs from proven randomness")
	}
}

func TestProve_Deterministic(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	req := NewRequest(1, 0, solana.PublicKey{})
	a, _ := Prove(key, req)
	b, _ := Prove(key, req)
	if a.Randomness != b.Randomness {
		t.Error("same request should yield the same randomness")
	}

	other := req
	other.Epoch = 2
	c, _ := Prove(key, other)
	if c.Randomness == a.Randomness {
		t.Error("different request should yield different randomness")
	}
}

func TestVerify_Rejects(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	f, _ := Prove(key, NewRequest(5, 2, solana.PublicKey{}))

	tampered := f
	tampered.Epoch = 6
	if err := Verify(&tampered); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("tampered epoch: expected ErrInvalidProof, got %v", err)
	}

	impostor := f
	impostor.Authority = solana.NewWallet().PublicKey()
	if err := Verify(&impostor); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("wrong authority: expected ErrInvalidProof, got %v", err)
	}
}

func TestWorker_FulfillsInOrder(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	got := make(chan Fulfillment, 2)
	w := NewWorker(key, solana.PublicKey{}, func(_ context.Context, f Fulfillment) error {
		got <- f
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for _, epoch := range []uint64{1, 2} {
		if err := w.Request(ctx, NewRequest(epoch, 0, w.Queue())); err != nil {
			t.Fatalf("request: %v", err)
		}
	}
	for _, want := range []uint64{1, 2} {
		select {
		case f := <-got:
			if f.Epoch != want {
				t.Errorf("expected epoch %d, got %d", want, f.Epoch)
			}
			if err := Verify(&f); err != nil {
				t.Errorf("worker produced unverifiable proof: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for fulfillment")
		}
	}
}

func TestWorker_QueueFull(t *testing.T) {
	w := NewWorker(solana.NewWallet().PrivateKey, solana.PublicKey{}, nil)
	ctx := context.Background()
	for i := 0; i < cap(w.requests); i++ {
		if err := w.Request(ctx, NewRequest(uint64(i), 0, solana.PublicKey{})); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := w.Request(ctx, NewRequest(99, 0, solana.PublicKey{})); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}
