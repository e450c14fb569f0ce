package oracle

import (
	"context"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/conviction-engine/internal/metrics"
)

// FulfillFunc delivers a fulfillment to whatever finalizes the epoch.
type FulfillFunc func(ctx context.Context, f Fulfillment) error

// Worker is an in-process randomness provider. Requests are queued and
// answered in order by Run; a failed delivery is logged and dropped, the
// resolver can re-request it.
type Worker struct {
	key      solana.PrivateKey
	queue    solana.PublicKey
	requests chan Request
	fulfill  FulfillFunc
}

// NewWorker creates a worker signing with key and serving queue.
func NewWorker(key solana.PrivateKey, queue solana.PublicKey, fulfill FulfillFunc) *Worker {
	return &Worker{
		key:      key,
		queue:    queue,
		requests: make(chan Request, 64),
		fulfill:  fulfill,
	}
}

// Authority returns the identity fulfillments are signed with.
func (w *Worker) Authority() solana.PublicKey {
	return w.key.PublicKey()
}

// Queue returns the queue this worker serves.
func (w *Worker) Queue() solana.PublicKey {
	return w.queue
}

// Request enqueues req without blocking.
func (w *Worker) Request(_ context.Context, req Request) error {
	select {
	case w.requests <- req:
		metrics.OracleRequests.WithLabelValues("queued").Inc()
		return nil
	default:
		metrics.OracleRequests.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
}

// Run answers requests until ctx is done. Must be called in a goroutine.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.requests:
			w.serve(ctx, req)
		}
	}
}

func (w *Worker) serve(ctx context.Context, req Request) {
	f, err := Prove(w.key, req)
	if err != nil {
		metrics.OracleRequests.WithLabelValues("failed").Inc()
		slog.Error("randomness proof failed", "request_id", req.ID, "epoch", req.Epoch, "err", err)
		return
	}
	if err := w.fulfill(ctx, f); err != nil {
		metrics.OracleRequests.WithLabelValues("failed").Inc()
		slog.Warn("randomness delivery rejected", "request_id", req.ID, "epoch", req.Epoch, "err", err)
		return
	}
	metrics.OracleRequests.WithLabelValues("fulfilled").Inc()
	slog.Info("randomness delivered", "request_id", req.ID, "epoch", req.Epoch)
}
