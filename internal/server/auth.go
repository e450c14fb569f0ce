package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/redis/go-redis/v9"
)

// Request signing headers. The signature covers SigningMessage.
const (
	HeaderSigner    = "X-Signer"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

const (
	signingTag     = "conviction-http-v1"
	maxFutureSkew  = 2 * time.Second
	maxRequestBody = 64 << 10
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrMessageExpired   = errors.New("request timestamp expired")
	ErrBadTimestamp     = errors.New("request timestamp in the future")
	ErrDuplicateMessage = errors.New("request already handled")
)

// SigningMessage returns the bytes a client signs for one request.
func SigningMessage(method, path string, timestamp int64, body []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s\n%s %s\n%d\n", signingTag, method, path, timestamp)
	b.Write(body)
	return b.Bytes()
}

// SignRequest sets the signing headers on r for body. Used by clients and tests.
func SignRequest(r *http.Request, key solana.PrivateKey, timestamp time.Time, body []byte) error {
	ts := timestamp.Unix()
	sig, err := key.Sign(SigningMessage(r.Method, r.URL.Path, ts, body))
	if err != nil {
		return err
	}
	r.Header.Set(HeaderSigner, key.PublicKey().String())
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderSignature, sig.String())
	return nil
}

// ReplayGuard remembers message hashes for the length of the validity window.
type ReplayGuard interface {
	// Seen records hash and reports whether it was already recorded.
	Seen(ctx context.Context, hash string, ttl time.Duration) (bool, error)
}

// MemoryReplayGuard keeps hashes in process.
type MemoryReplayGuard struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{expires: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryReplayGuard) Seen(_ context.Context, hash string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for h, exp := range g.expires {
		if now.After(exp) {
			delete(g.expires, h)
		}
	}
	if _, ok := g.expires[hash]; ok {
		return true, nil
	}
	g.expires[hash] = now.Add(ttl)
	return false, nil
}

// RedisReplayGuard shares hashes across instances with SET NX.
type RedisReplayGuard struct {
	rdb *redis.Client
}

func NewRedisReplayGuard(rdb *redis.Client) *RedisReplayGuard {
	return &RedisReplayGuard{rdb: rdb}
}

func (g *RedisReplayGuard) Seen(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, "conviction:replay:"+hash, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Verifier authenticates signed requests.
type Verifier struct {
	window time.Duration
	guard  ReplayGuard
	now    func() time.Time
}

// NewVerifier accepts requests stamped at most window in the past.
func NewVerifier(window time.Duration, guard ReplayGuard) *Verifier {
	return &Verifier{window: window, guard: guard, now: time.Now}
}

type signerKey struct{}

// Signer returns the public key that signed the request.
func Signer(ctx context.Context) (solana.PublicKey, bool) {
	pk, ok := ctx.Value(signerKey{}).(solana.PublicKey)
	return pk, ok
}

// Middleware rejects unsigned, stale or replayed requests and stores the
// signer in the request context. The body is buffered and restored.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		signer, err := v.verify(r, body)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, ErrMissingSignature), errors.Is(err, ErrInvalidSignature):
				status = http.StatusUnauthorized
			case errors.Is(err, ErrDuplicateMessage):
				status = http.StatusConflict
			case errors.Is(err, ErrMessageExpired):
				status = http.StatusRequestTimeout
			case errors.Is(err, ErrBadTimestamp):
				status = http.StatusBadRequest
			}
			writeError(w, err.Error(), status)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), signerKey{}, signer)))
	})
}

func (v *Verifier) verify(r *http.Request, body []byte) (solana.PublicKey, error) {
	rawSigner, rawTS, rawSig := r.Header.Get(HeaderSigner), r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature)
	if rawSigner == "" || rawTS == "" || rawSig == "" {
		return solana.PublicKey{}, ErrMissingSignature
	}
	signer, err := solana.PublicKeyFromBase58(rawSigner)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: signer: %v", ErrInvalidSignature, err)
	}
	sig, err := solana.SignatureFromBase58(rawSig)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: signature: %v", ErrInvalidSignature, err)
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidSignature, err)
	}

	now := v.now()
	stamped := time.Unix(ts, 0)
	if stamped.Before(now.Add(-v.window)) {
		return solana.PublicKey{}, fmt.Errorf("%w: stamped %d, now %d", ErrMessageExpired, ts, now.Unix())
	}
	if stamped.After(now.Add(maxFutureSkew)) {
		return solana.PublicKey{}, fmt.Errorf("%w: stamped %d, now %d", ErrBadTimestamp, ts, now.Unix())
	}

	msg := SigningMessage(r.Method, r.URL.Path, ts, body)
	if !sig.Verify(signer, msg) {
		return solana.PublicKey{}, ErrInvalidSignature
	}

	// Only verified messages enter the cache.
	hash := sha256.Sum256(sig[:])
	seen, err := v.guard.Seen(r.Context(), hex.EncodeToString(hash[:]), v.window+maxFutureSkew)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("replay cache: %w", err)
	}
	if seen {
		return solana.PublicKey{}, ErrDuplicateMessage
	}
	return signer, nil
}
