package protocol_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/atmx/conviction-engine/internal/address"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/oracle"
	"github.com/atmx/conviction-engine/internal/protocol"
	"github.com/atmx/conviction-engine/internal/store"
	"github.com/atmx/conviction-engine/internal/token"
)

const decimals = 9

// price is the default position price for a 9-decimal mint.
const price = uint64(1000 * 1_000_000_000)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) Notify(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []protocol.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// requests captures randomness requests instead of answering them.
type requests struct {
	mu  sync.Mutex
	got []oracle.Request
}

func (r *requests) Request(_ context.Context, req oracle.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, req)
	return nil
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	st       *store.MemoryStore
	eng      *protocol.Engine
	clock    *clock
	events   *recorder
	admin    solana.PublicKey
	mint     solana.PublicKey
	cfg      *model.Config
	provider protocol.RandomnessProvider
}

type harnessOption func(*harness, *protocol.InitializeParams)

func withOracle(authority, queue solana.PublicKey, p protocol.RandomnessProvider) harnessOption {
	return func(h *harness, params *protocol.InitializeParams) {
		params.ResolutionType = model.ResolutionOracle
		params.OracleAuthority = authority
		params.OracleQueue = queue
		h.provider = p
	}
}

func withWeightModel(m model.WeightModel) harnessOption {
	return func(_ *harness, params *protocol.InitializeParams) {
		params.WeightModel = m
	}
}

// newHarness initializes a protocol with a 60 second epoch and a rate of
// one weight unit per second.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		st:     store.NewMemoryStore(),
		clock:  &clock{now: time.Unix(1_700_000_000, 0)},
		events: &recorder{},
		admin:  solana.NewWallet().PublicKey(),
		mint:   solana.NewWallet().PublicKey(),
	}
	params := protocol.InitializeParams{
		WeightModel:           model.WeightTimeBased,
		ResolutionType:        model.ResolutionAdmin,
		EpochDuration:         60,
		WeightRateNumerator:   1,
		WeightRateDenominator: 1,
		Mint:                  h.mint,
		MintDecimals:          decimals,
	}
	for _, opt := range opts {
		opt(h, &params)
	}

	engineOpts := []protocol.Option{
		protocol.WithClock(h.clock.Now),
		protocol.WithNotifier(h.events),
	}
	if h.provider != nil {
		engineOpts = append(engineOpts, protocol.WithOracle(h.provider))
	}
	h.eng = protocol.New(h.st, solana.NewWallet().PublicKey(), engineOpts...)

	cfg, err := h.eng.Initialize(h.ctx, h.admin, params)
	require.NoError(t, err)
	h.cfg = cfg
	return h
}

func (h *harness) user(funds uint64) solana.PublicKey {
	h.t.Helper()
	u := solana.NewWallet().PublicKey()
	h.fund(u, funds)
	return u
}

func (h *harness) fund(owner solana.PublicKey, amount uint64) {
	h.t.Helper()
	_, err := h.eng.Deposit(h.ctx, h.admin, owner, amount)
	require.NoError(h.t, err)
}

func (h *harness) balance(owner solana.PublicKey) uint64 {
	h.t.Helper()
	addr, err := address.TokenAccount(owner, h.mint)
	require.NoError(h.t, err)
	var bal uint64
	err = h.st.View(h.ctx, func(tx store.Tx) error {
		var err error
		bal, err = token.Balance(h.ctx, tx, addr)
		return err
	})
	if errors.Is(err, token.ErrAccountNotFound) {
		return 0
	}
	require.NoError(h.t, err)
	return bal
}

func (h *harness) treasury() uint64 {
	h.t.Helper()
	bal, err := h.eng.TreasuryBalance(h.ctx)
	require.NoError(h.t, err)
	return bal
}

func (h *harness) config() *model.Config {
	h.t.Helper()
	cfg, err := h.eng.Config(h.ctx)
	require.NoError(h.t, err)
	return cfg
}

func (h *harness) pools(n uint8, epoch uint64) []solana.PublicKey {
	h.t.Helper()
	addrs, err := h.eng.Addresses().Pools(n, epoch)
	require.NoError(h.t, err)
	return addrs
}

func (h *harness) startEpoch(n uint8) *model.EpochResult {
	h.t.Helper()
	res, err := h.eng.InitializePool(h.ctx, h.admin, n, h.pools(n, h.config().CurrentEpoch))
	require.NoError(h.t, err)
	return res
}

func (h *harness) mint1(owner solana.PublicKey) *model.Position {
	h.t.Helper()
	p, err := h.eng.MintPosition(h.ctx, owner)
	require.NoError(h.t, err)
	return p
}

func (h *harness) commit(owner solana.PublicKey, positionID uint64, poolID uint8) *model.Commitment {
	h.t.Helper()
	c, err := h.eng.Commit(h.ctx, owner, positionID, poolID)
	require.NoError(h.t, err)
	return c
}

// resolveAfterEnd moves the clock past the current epoch's deadline and
// resolves it in admin mode.
func (h *harness) resolveAfterEnd(winner uint8) *model.EpochResult {
	h.t.Helper()
	cfg := h.config()
	res, err := h.eng.Epoch(h.ctx, cfg.CurrentEpoch)
	require.NoError(h.t, err)
	if now := h.clock.Now().Unix(); now < res.EndAt {
		h.clock.Advance(time.Duration(res.EndAt-now) * time.Second)
	}
	out, err := h.eng.Resolve(h.ctx, h.admin, protocol.ResolveParams{
		WinningPoolID: winner,
		Pools:         h.pools(res.PoolCount, cfg.CurrentEpoch),
		OracleQueue:   cfg.OracleQueue,
	})
	require.NoError(h.t, err)
	return out
}
