package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/conviction-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Update holds the write lock for the whole transaction and stages writes
// in an overlay that is applied only when fn succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state memState
}

type memState struct {
	config       *model.Config
	userStates   map[solana.PublicKey]model.UserState
	positions    map[solana.PublicKey]model.Position
	pools        map[solana.PublicKey]model.Pool
	commitments  map[solana.PublicKey]model.Commitment
	epochResults map[solana.PublicKey]model.EpochResult
	tokens       map[solana.PublicKey]model.TokenAccount
	closed       map[solana.PublicKey]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			userStates:   make(map[solana.PublicKey]model.UserState),
			positions:    make(map[solana.PublicKey]model.Position),
			pools:        make(map[solana.PublicKey]model.Pool),
			commitments:  make(map[solana.PublicKey]model.Commitment),
			epochResults: make(map[solana.PublicKey]model.EpochResult),
			tokens:       make(map[solana.PublicKey]model.TokenAccount),
			closed:       make(map[solana.PublicKey]bool),
		},
	}
}

func (s *MemoryStore) Update(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newMemTx(&s.state, false)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) View(_ context.Context, fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(newMemTx(&s.state, true))
}

// overlay stages writes to one table until commit.
type overlay[T any] struct {
	base map[solana.PublicKey]T
	puts map[solana.PublicKey]T
	dels map[solana.PublicKey]bool
}

func newOverlay[T any](base map[solana.PublicKey]T) *overlay[T] {
	return &overlay[T]{
		base: base,
		puts: make(map[solana.PublicKey]T),
		dels: make(map[solana.PublicKey]bool),
	}
}

func (o *overlay[T]) get(k solana.PublicKey) (T, bool) {
	var zero T
	if o.dels[k] {
		return zero, false
	}
	if v, ok := o.puts[k]; ok {
		return v, true
	}
	v, ok := o.base[k]
	return v, ok
}

func (o *overlay[T]) put(k solana.PublicKey, v T) {
	delete(o.dels, k)
	o.puts[k] = v
}

func (o *overlay[T]) del(k solana.PublicKey) {
	delete(o.puts, k)
	o.dels[k] = true
}

func (o *overlay[T]) each(fn func(T)) {
	for k, v := range o.base {
		if _, staged := o.puts[k]; staged || o.dels[k] {
			continue
		}
		fn(v)
	}
	for _, v := range o.puts {
		fn(v)
	}
}

func (o *overlay[T]) commit() {
	for k := range o.dels {
		delete(o.base, k)
	}
	for k, v := range o.puts {
		o.base[k] = v
	}
}

type memTx struct {
	state    *memState
	readOnly bool

	config       *model.Config
	configDirty  bool
	userStates   *overlay[model.UserState]
	positions    *overlay[model.Position]
	pools        *overlay[model.Pool]
	commitments  *overlay[model.Commitment]
	epochResults *overlay[model.EpochResult]
	tokens       *overlay[model.TokenAccount]
	closed       map[solana.PublicKey]bool
}

func newMemTx(st *memState, readOnly bool) *memTx {
	return &memTx{
		state:        st,
		readOnly:     readOnly,
		userStates:   newOverlay(st.userStates),
		positions:    newOverlay(st.positions),
		pools:        newOverlay(st.pools),
		commitments:  newOverlay(st.commitments),
		epochResults: newOverlay(st.epochResults),
		tokens:       newOverlay(st.tokens),
		closed:       make(map[solana.PublicKey]bool),
	}
}

func (t *memTx) commit() {
	if t.configDirty {
		cfg := *t.config
		t.state.config = &cfg
	}
	t.userStates.commit()
	t.positions.commit()
	t.pools.commit()
	t.commitments.commit()
	t.epochResults.commit()
	t.tokens.commit()
	for k := range t.closed {
		t.state.closed[k] = true
	}
}

func (t *memTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func notFound(kind string, addr solana.PublicKey) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, addr)
}

func (t *memTx) GetConfig(_ context.Context) (*model.Config, error) {
	src := t.state.config
	if t.configDirty {
		src = t.config
	}
	if src == nil {
		return nil, fmt.Errorf("%w: config", ErrNotFound)
	}
	cfg := *src
	return &cfg, nil
}

func (t *memTx) PutConfig(_ context.Context, cfg *model.Config) error {
	if err := t.writable(); err != nil {
		return err
	}
	c := *cfg
	t.config = &c
	t.configDirty = true
	return nil
}

func (t *memTx) GetUserState(_ context.Context, addr solana.PublicKey) (*model.UserState, error) {
	us, ok := t.userStates.get(addr)
	if !ok {
		return nil, notFound("user state", addr)
	}
	return &us, nil
}

func (t *memTx) PutUserState(_ context.Context, addr solana.PublicKey, us *model.UserState) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.userStates.put(addr, *us)
	return nil
}

func (t *memTx) GetPosition(_ context.Context, addr solana.PublicKey) (*model.Position, error) {
	p, ok := t.positions.get(addr)
	if !ok {
		return nil, notFound("position", addr)
	}
	return &p, nil
}

func (t *memTx) PutPosition(_ context.Context, p *model.Position) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.positions.put(p.Address, *p)
	return nil
}

func (t *memTx) ClosePosition(_ context.Context, addr solana.PublicKey) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.positions.get(addr); !ok {
		return notFound("position", addr)
	}
	t.positions.del(addr)
	t.closed[addr] = true
	return nil
}

func (t *memTx) ListPositions(_ context.Context, owner solana.PublicKey) ([]model.Position, error) {
	var out []model.Position
	t.positions.each(func(p model.Position) {
		if p.Owner.Equals(owner) {
			out = append(out, p)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UserIndex < out[j].UserIndex })
	return out, nil
}

func (t *memTx) GetPool(_ context.Context, addr solana.PublicKey) (*model.Pool, error) {
	p, ok := t.pools.get(addr)
	if !ok {
		return nil, notFound("pool", addr)
	}
	return &p, nil
}

func (t *memTx) PutPool(_ context.Context, p *model.Pool) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.pools.put(p.Address, *p)
	return nil
}

func (t *memTx) ClosePool(_ context.Context, addr solana.PublicKey) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.pools.get(addr); !ok {
		return notFound("pool", addr)
	}
	t.pools.del(addr)
	t.closed[addr] = true
	return nil
}

func (t *memTx) ListPools(_ context.Context, epoch uint64) ([]model.Pool, error) {
	var out []model.Pool
	t.pools.each(func(p model.Pool) {
		if p.Epoch == epoch {
			out = append(out, p)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) GetCommitment(_ context.Context, addr solana.PublicKey) (*model.Commitment, error) {
	c, ok := t.commitments.get(addr)
	if !ok {
		return nil, notFound("commitment", addr)
	}
	return &c, nil
}

func (t *memTx) PutCommitment(_ context.Context, c *model.Commitment) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.commitments.put(c.Address, *c)
	return nil
}

func (t *memTx) CloseCommitment(_ context.Context, addr solana.PublicKey) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.commitments.get(addr); !ok {
		return notFound("commitment", addr)
	}
	t.commitments.del(addr)
	t.closed[addr] = true
	return nil
}

func (t *memTx) ListCommitments(_ context.Context, owner solana.PublicKey) ([]model.Commitment, error) {
	var out []model.Commitment
	t.commitments.each(func(c model.Commitment) {
		if c.UserPK.Equals(owner) {
			out = append(out, c)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Epoch != out[j].Epoch {
			return out[i].Epoch < out[j].Epoch
		}
		return out[i].PoolID < out[j].PoolID
	})
	return out, nil
}

func (t *memTx) GetEpochResult(_ context.Context, addr solana.PublicKey) (*model.EpochResult, error) {
	r, ok := t.epochResults.get(addr)
	if !ok {
		return nil, notFound("epoch result", addr)
	}
	return &r, nil
}

func (t *memTx) PutEpochResult(_ context.Context, r *model.EpochResult) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.epochResults.put(r.Address, *r)
	return nil
}

func (t *memTx) GetTokenAccount(_ context.Context, addr solana.PublicKey) (*model.TokenAccount, error) {
	a, ok := t.tokens.get(addr)
	if !ok {
		return nil, notFound("token account", addr)
	}
	return &a, nil
}

func (t *memTx) PutTokenAccount(_ context.Context, acct *model.TokenAccount) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.tokens.put(acct.Address, *acct)
	return nil
}

func (t *memTx) IsClosed(_ context.Context, addr solana.PublicKey) (bool, error) {
	return t.closed[addr] || t.state.closed[addr], nil
}
