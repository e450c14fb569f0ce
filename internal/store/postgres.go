package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/conviction-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// u64 quantities are stored as NUMERIC and exchanged as decimal strings so
// the full unsigned range survives the round trip.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
}

func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadOnly}, fn)
}

func (s *PostgresStore) run(ctx context.Context, opts pgx.TxOptions, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&pgTx{tx: tx}); err != nil {
		return conflict(err)
	}
	return conflict(tx.Commit(ctx))
}

// conflict maps serialization failures and deadlocks to ErrConflict.
func conflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

// decoder parses NUMERIC text and base58 columns, keeping the first error.
type decoder struct {
	err error
}

func (d *decoder) u64(s string) uint64 {
	if d.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		d.err = fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return v
}

func (d *decoder) key(s string) solana.PublicKey {
	if d.err != nil {
		return solana.PublicKey{}
	}
	k, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		d.err = fmt.Errorf("parse address %q: %w", s, err)
	}
	return k
}

func (d *decoder) uuid(s string) uuid.UUID {
	if d.err != nil {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		d.err = fmt.Errorf("parse uuid %q: %w", s, err)
	}
	return id
}

func num(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func (t *pgTx) close(ctx context.Context, table, kind string, addr solana.PublicKey) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM `+table+` WHERE address = $1`, addr.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(kind, addr)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO closed_accounts (address, kind) VALUES ($1, $2)
		 ON CONFLICT (address) DO NOTHING`,
		addr.String(), kind,
	)
	return err
}

// --- Config ---

func (t *pgTx) GetConfig(ctx context.Context) (*model.Config, error) {
	var data []byte
	err := t.tx.QueryRow(ctx, `SELECT data::TEXT FROM config WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: config", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	var cfg model.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func (t *pgTx) PutConfig(ctx context.Context, cfg *model.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO config (id, data) VALUES (1, $1::JSONB)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
		string(data),
	)
	return err
}

// --- User states ---

func (t *pgTx) GetUserState(ctx context.Context, addr solana.PublicKey) (*model.UserState, error) {
	var owner, count string
	err := t.tx.QueryRow(ctx,
		`SELECT owner, position_count::TEXT FROM user_states WHERE address = $1`,
		addr.String()).Scan(&owner, &count)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("user state", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("get user state %s: %w", addr, err)
	}
	var d decoder
	us := &model.UserState{Owner: d.key(owner), PositionCount: d.u64(count)}
	return us, d.err
}

func (t *pgTx) PutUserState(ctx context.Context, addr solana.PublicKey, us *model.UserState) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO user_states (address, owner, position_count)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (address) DO UPDATE SET position_count = EXCLUDED.position_count`,
		addr.String(), us.Owner.String(), num(us.PositionCount),
	)
	return err
}

// --- Positions ---

const positionColumns = `address, owner, user_index::TEXT, global_id::TEXT, created_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var addr, owner, userIndex, globalID string
	var p model.Position
	if err := row.Scan(&addr, &owner, &userIndex, &globalID, &p.CreatedAt); err != nil {
		return nil, err
	}
	var d decoder
	p.Address = d.key(addr)
	p.Owner = d.key(owner)
	p.UserIndex = d.u64(userIndex)
	p.GlobalID = d.u64(globalID)
	return &p, d.err
}

func (t *pgTx) GetPosition(ctx context.Context, addr solana.PublicKey) (*model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE address = $1`, addr.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("position", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", addr, err)
	}
	return p, nil
}

func (t *pgTx) PutPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (address, owner, user_index, global_id, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (address) DO UPDATE
		 SET owner = EXCLUDED.owner, user_index = EXCLUDED.user_index,
		     global_id = EXCLUDED.global_id, created_at = EXCLUDED.created_at`,
		p.Address.String(), p.Owner.String(), num(p.UserIndex), num(p.GlobalID), p.CreatedAt,
	)
	return err
}

func (t *pgTx) ClosePosition(ctx context.Context, addr solana.PublicKey) error {
	return t.close(ctx, "positions", "position", addr)
}

func (t *pgTx) ListPositions(ctx context.Context, owner solana.PublicKey) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE owner = $1 ORDER BY user_index`,
		owner.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// --- Pools ---

const poolColumns = `address, pool_id, epoch::TEXT, total_positions::TEXT, total_weight::TEXT`

func scanPool(row pgx.Row) (*model.Pool, error) {
	var addr, epoch, positions, weight string
	var id int16
	if err := row.Scan(&addr, &id, &epoch, &positions, &weight); err != nil {
		return nil, err
	}
	var d decoder
	p := &model.Pool{
		Address:        d.key(addr),
		ID:             uint8(id),
		Epoch:          d.u64(epoch),
		TotalPositions: d.u64(positions),
		TotalWeight:    d.u64(weight),
	}
	return p, d.err
}

func (t *pgTx) GetPool(ctx context.Context, addr solana.PublicKey) (*model.Pool, error) {
	p, err := scanPool(t.tx.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM pools WHERE address = $1`, addr.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("pool", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", addr, err)
	}
	return p, nil
}

func (t *pgTx) PutPool(ctx context.Context, p *model.Pool) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO pools (address, pool_id, epoch, total_positions, total_weight)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC)
		 ON CONFLICT (address) DO UPDATE
		 SET total_positions = EXCLUDED.total_positions, total_weight = EXCLUDED.total_weight`,
		p.Address.String(), int16(p.ID), num(p.Epoch), num(p.TotalPositions), num(p.TotalWeight),
	)
	return err
}

func (t *pgTx) ClosePool(ctx context.Context, addr solana.PublicKey) error {
	return t.close(ctx, "pools", "pool", addr)
}

func (t *pgTx) ListPools(ctx context.Context, epoch uint64) ([]model.Pool, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+poolColumns+` FROM pools WHERE epoch = $1::NUMERIC ORDER BY pool_id`,
		num(epoch))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// --- Commitments ---

const commitmentColumns = `address, user_pk, position_amount::TEXT, weight::TEXT, pool_id, epoch::TEXT`

func scanCommitment(row pgx.Row) (*model.Commitment, error) {
	var addr, user, amount, weight, epoch string
	var poolID int16
	if err := row.Scan(&addr, &user, &amount, &weight, &poolID, &epoch); err != nil {
		return nil, err
	}
	var d decoder
	c := &model.Commitment{
		Address:        d.key(addr),
		UserPK:         d.key(user),
		PositionAmount: d.u64(amount),
		Weight:         d.u64(weight),
		PoolID:         uint8(poolID),
		Epoch:          d.u64(epoch),
	}
	return c, d.err
}

func (t *pgTx) GetCommitment(ctx context.Context, addr solana.PublicKey) (*model.Commitment, error) {
	c, err := scanCommitment(t.tx.QueryRow(ctx,
		`SELECT `+commitmentColumns+` FROM commitments WHERE address = $1`, addr.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("commitment", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("get commitment %s: %w", addr, err)
	}
	return c, nil
}

func (t *pgTx) PutCommitment(ctx context.Context, c *model.Commitment) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO commitments (address, user_pk, position_amount, weight, pool_id, epoch)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6::NUMERIC)
		 ON CONFLICT (address) DO UPDATE
		 SET position_amount = EXCLUDED.position_amount, weight = EXCLUDED.weight`,
		c.Address.String(), c.UserPK.String(), num(c.PositionAmount), num(c.Weight),
		int16(c.PoolID), num(c.Epoch),
	)
	return err
}

func (t *pgTx) CloseCommitment(ctx context.Context, addr solana.PublicKey) error {
	return t.close(ctx, "commitments", "commitment", addr)
}

func (t *pgTx) ListCommitments(ctx context.Context, owner solana.PublicKey) ([]model.Commitment, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+commitmentColumns+` FROM commitments WHERE user_pk = $1 ORDER BY epoch, pool_id`,
		owner.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// --- Epoch results ---

func (t *pgTx) GetEpochResult(ctx context.Context, addr solana.PublicKey) (*model.EpochResult, error) {
	var epoch, weight, total, state, requestID string
	var weights []string
	var winner, poolCount, seed int16
	r := model.EpochResult{Address: addr}

	err := t.tx.QueryRow(ctx,
		`SELECT epoch::TEXT, weight::TEXT, total_position_amount::TEXT, end_at,
		        winning_pool_id, state, pool_count, pool_weights::TEXT[],
		        request_id::TEXT, request_seed
		 FROM epoch_results WHERE address = $1`, addr.String()).
		Scan(&epoch, &weight, &total, &r.EndAt, &winner, &state, &poolCount, &weights, &requestID, &seed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("epoch result", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("get epoch result %s: %w", addr, err)
	}

	var d decoder
	r.Epoch = d.u64(epoch)
	r.Weight = d.u64(weight)
	r.TotalPositionAmount = d.u64(total)
	r.WinningPoolID = uint8(winner)
	r.PoolCount = uint8(poolCount)
	r.RequestID = d.uuid(requestID)
	r.RequestSeed = uint8(seed)
	for i := 0; i < len(weights) && i < model.MaxPools; i++ {
		r.PoolWeights[i] = d.u64(weights[i])
	}
	if d.err != nil {
		return nil, d.err
	}
	if err := r.State.UnmarshalText([]byte(state)); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) PutEpochResult(ctx context.Context, r *model.EpochResult) error {
	weights := make([]string, model.MaxPools)
	for i, w := range r.PoolWeights {
		weights[i] = num(w)
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO epoch_results
		   (address, epoch, weight, total_position_amount, end_at,
		    winning_pool_id, state, pool_count, pool_weights, request_id, request_seed)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8, $9::NUMERIC[], $10::UUID, $11)
		 ON CONFLICT (address) DO UPDATE
		 SET weight = EXCLUDED.weight, total_position_amount = EXCLUDED.total_position_amount,
		     end_at = EXCLUDED.end_at, winning_pool_id = EXCLUDED.winning_pool_id,
		     state = EXCLUDED.state, pool_count = EXCLUDED.pool_count,
		     pool_weights = EXCLUDED.pool_weights, request_id = EXCLUDED.request_id,
		     request_seed = EXCLUDED.request_seed`,
		r.Address.String(), num(r.Epoch), num(r.Weight), num(r.TotalPositionAmount), r.EndAt,
		int16(r.WinningPoolID), r.State.String(), int16(r.PoolCount), weights,
		r.RequestID.String(), int16(r.RequestSeed),
	)
	return err
}

// --- Token accounts ---

func (t *pgTx) GetTokenAccount(ctx context.Context, addr solana.PublicKey) (*model.TokenAccount, error) {
	var owner, mint, amount string
	err := t.tx.QueryRow(ctx,
		`SELECT owner, mint, amount::TEXT FROM token_accounts WHERE address = $1`,
		addr.String()).Scan(&owner, &mint, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("token account", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("get token account %s: %w", addr, err)
	}
	var d decoder
	acct := &model.TokenAccount{Address: addr, Owner: d.key(owner), Mint: d.key(mint), Amount: d.u64(amount)}
	return acct, d.err
}

func (t *pgTx) PutTokenAccount(ctx context.Context, acct *model.TokenAccount) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO token_accounts (address, owner, mint, amount)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (address) DO UPDATE SET amount = EXCLUDED.amount`,
		acct.Address.String(), acct.Owner.String(), acct.Mint.String(), num(acct.Amount),
	)
	return err
}

func (t *pgTx) IsClosed(ctx context.Context, addr solana.PublicKey) (bool, error) {
	var closed bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM closed_accounts WHERE address = $1)`,
		addr.String()).Scan(&closed)
	return closed, err
}
