package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/conviction-engine/internal/address"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/oracle"
	"github.com/atmx/conviction-engine/internal/protocol"
)

// --- Request/Response types ---

// InitializePoolRequest is the JSON body for POST /pools. Pools may be
// omitted, in which case the addresses of the current epoch are derived.
type InitializePoolRequest struct {
	NumPools uint8    `json:"num_pools"`
	Pools    []string `json:"pools,omitempty"`
}

// CommitRequest is the JSON body for POST /commit.
type CommitRequest struct {
	PositionID uint64 `json:"position_id"` // the owner's user index
	PoolID     uint8  `json:"pool_id"`
}

// ResolveRequest is the JSON body for POST /resolve.
type ResolveRequest struct {
	WinningPoolID uint8    `json:"winning_pool_id"` // winner in admin mode, seed in oracle mode
	Pools         []string `json:"pools,omitempty"`
	OracleQueue   string   `json:"oracle_queue,omitempty"`
}

// ResolvePendingRequest is the JSON body for POST /epochs/{epoch}/resolve.
type ResolvePendingRequest struct {
	WinningPoolID uint8 `json:"winning_pool_id"`
}

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	Owner  string `json:"owner"`
	Amount uint64 `json:"amount"` // raw units
}

// DepositResponse is returned from POST /deposits.
type DepositResponse struct {
	Address   solana.PublicKey `json:"address"`
	Owner     solana.PublicKey `json:"owner"`
	Balance   uint64           `json:"balance"`
	UIBalance decimal.Decimal  `json:"ui_balance"`
}

// ResolutionTypeRequest is the JSON body for POST /resolution-type.
type ResolutionTypeRequest struct {
	ResolutionType model.ResolutionType `json:"resolution_type"`
}

// ClaimRequest is the JSON body for POST /claim.
type ClaimRequest struct {
	PoolID uint8  `json:"pool_id"`
	Epoch  uint64 `json:"epoch"`
}

// ClaimResponse is returned from POST /claim.
type ClaimResponse struct {
	Epoch    uint64          `json:"epoch"`
	PoolID   uint8           `json:"pool_id"`
	Reward   uint64          `json:"reward"`
	UIAmount decimal.Decimal `json:"ui_amount"`
}

// CallbackRequest is the JSON body for POST /oracle/callback, signed by the
// oracle authority.
type CallbackRequest struct {
	RequestID uuid.UUID `json:"request_id"`
	Epoch     uint64    `json:"epoch"`
	Seed      uint8     `json:"seed"`
	Queue     string    `json:"queue"`
	Proof     string    `json:"proof"`
}

// TreasuryResponse is returned from GET /treasury.
type TreasuryResponse struct {
	Address  solana.PublicKey `json:"address"`
	Amount   uint64           `json:"amount"`
	UIAmount decimal.Decimal  `json:"ui_amount"`
}

// --- Read views ---

// GetConfig handles GET /api/v1/config
func (s *Server) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.eng.Config(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// GetTreasury handles GET /api/v1/treasury
func (s *Server) GetTreasury(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.eng.Config(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	bal, err := s.eng.TreasuryBalance(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TreasuryResponse{
		Address:  cfg.TreasuryAddress,
		Amount:   bal,
		UIAmount: model.UIAmount(bal, cfg.MintDecimals),
	})
}

// GetEpoch handles GET /api/v1/epochs/{epoch}
func (s *Server) GetEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, err := epochParam(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	res, err := s.eng.Epoch(r.Context(), epoch)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetPools handles GET /api/v1/epochs/{epoch}/pools
// Only open pools are listed; resolved epochs report weights in the epoch result.
func (s *Server) GetPools(w http.ResponseWriter, r *http.Request) {
	epoch, err := epochParam(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	pools, err := s.eng.Pools(r.Context(), epoch)
	if err != nil {
		s.fail(w, err)
		return
	}
	if pools == nil {
		pools = []model.Pool{}
	}
	writeJSON(w, http.StatusOK, pools)
}

// GetPositions handles GET /api/v1/users/{owner}/positions
func (s *Server) GetPositions(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerParam(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	positions, err := s.eng.Positions(r.Context(), owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetCommitments handles GET /api/v1/users/{owner}/commitments
func (s *Server) GetCommitments(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerParam(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	commitments, err := s.eng.Commitments(r.Context(), owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commitments)
}

// --- Signed instructions ---

// Initialize handles POST /api/v1/initialize. The signer becomes the admin.
func (s *Server) Initialize(w http.ResponseWriter, r *http.Request) {
	params, err := decode[protocol.InitializeParams](r)
	if err != nil {
		s.fail(w, err)
		return
	}
	cfg, err := s.eng.Initialize(r.Context(), caller(r), params)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateResolutionType handles POST /api/v1/resolution-type
func (s *Server) UpdateResolutionType(w http.ResponseWriter, r *http.Request) {
	req, err := decode[ResolutionTypeRequest](r)
	if err != nil {
		s.fail(w, err)
		return
	}
	cfg, err := s.eng.UpdateResolutionType(r.Context(), caller(r), req.ResolutionType)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// InitializePool handles POST /api/v1/pools
func (s *Server) InitializePool(w http.ResponseWriter, r *http.Request) {
	req, err := decode[InitializePoolRequest](r)
	if err != nil {
		s.fail(w, err)
		return
	}
	ctx := r.Context()

	pools, err := parseAddresses(req.Pools)
	if err != nil {
		s.fail(w, err)
		return
	}
	if len(pools) == 0 && req.NumPools <= model.MaxPools {
		cfg, err := s.eng.Config(ctx)
		if err != nil {
			s.fail(w, err)
			return
		}
		if pools, err = s.eng.Addresses().Pools(req.NumPools, cfg.CurrentEpoch); err != nil {
			s.fail(w, err)
			return
		}
	}

	res, err := s.eng.InitializePool(ctx, caller(r), req.NumPools, pools)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// MintPosition handles POST /api/v1/positions. The body is ignored.
func (s *Server) MintPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.eng.MintPosition(r.Context(), caller(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// Commit handles POST /api/v1/commit
func (s *Server) Commit(w http.ResponseWriter, r *http.Request) {
	req, err := decode[CommitRequest](r)
	if err != nil {
		s.fail(w, err)
		return
	}
	c, err := s.eng.Commit(r.Context(), caller(r), req.PositionID, req.PoolID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Resolve handles POST /api/v1/resolve. Omitted pools are derived from the
// current epoch's pool count.
func (s *Server) Resolve(w http.ResponseWriter, r *http.Request) {
	req, err := decode[ResolveRequest](r)
	if err != nil {
		s.fail(w, err)
		return
	}
	ctx := r.Context()

	params := protocol.ResolveParams{WinningPoolID: req.WinningPoolID}
	if req.OracleQueue != "" {
		if params.OracleQueue, err = parseAddress(req.OracleQueue); err != nil {
			s.fail(w, err)
			return
		}
	}
	if params.Pools, err = parseAddresses(req.Pools); err != nil {
		s.fail(w, err)
		return
	}
	if len(params.Pools) == 0 {
		if params.Pools, err = s.currentPools(r); err != nil {
			s.fail(w, err)
			return
		}
	}

	res, err := s.eng.Resolve(ctx, caller(r), params)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// currentPools derives the pool addresses of the current epoch. An epoch
// that was never started yields no pools; Resolve reports why.
func (s *Server) currentPools(r *http.Request) ([]solana.PublicKey, error) {
	ctx := r.Context()
	cfg, err := s.eng.Config(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.eng.Epoch(ctx, cfg.CurrentEpoch)
	if errors.Is(err, protocol.ErrEpochNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.eng.Addresses().Pools(res.PoolCount, cfg.CurrentEpoch)
}

// RequestRandomness handles POST /api/v1/epochs/{epoch}/randomness. The
// response carries the request that replaced the previous one.
func (s *Server) RequestRandomness(w http.ResponseWriter, r *http.Request) {
	epoch, err := epochParam(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	req, err := s.eng.RequestRandomness(r.Context(), caller(r), epoch)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

// ResolvePending handles POST /api/v1/epochs/{epoch}/resolve, the admin-mode
// fallback for an epoch left pending by the oracle.
func (s *Server) ResolvePending(w http.ResponseWriter, r *http.Request) {
	epoch, err := epochParam(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	req, err := decode[ResolvePendingRequest](r)
	if err != nil {
		s.fail(w, err)
		return
	}
	res, err := s.eng.ResolvePending(r.Context(), caller(r), epoch, req.WinningPoolID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Deposit handles POST /api/v1/deposits. Only the admin may credit tokens.
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	req, err := decode[DepositRequest](r)
	if err != nil {
		s.fail(w, err)
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	ctx := r.Context()
	acct, err := s.eng.Deposit(ctx, caller(r), owner, req.Amount)
	if err != nil {
		s.fail(w, err)
		return
	}
	cfg, err := s.eng.Config(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DepositResponse{
		Address:   acct.Address,
		Owner:     acct.Owner,
		Balance:   acct.Amount,
		UIBalance: model.UIAmount(acct.Amount, cfg.MintDecimals),
	})
}

// Claim handles POST /api/v1/claim
func (s *Server) Claim(w http.ResponseWriter, r *http.Request) {
	req, err := decode[ClaimRequest](r)
	if err != nil {
		s.fail(w, err)
		return
	}
	ctx := r.Context()
	reward, err := s.eng.Claim(ctx, caller(r), req.PoolID, req.Epoch)
	if err != nil {
		s.fail(w, err)
		return
	}
	cfg, err := s.eng.Config(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{
		Epoch:    req.Epoch,
		PoolID:   req.PoolID,
		Reward:   reward,
		UIAmount: model.UIAmount(reward, cfg.MintDecimals),
	})
}

// OracleCallback handles POST /api/v1/oracle/callback. The request signer
// is the oracle authority; the engine verifies the proof against it and
// checks that it answers the epoch's pending request.
func (s *Server) OracleCallback(w http.ResponseWriter, r *http.Request) {
	req, err := decode[CallbackRequest](r)
	if err != nil {
		s.fail(w, err)
		return
	}
	queue, err := parseAddress(req.Queue)
	if err != nil {
		s.fail(w, err)
		return
	}
	proof, err := solana.SignatureFromBase58(req.Proof)
	if err != nil {
		s.fail(w, fmt.Errorf("%w: proof: %v", errBadRequest, err))
		return
	}

	f := oracle.Fulfillment{
		Request: oracle.Request{
			ID:    req.RequestID,
			Epoch: req.Epoch,
			Seed:  req.Seed,
			Queue: queue,
		},
		Authority: caller(r),
		Proof:     proof,
	}
	res, err := s.eng.CallbackResolve(r.Context(), caller(r), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- helpers ---

func caller(r *http.Request) solana.PublicKey {
	pk, _ := Signer(r.Context())
	return pk
}

func epochParam(r *http.Request) (uint64, error) {
	epoch, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: epoch: %v", errBadRequest, err)
	}
	return epoch, nil
}

func ownerParam(r *http.Request) (solana.PublicKey, error) {
	return parseAddress(chi.URLParam(r, "owner"))
}

func parseAddress(s string) (solana.PublicKey, error) {
	pk, err := address.Parse(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return pk, nil
}

func parseAddresses(ss []string) ([]solana.PublicKey, error) {
	pks, err := address.ParseList(ss)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return pks, nil
}
