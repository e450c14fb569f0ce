// Package server exposes the commitment protocol over HTTP: read views are
// public, instructions require an ed25519 request signature whose signer
// becomes the instruction caller, and events stream over a WebSocket.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/conviction-engine/internal/protocol"
)

// Server handles the HTTP API of one protocol engine.
type Server struct {
	eng      *protocol.Engine
	hub      *WSHub
	verifier *Verifier
	log      *slog.Logger
}

// New creates a server. Pass nil for hub if WebSocket broadcasting is not needed.
func New(eng *protocol.Engine, hub *WSHub, verifier *Verifier) *Server {
	return &Server{
		eng:      eng,
		hub:      hub,
		verifier: verifier,
		log:      slog.Default(),
	}
}

// Routes registers the API on r, typically mounted under /api/v1.
func (s *Server) Routes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Get("/config", s.GetConfig)
	r.Get("/treasury", s.GetTreasury)
	r.Get("/epochs/{epoch}", s.GetEpoch)
	r.Get("/epochs/{epoch}/pools", s.GetPools)
	r.Get("/users/{owner}/positions", s.GetPositions)
	r.Get("/users/{owner}/commitments", s.GetCommitments)

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)

		r.Post("/initialize", s.Initialize)
		r.Post("/resolution-type", s.UpdateResolutionType)
		r.Post("/pools", s.InitializePool)
		r.Post("/positions", s.MintPosition)
		r.Post("/commit", s.Commit)
		r.Post("/resolve", s.Resolve)
		r.Post("/epochs/{epoch}/randomness", s.RequestRandomness)
		r.Post("/epochs/{epoch}/resolve", s.ResolvePending)
		r.Post("/deposits", s.Deposit)
		r.Post("/claim", s.Claim)
		r.Post("/oracle/callback", s.OracleCallback)
	})
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(kind protocol.Kind) int {
	switch kind {
	case protocol.KindAuthorization:
		return http.StatusForbidden
	case protocol.KindNotFound:
		return http.StatusNotFound
	case protocol.KindClaimIntegrity, protocol.KindConsistency, protocol.KindConflict:
		return http.StatusConflict
	case protocol.KindConfiguration, protocol.KindFunds:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// errBadRequest marks input that failed to decode or parse.
var errBadRequest = errors.New("bad request")

// decode reads a JSON body into T, rejecting unknown fields. An empty body
// decodes to the zero value.
func decode[T any](r *http.Request) (T, error) {
	var val T
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return val, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return val, nil
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&val); err != nil {
		return val, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return val, nil
}

// fail writes err with the status of its kind.
func (s *Server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, errBadRequest) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	kind := protocol.KindOf(err)
	status := StatusFor(kind)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "kind", kind.String(), "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "kind": kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
