// Package api exposes the operator-facing HTTP surface: native price
// lookups and a health probe.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cowpilot/internal/appdata"
	"github.com/web3guy0/cowpilot/internal/prices"
)

// Server wraps the HTTP listener.
type Server struct {
	oracle     *prices.Oracle
	appData    *appdata.Resolver
	maxTimeout time.Duration
	server     *http.Server
}

// NewServer builds the server on the given port. maxTimeout bounds the
// per-request timeout_ms parameter.
func NewServer(oracle *prices.Oracle, resolver *appdata.Resolver, port int, maxTimeout time.Duration) *Server {
	s := &Server{oracle: oracle, appData: resolver, maxTimeout: maxTimeout}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/native_price/", s.handleNativePrice)
	mux.HandleFunc("/app_data/", s.handleAppData)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the listener until Stop.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("api server started")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("api server failed")
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /native_price/:token?timeout_ms=...
func (s *Server) handleNativePrice(w http.ResponseWriter, r *http.Request) {
	tokenHex := strings.TrimPrefix(r.URL.Path, "/native_price/")
	if !common.IsHexAddress(tokenHex) {
		writeError(w, http.StatusBadRequest, "invalid token address")
		return
	}
	token := common.HexToAddress(tokenHex)

	timeout := s.maxTimeout
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 || time.Duration(ms)*time.Millisecond > s.maxTimeout {
			writeError(w, http.StatusBadRequest, "timeout_ms must be positive and within the configured maximum")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	price, err := s.oracle.Estimate(ctx, token)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"price": price.String()})
	case errors.Is(err, prices.ErrNoLiquidity), errors.Is(err, prices.ErrUnsupportedToken):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, prices.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// GET /app_data/:hash returns the resolved pre-image of an app-data
// commitment, 404 when no pre-image is known anywhere.
func (s *Server) handleAppData(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/app_data/")
	hash := common.HexToHash(raw)
	if hash == (common.Hash{}) {
		writeError(w, http.StatusBadRequest, "invalid app data hash")
		return
	}
	document, err := s.appData.Resolve(r.Context(), hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if document == nil {
		writeError(w, http.StatusNotFound, "no pre-image found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(document)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, description string) {
	writeJSON(w, status, map[string]string{"description": description})
}
