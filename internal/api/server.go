package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chainsync/internal/jsonx"
	"chainsync/internal/ledger"
	"chainsync/internal/logx"
	"chainsync/internal/node"

	"github.com/gorilla/mux"
)

// Backend is the part of the node the HTTP surface needs.
type Backend interface {
	Blocks(ctx context.Context) ([]ledger.Block, error)
	BlockRange(ctx context.Context, start, end uint64) ([]ledger.Block, error)
	Tail(ctx context.Context) (ledger.Block, error)
	Submit(ctx context.Context, data string) (ledger.Block, error)
	Peers(ctx context.Context) ([]string, error)
	AddPeer(ctx context.Context, addr string) error
	Events() *node.EventBus
}

type MineRequest struct {
	Data string `json:"data"`
}

type AddPeerRequest struct {
	Peer string `json:"peer"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	backend   Backend
	heartbeat time.Duration
}

func NewServer(backend Backend) *Server {
	return &Server{backend: backend, heartbeat: 10 * time.Second}
}

// Router wires every endpoint onto a gorilla/mux router.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/blocks", s.GetBlocksHandler).Methods(http.MethodGet)
	router.HandleFunc("/blocks/latest", s.GetLatestHandler).Methods(http.MethodGet)
	router.HandleFunc("/mineBlock", s.MineBlockHandler).Methods(http.MethodPost)
	router.HandleFunc("/peers", s.GetPeersHandler).Methods(http.MethodGet)
	router.HandleFunc("/addPeer", s.AddPeerHandler).Methods(http.MethodPost)
	router.HandleFunc("/events", s.EventsHandler).Methods(http.MethodGet)
	return router
}

// GetBlocksHandler returns the whole chain, or the inclusive from..to range.
func (s *Server) GetBlocksHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("from") == "" && q.Get("to") == "" {
		blocks, err := s.backend.Blocks(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, blocks)
		return
	}

	from, err := parseIndex(q.Get("from"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("from: %w", err))
		return
	}
	to, err := parseIndex(q.Get("to"), ^uint64(0))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("to: %w", err))
		return
	}
	blocks, err := s.backend.BlockRange(r.Context(), from, to)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (s *Server) GetLatestHandler(w http.ResponseWriter, r *http.Request) {
	b, err := s.backend.Tail(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) MineBlockHandler(w http.ResponseWriter, r *http.Request) {
	var req MineRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	b, err := s.backend.Submit(r.Context(), req.Data)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	logx.Info("API", "block added: #", b.Index, " ", b.ShortHash())
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) GetPeersHandler(w http.ResponseWriter, r *http.Request) {
	peers, err := s.backend.Peers(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) AddPeerHandler(w http.ResponseWriter, r *http.Request) {
	var req AddPeerRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if strings.TrimSpace(req.Peer) == "" {
		writeError(w, http.StatusBadRequest, errors.New("peer is required"))
		return
	}
	if err := s.backend.AddPeer(r.Context(), req.Peer); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EventsHandler streams node events as Server-Sent Events.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.backend.Events().Subscribe(32)
	defer cancel()

	// Send the current tip first so clients start from a known state.
	if tip, err := s.backend.Tail(r.Context()); err == nil {
		writeSSE(w, node.Event{At: time.Now(), Kind: node.EventTipChanged, Index: tip.Index, Hash: tip.Hash})
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev node.Event) {
	b, _ := jsonx.Marshal(ev)
	fmt.Fprintf(w, "event: %s\n", ev.Kind)
	fmt.Fprintf(w, "data: %s\n\n", b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsonx.NewEncoder(w).Encode(v); err != nil {
		logx.Warn("API", "encode response: ", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var ibe *ledger.InvalidBlockError
	switch {
	case errors.As(err, &ibe), errors.Is(err, ledger.ErrChainNotLonger):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrRangeInvalid):
		return http.StatusBadRequest
	case errors.Is(err, node.ErrPeerUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, node.ErrNodeStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseIndex(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
