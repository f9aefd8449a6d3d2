// Package backend is a development implementation of the Unforgotten
// backend contract: a versioned REST API per entity kind, a realtime
// WebSocket feed for appointments and sticky reminders, and bearer JWT
// authentication. State lives in memory.
//
// It backs the "unforgotten backend" command for local development and the
// integration tests of the sync packages.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/njoerd114/unforgotten/internal/model"
)

// Server serves the backend API.
type Server struct {
	store  *Memory
	secret []byte
	hub    *hub
	logger *slog.Logger

	faultsMu sync.RWMutex
	faults   map[model.Kind]int
}

// New creates a server over store using secret to verify tokens.
func New(store *Memory, secret []byte, logger *slog.Logger) *Server {
	return &Server{
		store:  store,
		secret: secret,
		hub:    newHub(logger),
		logger: logger,
		faults: make(map[model.Kind]int),
	}
}

// SetFault makes every request for kind fail with status. A status of 0
// clears the fault. Used to exercise client error handling.
func (s *Server) SetFault(kind model.Kind, status int) {
	s.faultsMu.Lock()
	defer s.faultsMu.Unlock()
	if status == 0 {
		delete(s.faults, kind)
		return
	}
	s.faults[kind] = status
}

// Subscribers returns the number of realtime connections for accountID.
func (s *Server) Subscribers(accountID string) int {
	return s.hub.subscribers(accountID)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/realtime", s.handleRealtime)

		r.Route("/{kind}", func(r chi.Router) {
			r.Use(s.kindMiddleware)
			r.Get("/", s.handleList)
			r.Post("/", s.handleCreate)
			r.Put("/{id}", s.handleUpdate)
			r.Delete("/{id}", s.handleDelete)
		})
	})

	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("backend listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("backend server: %w", err)
	case <-ctx.Done():
	}

	s.hub.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("backend shutdown: %w", err)
	}
	return nil
}

type kindKey struct{}

func (s *Server) kindMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind, err := model.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.faultsMu.RLock()
		status := s.faults[kind]
		s.faultsMu.RUnlock()
		if status != 0 {
			writeError(w, status, "injected fault")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), kindKey{}, kind)))
	})
}

func kindOf(r *http.Request) model.Kind {
	k, _ := r.Context().Value(kindKey{}).(model.Kind)
	return k
}

type listResponse struct {
	Records []model.Record `json:"records"`
	Version int64          `json:"version"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = v
	}

	recs, version, err := s.store.List(UserID(r.Context()), kindOf(r), r.URL.Query().Get("account_id"), since)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if recs == nil {
		recs = []model.Record{}
	}
	writeJSON(w, http.StatusOK, listResponse{Records: recs, Version: version})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	stored, created, err := s.store.Create(UserID(r.Context()), rec)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if created {
		s.broadcast(stored, nil)
		writeJSON(w, http.StatusCreated, stored)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	rec.ID = chi.URLParam(r, "id")
	prev, _ := s.store.Get(rec.Kind, rec.ID)
	stored, err := s.store.Update(UserID(r.Context()), rec)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.broadcast(stored, &prev)
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind, id := kindOf(r), chi.URLParam(r, "id")
	prev, _ := s.store.Get(kind, id)
	stored, changed, err := s.store.Delete(UserID(r.Context()), kind, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if changed {
		s.broadcast(stored, &prev)
	}
	writeJSON(w, http.StatusOK, stored)
}

// handleRealtime upgrades to a WebSocket and streams change events for the
// account named by ?account_id= until the client goes away.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if !s.store.IsMember(UserID(r.Context()), accountID) {
		writeStoreError(w, errForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.add(accountID, conn)
	defer s.hub.remove(accountID, conn)
	s.logger.Debug("realtime subscriber connected", "account_id", accountID)

	// Clients never send; CloseRead handles control frames and reports
	// when the peer disconnects.
	<-conn.CloseRead(r.Context()).Done()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) broadcast(rec model.Record, prev *model.Record) {
	if !rec.Kind.Realtime() {
		return
	}
	if prev != nil && prev.ID == "" {
		prev = nil
	}
	if rec.Deleted && prev == nil {
		return
	}
	s.hub.publish(rec.AccountID, changeEvent(rec, prev))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (model.Record, bool) {
	var rec model.Record
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid record: "+err.Error())
		return model.Record{}, false
	}
	rec.Kind = kindOf(r)
	rec.Deleted = false
	return rec, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, errInvalid):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
