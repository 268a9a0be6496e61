package remote

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/store"
)

const maxBodyBytes = 4 << 20

// Server exposes a RemoteStore over HTTP with a websocket change feed.
type Server struct {
	store  store.RemoteStore
	tokens map[string]string // token -> subject
	hub    *Hub
	logger *events.Logger
	mux    *http.ServeMux
}

// NewServer creates a server. Each token is "subject:secret" or a bare
// secret. No tokens disables authentication.
func NewServer(s store.RemoteStore, tokens []string, logger *events.Logger) *Server {
	srv := &Server{
		store:  s,
		tokens: make(map[string]string, len(tokens)),
		hub:    NewHub(logger),
		logger: logger.WithField("component", "server"),
		mux:    http.NewServeMux(),
	}

	for _, t := range tokens {
		subject, secret, ok := strings.Cut(t, ":")
		if !ok {
			subject, secret = "client", t
		}
		srv.tokens[secret] = subject
	}

	srv.mux.HandleFunc("GET /healthz", srv.handleHealth)
	srv.mux.Handle("GET "+pathWhoAmI, srv.auth(http.HandlerFunc(srv.handleWhoAmI)))
	srv.mux.Handle("GET "+pathRecords+"/{type}", srv.auth(http.HandlerFunc(srv.handleList)))
	srv.mux.Handle("GET "+pathRecords+"/{type}/{id}", srv.auth(http.HandlerFunc(srv.handleGet)))
	srv.mux.Handle("PUT "+pathRecords+"/{type}/{id}", srv.auth(http.HandlerFunc(srv.handlePut)))
	srv.mux.Handle("DELETE "+pathRecords+"/{type}/{id}", srv.auth(http.HandlerFunc(srv.handleDelete)))
	srv.mux.Handle("GET "+pathChanges, srv.auth(http.HandlerFunc(srv.handleChanges)))
	srv.mux.Handle("GET "+pathNotify, srv.auth(srv.hub))

	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the change notification hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("Server listening")
		errChan <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("Shutting down server")
	return httpServer.Shutdown(shutdownCtx)
}

type subjectKey struct{}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)
		ctx := events.WithRequestID(r.Context(), requestID)

		if len(s.tokens) > 0 {
			secret, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			subject, known := s.lookup(secret)
			if !ok || !known {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
				return
			}
			ctx = context.WithValue(ctx, subjectKey{}, subject)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) lookup(secret string) (string, bool) {
	for token, subject := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
			return subject, true
		}
	}
	return "", false
}

func pathKey(r *http.Request) (models.Key, error) {
	t, err := models.ParseAggregateType(r.PathValue("type"))
	if err != nil {
		return models.Key{}, err
	}
	id := r.PathValue("id")
	if id == "" {
		return models.Key{}, errors.New("record id is required")
	}
	return models.NewKey(t, id), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	subject, _ := r.Context().Value(subjectKey{}).(string)
	writeJSON(w, http.StatusOK, map[string]string{"subject": subject})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	rec, err := s.store.Get(r.Context(), key)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	var rec models.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rec); err != nil {
		badRequest(w, "invalid record body: "+err.Error())
		return
	}
	if rec.Key() != key {
		badRequest(w, "record key does not match path")
		return
	}

	var stored *models.Record
	if r.URL.Query().Get("mode") == "overwrite" {
		stored, err = s.store.Overwrite(r.Context(), &rec)
	} else {
		stored, err = s.store.Put(r.Context(), &rec)
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	s.hub.Broadcast(key)
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	if err := s.store.Delete(r.Context(), key); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	t, err := models.ParseAggregateType(r.PathValue("type"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	recs, err := s.store.ListByType(r.Context(), t)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordList{Records: nonNil(recs), ServerAt: time.Now().UTC()})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		var err error
		if since, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			badRequest(w, "invalid since: "+err.Error())
			return
		}
	}

	recs, err := s.store.ChangedSince(r.Context(), since)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordList{Records: nonNil(recs), ServerAt: time.Now().UTC()})
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInvalidRecord):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status >= 500 {
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"request_id": events.GetRequestID(r.Context()),
			"path":       r.URL.Path,
		}).Error("Request failed")
	}
	writeError(w, status, models.Code(err), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, "INVALID_REQUEST", message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

func nonNil(recs []*models.Record) []*models.Record {
	if recs == nil {
		return []*models.Record{}
	}
	return recs
}
