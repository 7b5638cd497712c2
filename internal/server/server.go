// Package server exposes the connection registry over HTTP: health and
// metrics endpoints plus a small JSON API for driving sessions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/mqdeck-io/mqdeck/internal/registry"
	"github.com/mqdeck-io/mqdeck/internal/session"
	"github.com/mqdeck-io/mqdeck/internal/store"
	"github.com/mqdeck-io/mqdeck/pkg/log"
)

// Options configure the HTTP listener.
type Options struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

func NewOptions() *Options {
	return &Options{Addr: ":8080"}
}

func (o *Options) Validate() []error {
	var errs []error
	if o.Addr == "" {
		errs = append(errs, fmt.Errorf("server address must not be empty"))
	}
	return errs
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Addr, "server.addr", o.Addr, "Address the HTTP API listens on.")
}

// Server serves the REST API in front of a Registry.
type Server struct {
	server *http.Server
	reg    *registry.Registry
	log    log.Logger
}

func New(opts *Options, reg *registry.Registry, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		reg: reg,
		log: logger.WithName("http"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleOK).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleOK).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/connections", s.handleListConnections).Methods(http.MethodGet)
	api.HandleFunc("/connections", s.handleAddConnection).Methods(http.MethodPost)
	api.HandleFunc("/connections/{id}", s.handleGetConnection).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}", s.handleDeleteConnection).Methods(http.MethodDelete)
	api.HandleFunc("/connections/{id}/connect", s.handleConnect).Methods(http.MethodPost)
	api.HandleFunc("/connections/{id}/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	api.HandleFunc("/connections/{id}/subscriptions", s.handleSubscribe).Methods(http.MethodPost)
	api.HandleFunc("/connections/{id}/subscriptions", s.handleUnsubscribe).Methods(http.MethodDelete)
	api.HandleFunc("/connections/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}/messages", s.handlePublish).Methods(http.MethodPost)
	api.HandleFunc("/connections/{id}/messages", s.handleClearMessages).Methods(http.MethodDelete)

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("starting HTTP server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleOK(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type connectionSummary struct {
	session.Config
	State session.State `json:"state"`
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.reg.Configs()
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]connectionSummary, 0, len(cfgs))
	for _, cfg := range cfgs {
		state, err := s.reg.State(cfg.ID)
		if err != nil {
			state = session.Disconnected
		}
		cfg.Password = ""
		out = append(out, connectionSummary{Config: cfg, State: state})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddConnection(w http.ResponseWriter, r *http.Request) {
	var cfg session.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeStatus(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	stored, err := s.reg.Add(cfg)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	stored.Password = ""
	s.writeJSON(w, http.StatusCreated, stored)
}

type connectionDetail struct {
	connectionSummary
	LastError     string                 `json:"lastError,omitempty"`
	Subscriptions []session.Subscription `json:"subscriptions"`
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.GetOrCreate(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	cfg := sess.Config()
	cfg.Password = ""
	subs := sess.Subscriptions()
	if subs == nil {
		subs = []session.Subscription{}
	}
	s.writeJSON(w, http.StatusOK, connectionDetail{
		connectionSummary: connectionSummary{Config: cfg, State: sess.State()},
		LastError:         sess.LastError(),
		Subscriptions:     subs,
	})
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Delete(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, func(sess *session.Session) error {
		return sess.RequestConnect()
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, func(sess *session.Session) error {
		return sess.RequestDisconnect()
	})
}

type subscribeRequestBody struct {
	Topic string      `json:"topic"`
	QoS   session.QoS `json:"qos"`
	Color string      `json:"color,omitempty"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var body subscribeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeStatus(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	s.sessionAction(w, r, func(sess *session.Session) error {
		return sess.RequestSubscribe(body.Topic, body.QoS, body.Color)
	})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		s.writeStatus(w, http.StatusBadRequest, errors.New("topic query parameter is required"))
		return
	}
	s.sessionAction(w, r, func(sess *session.Session) error {
		return sess.RequestUnsubscribe(topic)
	})
}

type publishRequestBody struct {
	Topic   string      `json:"topic"`
	Payload []byte      `json:"payload"`
	QoS     session.QoS `json:"qos"`
	Retain  bool        `json:"retain,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body publishRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeStatus(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	s.sessionAction(w, r, func(sess *session.Session) error {
		return sess.RequestPublish(body.Topic, body.Payload, body.QoS, body.Retain)
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.GetOrCreate(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	msgs := sess.Messages()
	if msgs == nil {
		msgs = []session.Message{}
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.GetOrCreate(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess.ClearMessages()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionAction(w http.ResponseWriter, r *http.Request, fn func(*session.Session) error) {
	sess, err := s.reg.GetOrCreate(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := fn(sess); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case session.IsInvalidTopic(err):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrAlreadyConnected),
		errors.Is(err, session.ErrAlreadySubscribed),
		errors.Is(err, session.ErrNotSubscribed),
		errors.Is(err, session.ErrSessionClosed):
		status = http.StatusConflict
	}
	s.writeStatus(w, status, err)
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
