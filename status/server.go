// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source returns the status of a component, which is added to the response
type Source func() interface{}

// Server serves /status and /metrics
type Server struct {
	ctx    log.Interface
	source Source

	mu         sync.Mutex
	accessKeys []string
	srv        *http.Server
	lis        net.Listener
}

// NewServer returns a new Server. The source may be nil.
func NewServer(ctx log.Interface, source Source) *Server {
	return &Server{
		ctx:    ctx,
		source: source,
	}
}

// AddAccessKey adds a key that clients must send as bearer token to get the
// status. Without keys the status is public. Metrics are always public.
func (s *Server) AddAccessKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessKeys = append(s.accessKeys, key)
}

func (s *Server) authorized(r *http.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.accessKeys) == 0 {
		return true
	}
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	for _, allowed := range s.accessKeys {
		if key == allowed {
			return true
		}
	}
	return false
}

// Handler returns the HTTP handler of the Server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", s.serveStatus)
	return mux
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}
	res := global.get()
	if s.source != nil {
		res.Bridge = s.source()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		s.ctx.WithError(err).Warn("Could not write status")
	}
}

// Start listening on the address
func (s *Server) Start(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler()}
	s.mu.Lock()
	s.srv, s.lis = srv, lis
	s.mu.Unlock()
	ctx := s.ctx.WithField("Address", lis.Addr().String())
	go func() {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			ctx.WithError(err).Warn("Status server stopped")
		}
	}()
	ctx.Info("Serving status")
	return nil
}

// Addr returns the address the Server listens on, or nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Stop the Server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.lis = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
