// Package voxserv is the local status API: recent logs, AI responses,
// pipeline state, Prometheus metrics and a live log feed over WebSocket.
package voxserv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bosley/voxprobe/console"
	"github.com/bosley/voxprobe/metrics"
	"github.com/bosley/voxprobe/pipeline"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Pipeline is what the status endpoint reports for each session.
type Pipeline interface {
	Status() pipeline.Status
	Recent() []pipeline.RecentMessage
}

type Config struct {
	Addr       string
	Log        *console.Log
	Responses  *console.Responses
	Meeting    Pipeline
	Enrollment Pipeline
	Metrics    *metrics.Metrics
}

type Server struct {
	config      Config
	router      *mux.Router
	upgrader    websocket.Upgrader
	subscribers *SubscriberList
	server      *http.Server
	unsubscribe func()
}

func New(config Config) *Server {
	s := &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The console only listens locally and serves no cookies
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subscribers: NewSubscriberList(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/logs", s.handleLogs).Methods("GET")
	router.HandleFunc("/api/responses", s.handleResponses).Methods("GET")
	router.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	router.Handle("/metrics", config.Metrics.Handler()).Methods("GET")
	router.HandleFunc("/ws/logs", s.handleLogFeed)
	s.router = router

	s.unsubscribe = config.Log.Subscribe(s.publish)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Subscribers() *SubscriberList {
	return s.subscribers
}

// Start serves until ctx is cancelled, then closes the server.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer s.Close()

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Status server listening", "addr", listener.Addr().String())
		if err := s.server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Close stops pushing log entries to feed subscribers.
func (s *Server) Close() {
	s.unsubscribe()
}

// publish runs under the log's lock, so it only queues.
func (s *Server) publish(entry console.Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Error("Failed to encode log entry", "error", err)
		return
	}
	if dropped := s.subscribers.Broadcast(data); dropped > 0 {
		slog.Debug("Log feed subscribers fell behind", "dropped", dropped)
	}
}
