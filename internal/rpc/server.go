package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-bundler/internal/config"
)

// Server is the JSON-RPC HTTP and WebSocket server.
type Server struct {
	httpServer *http.Server
	wsServer   *http.Server
	handler    *Handler
	ws         *WSSubscriptionManager
	logger     log.Logger
	cfg        *config.RPCConfig
}

// NewServer creates a new RPC server.
func NewServer(cfg *config.RPCConfig, handler *Handler) *Server {
	return &Server{
		handler: handler,
		ws:      NewWSSubscriptionManager(handler),
		logger:  log.New("module", "rpc"),
		cfg:     cfg,
	}
}

// Routes returns the HTTP JSON-RPC mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHTTP)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// WSRoutes returns the WebSocket mux.
func (s *Server) WSRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.ws.HandleWS)
	return mux
}

// Start begins listening for JSON-RPC requests on HTTP and WebSocket.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("JSON-RPC HTTP server starting", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if s.cfg.WSAddr != "" {
		s.ws.Start(ctx)
		s.wsServer = &http.Server{
			Addr:        s.cfg.WSAddr,
			Handler:     s.WSRoutes(),
			BaseContext: func(_ net.Listener) context.Context { return ctx },
		}
		go func() {
			s.logger.Info("JSON-RPC WebSocket server starting", "addr", s.cfg.WSAddr)
			if err := s.wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("ws server: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		// Servers started successfully
		return nil
	}
}

// Stop gracefully shuts down both servers.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down RPC servers")
	var err1, err2 error
	if s.httpServer != nil {
		err1 = s.httpServer.Shutdown(ctx)
	}
	if s.wsServer != nil {
		err2 = s.wsServer.Shutdown(ctx)
		s.ws.Stop()
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// handleHTTP processes incoming JSON-RPC HTTP requests, single or batched.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		s.writeJSON(w, errorResponse(nil, &JSONRPCError{Code: codeParseError, Message: "parse error"}))
		return
	}
	defer r.Body.Close()

	if bytes.HasPrefix(bytes.TrimLeft(body, " \t\r\n"), []byte("[")) {
		var reqs []JSONRPCRequest
		if err := json.Unmarshal(body, &reqs); err != nil {
			s.writeJSON(w, errorResponse(nil, &JSONRPCError{Code: codeParseError, Message: "parse error"}))
			return
		}
		resps := make([]*JSONRPCResponse, 0, len(reqs))
		for i := range reqs {
			resps = append(resps, s.handler.Handle(r.Context(), &reqs[i]))
		}
		s.writeJSON(w, resps)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeJSON(w, errorResponse(nil, &JSONRPCError{Code: codeParseError, Message: "parse error"}))
		return
	}
	s.writeJSON(w, s.handler.Handle(r.Context(), &req))
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "inso-bundler",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write RPC response", "err", err)
	}
}
