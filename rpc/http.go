package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"rollmarket/core/events"
	"rollmarket/native/marketplace"
	"rollmarket/observability"
)

const (
	maxRequestBytes = 1 << 20 // 1 MiB
	rateLimitWindow = time.Minute
	maxTxPerWindow  = 30
)

// AuthTokenEnv names the environment variable carrying the bearer token that
// guards mutating RPC methods.
const AuthTokenEnv = "ROLLMARKET_RPC_TOKEN"

type rateLimiter struct {
	count       int
	windowStart time.Time
}

// Server exposes the marketplace engine over JSON-RPC 2.0.
type Server struct {
	engine   *marketplace.Engine
	token    *marketplace.LedgerToken
	recorder *events.Recorder
	metrics  *observability.MarketMetrics
	log      *slog.Logger

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	authToken    string
	nowFn        func() time.Time
}

// NewServer wires the RPC surface to the engine, token ledger and event
// recorder. The auth token is read from ROLLMARKET_RPC_TOKEN.
func NewServer(engine *marketplace.Engine, token *marketplace.LedgerToken, recorder *events.Recorder, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:       engine,
		token:        token,
		recorder:     recorder,
		metrics:      observability.Metrics(),
		log:          log,
		rateLimiters: make(map[string]*rateLimiter),
		authToken:    strings.TrimSpace(os.Getenv(AuthTokenEnv)),
		nowFn:        time.Now,
	}
}

// Start blocks serving the RPC endpoint on addr.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	s.log.Info("starting JSON-RPC server", "addr", addr)
	return http.ListenAndServe(addr, mux)
}

// Handler returns the HTTP handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	return mux
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeRPCError(w, nil, codeParseError, "unable to read request body", nil)
		return
	}
	if len(body) > maxRequestBytes {
		writeRPCError(w, nil, codeInvalidRequest, "request body too large", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPCError(w, nil, codeParseError, "invalid JSON-RPC payload", err.Error())
		return
	}
	if req.JSONRPC != jsonRPCVersion || strings.TrimSpace(req.Method) == "" {
		writeRPCError(w, req.ID, codeInvalidRequest, "invalid JSON-RPC request", nil)
		return
	}

	started := s.now()
	result, rpcErr := s.dispatch(r, &req)
	elapsed := s.now().Sub(started)
	if rpcErr != nil {
		s.metrics.ObserveRequest(req.Method, "error", elapsed)
		s.metrics.ObserveError(req.Method, fmt.Sprintf("%d", rpcErr.Code))
		s.log.Warn("rpc request failed", "method", req.Method, "code", rpcErr.Code, "message", rpcErr.Message)
		writeRPCError(w, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	s.metrics.ObserveRequest(req.Method, "ok", elapsed)
	writeRPCResult(w, req.ID, result)
}

func (s *Server) dispatch(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	if mutatingMethods[req.Method] {
		if err := s.authorize(r); err != nil {
			return nil, err
		}
		if err := s.throttle(r); err != nil {
			return nil, err
		}
	}
	handler, ok := s.handlers()[req.Method]
	if !ok {
		return nil, &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %s not found", req.Method)}
	}
	return handler(req.Params)
}

func (s *Server) authorize(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "rpc auth token not configured"}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	supplied := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid bearer token"}
	}
	return nil
}

func (s *Server) throttle(r *http.Request) *RPCError {
	source := clientSource(r)
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.rateLimiters[source]
	if !ok || now.Sub(limiter.windowStart) > rateLimitWindow {
		s.rateLimiters[source] = &rateLimiter{count: 1, windowStart: now}
		return nil
	}
	limiter.count++
	if limiter.count > maxTxPerWindow {
		return &RPCError{Code: codeRateLimited, Message: "too many mutating requests"}
	}
	return nil
}

func (s *Server) now() time.Time {
	if s.nowFn == nil {
		return time.Now()
	}
	return s.nowFn()
}

func clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRPCResult(w http.ResponseWriter, id, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}

// engineError translates marketplace failures into JSON-RPC errors so
// consumers can branch on stable codes rather than message strings.
func engineError(err error) *RPCError {
	switch {
	case errors.Is(err, marketplace.ErrOfferNotFound), errors.Is(err, marketplace.ErrOrderNotFound):
		return &RPCError{Code: codeNotFound, Message: err.Error()}
	case errors.Is(err, marketplace.ErrUnauthorized):
		return &RPCError{Code: codeUnauthorized, Message: err.Error()}
	case errors.Is(err, marketplace.ErrAlreadyFulfilled),
		errors.Is(err, marketplace.ErrAlreadyTerminated),
		errors.Is(err, marketplace.ErrTooEarly),
		errors.Is(err, marketplace.ErrInsufficientBalance),
		errors.Is(err, marketplace.ErrTransferFailed):
		return &RPCError{Code: codeInvalidState, Message: err.Error()}
	default:
		return &RPCError{Code: codeServerError, Message: err.Error()}
	}
}
