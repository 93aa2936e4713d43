package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"rollmarket/gateway/auth"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
)

// Server is the HTTP front-end for marketplace interactions.
type Server struct {
	authenticator *auth.Authenticator
	node          NodeClient
	store         *SQLiteStore
	queue         *WebhookQueue
	log           *slog.Logger
	jwtSecret     []byte
	limiter       *rate.Limiter
	nowFn         func() time.Time
}

func NewServer(authenticator *auth.Authenticator, node NodeClient, store *SQLiteStore, queue *WebhookQueue, cfg *Config, log *slog.Logger) *Server {
	if authenticator == nil {
		panic("authenticator required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if queue == nil {
		queue = NewWebhookQueue()
	}
	return &Server{
		authenticator: authenticator,
		node:          node,
		store:         store,
		queue:         queue,
		log:           log,
		jwtSecret:     []byte(cfg.JWTSecret),
		limiter:       rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		nowFn:         time.Now,
	}
}

// Router wires the HTTP surface: signed writes, token-guarded reads.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.throttle)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Post("/offers", s.handleCreateOffer)
			r.Patch("/offers/{offerID}/units", s.handleSetRemainingUnits)
			r.Post("/orders", s.handleCreateOrder)
			r.Post("/orders/{orderID}/fulfill", s.handleFulfillOrder)
			r.Post("/orders/{orderID}/terminate", s.handleTerminateOrder)
			r.Post("/orders/{orderID}/deposit", s.handleDeposit)
			r.Post("/orders/{orderID}/withdraw", s.handleWithdraw)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.requireJWT)
			r.Get("/offers/{offerID}", s.handleGetOffer)
			r.Get("/orders/{orderID}", s.handleGetOrder)
			r.Get("/orders/{orderID}/balance", s.handleBalance)
			r.Get("/parties/{address}/orders", s.handlePartyOrders)
		})
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireJWT guards read endpoints with a bearer token signed by the shared
// gateway secret.
func (s *Server) requireJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.jwtSecret) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") {
			s.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		tokenStr := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			s.writeError(w, http.StatusUnauthorized, errors.New("invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// mutate wraps the shared write-path plumbing: HMAC auth, idempotency replay,
// node call, persistence of the cached response and the audit row.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, successStatus int, call func(ctx context.Context, body []byte) (interface{}, error)) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		s.audit(r.Context(), principal, r, body, http.StatusUnauthorized, errorBody(err))
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing Idempotency-Key header"))
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, []byte(`{"error":"missing idempotency key"}`))
		return
	}
	requestHash := hashRequest(r.Method, auth.CanonicalRequestPath(r), body)
	cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
	if cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.writeError(w, status, cacheErr)
		s.audit(r.Context(), principal, r, body, status, errorBody(cacheErr))
		return
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		s.audit(r.Context(), principal, r, body, cached.Status, cached.Body)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	result, err := call(ctx, body)
	if err != nil {
		status := nodeErrorStatus(err)
		s.writeError(w, status, err)
		s.audit(r.Context(), principal, r, body, status, errorBody(err))
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errorBody(err))
		return
	}
	if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, successStatus, payload); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errorBody(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(successStatus)
	_, _ = w.Write(payload)
	s.audit(r.Context(), principal, r, body, successStatus, payload)
}

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusCreated, func(ctx context.Context, body []byte) (interface{}, error) {
		var req CreateOfferRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, &badRequestError{fmt.Errorf("invalid JSON payload: %w", err)}
		}
		if strings.TrimSpace(req.Vendor) == "" {
			return nil, &badRequestError{errors.New("vendor is required")}
		}
		if strings.TrimSpace(req.PricePerMonth) == "" {
			return nil, &badRequestError{errors.New("pricePerMonth is required")}
		}
		return s.node.CreateOffer(ctx, req)
	})
}

func (s *Server) handleSetRemainingUnits(w http.ResponseWriter, r *http.Request) {
	offerID, err := pathID(r, "offerID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, body []byte) (interface{}, error) {
		var req SetRemainingUnitsRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, &badRequestError{fmt.Errorf("invalid JSON payload: %w", err)}
		}
		req.OfferID = offerID
		if strings.TrimSpace(req.Caller) == "" {
			return nil, &badRequestError{errors.New("caller is required")}
		}
		return s.node.SetOfferRemainingUnits(ctx, req)
	})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusCreated, func(ctx context.Context, body []byte) (interface{}, error) {
		var req CreateOrderRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, &badRequestError{fmt.Errorf("invalid JSON payload: %w", err)}
		}
		if strings.TrimSpace(req.Client) == "" {
			return nil, &badRequestError{errors.New("client is required")}
		}
		if req.InitialCommitment == 0 {
			return nil, &badRequestError{errors.New("initialCommitment must be positive")}
		}
		return s.node.CreateOrder(ctx, req)
	})
}

func (s *Server) handleFulfillOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, body []byte) (interface{}, error) {
		var req FulfillOrderRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, &badRequestError{fmt.Errorf("invalid JSON payload: %w", err)}
		}
		req.OrderID = orderID
		if strings.TrimSpace(req.Caller) == "" {
			return nil, &badRequestError{errors.New("caller is required")}
		}
		return s.node.FulfillOrder(ctx, req)
	})
}

func (s *Server) handleTerminateOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, body []byte) (interface{}, error) {
		var req TerminateOrderRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, &badRequestError{fmt.Errorf("invalid JSON payload: %w", err)}
		}
		req.OrderID = orderID
		if strings.TrimSpace(req.Caller) == "" {
			return nil, &badRequestError{errors.New("caller is required")}
		}
		return s.node.TerminateOrder(ctx, req)
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, body []byte) (interface{}, error) {
		var req DepositRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, &badRequestError{fmt.Errorf("invalid JSON payload: %w", err)}
		}
		req.OrderID = orderID
		if strings.TrimSpace(req.Caller) == "" {
			return nil, &badRequestError{errors.New("caller is required")}
		}
		if strings.TrimSpace(req.Amount) == "" {
			return nil, &badRequestError{errors.New("amount is required")}
		}
		return s.node.Deposit(ctx, req)
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, body []byte) (interface{}, error) {
		var req WithdrawRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, &badRequestError{fmt.Errorf("invalid JSON payload: %w", err)}
		}
		req.OrderID = orderID
		if strings.TrimSpace(req.Caller) == "" {
			return nil, &badRequestError{errors.New("caller is required")}
		}
		if strings.TrimSpace(req.Amount) == "" {
			return nil, &badRequestError{errors.New("amount is required")}
		}
		return s.node.Withdraw(ctx, req)
	})
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "offerID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	offer, err := s.node.GetOffer(ctx, id)
	if err != nil {
		s.writeError(w, nodeErrorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "orderID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	order, err := s.node.GetOrder(ctx, id)
	if err != nil {
		s.writeError(w, nodeErrorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "orderID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	party := strings.TrimSpace(r.URL.Query().Get("party"))
	if party == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("party query parameter is required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	balance, err := s.node.BalanceOf(ctx, id, party)
	if err != nil {
		s.writeError(w, nodeErrorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handlePartyOrders(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	if address == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("address is required"))
		return
	}
	vendorSide := strings.EqualFold(r.URL.Query().Get("side"), "vendor")
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	orders, err := s.node.OrdersByParty(ctx, address, vendorSide)
	if err != nil {
		s.writeError(w, nodeErrorStatus(err), err)
		return
	}
	if orders == nil {
		orders = []uint64{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":  address,
		"orderIds": orders,
	})
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorBody(err))
}

func (s *Server) audit(ctx context.Context, principal *auth.Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := AuditEntry{
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           auth.CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(ctx, entry); err != nil {
		s.log.Warn("insert audit log", "error", err)
	}
}

// badRequestError marks validation failures so mutate maps them to 400.
type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func nodeErrorStatus(err error) int {
	var bad *badRequestError
	if errors.As(err, &bad) {
		return http.StatusBadRequest
	}
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		switch nodeErr.Code {
		case -32602:
			return http.StatusBadRequest
		case -32001:
			return http.StatusUnauthorized
		case -32004:
			return http.StatusNotFound
		case -32010:
			return http.StatusConflict
		case -32020:
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	}
	return http.StatusBadGateway
}

func pathID(r *http.Request, name string) (uint64, error) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func errorBody(err error) []byte {
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	return []byte(fmt.Sprintf(`{"error":"%s"}`, msg))
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
