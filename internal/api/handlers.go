package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/cryptoexchange/internal/auth"
	"github.com/xtrntr/cryptoexchange/internal/db"
	"github.com/xtrntr/cryptoexchange/internal/exchange"
	"github.com/xtrntr/cryptoexchange/internal/market"
	"go.uber.org/zap"
)

type ctxKey string

const userIDKey ctxKey = "user_id"

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange    *exchange.Exchange
	Market      *market.Service
	AuthService *auth.AuthService
	Hub         *Hub
	Logger      *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(ex *exchange.Exchange, mkt *market.Service, authService *auth.AuthService, hub *Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Exchange: ex, Market: mkt, AuthService: authService, Hub: hub, Logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, success bool, message string) {
	writeJSON(w, status, map[string]any{"success": success, "message": message})
}

// writeError maps engine error kinds to HTTP statuses. Internal faults are
// logged and reported without detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var engineErr *exchange.Error
	if !errors.As(err, &engineErr) {
		engineErr = &exchange.Error{Kind: exchange.KindInternal, Err: err}
	}

	status := http.StatusInternalServerError
	switch engineErr.Kind {
	case exchange.KindInvalidArgument, exchange.KindInvalidInterval:
		status = http.StatusBadRequest
	case exchange.KindUnauthenticated:
		status = http.StatusUnauthorized
	case exchange.KindCoinNotFound, exchange.KindWalletNotFound:
		status = http.StatusNotFound
	case exchange.KindInsufficientBalance, exchange.KindNotOpen:
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeMessage(w, status, false, "internal error")
		return
	}
	writeMessage(w, status, false, engineErr.Error())
}

func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

func countParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("count"))
	if err != nil {
		return 0
	}
	return n
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, false, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		writeMessage(w, http.StatusBadRequest, false, "Username and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrUsernameTaken):
			writeMessage(w, http.StatusConflict, false, "Username already taken")
		case errors.Is(err, auth.ErrInvalidInput):
			writeMessage(w, http.StatusBadRequest, false, err.Error())
		default:
			h.Logger.Error("failed to register user", zap.Error(err))
			writeMessage(w, http.StatusInternalServerError, false, "Failed to register user")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, false, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.Logger.Error("login failed", zap.Error(err))
		}
		writeMessage(w, http.StatusUnauthorized, false, "Invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeMessage(w, http.StatusUnauthorized, false, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		id, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, false, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bookChanged refreshes cached statistics and pushes the pair's order book
func (h *Handler) bookChanged(ctx context.Context, base, quote string) {
	h.Market.Invalidate(ctx, base, quote)
	if h.Hub == nil || h.Hub.Subscribers(base, quote) == 0 {
		return
	}
	book, err := h.Market.OrderBook(ctx, base, quote)
	if err != nil {
		h.Logger.Warn("order book push skipped", zap.String("pair", pairKey(base, quote)), zap.Error(err))
		return
	}
	h.Hub.Broadcast(base, quote, book)
}

// PlaceOrder handles order placement and matching
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Base   string          `json:"base"`
		Quote  string          `json:"quote"`
		Side   string          `json:"side"`
		Price  decimal.Decimal `json:"price"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, false, "Invalid request body")
		return
	}

	res, err := h.Exchange.PlaceOrder(r.Context(), exchange.OrderRequest{
		UserID: userID(r),
		Base:   req.Base,
		Quote:  req.Quote,
		Side:   req.Side,
		Price:  req.Price,
		Amount: req.Amount,
	})
	if res != nil {
		// The order is on the book even when its settlement aborted.
		h.bookChanged(r.Context(), req.Base, req.Quote)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := map[string]any{
		"success":  true,
		"message":  "Order placed",
		"order_id": res.Order.ID,
		"status":   res.Order.Status,
	}
	if res.Settlement != nil {
		resp["message"] = "Order matched"
		resp["matched_order_id"] = res.Settlement.MatchID
		resp["reference"] = res.Settlement.Reference
	}
	writeJSON(w, http.StatusCreated, resp)
}

// CancelOrder cancels an open order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, false, "Invalid order ID")
		return
	}

	order, err := h.Exchange.CancelOrder(r.Context(), userID(r), orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if base, quote, err := h.Exchange.PairOf(r.Context(), order); err == nil {
		h.bookChanged(r.Context(), base, quote)
	}

	writeMessage(w, http.StatusOK, true, "Order cancelled")
}

// GetUserOrders retrieves a user's open orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Exchange.OpenOrdersForUser(r.Context(), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrderBook retrieves the open orders of a pair
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	book, err := h.Market.OrderBook(r.Context(), q.Get("base"), q.Get("quote"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// GetTicker retrieves the price and 24h change of a pair
func (h *Handler) GetTicker(w http.ResponseWriter, r *http.Request) {
	ticker, err := h.Market.Ticker(r.Context(), chi.URLParam(r, "base"), chi.URLParam(r, "quote"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticker)
}

// GetCandles retrieves OHLCV candles of a pair
func (h *Handler) GetCandles(w http.ResponseWriter, r *http.Request) {
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1h"
	}
	candles, err := h.Market.Candles(r.Context(), chi.URLParam(r, "base"), chi.URLParam(r, "quote"), interval)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, candles)
}

type walletResponse struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	Balance       decimal.Decimal `json:"balance"`
	Price         decimal.Decimal `json:"price"`
	PercentChange decimal.Decimal `json:"percent_change"`
}

// GetWallets lists the user's wallets with coin prices and 24h change
func (h *Handler) GetWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := h.Exchange.Wallets(r.Context(), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	stats, err := h.Market.Coins(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	changes := make(map[int64]decimal.Decimal, len(stats))
	for _, s := range stats {
		changes[s.ID] = s.PercentChange
	}

	out := make([]walletResponse, 0, len(wallets))
	for _, wv := range wallets {
		out = append(out, walletResponse{
			Symbol:        wv.Coin.Symbol,
			Name:          wv.Coin.Name,
			Balance:       wv.Wallet.Balance,
			Price:         wv.Coin.Price,
			PercentChange: changes[wv.Coin.ID],
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// WalletTransaction deposits into or withdraws from a wallet
func (h *Handler) WalletTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string          `json:"symbol"`
		Type   string          `json:"type"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, false, "Invalid request body")
		return
	}

	wallet, err := h.Exchange.ApplyWalletTransaction(r.Context(), userID(r), req.Symbol, req.Type, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Wallet updated",
		"balance": wallet.Balance,
	})
}

// GetTransactions retrieves the user's ledger history
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Exchange.Transactions(r.Context(), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetCoins lists every coin with its 24h figures
func (h *Handler) GetCoins(w http.ResponseWriter, r *http.Request) {
	coins, err := h.Market.Coins(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coins)
}

func (h *Handler) GetTopGainers(w http.ResponseWriter, r *http.Request) {
	coins, err := h.Market.TopGainers(r.Context(), countParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coins)
}

func (h *Handler) GetTopTraded(w http.ResponseWriter, r *http.Request) {
	coins, err := h.Market.TopTraded(r.Context(), countParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coins)
}

func (h *Handler) GetPopular(w http.ResponseWriter, r *http.Request) {
	coins, err := h.Market.Popular(r.Context(), countParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coins)
}

// GetNewListings returns the most recently listed coins
func (h *Handler) GetNewListings(w http.ResponseWriter, r *http.Request) {
	coins, err := h.Market.NewListings(r.Context(), countParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coins)
}

// ServeWS subscribes a websocket client to the order book of ?base=&quote=
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	base, quote := q.Get("base"), q.Get("quote")
	book, err := h.Market.OrderBook(r.Context(), base, quote)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Hub.serve(w, r, book.Base, book.Quote, book)
}
