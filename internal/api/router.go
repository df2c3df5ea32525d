package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/xtrntr/cryptoexchange/internal/metrics"
)

// RouterOptions carries the optional pieces of the HTTP surface
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	Health         func(ctx context.Context) error
}

// NewRouter mounts every endpoint on a chi router
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Health != nil {
			if err := opts.Health(r.Context()); err != nil {
				writeMessage(w, http.StatusServiceUnavailable, false, "unhealthy")
				return
			}
		}
		writeMessage(w, http.StatusOK, true, "ok")
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	// WebSocket endpoint
	r.Get("/ws", h.ServeWS)

	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Route("/api", func(r chi.Router) {
		r.Get("/markets/orderbook", h.GetOrderBook)
		r.Get("/markets/{base}/{quote}/ticker", h.GetTicker)
		r.Get("/markets/{base}/{quote}/candles", h.GetCandles)
		r.Get("/coins", h.GetCoins)
		r.Get("/coins/top-gainers", h.GetTopGainers)
		r.Get("/coins/top-traded", h.GetTopTraded)
		r.Get("/coins/popular", h.GetPopular)
		r.Get("/coins/new-listings", h.GetNewListings)

		// Protected endpoints (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(h.JWTAuthMiddleware)
			r.Post("/markets/place", h.PlaceOrder)
			r.Post("/markets/order/{id}/cancel", h.CancelOrder)
			r.Get("/markets/myorders", h.GetUserOrders)
			r.Get("/wallets", h.GetWallets)
			r.Post("/wallets/transaction", h.WalletTransaction)
			r.Get("/transactions", h.GetTransactions)
		})
	})

	return r
}
