package handler

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/events"
	"github.com/efreitasn/tradecore/internal/metrics"
	"github.com/efreitasn/tradecore/internal/service"
)

// timeFormat is the layout of every timestamp in responses.
const timeFormat = "2006-01-02T15:04:05Z"

// Services groups the services the router dispatches to.
type Services struct {
	Accounts *service.AccountService
	Orders   *service.OrderService
	Market   *service.MarketService
	Webhooks *service.WebhookService
	Hub      *events.Hub
}

// NewRouter creates a chi router with all routes registered, request logging,
// and Content-Type validation middleware. The returned handler also answers
// CORS preflight requests for corsOrigins.
func NewRouter(svc Services, corsOrigins []string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(requestLogging(logger))
	r.Use(contentTypeJSON)

	// Create handlers.
	accountH := NewAccountHandler(svc.Accounts)
	orderH := NewOrderHandler(svc.Orders)
	marketH := NewMarketHandler(svc.Market)
	webhookH := NewWebhookHandler(svc.Webhooks)

	// Health check.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	if svc.Hub != nil {
		r.Get("/ws", svc.Hub.ServeWS)
	}

	// Instrument and market data routes.
	r.Post("/instruments", marketH.RegisterInstrument)
	r.Get("/instruments", marketH.ListInstruments)
	r.Get("/instruments/{symbol}/quote", marketH.GetQuote)
	r.Get("/instruments/{symbol}/book", marketH.GetBook)
	r.Post("/ticks/{symbol}", marketH.PublishTick)

	// User routes.
	r.Post("/users", accountH.Register)
	r.Route("/users/{user_id}", func(r chi.Router) {
		r.Get("/", accountH.Get)
		r.Put("/banned", accountH.SetBanned)
		r.Post("/credits", accountH.Credit)
		r.Post("/debits", accountH.Debit)

		r.Post("/orders", orderH.SubmitOrder)
		r.Get("/orders", orderH.ListOrders)
		r.Get("/orders/{order_id}", orderH.GetOrder)
		r.Delete("/orders/{order_id}", orderH.CancelOrder)
		r.Get("/trades", orderH.ListTrades)
		r.Get("/positions", orderH.ListPositions)
		r.Get("/positions/{symbol}", orderH.GetPosition)

		r.Post("/webhooks", webhookH.Upsert)
		r.Get("/webhooks", webhookH.List)
		r.Delete("/webhooks/{webhook_id}", webhookH.Delete)
	})

	if len(corsOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}).Handler(r)
}

func userParam(r *http.Request) domain.UserID {
	return domain.UserID(chi.URLParam(r, "user_id"))
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration using slog.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// contentTypeJSON is middleware that validates Content-Type for POST, PUT, and
// PATCH requests. If the Content-Type header doesn't start with
// "application/json", it returns 400 Bad Request before the handler runs.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "invalid_request",
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
