package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/engine"
	"github.com/efreitasn/tradecore/internal/service"
)

// MarketHandler handles HTTP requests for instruments, ticks and market
// data.
type MarketHandler struct {
	marketSvc *service.MarketService
}

// NewMarketHandler creates a new MarketHandler.
func NewMarketHandler(marketSvc *service.MarketService) *MarketHandler {
	return &MarketHandler{marketSvc: marketSvc}
}

// registerInstrumentRequest is the JSON request body for POST /instruments.
type registerInstrumentRequest struct {
	Symbol      string `json:"symbol"`
	DisplayName string `json:"display_name"`
}

// instrumentResponse is a single instrument in the response.
type instrumentResponse struct {
	InstrumentID string `json:"instrument_id"`
	Symbol       string `json:"symbol"`
	DisplayName  string `json:"display_name"`
	CreatedAt    string `json:"created_at"`
}

// tickRequest is the JSON request body for POST /ticks/{symbol}.
type tickRequest struct {
	PriceMinor int64   `json:"price_minor"`
	BidMinor   *int64  `json:"bid_minor"`
	AskMinor   *int64  `json:"ask_minor"`
	Volume     *int64  `json:"volume"`
	Sequence   uint64  `json:"sequence"`
	ObservedAt *string `json:"observed_at"`
}

// tickResponse reports the tick the feed holds after the request.
type tickResponse struct {
	Symbol     string `json:"symbol"`
	Accepted   bool   `json:"accepted"`
	PriceMinor int64  `json:"price_minor"`
	Sequence   uint64 `json:"sequence"`
	ObservedAt string `json:"observed_at"`
}

// quoteResponse is the JSON response for GET /instruments/{symbol}/quote.
type quoteResponse struct {
	Symbol     string `json:"symbol"`
	PriceMinor int64  `json:"price_minor"`
	BidMinor   *int64 `json:"bid_minor"`
	AskMinor   *int64 `json:"ask_minor"`
	Sequence   uint64 `json:"sequence"`
	ObservedAt string `json:"observed_at"`
	Stale      bool   `json:"stale"`
}

// bookLevel is an aggregated price level in the book response.
type bookLevel struct {
	PriceMinor    int64 `json:"price_minor"`
	TotalQuantity int64 `json:"total_quantity"`
	OrderCount    int   `json:"order_count"`
}

// bookResponse is the JSON response for GET /instruments/{symbol}/book.
type bookResponse struct {
	Symbol     string      `json:"symbol"`
	BuyLimits  []bookLevel `json:"buy_limits"`
	SellLimits []bookLevel `json:"sell_limits"`
	BuyStops   []bookLevel `json:"buy_stops"`
	SellStops  []bookLevel `json:"sell_stops"`
	SnapshotAt string      `json:"snapshot_at"`
}

// RegisterInstrument handles POST /instruments.
func (h *MarketHandler) RegisterInstrument(w http.ResponseWriter, r *http.Request) {
	var req registerInstrumentRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	inst, err := h.marketSvc.RegisterInstrument(r.Context(), req.Symbol, req.DisplayName)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, instrumentResponse{
		InstrumentID: string(inst.ID),
		Symbol:       inst.Symbol,
		DisplayName:  inst.DisplayName,
		CreatedAt:    inst.CreatedAt.UTC().Format(timeFormat),
	})
}

// ListInstruments handles GET /instruments.
func (h *MarketHandler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	list, err := h.marketSvc.ListInstruments(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	resp := make([]instrumentResponse, len(list))
	for i, inst := range list {
		resp[i] = instrumentResponse{
			InstrumentID: string(inst.ID),
			Symbol:       inst.Symbol,
			DisplayName:  inst.DisplayName,
			CreatedAt:    inst.CreatedAt.UTC().Format(timeFormat),
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"instruments": resp})
}

// PublishTick handles POST /ticks/{symbol}. An accepted tick answers 202,
// a tick older than the current one 200 with accepted=false.
func (h *MarketHandler) PublishTick(w http.ResponseWriter, r *http.Request) {
	var req tickRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	in := service.TickInput{
		Price:    domain.Money(req.PriceMinor),
		Bid:      moneyPtr(req.BidMinor),
		Ask:      moneyPtr(req.AskMinor),
		Volume:   req.Volume,
		Sequence: req.Sequence,
	}
	if req.ObservedAt != nil {
		t, err := time.Parse(time.RFC3339Nano, *req.ObservedAt)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "VALIDATION", "observed_at must be a valid RFC 3339 timestamp")
			return
		}
		in.ObservedAt = &t
	}

	res, err := h.marketSvc.PublishTick(r.Context(), chi.URLParam(r, "symbol"), in)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	status := http.StatusOK
	if res.Accepted {
		status = http.StatusAccepted
	}
	WriteJSON(w, status, tickResponse{
		Symbol:     res.Tick.Symbol,
		Accepted:   res.Accepted,
		PriceMinor: int64(res.Tick.Price),
		Sequence:   res.Tick.Sequence,
		ObservedAt: res.Tick.ObservedAt.UTC().Format(time.RFC3339Nano),
	})
}

// GetQuote handles GET /instruments/{symbol}/quote.
func (h *MarketHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.marketSvc.GetQuote(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	resp := quoteResponse{
		Symbol:     q.Symbol,
		PriceMinor: int64(q.Price),
		Sequence:   q.Sequence,
		ObservedAt: q.ObservedAt.UTC().Format(time.RFC3339Nano),
		Stale:      q.Stale,
	}
	if q.Bid != nil {
		v := int64(*q.Bid)
		resp.BidMinor = &v
	}
	if q.Ask != nil {
		v := int64(*q.Ask)
		resp.AskMinor = &v
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetBook handles GET /instruments/{symbol}/book.
func (h *MarketHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	depth := 10
	if d := r.URL.Query().Get("depth"); d != "" {
		var err error
		depth, err = strconv.Atoi(d)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "VALIDATION", "depth must be a valid integer")
			return
		}
	}

	resp, err := h.marketSvc.GetDepth(r.Context(), chi.URLParam(r, "symbol"), depth)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, bookResponse{
		Symbol:     resp.Symbol,
		BuyLimits:  buildLevels(resp.Depth.BuyLimits),
		SellLimits: buildLevels(resp.Depth.SellLimits),
		BuyStops:   buildLevels(resp.Depth.BuyStops),
		SellStops:  buildLevels(resp.Depth.SellStops),
		SnapshotAt: resp.SnapshotAt.UTC().Format(timeFormat),
	})
}

func buildLevels(levels []engine.PriceLevel) []bookLevel {
	out := make([]bookLevel, len(levels))
	for i, pl := range levels {
		out[i] = bookLevel{
			PriceMinor:    int64(pl.Price),
			TotalQuantity: int64(pl.TotalQuantity),
			OrderCount:    pl.OrderCount,
		}
	}
	return out
}
