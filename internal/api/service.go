// Package api provides the HTTP surface of the perps engine: market
// administration, margin and trade execution, liquidation, and read-only
// position and market views.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/perps-engine/internal/engine"
	"github.com/atmx/perps-engine/internal/marketkey"
	"github.com/atmx/perps-engine/internal/metrics"
	"github.com/atmx/perps-engine/internal/model"
	"github.com/atmx/perps-engine/internal/registry"
	"github.com/atmx/perps-engine/internal/store"
	"github.com/atmx/perps-engine/internal/synth"
)

// PriceSetter posts oracle prices into the feed the engine reads from.
type PriceSetter interface {
	SetPrice(asset string, price decimal.Decimal)
	Invalidate(asset string)
}

// Service exposes the engine over HTTP. It holds the manager and router
// capability keys: HTTP callers act through the service, never against the
// engine's privileged surface directly.
type Service struct {
	engine     *engine.Engine
	registry   *registry.Registry
	store      store.Store
	hub        *WSHub
	prices     PriceSetter
	managerKey string
	routerKey  string
}

// NewService creates the HTTP service. hub and prices may be nil.
func NewService(eng *engine.Engine, reg *registry.Registry, st store.Store, hub *WSHub, prices PriceSetter, managerKey, routerKey string) *Service {
	return &Service{
		engine:     eng,
		registry:   reg,
		store:      st,
		hub:        hub,
		prices:     prices,
		managerKey: managerKey,
		routerKey:  routerKey,
	}
}

// RegisterRoutes mounts all endpoints under /api/v1.
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		// Market administration.
		r.Get("/markets", s.ListMarkets)
		r.Post("/markets", s.CreateMarket)
		r.Get("/markets/{marketKey}", s.GetMarket)
		r.Put("/markets/{marketKey}/config", s.UpdateConfig)
		r.Get("/markets/{marketKey}/journal", s.GetMarketJournal)
		r.Post("/markets/{marketKey}/suspend", s.SuspendMarket)
		r.Post("/markets/{marketKey}/resume", s.ResumeMarket)
		r.Post("/markets/{marketKey}/recompute-funding", s.RecomputeFunding)
		r.Post("/system/suspend", s.SuspendSystem)
		r.Post("/system/resume", s.ResumeSystem)
		if s.prices != nil {
			r.Post("/prices", s.UpdatePrice)
		}

		// Margin and trade execution.
		r.Post("/transfer-margin", s.TransferMargin)
		r.Post("/locked-margin", s.ModifyLockedMargin)
		r.Post("/trade", s.ExecuteTrade)
		r.Post("/trade/preview", s.PreviewTrade)
		r.Post("/liquidate", s.Liquidate)

		// Position queries.
		r.Get("/positions/{marketKey}/{account}", s.GetPosition)
		r.Get("/positions/{marketKey}/{account}/withdrawable", s.GetWithdrawable)

		// Account journal. The market journal lives under /markets.
		r.Get("/journal/accounts/{account}", s.GetAccountJournal)
	})
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation or
// reconfiguration.
type CreateMarketRequest struct {
	MarketKey string             `json:"market_key"`
	Config    model.MarketConfig `json:"config"`
}

// TransferMarginRequest is the JSON body for POST /transfer-margin.
// Positive deltas deposit, negative deltas withdraw.
type TransferMarginRequest struct {
	MarketKey   string          `json:"market_key"`
	Account     string          `json:"account"`
	MarginDelta decimal.Decimal `json:"margin_delta"`
}

// LockedMarginRequest is the JSON body for POST /locked-margin.
type LockedMarginRequest struct {
	MarketKey string          `json:"market_key"`
	Account   string          `json:"account"`
	LockDelta decimal.Decimal `json:"lock_delta"`
	BurnDelta decimal.Decimal `json:"burn_delta"`
}

// TradeRequest is the JSON body for POST /trade and /trade/preview.
// A zero FeeRate uses the market's base fee.
type TradeRequest struct {
	MarketKey    string          `json:"market_key"`
	Account      string          `json:"account"`
	SizeDelta    decimal.Decimal `json:"size_delta"`
	FeeRate      decimal.Decimal `json:"fee_rate"`
	PriceDelta   decimal.Decimal `json:"price_delta"`
	TrackingCode string          `json:"tracking_code"`
}

// LiquidateRequest is the JSON body for POST /liquidate.
type LiquidateRequest struct {
	MarketKey  string `json:"market_key"`
	Account    string `json:"account"`
	Liquidator string `json:"liquidator"`
}

// --- Market administration ---

// CreateMarket handles POST /api/v1/markets. It upserts the market's
// configuration and initializes the engine state on first call.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MarketKey == "" {
		writeError(w, "market_key is required", http.StatusBadRequest)
		return
	}
	if req.Config.BaseAsset == "" {
		writeError(w, "config.base_asset is required", http.StatusBadRequest)
		return
	}
	if err := marketkey.Validate(req.MarketKey, req.Config.BaseAsset); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.registry.SetConfig(req.MarketKey, req.Config); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.engine.EnsureInitialized(s.managerKey, req.MarketKey, req.Config.BaseAsset); err != nil {
		writeEngineError(w, err)
		return
	}
	s.persistMarket(r, req.MarketKey)
	metrics.ActiveMarkets.Set(float64(len(s.engine.MarketKeys())))

	slog.Info("market configured",
		"market", req.MarketKey,
		"base_asset", req.Config.BaseAsset,
		"max_leverage", req.Config.MaxLeverage.String(),
		"skew_scale", req.Config.SkewScaleUSD.String(),
	)

	writeJSON(w, http.StatusCreated, req)
}

// UpdateConfig handles PUT /api/v1/markets/{marketKey}/config. The market
// must already be initialized; the base asset cannot change.
func (s *Service) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	marketKey := chi.URLParam(r, "marketKey")
	var cfg model.MarketConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := marketkey.Validate(marketKey, cfg.BaseAsset); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.registry.Config(marketKey); err != nil {
		writeEngineError(w, err)
		return
	}
	// EnsureInitialized is idempotent and rejects a base asset change.
	if err := s.engine.EnsureInitialized(s.managerKey, marketKey, cfg.BaseAsset); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.registry.SetConfig(marketKey, cfg); err != nil {
		writeEngineError(w, err)
		return
	}

	slog.Info("market reconfigured", "market", marketKey)
	writeJSON(w, http.StatusOK, CreateMarketRequest{MarketKey: marketKey, Config: cfg})
}

// ListMarkets handles GET /api/v1/markets.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	keys := s.engine.MarketKeys()
	sort.Strings(keys)

	summaries := make([]model.MarketSummary, 0, len(keys))
	for _, key := range keys {
		summary, err := s.engine.MarketSummary(key)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, summaries)
}

// GetMarket handles GET /api/v1/markets/{marketKey}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.MarketSummary(chi.URLParam(r, "marketKey"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// SuspendMarket handles POST /api/v1/markets/{marketKey}/suspend. Funding
// is booked up to now before the flag flips so the pause window never
// accrues.
func (s *Service) SuspendMarket(w http.ResponseWriter, r *http.Request) {
	marketKey := chi.URLParam(r, "marketKey")
	if _, err := s.engine.RecomputeFunding(s.managerKey, marketKey); err != nil {
		if errors.Is(err, engine.ErrMarketNotInitialized) {
			writeEngineError(w, err)
			return
		}
		// An invalid price must not block a pause.
		slog.Warn("funding recompute before suspend failed", "market", marketKey, "err", err)
	}
	s.registry.SuspendMarket(marketKey)
	s.persistMarket(r, marketKey)

	slog.Info("market suspended", "market", marketKey)
	writeJSON(w, http.StatusOK, map[string]string{"market_key": marketKey, "status": "suspended"})
}

// ResumeMarket handles POST /api/v1/markets/{marketKey}/resume. The
// recompute runs while still suspended: it contributes zero but stamps the
// funding timestamp, so accrual restarts here rather than retroactively.
func (s *Service) ResumeMarket(w http.ResponseWriter, r *http.Request) {
	marketKey := chi.URLParam(r, "marketKey")
	if _, err := s.engine.RecomputeFunding(s.managerKey, marketKey); err != nil {
		if errors.Is(err, engine.ErrMarketNotInitialized) {
			writeEngineError(w, err)
			return
		}
		slog.Warn("funding recompute before resume failed", "market", marketKey, "err", err)
	}
	s.registry.ResumeMarket(marketKey)
	s.persistMarket(r, marketKey)

	slog.Info("market resumed", "market", marketKey)
	writeJSON(w, http.StatusOK, map[string]string{"market_key": marketKey, "status": "open"})
}

// SuspendSystem handles POST /api/v1/system/suspend. Every market's
// funding is booked first.
func (s *Service) SuspendSystem(w http.ResponseWriter, r *http.Request) {
	for _, key := range s.engine.MarketKeys() {
		if _, err := s.engine.RecomputeFunding(s.managerKey, key); err != nil {
			slog.Warn("funding recompute before system suspend failed", "market", key, "err", err)
		}
	}
	s.registry.SuspendSystem()

	slog.Info("system suspended")
	writeJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
}

// ResumeSystem handles POST /api/v1/system/resume. Funding timestamps are
// stamped while still suspended, then the flag clears.
func (s *Service) ResumeSystem(w http.ResponseWriter, r *http.Request) {
	for _, key := range s.engine.MarketKeys() {
		if _, err := s.engine.RecomputeFunding(s.managerKey, key); err != nil {
			slog.Warn("funding recompute before system resume failed", "market", key, "err", err)
		}
	}
	s.registry.ResumeSystem()

	slog.Info("system resumed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "open"})
}

// RecomputeFunding handles POST /api/v1/markets/{marketKey}/recompute-funding.
func (s *Service) RecomputeFunding(w http.ResponseWriter, r *http.Request) {
	marketKey := chi.URLParam(r, "marketKey")
	entry, err := s.engine.RecomputeFunding(s.managerKey, marketKey)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.persistMarket(r, marketKey)
	writeJSON(w, http.StatusOK, entry)
}

// PriceRequest is the JSON body for POST /api/v1/prices. Invalid marks the
// asset's price stale without replacing it.
type PriceRequest struct {
	Asset   string          `json:"asset"`
	Price   decimal.Decimal `json:"price"`
	Invalid bool            `json:"invalid"`
}

// UpdatePrice handles POST /api/v1/prices.
func (s *Service) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Asset == "" {
		writeError(w, "asset is required", http.StatusBadRequest)
		return
	}

	if req.Invalid {
		s.prices.Invalidate(req.Asset)
		writeJSON(w, http.StatusOK, map[string]string{"asset": req.Asset, "status": "invalidated"})
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}
	s.prices.SetPrice(req.Asset, req.Price)
	writeJSON(w, http.StatusOK, req)
}

// --- Margin and trade execution ---

// TransferMargin handles POST /api/v1/transfer-margin.
func (s *Service) TransferMargin(w http.ResponseWriter, r *http.Request) {
	var req TransferMarginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}

	if err := s.engine.TransferMargin(s.routerKey, req.MarketKey, req.Account, req.MarginDelta); err != nil {
		writeEngineError(w, err)
		return
	}
	s.persistMarket(r, req.MarketKey)

	slog.Info("margin transferred",
		"market", req.MarketKey,
		"account", req.Account,
		"delta", req.MarginDelta.String(),
	)

	pos, err := s.engine.Position(req.MarketKey, req.Account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ModifyLockedMargin handles POST /api/v1/locked-margin.
func (s *Service) ModifyLockedMargin(w http.ResponseWriter, r *http.Request) {
	var req LockedMarginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}

	if err := s.engine.ModifyLockedMargin(s.routerKey, req.MarketKey, req.Account, req.LockDelta, req.BurnDelta); err != nil {
		writeEngineError(w, err)
		return
	}
	s.persistMarket(r, req.MarketKey)

	slog.Info("locked margin modified",
		"market", req.MarketKey,
		"account", req.Account,
		"lock_delta", req.LockDelta.String(),
		"burn_delta", req.BurnDelta.String(),
	)

	pos, err := s.engine.Position(req.MarketKey, req.Account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ExecuteTrade handles POST /api/v1/trade.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}
	opts, err := s.execOptions(req)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	start := time.Now()
	details, err := s.engine.Trade(s.routerKey, req.MarketKey, req.Account, req.SizeDelta, opts)
	metrics.TradeLatency.WithLabelValues(req.MarketKey).Observe(time.Since(start).Seconds())
	status := details.Status.String()
	if err != nil && details.Status == engine.Ok {
		status = "error"
	}
	metrics.TradesTotal.WithLabelValues(req.MarketKey, status).Inc()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.persistMarket(r, req.MarketKey)

	slog.Info("trade executed",
		"market", req.MarketKey,
		"account", req.Account,
		"size_delta", req.SizeDelta.String(),
		"fill_price", details.Price.String(),
		"fee", details.Fee.String(),
	)

	writeJSON(w, http.StatusOK, details)
}

// PreviewTrade handles POST /api/v1/trade/preview. It returns the numbers
// the identical trade would commit, without mutating anything.
func (s *Service) PreviewTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	opts, err := s.execOptions(req)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	details, err := s.engine.PostTradeDetails(req.MarketKey, req.Account, req.SizeDelta, opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// execOptions resolves the fee rate: explicit in the request, or the
// market's base fee (next-price fee when a price delta is present).
func (s *Service) execOptions(req TradeRequest) (engine.ExecOptions, error) {
	opts := engine.ExecOptions{
		FeeRate:      req.FeeRate,
		PriceDelta:   req.PriceDelta,
		TrackingCode: req.TrackingCode,
	}
	if opts.FeeRate.IsZero() {
		cfg, err := s.registry.Config(req.MarketKey)
		if err != nil {
			return engine.ExecOptions{}, err
		}
		if req.PriceDelta.IsZero() {
			opts.FeeRate = cfg.BaseFee
		} else {
			opts.FeeRate = cfg.BaseFeeNextPrice
		}
	}
	return opts, nil
}

// Liquidate handles POST /api/v1/liquidate.
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Liquidator == "" {
		writeError(w, "liquidator is required", http.StatusBadRequest)
		return
	}

	if err := s.engine.LiquidatePosition(req.Liquidator, req.MarketKey, req.Account); err != nil {
		writeEngineError(w, err)
		return
	}
	s.persistMarket(r, req.MarketKey)

	slog.Info("position liquidated",
		"market", req.MarketKey,
		"account", req.Account,
		"liquidator", req.Liquidator,
	)

	pos, err := s.engine.Position(req.MarketKey, req.Account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// --- Position queries ---

// GetPosition handles GET /api/v1/positions/{marketKey}/{account}.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.PositionSummary(chi.URLParam(r, "marketKey"), chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetWithdrawable handles GET /api/v1/positions/{marketKey}/{account}/withdrawable.
func (s *Service) GetWithdrawable(w http.ResponseWriter, r *http.Request) {
	marketKey := chi.URLParam(r, "marketKey")
	account := chi.URLParam(r, "account")

	amount, err := s.engine.WithdrawableMargin(marketKey, account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"withdrawable": amount})
}

// --- Journal queries ---

// GetMarketJournal handles GET /api/v1/journal/markets/{marketKey}.
func (s *Service) GetMarketJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetJournalByMarket(r.Context(), chi.URLParam(r, "marketKey"), queryLimit(r))
	if err != nil {
		writeError(w, "failed to load journal", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetAccountJournal handles GET /api/v1/journal/accounts/{account}.
func (s *Service) GetAccountJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetJournalByAccount(r.Context(), chi.URLParam(r, "account"), queryLimit(r))
	if err != nil {
		writeError(w, "failed to load journal", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

// --- Persistence ---

// persistMarket writes the market's current snapshot through to the store.
// The engine remains correct if this fails; the error is only logged.
func (s *Service) persistMarket(r *http.Request, marketKey string) {
	snap, positions, err := s.engine.Snapshot(marketKey)
	if err != nil {
		slog.Error("snapshot failed", "market", marketKey, "err", err)
		return
	}

	ctx := r.Context()
	if err := s.store.UpsertMarket(ctx, &snap); err != nil {
		slog.Error("market persist failed", "market", marketKey, "err", err)
	}
	for i := range positions {
		if err := s.store.UpsertPosition(ctx, &positions[i]); err != nil {
			slog.Error("position persist failed",
				"market", marketKey, "account", positions[i].Account, "err", err)
		}
	}
}

// --- Error handling ---

// writeEngineError maps engine errors onto HTTP statuses: permission
// failures are 403, unknown entities 404, rejected state transitions 409,
// malformed input 400, the rest 500.
func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), errorStatus(err))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrMarketNotInitialized),
		errors.Is(err, engine.ErrNoPositionOpen),
		errors.Is(err, registry.ErrMarketUnknown),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNilOrder),
		errors.Is(err, engine.ErrEmptyMarketKey),
		errors.Is(err, engine.ErrEmptyAssetKey),
		errors.Is(err, engine.ErrZeroModification),
		errors.Is(err, engine.ErrNegativeBurn),
		errors.Is(err, registry.ErrEmptyMarketKey):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInsufficientMargin),
		errors.Is(err, engine.ErrMaxLeverageExceeded),
		errors.Is(err, engine.ErrMaxMarketSizeExceeded),
		errors.Is(err, engine.ErrCanLiquidate),
		errors.Is(err, engine.ErrCannotLiquidate),
		errors.Is(err, engine.ErrNegativeLockedMargin),
		errors.Is(err, engine.ErrSystemSuspended),
		errors.Is(err, engine.ErrMarketSuspended),
		errors.Is(err, engine.ErrBaseAssetMismatch),
		errors.Is(err, synth.ErrInsufficientBalance),
		errors.Is(err, synth.ErrNonPositiveAmount):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
