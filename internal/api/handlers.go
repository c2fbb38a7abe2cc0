// Package api exposes the tracker over HTTP: product tracking, on-demand
// scrapes, the cron trigger, analytics views, and admin diagnostics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/price-tracker/internal/analytics"
	"github.com/maltedev/price-tracker/internal/domainrate"
	"github.com/maltedev/price-tracker/internal/models"
	"github.com/maltedev/price-tracker/internal/monitor"
	"github.com/maltedev/price-tracker/internal/proxy"
	"github.com/maltedev/price-tracker/internal/storage"
)

type Scraper interface {
	ScrapeProductInfo(ctx context.Context, url string) (*models.ScrapeResult, error)
	BlockedDomains() map[string]time.Time
}

type Updater interface {
	ScheduleProductUpdates(ctx context.Context, batchSize int) (int, error)
}

type AnalyticsService interface {
	PredictPrice(ctx context.Context, productID string) (analytics.PricePrediction, error)
	GetSeasonalAnalysis(ctx context.Context, productID string) (analytics.SeasonalAnalysis, error)
	CompareStores(ctx context.Context, query string) (analytics.StoreComparison, error)
}

type Reporter interface {
	GeneratePerformanceReport(ctx context.Context) (*monitor.PerformanceReport, error)
}

type Handlers struct {
	scraper   Scraper
	updater   Updater
	analytics AnalyticsService
	reporter  Reporter
	products  storage.ProductRepository
	proxies   *proxy.Manager
	domains   *domainrate.Manager
	batchSize int
	checkURL  string
	logger    *slog.Logger
}

type Options struct {
	Scraper   Scraper
	Updater   Updater
	Analytics AnalyticsService
	Reporter  Reporter
	Products  storage.ProductRepository
	Proxies   *proxy.Manager
	Domains   *domainrate.Manager
	BatchSize int
	CheckURL  string
}

func NewHandlers(opts Options, logger *slog.Logger) *Handlers {
	return &Handlers{
		scraper:   opts.Scraper,
		updater:   opts.Updater,
		analytics: opts.Analytics,
		reporter:  opts.Reporter,
		products:  opts.Products,
		proxies:   opts.Proxies,
		domains:   opts.Domains,
		batchSize: opts.BatchSize,
		checkURL:  opts.CheckURL,
		logger:    logger.With("component", "api"),
	}
}

type TrackProductRequest struct {
	URL       string `json:"url"`
	StoreID   string `json:"store_id"`
	StoreName string `json:"store_name"`
}

// TrackProduct scrapes the given URL once and registers the product for
// ongoing tracking. Tracking the same URL again refreshes it in place.
func (h *Handlers) TrackProduct(w http.ResponseWriter, r *http.Request) {
	var req TrackProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		h.respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	result, err := h.scraper.ScrapeProductInfo(r.Context(), req.URL)
	if err != nil {
		h.logger.Error("initial scrape failed", "url", req.URL, "error", err)
		h.respondError(w, http.StatusBadGateway, "failed to fetch product page")
		return
	}
	if result == nil {
		h.respondError(w, http.StatusUnprocessableEntity, "could not extract product info from page")
		return
	}

	product, err := h.products.Track(r.Context(), &models.Product{
		URL:          req.URL,
		Name:         result.Name,
		StoreID:      req.StoreID,
		StoreName:    req.StoreName,
		ImageURL:     result.ImageURL,
		CurrentPrice: result.Price,
		LastChecked:  time.Now(),
	})
	if err != nil {
		h.logger.Error("failed to track product", "url", req.URL, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to track product")
		return
	}

	h.respondJSON(w, http.StatusCreated, product)
}

type ScrapeRequest struct {
	URL string `json:"url"`
}

// Scrape runs a one-off extraction without persisting anything.
func (h *Handlers) Scrape(w http.ResponseWriter, r *http.Request) {
	var req ScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		h.respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	result, err := h.scraper.ScrapeProductInfo(r.Context(), req.URL)
	if err != nil {
		h.logger.Error("scrape failed", "url", req.URL, "error", err)
		h.respondError(w, http.StatusBadGateway, "failed to fetch product page")
		return
	}
	if result == nil {
		h.respondError(w, http.StatusUnprocessableEntity, "could not extract product info from page")
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// UpdatePrices triggers a full scheduling sweep. Wired to the cron route
// so an external scheduler can drive updates instead of the built-in
// ticker.
func (h *Handlers) UpdatePrices(w http.ResponseWriter, r *http.Request) {
	scheduled, err := h.updater.ScheduleProductUpdates(r.Context(), h.batchSize)
	if err != nil {
		h.logger.Error("failed to schedule updates", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to schedule updates")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]int{"scheduled": scheduled})
}

func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.products.FindByID(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "product not found")
			return
		}
		h.logger.Error("failed to load product", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load product")
		return
	}

	h.respondJSON(w, http.StatusOK, product)
}

func (h *Handlers) GetPrediction(w http.ResponseWriter, r *http.Request) {
	prediction, err := h.analytics.PredictPrice(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		h.respondAnalyticsError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, prediction)
}

func (h *Handlers) GetSeasonal(w http.ResponseWriter, r *http.Request) {
	analysis, err := h.analytics.GetSeasonalAnalysis(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		h.respondAnalyticsError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, analysis)
}

func (h *Handlers) CompareStores(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.respondError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	comparison, err := h.analytics.CompareStores(r.Context(), query)
	if err != nil {
		h.respondAnalyticsError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, comparison)
}

// ScrapingStats combines the monitor report with the live pacing state
// for the admin dashboard.
func (h *Handlers) ScrapingStats(w http.ResponseWriter, r *http.Request) {
	report, err := h.reporter.GeneratePerformanceReport(r.Context())
	if err != nil {
		h.logger.Error("failed to generate report", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to generate report")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"report":          report,
		"domains":         h.domains.Snapshot(),
		"proxies":         h.proxies.Snapshot(),
		"blocked_domains": h.scraper.BlockedDomains(),
	})
}

// CheckProxies probes every configured proxy and reports reachability.
func (h *Handlers) CheckProxies(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"results": h.proxies.CheckProxies(r.Context(), h.checkURL),
	})
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) respondAnalyticsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, analytics.ErrInsufficientData):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, analytics.ErrNoMatches), errors.Is(err, storage.ErrNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("analytics request failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "analysis failed")
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
