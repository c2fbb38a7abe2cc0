// Package scheduler enumerates stale products, turns them into
// prioritized update jobs, and executes them with domain-aware pacing
// and bounded retry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/price-tracker/internal/cache"
	"github.com/maltedev/price-tracker/internal/models"
	"github.com/maltedev/price-tracker/internal/storage"
)

const (
	// Priorities: 1 is most urgent, 3 is the normal background sweep.
	PriorityHigh   = 1
	PriorityMedium = 2
	PriorityNormal = 3

	defaultConcurrency = 5
	maxAttempts        = 3
	retryBase          = 5 * time.Second

	jobStagger = 1 * time.Second
	batchPause = 5 * time.Second
)

// Retail sites known to rate-limit aggressively get a wider pacing band.
var strictDomains = []string{
	"amazon.com",
	"amazon.com.ar",
	"mercadolibre.com",
	"mercadolibre.com.ar",
	"ebay.com",
	"walmart.com",
	"bestbuy.com",
}

// ProductScraper is the slice of the scraper the worker needs.
type ProductScraper interface {
	ScrapeProductInfo(ctx context.Context, url string) (*models.ScrapeResult, error)
}

type Scheduler struct {
	queue    Queue
	scraper  ProductScraper
	products storage.ProductRepository
	history  storage.PriceHistoryRepository
	alerts   storage.AlertRepository
	logs     storage.ScrapeLogRepository
	cache    *cache.Cache
	logger   *slog.Logger

	concurrency int
	wg          sync.WaitGroup

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	randInt func(n int) int
}

type Options struct {
	Queue       Queue
	Scraper     ProductScraper
	Products    storage.ProductRepository
	History     storage.PriceHistoryRepository
	Alerts      storage.AlertRepository
	Logs        storage.ScrapeLogRepository
	Cache       *cache.Cache
	Concurrency int
}

func New(opts Options, logger *slog.Logger) *Scheduler {
	queue := opts.Queue
	if queue == nil {
		queue = NewDelayQueue()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Scheduler{
		queue:       queue,
		scraper:     opts.Scraper,
		products:    opts.Products,
		history:     opts.History,
		alerts:      opts.Alerts,
		logs:        opts.Logs,
		cache:       opts.Cache,
		logger:      logger.With("component", "scheduler"),
		concurrency: concurrency,
		now:         time.Now,
		sleep:       sleepCtx,
		randInt:     rand.Intn,
	}
}

// ScheduleProductUpdates enqueues an update job for every tracked
// product, stalest first, in batches of batchSize. Jobs within a batch
// are staggered by one second each; a five second pause separates
// batches so a scheduling pass never bursts the queue.
func (s *Scheduler) ScheduleProductUpdates(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	products, err := s.products.FindAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate products: %w", err)
	}

	now := s.now()
	s.logger.Info("scheduling product updates", "products", len(products), "batch_size", batchSize)

	scheduled := 0
	for start := 0; start < len(products); start += batchSize {
		end := start + batchSize
		if end > len(products) {
			end = len(products)
		}

		for i, product := range products[start:end] {
			job := &Job{
				ID:        uuid.New().String(),
				ProductID: product.ID,
				Priority:  priorityFor(product, now),
				RunAt:     s.now().Add(time.Duration(i) * jobStagger),
			}
			if err := s.queue.Push(job); err != nil {
				return scheduled, fmt.Errorf("failed to enqueue job: %w", err)
			}
			scheduled++
		}

		if end < len(products) {
			if err := s.sleep(ctx, batchPause); err != nil {
				return scheduled, err
			}
		}
	}

	return scheduled, nil
}

// StartWorkers launches the worker pool. Workers drain the queue until
// the context is cancelled or the queue is closed; in-flight jobs finish
// naturally.
func (s *Scheduler) StartWorkers(ctx context.Context) {
	s.logger.Info("starting workers", "concurrency", s.concurrency)
	for i := 0; i < s.concurrency; i++ {
		s.wg.Add(1)
		go func(worker int) {
			defer s.wg.Done()
			s.runWorker(ctx, worker)
		}(i)
	}
}

// StartDailySchedule triggers a full scheduling pass every interval.
// This replaces an external cron entry for the daily update sweep.
func (s *Scheduler) StartDailySchedule(ctx context.Context, interval time.Duration, batchSize int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.ScheduleProductUpdates(ctx, batchSize); err != nil {
					s.logger.Error("scheduled sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop closes the queue and waits for workers to drain.
func (s *Scheduler) Stop() {
	s.queue.Close()
	s.wg.Wait()
}

func (s *Scheduler) runWorker(ctx context.Context, worker int) {
	for {
		job, err := s.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrQueueClosed) {
				s.logger.Error("worker pop failed", "worker", worker, "error", err)
			}
			return
		}
		s.processJob(ctx, job)
	}
}

// processJob performs one price update attempt and handles the retry
// policy: transient failures re-queue with exponential backoff until
// maxAttempts, then fail terminally (visible only via the attempt log).
func (s *Scheduler) processJob(ctx context.Context, job *Job) {
	logger := s.logger.With("job", job.ID, "product_id", job.ProductID, "attempt", job.Attempt+1)

	product, err := s.products.FindByID(ctx, job.ProductID)
	if err != nil {
		logger.Error("failed to load product", "error", err)
		s.retry(job, logger)
		return
	}

	// Domain-class pacing on top of the scraper's own politeness delay.
	if err := s.sleep(ctx, s.domainDelay(product.URL)); err != nil {
		return
	}

	result, scrapeErr := s.scraper.ScrapeProductInfo(ctx, product.URL)
	success := scrapeErr == nil && result != nil

	s.logAttempt(ctx, product.URL, success, scrapeErr)

	if !success {
		if scrapeErr != nil {
			logger.Warn("scrape failed", "error", scrapeErr)
		} else {
			logger.Warn("scrape produced no result")
		}
		s.retry(job, logger)
		return
	}

	if err := s.applyResult(ctx, product, result); err != nil {
		logger.Error("failed to apply scrape result", "error", err)
		s.retry(job, logger)
		return
	}
}

func (s *Scheduler) applyResult(ctx context.Context, product *models.Product, result *models.ScrapeResult) error {
	now := s.now()

	if result.Price == product.CurrentPrice {
		return s.products.Update(ctx, product.ID, storage.ProductUpdate{LastChecked: &now})
	}

	s.logger.Info("price changed", "product_id", product.ID,
		"old", product.CurrentPrice, "new", result.Price)

	update := storage.ProductUpdate{
		CurrentPrice:  &result.Price,
		PreviousPrice: &product.CurrentPrice,
		LastChecked:   &now,
	}
	if err := s.products.Update(ctx, product.ID, update); err != nil {
		return err
	}

	// History append and alert evaluation are sequenced after the product
	// update so readers never see an alert for a price that is not stored.
	if err := s.history.Create(ctx, &models.PriceSample{
		ProductID: product.ID,
		Price:     result.Price,
		Timestamp: now,
	}); err != nil {
		return err
	}

	triggered, err := s.alerts.CheckAlertsForProduct(ctx, product.ID, result.Price)
	if err != nil {
		s.logger.Error("alert check failed", "product_id", product.ID, "error", err)
	} else if len(triggered) > 0 {
		s.logger.Info("price alerts triggered", "product_id", product.ID, "count", len(triggered))
	}

	if s.cache != nil {
		s.cache.InvalidateProduct(ctx, product.ID)
		s.invalidateComparisons(ctx, product.Name)
	}
	return nil
}

// invalidateComparisons drops store-comparison cache entries keyed by any
// meaningful word of the product name.
func (s *Scheduler) invalidateComparisons(ctx context.Context, name string) {
	for _, word := range strings.Fields(name) {
		if len(word) > 3 {
			s.cache.Invalidate(ctx, cache.PrefixAnalysis+"stores:"+strings.ToLower(word))
		}
	}
}

func (s *Scheduler) retry(job *Job, logger *slog.Logger) {
	job.Attempt++
	if job.Attempt >= maxAttempts {
		logger.Error("job failed terminally", "attempts", job.Attempt)
		return
	}

	backoff := retryBase * time.Duration(1<<(job.Attempt-1))
	job.RunAt = s.now().Add(backoff)
	if err := s.queue.Push(job); err != nil {
		logger.Error("failed to re-queue job", "error", err)
	}
}

func (s *Scheduler) logAttempt(ctx context.Context, rawURL string, success bool, scrapeErr error) {
	domain := ""
	if parsed, err := url.Parse(rawURL); err == nil {
		domain = parsed.Hostname()
	}

	message := ""
	if scrapeErr != nil {
		message = scrapeErr.Error()
	} else if !success {
		message = "failed to scrape product info"
	}

	if err := s.logs.Create(ctx, &models.ScrapeAttempt{
		URL:          rawURL,
		Domain:       domain,
		Success:      success,
		ErrorMessage: message,
		Timestamp:    s.now(),
	}); err != nil {
		s.logger.Error("failed to log scrape attempt", "error", err)
	}
}

// domainDelay spreads requests to the same retailer: strict domains wait
// 5-10s, everything else 2-5s.
func (s *Scheduler) domainDelay(rawURL string) time.Duration {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 3 * time.Second
	}
	hostname := parsed.Hostname()

	for _, strict := range strictDomains {
		if strings.Contains(hostname, strict) {
			return 5*time.Second + time.Duration(s.randInt(5000))*time.Millisecond
		}
	}
	return 2*time.Second + time.Duration(s.randInt(3000))*time.Millisecond
}

func priorityFor(product *models.Product, now time.Time) int {
	staleness := product.Staleness(now)

	priority := PriorityNormal
	switch {
	case staleness > 48*time.Hour:
		priority -= 2
	case staleness > 24*time.Hour:
		priority--
	}
	if priority < PriorityHigh {
		priority = PriorityHigh
	}
	return priority
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
