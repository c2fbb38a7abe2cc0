package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/price-tracker/internal/cache"
	"github.com/maltedev/price-tracker/internal/models"
	"github.com/maltedev/price-tracker/internal/storage"
)

type fakeProducts struct {
	mu       sync.Mutex
	products []*models.Product
	updates  map[string][]storage.ProductUpdate
}

func (f *fakeProducts) FindByID(_ context.Context, id string) (*models.Product, error) {
	for _, p := range f.products {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeProducts) FindByURL(context.Context, string) (*models.Product, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeProducts) FindAll(context.Context) ([]*models.Product, error) {
	return f.products, nil
}

func (f *fakeProducts) FindByNameContains(context.Context, string) ([]*models.Product, error) {
	return nil, nil
}

func (f *fakeProducts) Update(_ context.Context, id string, fields storage.ProductUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[string][]storage.ProductUpdate)
	}
	f.updates[id] = append(f.updates[id], fields)
	return nil
}

func (f *fakeProducts) Track(_ context.Context, p *models.Product) (*models.Product, error) {
	return p, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	samples []models.PriceSample
}

func (f *fakeHistory) Create(_ context.Context, s *models.PriceSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, *s)
	return nil
}

func (f *fakeHistory) FindByProduct(context.Context, string) ([]models.PriceSample, error) {
	return nil, nil
}

func (f *fakeHistory) FindByDateRange(context.Context, string, time.Time, time.Time) ([]models.PriceSample, error) {
	return nil, nil
}

func (f *fakeHistory) LowestPrice(context.Context, string) (float64, error)  { return 0, nil }
func (f *fakeHistory) HighestPrice(context.Context, string) (float64, error) { return 0, nil }
func (f *fakeHistory) AveragePrice(context.Context, string) (float64, error) { return 0, nil }

type fakeAlerts struct {
	mu      sync.Mutex
	checked []float64
}

func (f *fakeAlerts) CheckAlertsForProduct(_ context.Context, _ string, price float64) ([]models.PriceAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, price)
	return []models.PriceAlert{{TargetPrice: price}}, nil
}

type fakeLogs struct {
	mu       sync.Mutex
	attempts []models.ScrapeAttempt
}

func (f *fakeLogs) Create(_ context.Context, a *models.ScrapeAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, *a)
	return nil
}

func (f *fakeLogs) FindSince(context.Context, time.Time) ([]models.ScrapeAttempt, error) {
	return nil, nil
}

type scrapeFunc func(ctx context.Context, url string) (*models.ScrapeResult, error)

func (f scrapeFunc) ScrapeProductInfo(ctx context.Context, url string) (*models.ScrapeResult, error) {
	return f(ctx, url)
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []*Job
}

func (q *recordingQueue) Push(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Pop(context.Context) (*Job, error) { return nil, ErrQueueClosed }
func (q *recordingQueue) Size() int                         { return len(q.jobs) }
func (q *recordingQueue) Close() error                      { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stubSleep(recorded *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*recorded = append(*recorded, d)
		return nil
	}
}

func staleProducts(n int, now time.Time) []*models.Product {
	products := make([]*models.Product, 0, n)
	for i := 0; i < n; i++ {
		products = append(products, &models.Product{
			ID:          string(rune('a' + i)),
			URL:         "https://shop.test/p",
			LastChecked: now.Add(-time.Duration(n-i) * time.Hour),
		})
	}
	return products
}

func TestScheduleProductUpdatesBatching(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	queue := &recordingQueue{}
	var pauses []time.Duration

	s := New(Options{
		Queue:    queue,
		Products: &fakeProducts{products: staleProducts(5, now)},
	}, testLogger())
	s.now = func() time.Time { return now }
	s.sleep = stubSleep(&pauses)

	scheduled, err := s.ScheduleProductUpdates(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, scheduled)
	require.Len(t, queue.jobs, 5)

	// Batches of 2, 2 and 1: the second job of each full batch is
	// staggered by exactly one step.
	assert.Equal(t, now, queue.jobs[0].RunAt)
	assert.Equal(t, now.Add(jobStagger), queue.jobs[1].RunAt)
	assert.Equal(t, now, queue.jobs[2].RunAt)
	assert.Equal(t, now.Add(jobStagger), queue.jobs[3].RunAt)
	assert.Equal(t, now, queue.jobs[4].RunAt)

	// Two inter-batch pauses for three batches.
	assert.Equal(t, []time.Duration{batchPause, batchPause}, pauses)
}

func TestScheduleProductUpdatesRejectsBadBatchSize(t *testing.T) {
	s := New(Options{Queue: &recordingQueue{}, Products: &fakeProducts{}}, testLogger())
	_, err := s.ScheduleProductUpdates(context.Background(), 0)
	assert.Error(t, err)
}

func TestPriorityByStaleness(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		staleness time.Duration
		expected  int
	}{
		{"fresh product", 1 * time.Hour, PriorityNormal},
		{"day-old product", 25 * time.Hour, PriorityMedium},
		{"two-day-old product", 49 * time.Hour, PriorityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &models.Product{LastChecked: now.Add(-tt.staleness)}
			assert.Equal(t, tt.expected, priorityFor(p, now))
		})
	}
}

func TestDelayQueueOrdersByDueTimeThenPriority(t *testing.T) {
	q := NewDelayQueue()
	now := time.Now()

	require.NoError(t, q.Push(&Job{ID: "later", Priority: 1, RunAt: now.Add(50 * time.Millisecond)}))
	require.NoError(t, q.Push(&Job{ID: "low", Priority: 3, RunAt: now}))
	require.NoError(t, q.Push(&Job{ID: "high", Priority: 1, RunAt: now}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "high", first.ID)

	second, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "low", second.ID)

	// The third job is not yet due; Pop must wait for it.
	start := time.Now()
	third, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", third.ID)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDelayQueueCloseDrains(t *testing.T) {
	q := NewDelayQueue()
	require.NoError(t, q.Push(&Job{ID: "pending", RunAt: time.Now()}))
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Push(&Job{ID: "rejected"}), ErrQueueClosed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	job, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pending", job.ID)

	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func newTestScheduler(scrape scrapeFunc, products *fakeProducts) (*Scheduler, *fakeHistory, *fakeAlerts, *fakeLogs, *recordingQueue) {
	history := &fakeHistory{}
	alerts := &fakeAlerts{}
	logs := &fakeLogs{}
	queue := &recordingQueue{}

	s := New(Options{
		Queue:    queue,
		Scraper:  scrape,
		Products: products,
		History:  history,
		Alerts:   alerts,
		Logs:     logs,
		Cache:    cache.New(cache.NewMemoryBackend(), testLogger()),
	}, testLogger())
	var quiet []time.Duration
	s.sleep = stubSleep(&quiet)
	return s, history, alerts, logs, queue
}

func TestProcessJobPriceChange(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	products := &fakeProducts{products: []*models.Product{{
		ID:           "p1",
		URL:          "https://shop.test/item",
		Name:         "Mechanical Keyboard",
		CurrentPrice: 100,
		LastChecked:  now.Add(-2 * time.Hour),
	}}}

	s, history, alerts, logs, queue := newTestScheduler(func(ctx context.Context, url string) (*models.ScrapeResult, error) {
		return &models.ScrapeResult{Name: "Mechanical Keyboard", Price: 90}, nil
	}, products)
	s.now = func() time.Time { return now }

	s.processJob(context.Background(), &Job{ID: "j1", ProductID: "p1"})

	// Product updated with both prices.
	require.Len(t, products.updates["p1"], 1)
	update := products.updates["p1"][0]
	require.NotNil(t, update.CurrentPrice)
	assert.Equal(t, 90.0, *update.CurrentPrice)
	require.NotNil(t, update.PreviousPrice)
	assert.Equal(t, 100.0, *update.PreviousPrice)

	// One immutable sample appended.
	require.Len(t, history.samples, 1)
	assert.Equal(t, 90.0, history.samples[0].Price)
	assert.Equal(t, now, history.samples[0].Timestamp)

	// Alerts evaluated at the new price.
	assert.Equal(t, []float64{90}, alerts.checked)

	// Attempt logged as success, nothing re-queued.
	require.Len(t, logs.attempts, 1)
	assert.True(t, logs.attempts[0].Success)
	assert.Equal(t, "shop.test", logs.attempts[0].Domain)
	assert.Empty(t, queue.jobs)
}

func TestProcessJobUnchangedPriceOnlyBumpsLastChecked(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	products := &fakeProducts{products: []*models.Product{{
		ID: "p1", URL: "https://shop.test/item", CurrentPrice: 100,
	}}}

	s, history, alerts, _, _ := newTestScheduler(func(ctx context.Context, url string) (*models.ScrapeResult, error) {
		return &models.ScrapeResult{Name: "Same", Price: 100}, nil
	}, products)
	s.now = func() time.Time { return now }

	s.processJob(context.Background(), &Job{ID: "j1", ProductID: "p1"})

	require.Len(t, products.updates["p1"], 1)
	update := products.updates["p1"][0]
	assert.Nil(t, update.CurrentPrice)
	require.NotNil(t, update.LastChecked)
	assert.Equal(t, now, *update.LastChecked)
	assert.Empty(t, history.samples)
	assert.Empty(t, alerts.checked)
}

func TestProcessJobRetriesWithBackoff(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	products := &fakeProducts{products: []*models.Product{{
		ID: "p1", URL: "https://shop.test/item",
	}}}

	s, _, _, logs, queue := newTestScheduler(func(ctx context.Context, url string) (*models.ScrapeResult, error) {
		return nil, errors.New("connection reset")
	}, products)
	s.now = func() time.Time { return now }

	s.processJob(context.Background(), &Job{ID: "j1", ProductID: "p1"})

	require.Len(t, queue.jobs, 1)
	retried := queue.jobs[0]
	assert.Equal(t, 1, retried.Attempt)
	assert.Equal(t, now.Add(5*time.Second), retried.RunAt, "first retry backs off by the base delay")

	s.processJob(context.Background(), retried)
	require.Len(t, queue.jobs, 2)
	assert.Equal(t, now.Add(10*time.Second), queue.jobs[1].RunAt, "backoff doubles per attempt")

	// Third failure exhausts the attempt budget: nothing is re-queued.
	s.processJob(context.Background(), queue.jobs[1])
	assert.Len(t, queue.jobs, 2)

	// Every attempt is visible to the monitor through the log.
	assert.Len(t, logs.attempts, 3)
	for _, attempt := range logs.attempts {
		assert.False(t, attempt.Success)
	}
}

func TestProcessJobSoftFailureRetries(t *testing.T) {
	products := &fakeProducts{products: []*models.Product{{ID: "p1", URL: "https://shop.test/item"}}}

	s, _, _, logs, queue := newTestScheduler(func(ctx context.Context, url string) (*models.ScrapeResult, error) {
		return nil, nil // blocked domain or selector miss
	}, products)

	s.processJob(context.Background(), &Job{ID: "j1", ProductID: "p1"})

	require.Len(t, queue.jobs, 1)
	require.Len(t, logs.attempts, 1)
	assert.Equal(t, "failed to scrape product info", logs.attempts[0].ErrorMessage)
}

func TestDomainDelayClasses(t *testing.T) {
	s := New(Options{Queue: &recordingQueue{}, Products: &fakeProducts{}}, testLogger())
	s.randInt = func(n int) int { return n - 1 } // worst case of the band

	strict := s.domainDelay("https://www.amazon.com/dp/B000")
	assert.GreaterOrEqual(t, strict, 5*time.Second)
	assert.Less(t, strict, 10*time.Second)

	normal := s.domainDelay("https://small-shop.test/item")
	assert.GreaterOrEqual(t, normal, 2*time.Second)
	assert.Less(t, normal, 5*time.Second)
}
