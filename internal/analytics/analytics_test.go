package analytics

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/price-tracker/internal/cache"
	"github.com/maltedev/price-tracker/internal/models"
	"github.com/maltedev/price-tracker/internal/storage"
)

type fakeProducts struct {
	products []*models.Product
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

func (f *fakeProducts) FindByNameContains(_ context.Context, query string) ([]*models.Product, error) {
	var matches []*models.Product
	for _, p := range f.products {
		if strings.Contains(strings.ToLower(p.Name), strings.ToLower(query)) {
			matches = append(matches, p)
		}
	}
	return matches, nil
}

func (f *fakeProducts) Update(context.Context, string, storage.ProductUpdate) error { return nil }

func (f *fakeProducts) Track(_ context.Context, p *models.Product) (*models.Product, error) {
	return p, nil
}

type fakeHistory struct {
	samples map[string][]models.PriceSample
	loads   int
}

func (f *fakeHistory) Create(_ context.Context, s *models.PriceSample) error {
	if f.samples == nil {
		f.samples = make(map[string][]models.PriceSample)
	}
	f.samples[s.ProductID] = append(f.samples[s.ProductID], *s)
	return nil
}

func (f *fakeHistory) FindByProduct(_ context.Context, productID string) ([]models.PriceSample, error) {
	f.loads++
	return f.samples[productID], nil
}

func (f *fakeHistory) FindByDateRange(_ context.Context, productID string, from, to time.Time) ([]models.PriceSample, error) {
	f.loads++
	var out []models.PriceSample
	for _, s := range f.samples[productID] {
		if !s.Timestamp.Before(from) && !s.Timestamp.After(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeHistory) LowestPrice(_ context.Context, productID string) (float64, error) {
	lowest := 0.0
	for i, s := range f.samples[productID] {
		if i == 0 || s.Price < lowest {
			lowest = s.Price
		}
	}
	return lowest, nil
}

func (f *fakeHistory) HighestPrice(_ context.Context, productID string) (float64, error) {
	highest := 0.0
	for _, s := range f.samples[productID] {
		if s.Price > highest {
			highest = s.Price
		}
	}
	return highest, nil
}

func (f *fakeHistory) AveragePrice(_ context.Context, productID string) (float64, error) {
	samples := f.samples[productID]
	if len(samples) == 0 {
		return 0, nil
	}
	sum := 0.0
	for _, s := range samples {
		sum += s.Price
	}
	return sum / float64(len(samples)), nil
}

func newTestAnalytics(products *fakeProducts, history *fakeHistory, now time.Time) *Analytics {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := New(products, history, cache.New(cache.NewMemoryBackend(), logger), logger)
	a.now = func() time.Time { return now }
	return a
}

func risingHistory(productID string, now time.Time) []models.PriceSample {
	// Ten samples a minute apart climbing from 100 to 190.
	samples := make([]models.PriceSample, 0, 10)
	for i := 0; i < 10; i++ {
		samples = append(samples, models.PriceSample{
			ProductID: productID,
			Price:     100 + float64(i)*10,
			Timestamp: now.Add(time.Duration(i-10) * time.Minute),
		})
	}
	return samples
}

func TestPredictPriceRisingTrend(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	products := &fakeProducts{products: []*models.Product{{ID: "p1", Name: "Notebook", CurrentPrice: 190}}}
	history := &fakeHistory{samples: map[string][]models.PriceSample{"p1": risingHistory("p1", now)}}

	a := newTestAnalytics(products, history, now)

	prediction, err := a.PredictPrice(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, TrendRising, prediction.Trend)
	assert.Greater(t, prediction.PredictedPrice, prediction.CurrentPrice)
	assert.Equal(t, 190.0, prediction.CurrentPrice)
	assert.InDelta(t, 0.80, prediction.Confidence, 0.01)
	// Rising trend means no reason to wait.
	assert.Equal(t, now, prediction.BestTimeToBuy)
}

func TestPredictPriceFallingTrendSuggestsWaiting(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	samples := make([]models.PriceSample, 0, 10)
	for i := 0; i < 10; i++ {
		samples = append(samples, models.PriceSample{
			ProductID: "p1",
			Price:     190 - float64(i)*10,
			Timestamp: now.Add(time.Duration(i-10) * time.Minute),
		})
	}
	products := &fakeProducts{products: []*models.Product{{ID: "p1", CurrentPrice: 100}}}
	history := &fakeHistory{samples: map[string][]models.PriceSample{"p1": samples}}

	a := newTestAnalytics(products, history, now)

	prediction, err := a.PredictPrice(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, TrendFalling, prediction.Trend)
	assert.True(t, prediction.BestTimeToBuy.After(now))
	assert.False(t, prediction.BestTimeToBuy.After(now.Add(30*24*time.Hour)))
}

func TestPredictPriceInsufficientData(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	products := &fakeProducts{products: []*models.Product{{ID: "p1"}}}
	history := &fakeHistory{samples: map[string][]models.PriceSample{"p1": {
		{ProductID: "p1", Price: 100, Timestamp: now.Add(-3 * time.Hour)},
		{ProductID: "p1", Price: 101, Timestamp: now.Add(-2 * time.Hour)},
		{ProductID: "p1", Price: 102, Timestamp: now.Add(-time.Hour)},
	}}}

	a := newTestAnalytics(products, history, now)

	_, err := a.PredictPrice(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestPredictPriceUsesCache(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	products := &fakeProducts{products: []*models.Product{{ID: "p1", Name: "Notebook Lenovo", CurrentPrice: 190}}}
	history := &fakeHistory{samples: map[string][]models.PriceSample{"p1": risingHistory("p1", now)}}

	a := newTestAnalytics(products, history, now)

	_, err := a.PredictPrice(context.Background(), "p1")
	require.NoError(t, err)
	_, err = a.PredictPrice(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, history.loads, "second call must be served from cache")

	a.InvalidateAnalysisCache(context.Background(), "p1")

	_, err = a.PredictPrice(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, history.loads, "invalidation must force a recompute")
}

func seasonalHistory(productID string, now time.Time, highPrice float64) []models.PriceSample {
	// Three samples per month across the trailing year, June through
	// August priced at highPrice and the rest at 100.
	var samples []models.PriceSample
	year := now.Year() - 1
	for month := time.January; month <= time.December; month++ {
		price := 100.0
		if month >= time.June && month <= time.August {
			price = highPrice
		}
		for _, day := range []int{5, 10, 15} {
			samples = append(samples, models.PriceSample{
				ProductID: productID,
				Price:     price,
				Timestamp: time.Date(year, month, day, 12, 0, 0, 0, time.UTC),
			})
		}
	}
	return samples
}

func TestSeasonalAnalysisSingleHighSeason(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// With nine months at 100, this puts June-August 10% above the
	// yearly mean of monthly averages.
	highPrice := 990.0 / 8.7
	products := &fakeProducts{products: []*models.Product{{ID: "p1"}}}
	history := &fakeHistory{samples: map[string][]models.PriceSample{
		"p1": seasonalHistory("p1", now, highPrice),
	}}

	a := newTestAnalytics(products, history, now)

	analysis, err := a.GetSeasonalAnalysis(context.Background(), "p1")
	require.NoError(t, err)

	require.Len(t, analysis.HighSeasons, 1)
	season := analysis.HighSeasons[0]
	assert.Equal(t, time.June, season.Start)
	assert.Equal(t, time.August, season.End)
	assert.InDelta(t, 10.0, season.Magnitude, 0.1)

	// The cheap months sit about 3% below the mean, inside the band.
	assert.Empty(t, analysis.LowSeasons)

	assert.Equal(t, time.June, analysis.WorstMonthToBuy)
	assert.NotEqual(t, analysis.BestMonthToBuy, analysis.WorstMonthToBuy)
}

func TestSeasonalAnalysisInsufficientData(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	products := &fakeProducts{products: []*models.Product{{ID: "p1"}}}
	history := &fakeHistory{samples: map[string][]models.PriceSample{"p1": {
		{ProductID: "p1", Price: 100, Timestamp: now.AddDate(0, -1, 0)},
	}}}

	a := newTestAnalytics(products, history, now)

	_, err := a.GetSeasonalAnalysis(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestSeasonalAnalysisIgnoresSamplesOlderThanAYear(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var stale []models.PriceSample
	for i := 0; i < 40; i++ {
		stale = append(stale, models.PriceSample{
			ProductID: "p1",
			Price:     100,
			Timestamp: now.AddDate(-2, 0, -i),
		})
	}
	products := &fakeProducts{products: []*models.Product{{ID: "p1"}}}
	history := &fakeHistory{samples: map[string][]models.PriceSample{"p1": stale}}

	a := newTestAnalytics(products, history, now)

	_, err := a.GetSeasonalAnalysis(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestCompareStores(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	products := &fakeProducts{products: []*models.Product{
		{ID: "p1", Name: "Notebook Lenovo IdeaPad", StoreID: "s1", StoreName: "Venex", CurrentPrice: 950},
		{ID: "p2", Name: "NOTEBOOK LENOVO ThinkPad", StoreID: "s2", StoreName: "Compragamer", CurrentPrice: 1200},
		{ID: "p3", Name: "Mouse Logitech", StoreID: "s1", StoreName: "Venex", CurrentPrice: 30},
	}}
	history := &fakeHistory{samples: map[string][]models.PriceSample{
		"p1": {
			{ProductID: "p1", Price: 900, Timestamp: now.AddDate(0, -2, 0)},
			{ProductID: "p1", Price: 1000, Timestamp: now.AddDate(0, -1, 0)},
		},
		// p2 has no history yet.
	}}

	a := newTestAnalytics(products, history, now)

	comparison, err := a.CompareStores(context.Background(), "lenovo")
	require.NoError(t, err)
	require.Len(t, comparison.Stores, 2)

	byStore := map[string]StorePrice{}
	for _, s := range comparison.Stores {
		byStore[s.StoreID] = s
	}

	venex := byStore["s1"]
	assert.Equal(t, 900.0, venex.LowestPriceEver)
	assert.Equal(t, 950.0, venex.AveragePrice)

	// No history falls back to the live price.
	compragamer := byStore["s2"]
	assert.Equal(t, 1200.0, compragamer.LowestPriceEver)
	assert.Equal(t, 1200.0, compragamer.AveragePrice)
}

func TestCompareStoresNoMatches(t *testing.T) {
	a := newTestAnalytics(&fakeProducts{}, &fakeHistory{}, time.Now())

	_, err := a.CompareStores(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNoMatches)
}
