// Package analytics derives predictions, seasonal patterns, and store
// comparisons from a product's price history. Every view is a pure
// function of the stored samples, memoized through the cache layer.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/maltedev/price-tracker/internal/cache"
	"github.com/maltedev/price-tracker/internal/storage"
)

// ErrInsufficientData marks analyses that cannot be computed from the
// available history. Callers map it to a client error, not a server one.
var ErrInsufficientData = errors.New("insufficient price history")

// ErrNoMatches is returned by CompareStores when no tracked product
// matches the query.
var ErrNoMatches = errors.New("no matching products")

type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

const (
	minPredictionSamples = 5
	minSeasonalSamples   = 30
	predictionHorizon    = 30 * 24 * time.Hour

	// Slopes inside the dead zone are treated as flat so sample noise
	// does not flip the reported trend.
	trendDeadZone = 1e-4

	// A month counts as high or low season when its average deviates
	// from the yearly mean by more than this fraction.
	seasonThreshold = 0.05

	msPerDay = 24 * 60 * 60 * 1000
)

type PricePrediction struct {
	ProductID      string    `json:"product_id"`
	CurrentPrice   float64   `json:"current_price"`
	PredictedPrice float64   `json:"predicted_price"`
	Confidence     float64   `json:"confidence"`
	BestTimeToBuy  time.Time `json:"best_time_to_buy"`
	Trend          Trend     `json:"trend"`
}

// SeasonRange is a run of consecutive months whose average price sits on
// the same side of the yearly mean. Magnitude is the largest deviation
// inside the run, in percent.
type SeasonRange struct {
	Start     time.Month `json:"start"`
	End       time.Month `json:"end"`
	Magnitude float64    `json:"magnitude"`
}

type SeasonalAnalysis struct {
	ProductID       string        `json:"product_id"`
	HighSeasons     []SeasonRange `json:"high_seasons"`
	LowSeasons      []SeasonRange `json:"low_seasons"`
	BestMonthToBuy  time.Month    `json:"best_month_to_buy"`
	WorstMonthToBuy time.Month    `json:"worst_month_to_buy"`
}

type StorePrice struct {
	StoreID         string    `json:"store_id"`
	StoreName       string    `json:"store_name"`
	ProductID       string    `json:"product_id"`
	ProductName     string    `json:"product_name"`
	CurrentPrice    float64   `json:"current_price"`
	LowestPriceEver float64   `json:"lowest_price_ever"`
	AveragePrice    float64   `json:"average_price"`
	LastUpdated     time.Time `json:"last_updated"`
}

// StoreComparison lists every store carrying a matching product. The
// set is unsorted; presentation decides the ordering.
type StoreComparison struct {
	Query  string       `json:"query"`
	Stores []StorePrice `json:"stores"`
}

type Analytics struct {
	products storage.ProductRepository
	history  storage.PriceHistoryRepository
	cache    *cache.Cache
	logger   *slog.Logger

	now func() time.Time
}

func New(products storage.ProductRepository, history storage.PriceHistoryRepository, c *cache.Cache, logger *slog.Logger) *Analytics {
	return &Analytics{
		products: products,
		history:  history,
		cache:    c,
		logger:   logger.With("component", "analytics"),
		now:      time.Now,
	}
}

// PredictPrice fits an ordinary least-squares line through the product's
// price history and evaluates it thirty days ahead.
func (a *Analytics) PredictPrice(ctx context.Context, productID string) (PricePrediction, error) {
	key := cache.PrefixAnalysis + "prediction:" + productID
	return cache.GetCached(ctx, a.cache, key, cache.TTLAnalysis, func(ctx context.Context) (PricePrediction, error) {
		return a.predictPrice(ctx, productID)
	})
}

func (a *Analytics) predictPrice(ctx context.Context, productID string) (PricePrediction, error) {
	samples, err := a.history.FindByProduct(ctx, productID)
	if err != nil {
		return PricePrediction{}, fmt.Errorf("failed to load price history: %w", err)
	}
	if len(samples) < minPredictionSamples {
		return PricePrediction{}, fmt.Errorf("%w: prediction needs %d samples, have %d",
			ErrInsufficientData, minPredictionSamples, len(samples))
	}

	product, err := a.products.FindByID(ctx, productID)
	if err != nil {
		return PricePrediction{}, fmt.Errorf("failed to load product: %w", err)
	}

	// Regress price against the sample timestamp in milliseconds.
	n := float64(len(samples))
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		x := float64(s.Timestamp.UnixMilli())
		sumX += x
		sumY += s.Price
		sumXY += x * s.Price
		sumXX += x * x
	}
	slope := (n*sumXY - sumX*sumY) / (n*sumXX - sumX*sumX)
	intercept := (sumY - slope*sumX) / n

	now := a.now()
	futureTime := float64(now.Add(predictionHorizon).UnixMilli())
	predicted := math.Max(0, slope*futureTime+intercept)

	trend := TrendStable
	switch {
	case slope > trendDeadZone:
		trend = TrendRising
	case slope < -trendDeadZone:
		trend = TrendFalling
	}

	// Confidence degrades with the spread of the observed prices.
	mean := sumY / n
	var variance float64
	for _, s := range samples {
		variance += (s.Price - mean) * (s.Price - mean)
	}
	variance /= n
	confidence := 1 - math.Sqrt(variance)/mean
	confidence = math.Round(math.Max(0, math.Min(1, confidence))*100) / 100

	// On a falling trend, wait until the fit reaches the predicted
	// price, capped at the horizon.
	bestTime := now
	if trend == TrendFalling {
		days := math.Ceil(math.Abs(product.CurrentPrice-predicted) / (math.Abs(slope) * msPerDay))
		if days > 30 {
			days = 30
		}
		bestTime = now.Add(time.Duration(days) * 24 * time.Hour)
	}

	return PricePrediction{
		ProductID:      productID,
		CurrentPrice:   product.CurrentPrice,
		PredictedPrice: predicted,
		Confidence:     confidence,
		BestTimeToBuy:  bestTime,
		Trend:          trend,
	}, nil
}

// GetSeasonalAnalysis buckets the trailing year of samples by calendar
// month and reports the runs of months that price consistently above or
// below the yearly mean.
func (a *Analytics) GetSeasonalAnalysis(ctx context.Context, productID string) (SeasonalAnalysis, error) {
	key := cache.PrefixAnalysis + "seasonal:" + productID
	return cache.GetCached(ctx, a.cache, key, cache.TTLAnalysis, func(ctx context.Context) (SeasonalAnalysis, error) {
		return a.seasonalAnalysis(ctx, productID)
	})
}

func (a *Analytics) seasonalAnalysis(ctx context.Context, productID string) (SeasonalAnalysis, error) {
	now := a.now()
	samples, err := a.history.FindByDateRange(ctx, productID, now.AddDate(-1, 0, 0), now)
	if err != nil {
		return SeasonalAnalysis{}, fmt.Errorf("failed to load price history: %w", err)
	}
	if len(samples) < minSeasonalSamples {
		return SeasonalAnalysis{}, fmt.Errorf("%w: seasonal analysis needs %d samples in the trailing year, have %d",
			ErrInsufficientData, minSeasonalSamples, len(samples))
	}

	var sums, counts [12]float64
	for _, s := range samples {
		month := int(s.Timestamp.Month()) - 1
		sums[month] += s.Price
		counts[month]++
	}

	monthly := make([]float64, 12) // NaN marks months without samples
	validMonths := 0
	var total float64
	for i := 0; i < 12; i++ {
		if counts[i] == 0 {
			monthly[i] = math.NaN()
			continue
		}
		monthly[i] = sums[i] / counts[i]
		total += monthly[i]
		validMonths++
	}
	if validMonths < 2 {
		return SeasonalAnalysis{}, fmt.Errorf("%w: seasonal analysis needs samples in at least 2 months", ErrInsufficientData)
	}
	yearlyMean := total / float64(validMonths)

	analysis := SeasonalAnalysis{ProductID: productID}

	// Merge consecutive flagged months into season ranges. A month that
	// is missing or inside the threshold band closes the running range.
	var high, low *SeasonRange
	closeHigh := func() {
		if high != nil {
			analysis.HighSeasons = append(analysis.HighSeasons, *high)
			high = nil
		}
	}
	closeLow := func() {
		if low != nil {
			analysis.LowSeasons = append(analysis.LowSeasons, *low)
			low = nil
		}
	}

	for i := 0; i < 12; i++ {
		if math.IsNaN(monthly[i]) {
			closeHigh()
			closeLow()
			continue
		}
		deviation := (monthly[i] - yearlyMean) / yearlyMean
		month := time.Month(i + 1)

		switch {
		case deviation > seasonThreshold:
			closeLow()
			magnitude := roundPercent(deviation)
			if high == nil {
				high = &SeasonRange{Start: month, End: month, Magnitude: magnitude}
			} else {
				high.End = month
				high.Magnitude = math.Max(high.Magnitude, magnitude)
			}
		case deviation < -seasonThreshold:
			closeHigh()
			magnitude := roundPercent(-deviation)
			if low == nil {
				low = &SeasonRange{Start: month, End: month, Magnitude: magnitude}
			} else {
				low.End = month
				low.Magnitude = math.Max(low.Magnitude, magnitude)
			}
		default:
			closeHigh()
			closeLow()
		}
	}
	closeHigh()
	closeLow()

	lowest, highest := math.MaxFloat64, -math.MaxFloat64
	for i := 0; i < 12; i++ {
		if math.IsNaN(monthly[i]) {
			continue
		}
		if monthly[i] < lowest {
			lowest = monthly[i]
			analysis.BestMonthToBuy = time.Month(i + 1)
		}
		if monthly[i] > highest {
			highest = monthly[i]
			analysis.WorstMonthToBuy = time.Month(i + 1)
		}
	}

	return analysis, nil
}

// CompareStores finds every tracked product whose name contains the
// query, case-insensitively, and reports per-store price statistics.
func (a *Analytics) CompareStores(ctx context.Context, query string) (StoreComparison, error) {
	key := cache.PrefixAnalysis + "stores:" + strings.ToLower(query)
	return cache.GetCached(ctx, a.cache, key, cache.TTLAnalysis, func(ctx context.Context) (StoreComparison, error) {
		return a.compareStores(ctx, query)
	})
}

func (a *Analytics) compareStores(ctx context.Context, query string) (StoreComparison, error) {
	matches, err := a.products.FindByNameContains(ctx, query)
	if err != nil {
		return StoreComparison{}, fmt.Errorf("failed to search products: %w", err)
	}
	if len(matches) == 0 {
		return StoreComparison{}, fmt.Errorf("%w: %q", ErrNoMatches, query)
	}

	comparison := StoreComparison{Query: query}
	for _, product := range matches {
		lowest, err := a.history.LowestPrice(ctx, product.ID)
		if err != nil {
			return StoreComparison{}, fmt.Errorf("failed to compute lowest price: %w", err)
		}
		average, err := a.history.AveragePrice(ctx, product.ID)
		if err != nil {
			return StoreComparison{}, fmt.Errorf("failed to compute average price: %w", err)
		}
		// Products with no history yet fall back to the live price.
		if lowest == 0 {
			lowest = product.CurrentPrice
		}
		if average == 0 {
			average = product.CurrentPrice
		}

		comparison.Stores = append(comparison.Stores, StorePrice{
			StoreID:         product.StoreID,
			StoreName:       product.StoreName,
			ProductID:       product.ID,
			ProductName:     product.Name,
			CurrentPrice:    product.CurrentPrice,
			LowestPriceEver: lowest,
			AveragePrice:    average,
			LastUpdated:     product.LastChecked,
		})
	}
	return comparison, nil
}

// InvalidateAnalysisCache drops the product's prediction and seasonal
// entries plus any store comparison keyed by a meaningful word of its
// name.
func (a *Analytics) InvalidateAnalysisCache(ctx context.Context, productID string) {
	a.cache.Invalidate(ctx, cache.PrefixAnalysis+"prediction:"+productID)
	a.cache.Invalidate(ctx, cache.PrefixAnalysis+"seasonal:"+productID)

	product, err := a.products.FindByID(ctx, productID)
	if err != nil {
		a.logger.Warn("skipping comparison invalidation", "product_id", productID, "error", err)
		return
	}
	for _, word := range strings.Fields(product.Name) {
		if len(word) > 3 {
			a.cache.Invalidate(ctx, cache.PrefixAnalysis+"stores:"+strings.ToLower(word))
		}
	}
}

func roundPercent(fraction float64) float64 {
	return math.Round(fraction*10000) / 100
}
