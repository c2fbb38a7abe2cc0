// Package storage defines the persistence seams the core depends on and
// their Postgres implementations. The crawler and analytics layers only
// ever see the interfaces.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/maltedev/price-tracker/internal/models"
)

var ErrNotFound = errors.New("not found")

// ProductUpdate carries the mutable price fields. Nil pointers leave the
// column untouched.
type ProductUpdate struct {
	CurrentPrice  *float64
	PreviousPrice *float64
	Name          *string
	ImageURL      *string
	LastChecked   *time.Time
}

type ProductRepository interface {
	FindByID(ctx context.Context, id string) (*models.Product, error)
	FindByURL(ctx context.Context, url string) (*models.Product, error)
	// FindAll returns every tracked product ordered by last-checked
	// ascending, i.e. stalest first.
	FindAll(ctx context.Context) ([]*models.Product, error)
	FindByNameContains(ctx context.Context, name string) ([]*models.Product, error)
	Update(ctx context.Context, id string, fields ProductUpdate) error
	Track(ctx context.Context, product *models.Product) (*models.Product, error)
}

type PriceHistoryRepository interface {
	// Create appends a sample. History is immutable once written.
	Create(ctx context.Context, sample *models.PriceSample) error
	FindByProduct(ctx context.Context, productID string) ([]models.PriceSample, error)
	FindByDateRange(ctx context.Context, productID string, from, to time.Time) ([]models.PriceSample, error)
	LowestPrice(ctx context.Context, productID string) (float64, error)
	HighestPrice(ctx context.Context, productID string) (float64, error)
	AveragePrice(ctx context.Context, productID string) (float64, error)
}

type AlertRepository interface {
	// CheckAlertsForProduct marks and returns every untriggered alert
	// whose target price is at or above the new price.
	CheckAlertsForProduct(ctx context.Context, productID string, price float64) ([]models.PriceAlert, error)
}

type ScrapeLogRepository interface {
	Create(ctx context.Context, attempt *models.ScrapeAttempt) error
	FindSince(ctx context.Context, since time.Time) ([]models.ScrapeAttempt, error)
}
