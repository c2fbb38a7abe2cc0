package models

import (
	"time"
)

type Product struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	Name          string    `json:"name"`
	StoreID       string    `json:"store_id"`
	StoreName     string    `json:"store_name,omitempty"`
	ImageURL      string    `json:"image_url,omitempty"`
	CurrentPrice  float64   `json:"current_price"`
	PreviousPrice float64   `json:"previous_price,omitempty"`
	LastChecked   time.Time `json:"last_checked"`
	CreatedAt     time.Time `json:"created_at"`
}

// PriceSample is an append-only history record. Corrections are new
// samples, never edits.
type PriceSample struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

type PriceAlert struct {
	ID          string     `json:"id"`
	ProductID   string     `json:"product_id"`
	Email       string     `json:"email"`
	TargetPrice float64    `json:"target_price"`
	Triggered   bool       `json:"triggered"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ScrapeResult is the product info extracted from a single page fetch.
// It is never persisted directly; callers copy price and name onto the
// tracked Product.
type ScrapeResult struct {
	Name          string        `json:"name"`
	Price         float64       `json:"price"`
	ImageURL      string        `json:"image_url,omitempty"`
	SelectorsUsed SelectorsUsed `json:"selectors_used"`
}

type SelectorsUsed struct {
	Price string `json:"price"`
	Name  string `json:"name"`
	Image string `json:"image"`
}

type ScrapeAttempt struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Domain       string    `json:"domain"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (p *Product) Staleness(now time.Time) time.Duration {
	return now.Sub(p.LastChecked)
}
