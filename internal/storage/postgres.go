package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/price-tracker/internal/models"
)

// ProductStore is the Postgres-backed ProductRepository.
type ProductStore struct {
	db *DB
}

func NewProductStore(db *DB) *ProductStore {
	return &ProductStore{db: db}
}

const productColumns = `id, url, name, store_id, COALESCE(store_name, ''), COALESCE(image_url, ''),
	current_price, COALESCE(previous_price, 0), last_checked, created_at`

func scanProduct(row pgx.Row) (*models.Product, error) {
	p := &models.Product{}
	err := row.Scan(&p.ID, &p.URL, &p.Name, &p.StoreID, &p.StoreName, &p.ImageURL,
		&p.CurrentPrice, &p.PreviousPrice, &p.LastChecked, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}
	return p, nil
}

func (s *ProductStore) FindByID(ctx context.Context, id string) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	return scanProduct(s.db.QueryRow(ctx, query, id))
}

func (s *ProductStore) FindByURL(ctx context.Context, url string) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE url = $1`
	return scanProduct(s.db.QueryRow(ctx, query, url))
}

func (s *ProductStore) FindAll(ctx context.Context) ([]*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products ORDER BY last_checked ASC`
	return s.queryProducts(ctx, query)
}

func (s *ProductStore) FindByNameContains(ctx context.Context, name string) ([]*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE name ILIKE $1 ORDER BY name`
	return s.queryProducts(ctx, query, "%"+name+"%")
}

func (s *ProductStore) queryProducts(ctx context.Context, query string, args ...interface{}) ([]*models.Product, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []*models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *ProductStore) Update(ctx context.Context, id string, fields ProductUpdate) error {
	sets := []string{}
	args := []interface{}{}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if fields.CurrentPrice != nil {
		add("current_price", *fields.CurrentPrice)
	}
	if fields.PreviousPrice != nil {
		add("previous_price", *fields.PreviousPrice)
	}
	if fields.Name != nil {
		add("name", *fields.Name)
	}
	if fields.ImageURL != nil {
		add("image_url", *fields.ImageURL)
	}
	if fields.LastChecked != nil {
		add("last_checked", *fields.LastChecked)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE products SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Track upserts a product by URL and returns the stored row.
func (s *ProductStore) Track(ctx context.Context, product *models.Product) (*models.Product, error) {
	if product.ID == "" {
		product.ID = uuid.New().String()
	}
	query := `
		INSERT INTO products (id, url, name, store_id, store_name, image_url, current_price, last_checked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (url) DO UPDATE SET
			name = EXCLUDED.name,
			current_price = EXCLUDED.current_price,
			image_url = EXCLUDED.image_url,
			last_checked = NOW()
		RETURNING ` + productColumns

	return scanProduct(s.db.QueryRow(ctx, query,
		product.ID, product.URL, product.Name, product.StoreID,
		product.StoreName, product.ImageURL, product.CurrentPrice))
}

// PriceHistoryStore is the Postgres-backed PriceHistoryRepository.
type PriceHistoryStore struct {
	db *DB
}

func NewPriceHistoryStore(db *DB) *PriceHistoryStore {
	return &PriceHistoryStore{db: db}
}

func (s *PriceHistoryStore) Create(ctx context.Context, sample *models.PriceSample) error {
	if sample.ID == "" {
		sample.ID = uuid.New().String()
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	query := `INSERT INTO price_history (id, product_id, price, timestamp) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.Exec(ctx, query, sample.ID, sample.ProductID, sample.Price, sample.Timestamp); err != nil {
		return fmt.Errorf("failed to insert price sample: %w", err)
	}
	return nil
}

func (s *PriceHistoryStore) FindByProduct(ctx context.Context, productID string) ([]models.PriceSample, error) {
	query := `SELECT id, product_id, price, timestamp FROM price_history
		WHERE product_id = $1 ORDER BY timestamp ASC`
	return s.querySamples(ctx, query, productID)
}

func (s *PriceHistoryStore) FindByDateRange(ctx context.Context, productID string, from, to time.Time) ([]models.PriceSample, error) {
	query := `SELECT id, product_id, price, timestamp FROM price_history
		WHERE product_id = $1 AND timestamp >= $2 AND timestamp <= $3 ORDER BY timestamp ASC`
	return s.querySamples(ctx, query, productID, from, to)
}

func (s *PriceHistoryStore) querySamples(ctx context.Context, query string, args ...interface{}) ([]models.PriceSample, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	var samples []models.PriceSample
	for rows.Next() {
		var sample models.PriceSample
		if err := rows.Scan(&sample.ID, &sample.ProductID, &sample.Price, &sample.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan price sample: %w", err)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

func (s *PriceHistoryStore) LowestPrice(ctx context.Context, productID string) (float64, error) {
	return s.aggregate(ctx, `SELECT COALESCE(MIN(price), 0) FROM price_history WHERE product_id = $1`, productID)
}

func (s *PriceHistoryStore) HighestPrice(ctx context.Context, productID string) (float64, error) {
	return s.aggregate(ctx, `SELECT COALESCE(MAX(price), 0) FROM price_history WHERE product_id = $1`, productID)
}

func (s *PriceHistoryStore) AveragePrice(ctx context.Context, productID string) (float64, error) {
	return s.aggregate(ctx, `SELECT COALESCE(AVG(price), 0) FROM price_history WHERE product_id = $1`, productID)
}

func (s *PriceHistoryStore) aggregate(ctx context.Context, query, productID string) (float64, error) {
	var value float64
	if err := s.db.QueryRow(ctx, query, productID).Scan(&value); err != nil {
		return 0, fmt.Errorf("failed to aggregate price history: %w", err)
	}
	return value, nil
}

// AlertStore is the Postgres-backed AlertRepository.
type AlertStore struct {
	db *DB
}

func NewAlertStore(db *DB) *AlertStore {
	return &AlertStore{db: db}
}

func (s *AlertStore) CheckAlertsForProduct(ctx context.Context, productID string, price float64) ([]models.PriceAlert, error) {
	query := `
		UPDATE price_alerts
		SET triggered = TRUE, triggered_at = NOW()
		WHERE product_id = $1 AND target_price >= $2 AND triggered = FALSE
		RETURNING id, product_id, email, target_price, triggered, triggered_at, created_at
	`

	rows, err := s.db.Query(ctx, query, productID, price)
	if err != nil {
		return nil, fmt.Errorf("failed to check alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.PriceAlert
	for rows.Next() {
		var alert models.PriceAlert
		if err := rows.Scan(&alert.ID, &alert.ProductID, &alert.Email, &alert.TargetPrice,
			&alert.Triggered, &alert.TriggeredAt, &alert.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// ScrapeLogStore is the Postgres-backed ScrapeLogRepository.
type ScrapeLogStore struct {
	db *DB
}

func NewScrapeLogStore(db *DB) *ScrapeLogStore {
	return &ScrapeLogStore{db: db}
}

func (s *ScrapeLogStore) Create(ctx context.Context, attempt *models.ScrapeAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = time.Now()
	}
	query := `INSERT INTO scraping_logs (id, url, domain, success, error_message, timestamp)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`
	if _, err := s.db.Exec(ctx, query, attempt.ID, attempt.URL, attempt.Domain,
		attempt.Success, attempt.ErrorMessage, attempt.Timestamp); err != nil {
		return fmt.Errorf("failed to insert scraping log: %w", err)
	}
	return nil
}

func (s *ScrapeLogStore) FindSince(ctx context.Context, since time.Time) ([]models.ScrapeAttempt, error) {
	query := `SELECT id, url, domain, success, COALESCE(error_message, ''), timestamp
		FROM scraping_logs WHERE timestamp >= $1 ORDER BY timestamp ASC`

	rows, err := s.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query scraping logs: %w", err)
	}
	defer rows.Close()

	var attempts []models.ScrapeAttempt
	for rows.Next() {
		var attempt models.ScrapeAttempt
		if err := rows.Scan(&attempt.ID, &attempt.URL, &attempt.Domain,
			&attempt.Success, &attempt.ErrorMessage, &attempt.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan scraping log: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}
