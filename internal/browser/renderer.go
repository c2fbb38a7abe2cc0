package browser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/price-tracker/internal/models"
	"github.com/maltedev/price-tracker/internal/scraper"
)

// PageScraper extracts product data from fully rendered pages. It
// implements scraper.BrowserFetcher for selector profiles flagged
// use_browser.
type PageScraper struct {
	browser *Browser
	logger  *slog.Logger
}

func NewPageScraper(b *Browser, logger *slog.Logger) *PageScraper {
	return &PageScraper{
		browser: b,
		logger:  logger.With("component", "page_scraper"),
	}
}

// extractScript locates price, name and image in the live DOM. The price
// lookup tries the profile selector first, then falls back to scanning
// for currency-bearing elements, skipping installment copy.
const extractScript = `(priceSelector) => {
	const direct = document.querySelector(priceSelector);
	if (direct && direct.textContent && direct.textContent.includes("$")) {
		return {
			priceText: direct.textContent.trim(),
			name: document.querySelector("h1")?.textContent?.trim() ?? "",
			image: document.querySelector(".product-details__image img, .product-image img, .image-gallery img")?.src ?? "",
			dynamic: false,
		};
	}

	const candidates = Array.from(document.querySelectorAll("*")).filter((el) =>
		el.textContent &&
		el.textContent.trim().includes("$") &&
		!el.textContent.toLowerCase().includes("cuota") &&
		!el.parentElement?.textContent?.toLowerCase().includes("cuota")
	);

	candidates.sort((a, b) => {
		const aKeyword = a.textContent.toLowerCase().includes("precio") || a.textContent.toLowerCase().includes("especial");
		const bKeyword = b.textContent.toLowerCase().includes("precio") || b.textContent.toLowerCase().includes("especial");
		if (aKeyword && !bKeyword) return -1;
		if (!aKeyword && bKeyword) return 1;
		return a.textContent.length - b.textContent.length;
	});

	return {
		priceText: candidates.length > 0 ? candidates[0].textContent.trim() : "",
		name: document.querySelector("h1")?.textContent?.trim() ?? "",
		image: document.querySelector(".product-details__image img, .product-image img, .image-gallery img")?.src ?? "",
		dynamic: true,
	};
}`

// ScrapeRendered navigates to pageURL in a headless browser, waits for
// client-side pricing to land, and extracts the same result shape as the
// static path. Returns (nil, nil) when the rendered page has no price.
func (ps *PageScraper) ScrapeRendered(ctx context.Context, pageURL string, profile scraper.SelectorProfile) (*models.ScrapeResult, error) {
	page, err := ps.browser.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	ps.logger.Info("navigating with headless browser", "url", pageURL)

	if err := ps.browser.NavigateWithRetry(page, pageURL, 3); err != nil {
		return nil, fmt.Errorf("failed to navigate: %w", err)
	}

	if _, err := page.WaitForSelector("h1", playwright.PageWaitForSelectorOptions{
		Timeout: playwright.Float(10000),
	}); err != nil {
		return nil, fmt.Errorf("product heading never appeared: %w", err)
	}

	// Late price injections land after the heading; give them a moment.
	page.WaitForTimeout(2000)

	raw, err := page.Evaluate(extractScript, profile.PriceSelector)
	if err != nil {
		return nil, fmt.Errorf("failed to extract page data: %w", err)
	}

	data, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected evaluate result %T", raw)
	}

	priceText, _ := data["priceText"].(string)
	if priceText == "" {
		ps.logger.Warn("no price found in rendered page", "url", pageURL)
		return nil, nil
	}

	price := scraper.ParsePrice(priceText, profile.PriceFormat)
	if price <= 0 {
		ps.logger.Warn("invalid rendered price", "url", pageURL, "text", priceText)
		return nil, nil
	}

	name, _ := data["name"].(string)
	if name == "" {
		ps.logger.Warn("no product name in rendered page", "url", pageURL)
		return nil, nil
	}

	image, _ := data["image"].(string)
	priceSelector := profile.PriceSelector
	if dynamic, _ := data["dynamic"].(bool); dynamic {
		priceSelector = "dynamic"
	}

	ps.logger.Info("extracted rendered product", "url", pageURL, "name", name, "price", price)

	return &models.ScrapeResult{
		Name:     name,
		Price:    price,
		ImageURL: image,
		SelectorsUsed: models.SelectorsUsed{
			Price: priceSelector,
			Name:  "h1",
			Image: "dynamic",
		},
	}, nil
}
