// Package scraper fetches retail product pages and extracts name, price
// and image without tripping anti-bot defenses. Extraction failures are
// soft: the scraper logs and returns nil rather than erroring, so a
// template mismatch never penalizes a healthy domain.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/price-tracker/internal/domainrate"
	"github.com/maltedev/price-tracker/internal/models"
	"github.com/maltedev/price-tracker/internal/proxy"
)

var (
	// ErrTransient marks fetch failures worth retrying at the job level.
	ErrTransient = errors.New("transient fetch failure")
)

const (
	blockedCooldownHTTP    = 30 * time.Minute
	blockedCooldownContent = 15 * time.Minute

	// Bodies shorter than this are treated as interstitial bot pages.
	minPlausibleBodySize = 1000

	fallbackPriceSelector = `[class*="price"], [class*="precio"], [data-price], [itemprop="price"], .offer-price`
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.2210.91",
}

// BrowserFetcher renders script-heavy pages and extracts the same result
// shape as the static path. Implemented by browser.PageScraper.
type BrowserFetcher interface {
	ScrapeRendered(ctx context.Context, pageURL string, profile SelectorProfile) (*models.ScrapeResult, error)
}

type Scraper struct {
	client   *http.Client
	proxies  *proxy.Manager
	domains  *domainrate.Manager
	profiles *ProfileSet
	browser  BrowserFetcher
	metrics  *Metrics
	logger   *slog.Logger

	blockedMu sync.Mutex
	blocked   map[string]time.Time

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	randInt func(n int) int
}

type Options struct {
	Proxies  *proxy.Manager
	Domains  *domainrate.Manager
	Profiles *ProfileSet
	Browser  BrowserFetcher
	Metrics  *Metrics
	Client   *http.Client
}

func New(opts Options, logger *slog.Logger) *Scraper {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	profiles := opts.Profiles
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Scraper{
		client:   client,
		proxies:  opts.Proxies,
		domains:  opts.Domains,
		profiles: profiles,
		browser:  opts.Browser,
		metrics:  metrics,
		logger:   logger.With("component", "scraper"),
		blocked:  make(map[string]time.Time),
		now:      time.Now,
		sleep:    sleepCtx,
		randInt:  rand.Intn,
	}
}

// ScrapeProductInfo fetches the page at rawURL and extracts product data.
// It returns (nil, nil) for soft failures (blocked domain, selector miss,
// bot detection) and a wrapped ErrTransient for fetch errors that the job
// layer should retry.
func (s *Scraper) ScrapeProductInfo(ctx context.Context, rawURL string) (*models.ScrapeResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return nil, fmt.Errorf("invalid product url %q", rawURL)
	}
	hostname := parsed.Hostname()

	if until, ok := s.blockedUntil(hostname); ok {
		s.logger.Warn("domain temporarily blocked, skipping", "domain", hostname, "until", until)
		s.metrics.Attempts.WithLabelValues(outcomeSkipped).Inc()
		return nil, nil
	}

	profile := s.profiles.Lookup(hostname)

	// Politeness delay with random spread so request timing stays organic.
	delay := profile.BaseDelay + time.Duration(s.randInt(2000))*time.Millisecond
	if err := s.sleep(ctx, delay); err != nil {
		return nil, err
	}

	if profile.UseBrowser && s.browser != nil {
		return s.scrapeWithBrowser(ctx, rawURL, hostname, profile)
	}

	return s.scrapeStatic(ctx, rawURL, parsed, hostname, profile)
}

func (s *Scraper) scrapeStatic(ctx context.Context, rawURL string, parsed *url.URL, hostname string, profile SelectorProfile) (*models.ScrapeResult, error) {
	proxyAddr := ""
	if s.proxies != nil {
		proxyAddr = s.proxies.GetProxy()
	}

	started := s.now()
	resp, err := s.fetch(ctx, rawURL, proxyAddr)
	if err != nil {
		s.releaseProxy(proxyAddr, false)
		s.metrics.Attempts.WithLabelValues(outcomeTransient).Inc()
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	s.metrics.FetchDuration.Observe(s.now().Sub(started).Seconds())

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		s.logger.Warn("likely block", "domain", hostname, "status", resp.StatusCode)
		s.blockDomain(hostname, blockedCooldownHTTP)
		s.registerFailure(hostname)
		s.releaseProxy(proxyAddr, false)
		s.metrics.Attempts.WithLabelValues(outcomeBlocked).Inc()
		return nil, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.releaseProxy(proxyAddr, false)
		s.metrics.Attempts.WithLabelValues(outcomeTransient).Inc()
		return nil, fmt.Errorf("%w: unexpected status %d", ErrTransient, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.releaseProxy(proxyAddr, false)
		s.metrics.Attempts.WithLabelValues(outcomeTransient).Inc()
		return nil, fmt.Errorf("%w: reading body: %v", ErrTransient, err)
	}

	html := string(body)
	if looksBotDetected(html) {
		s.logger.Warn("likely block", "domain", hostname, "reason", "suspicious content")
		s.blockDomain(hostname, blockedCooldownContent)
		s.registerFailure(hostname)
		s.releaseProxy(proxyAddr, false)
		s.metrics.Attempts.WithLabelValues(outcomeBlocked).Inc()
		return nil, nil
	}

	s.releaseProxy(proxyAddr, true)
	s.registerSuccess(hostname)

	result := s.extract(html, parsed, hostname, profile)
	if result == nil {
		s.metrics.Attempts.WithLabelValues(outcomeParseMiss).Inc()
		return nil, nil
	}
	s.metrics.Attempts.WithLabelValues(outcomeSuccess).Inc()
	return result, nil
}

func (s *Scraper) scrapeWithBrowser(ctx context.Context, rawURL, hostname string, profile SelectorProfile) (*models.ScrapeResult, error) {
	result, err := s.browser.ScrapeRendered(ctx, rawURL, profile)
	if err != nil {
		s.logger.Error("browser scrape failed", "url", rawURL, "error", err)
		s.metrics.Attempts.WithLabelValues(outcomeTransient).Inc()
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if result == nil {
		s.metrics.Attempts.WithLabelValues(outcomeParseMiss).Inc()
		return nil, nil
	}
	s.registerSuccess(hostname)
	s.metrics.Attempts.WithLabelValues(outcomeSuccess).Inc()
	return result, nil
}

func (s *Scraper) fetch(ctx context.Context, rawURL, proxyAddr string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgents[s.randInt(len(userAgents))])
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "es-ES,es;q=0.8,en-US;q=0.5,en;q=0.3")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Upgrade-Insecure-Requests", "1")

	client := s.client
	if proxyAddr != "" {
		proxyURL, err := url.Parse(proxyAddr)
		if err != nil {
			s.logger.Error("invalid proxy address", "proxy", proxyAddr, "error", err)
		} else {
			s.logger.Info("routing through proxy", "proxy", proxyAddr, "url", rawURL)
			client = &http.Client{
				Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
				Timeout:   s.client.Timeout,
			}
		}
	}

	return client.Do(req)
}

// extract pulls name, price and image out of the HTML. Any miss is a soft
// failure: selector templates drift and that is not the domain's fault.
func (s *Scraper) extract(html string, pageURL *url.URL, hostname string, profile SelectorProfile) *models.ScrapeResult {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		s.logger.Error("failed to parse html", "url", pageURL.String(), "error", err)
		return nil
	}

	priceSelector := profile.PriceSelector
	priceEl := doc.Find(priceSelector).First()
	if priceEl.Length() == 0 {
		s.logger.Info("primary price selector missed, trying fallback", "domain", hostname)
		priceSelector = fallbackPriceSelector
		priceEl = doc.Find(priceSelector).First()
	}

	priceText := strings.TrimSpace(priceEl.Text())
	if priceText == "" {
		s.logger.Warn("no price found", "url", pageURL.String(), "selector", profile.PriceSelector)
		return nil
	}

	price := ParsePrice(priceText, profile.PriceFormat)
	if price <= 0 {
		s.logger.Warn("invalid price", "url", pageURL.String(), "text", priceText)
		return nil
	}

	name := strings.TrimSpace(doc.Find(profile.NameSelector).First().Text())
	if name == "" {
		s.logger.Warn("no product name found", "url", pageURL.String(), "selector", profile.NameSelector)
		return nil
	}

	image, _ := doc.Find(profile.ImageSelector).First().Attr("src")
	image = absoluteImageURL(image, pageURL)

	return &models.ScrapeResult{
		Name:     name,
		Price:    price,
		ImageURL: image,
		SelectorsUsed: models.SelectorsUsed{
			Price: priceSelector,
			Name:  profile.NameSelector,
			Image: profile.ImageSelector,
		},
	}
}

// BlockedDomains returns the currently denylisted hostnames and their
// expiry, for the admin surface.
func (s *Scraper) BlockedDomains() map[string]time.Time {
	s.blockedMu.Lock()
	defer s.blockedMu.Unlock()

	out := make(map[string]time.Time, len(s.blocked))
	now := s.now()
	for domain, until := range s.blocked {
		if until.After(now) {
			out[domain] = until
		}
	}
	return out
}

func (s *Scraper) blockDomain(hostname string, d time.Duration) {
	s.blockedMu.Lock()
	defer s.blockedMu.Unlock()
	s.blocked[hostname] = s.now().Add(d)
}

func (s *Scraper) blockedUntil(hostname string) (time.Time, bool) {
	s.blockedMu.Lock()
	defer s.blockedMu.Unlock()

	until, ok := s.blocked[hostname]
	if !ok {
		return time.Time{}, false
	}
	if s.now().After(until) {
		delete(s.blocked, hostname)
		return time.Time{}, false
	}
	return until, true
}

func (s *Scraper) releaseProxy(addr string, success bool) {
	if s.proxies != nil && addr != "" {
		s.proxies.ReleaseProxy(addr, success)
	}
}

func (s *Scraper) registerSuccess(hostname string) {
	if s.domains != nil {
		s.domains.RegisterSuccess(hostname)
	}
}

func (s *Scraper) registerFailure(hostname string) {
	if s.domains != nil {
		s.domains.RegisterFailure(hostname)
	}
}

func looksBotDetected(html string) bool {
	if len(html) < minPlausibleBodySize {
		return true
	}
	lower := strings.ToLower(html)
	return strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "robot") ||
		strings.Contains(lower, "blocked")
}

func absoluteImageURL(image string, pageURL *url.URL) string {
	if image == "" || strings.HasPrefix(image, "http") {
		return image
	}
	ref, err := url.Parse(image)
	if err != nil {
		return ""
	}
	return pageURL.ResolveReference(ref).String()
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
