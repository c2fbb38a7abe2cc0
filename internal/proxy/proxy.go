package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	// A proxy is pulled from rotation once it fails more often than this.
	maxFailCount = 5

	defaultCooldown = 30 * time.Minute
	failPenalty     = 10
)

// Record tracks the health of a single outbound proxy.
type Record struct {
	Address      string    `json:"address"`
	FailCount    int       `json:"fail_count"`
	LastUsed     time.Time `json:"last_used"`
	Active       bool      `json:"active"`
	ReactivateAt time.Time `json:"reactivate_at,omitempty"`
}

// Manager hands out proxies for outbound scraping requests, preferring
// proxies that have been idle longest and failed least. With an empty
// proxy list it runs in pass-through mode and every GetProxy returns "".
type Manager struct {
	mu       sync.Mutex
	records  []*Record
	cursor   int
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(addresses []string, logger *slog.Logger) *Manager {
	m := &Manager{
		cooldown: defaultCooldown,
		logger:   logger.With("component", "proxy_manager"),
		now:      time.Now,
	}
	for _, addr := range addresses {
		m.records = append(m.records, &Record{Address: addr, Active: true})
	}
	if len(m.records) == 0 {
		m.logger.Warn("no proxies configured, requests will use the direct connection")
	} else {
		m.logger.Info("proxy pool initialized", "size", len(m.records))
	}
	return m
}

// PassThrough reports whether the manager has no proxies to hand out.
func (m *Manager) PassThrough() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records) == 0
}

// GetProxy returns the best available proxy address, or "" when running
// in pass-through mode or every proxy is cooling down. Proxies are scored
// by secondsSinceLastUse - failCount*10; the score mixes units on purpose,
// it mirrors the tuned production heuristic. Ties fall to whichever record
// comes first in rotation order from the round-robin cursor.
func (m *Manager) GetProxy() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.records) == 0 {
		return ""
	}

	now := m.now()
	m.reactivateExpired(now)

	var best *Record
	bestScore := 0.0
	for i := 0; i < len(m.records); i++ {
		rec := m.records[(m.cursor+i)%len(m.records)]
		if !rec.Active {
			continue
		}
		score := now.Sub(rec.LastUsed).Seconds() - float64(rec.FailCount*failPenalty)
		if best == nil || score > bestScore {
			best = rec
			bestScore = score
		}
	}

	if best == nil {
		m.logger.Warn("all proxies are cooling down")
		return ""
	}

	best.LastUsed = now
	m.cursor = (m.cursor + 1) % len(m.records)
	return best.Address
}

// ReleaseProxy records the outcome of a request made through addr.
// Failures accumulate; past maxFailCount the proxy is deactivated and
// reinstated after the cooldown window with a clean slate.
func (m *Manager) ReleaseProxy(addr string, success bool) {
	if addr == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.find(addr)
	if rec == nil {
		return
	}

	if success {
		if rec.FailCount > 0 {
			rec.FailCount--
		}
		return
	}

	rec.FailCount++
	if rec.FailCount > maxFailCount && rec.Active {
		rec.Active = false
		rec.ReactivateAt = m.now().Add(m.cooldown)
		m.logger.Warn("proxy deactivated after repeated failures",
			"proxy", addr, "failures", rec.FailCount, "cooldown", m.cooldown)
	}
}

// Snapshot returns a copy of the pool state for diagnostics.
func (m *Manager) Snapshot() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

// CheckProxies probes every configured proxy with a HEAD request and
// reports reachability per address. Used by the admin surface only.
func (m *Manager) CheckProxies(ctx context.Context, probeURL string) map[string]bool {
	results := make(map[string]bool)
	for _, rec := range m.Snapshot() {
		results[rec.Address] = m.probe(ctx, rec.Address, probeURL)
	}
	return results
}

func (m *Manager) probe(ctx context.Context, addr, probeURL string) bool {
	proxyURL, err := url.Parse(addr)
	if err != nil {
		m.logger.Error("invalid proxy address", "proxy", addr, "error", err)
		return false
	}

	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   10 * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		m.logger.Warn("proxy probe failed", "proxy", addr, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

func (m *Manager) find(addr string) *Record {
	for _, rec := range m.records {
		if rec.Address == addr {
			return rec
		}
	}
	return nil
}

func (m *Manager) reactivateExpired(now time.Time) {
	for _, rec := range m.records {
		if !rec.Active && now.After(rec.ReactivateAt) {
			rec.Active = true
			rec.FailCount = 0
			rec.ReactivateAt = time.Time{}
			m.logger.Info("proxy reinstated after cooldown", "proxy", rec.Address)
		}
	}
}
