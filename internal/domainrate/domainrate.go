// Package domainrate tracks per-domain scraping health and translates it
// into adaptive backoff recommendations. One Manager instance is shared by
// every worker in the process; multi-instance deployments need this state
// externalized to a shared store with atomic counters.
package domainrate

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

const maxBackoffLevel = 5

// Recovery is gradual: a domain needs more than this many consecutive
// successes before its backoff level drops a tier.
const recoveryThreshold = 3

// Base wait per backoff level. Jitter of +-20% is applied on read.
var baseWaitTimes = [maxBackoffLevel + 1]time.Duration{
	3 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	6 * time.Hour,
}

type stats struct {
	successCount  int
	failCount     int
	consecutiveOK int
	lastSuccess   time.Time
	lastFail      time.Time
	backoffLevel  int
}

type Stats struct {
	SuccessCount int       `json:"success_count"`
	FailCount    int       `json:"fail_count"`
	LastSuccess  time.Time `json:"last_success"`
	LastFail     time.Time `json:"last_fail"`
	BackoffLevel int       `json:"backoff_level"`
}

type Manager struct {
	mu      sync.Mutex
	domains map[string]*stats
	logger  *slog.Logger
	now     func() time.Time
	rand    func() float64
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		domains: make(map[string]*stats),
		logger:  logger.With("component", "domain_manager"),
		now:     time.Now,
		rand:    rand.Float64,
	}
}

// RegisterSuccess records a successful fetch. The backoff level only drops
// once the domain has strung together more than recoveryThreshold successes
// since the last failure or decrement.
func (m *Manager) RegisterSuccess(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.get(domain)
	st.successCount++
	st.consecutiveOK++
	st.lastSuccess = m.now()

	if st.backoffLevel > 0 && st.consecutiveOK > recoveryThreshold {
		st.backoffLevel--
		st.consecutiveOK = 0
		m.logger.Info("domain backoff reduced", "domain", domain, "level", st.backoffLevel)
	}
}

// RegisterFailure records a failed fetch and bumps the backoff level one
// tier, capped at the maximum.
func (m *Manager) RegisterFailure(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.get(domain)
	st.failCount++
	st.consecutiveOK = 0
	st.lastFail = m.now()

	if st.backoffLevel < maxBackoffLevel {
		st.backoffLevel++
	}
	m.logger.Warn("domain backoff raised", "domain", domain, "level", st.backoffLevel)
}

// RecommendedWaitTime returns the backoff wait for the domain's current
// level, jittered between 80% and 120% of the tier base so request timing
// never settles into a detectable pattern.
func (m *Manager) RecommendedWaitTime(domain string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waitLocked(m.get(domain))
}

// IsDomainCooling reports whether the domain should not be fetched yet:
// a raised backoff level whose recommended wait has not elapsed since the
// last failure.
func (m *Manager) IsDomainCooling(domain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.get(domain)
	if st.backoffLevel == 0 {
		return false
	}
	return m.now().Sub(st.lastFail) < m.waitLocked(st)
}

// Snapshot returns a copy of the tracked domain stats for diagnostics.
func (m *Manager) Snapshot() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Stats, len(m.domains))
	for domain, st := range m.domains {
		out[domain] = Stats{
			SuccessCount: st.successCount,
			FailCount:    st.failCount,
			LastSuccess:  st.lastSuccess,
			LastFail:     st.lastFail,
			BackoffLevel: st.backoffLevel,
		}
	}
	return out
}

func (m *Manager) waitLocked(st *stats) time.Duration {
	base := baseWaitTimes[st.backoffLevel]
	factor := 0.8 + m.rand()*0.4
	return time.Duration(float64(base) * factor)
}

func (m *Manager) get(domain string) *stats {
	st, ok := m.domains[domain]
	if !ok {
		st = &stats{}
		m.domains[domain] = st
	}
	return st
}
