// Package monitor summarizes scrape attempt logs into per-domain
// success-rate reports. It only reads; attempts are written by the
// scheduler as they happen.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/maltedev/price-tracker/internal/storage"
)

const (
	defaultWindow = 7 * 24 * time.Hour

	// Domains below this success rate with a meaningful sample count
	// are flagged as problematic.
	problematicThreshold   = 50.0
	problematicMinAttempts = 5
)

type DomainStats struct {
	Domain      string  `json:"domain"`
	Total       int     `json:"total"`
	Success     int     `json:"success"`
	Failure     int     `json:"failure"`
	SuccessRate float64 `json:"success_rate"`
}

type OverallStats struct {
	TotalAttempts      int     `json:"total_attempts"`
	TotalSuccess       int     `json:"total_success"`
	TotalFailure       int     `json:"total_failure"`
	OverallSuccessRate float64 `json:"overall_success_rate"`
}

type PerformanceReport struct {
	Timestamp          time.Time     `json:"timestamp"`
	Window             time.Duration `json:"window"`
	Overall            OverallStats  `json:"overall"`
	DomainStats        []DomainStats `json:"domain_stats"`
	ProblematicDomains []DomainStats `json:"problematic_domains"`
}

type Monitor struct {
	logs   storage.ScrapeLogRepository
	logger *slog.Logger

	window time.Duration
	now    func() time.Time
}

func New(logs storage.ScrapeLogRepository, logger *slog.Logger) *Monitor {
	return &Monitor{
		logs:   logs,
		logger: logger.With("component", "monitor"),
		window: defaultWindow,
		now:    time.Now,
	}
}

// GeneratePerformanceReport aggregates the trailing window of attempts
// into per-domain totals, flags domains failing more than half the
// time, and computes the overall success rate.
func (m *Monitor) GeneratePerformanceReport(ctx context.Context) (*PerformanceReport, error) {
	now := m.now()
	attempts, err := m.logs.FindSince(ctx, now.Add(-m.window))
	if err != nil {
		return nil, fmt.Errorf("failed to load scrape logs: %w", err)
	}

	byDomain := make(map[string]*DomainStats)
	for _, attempt := range attempts {
		stats, ok := byDomain[attempt.Domain]
		if !ok {
			stats = &DomainStats{Domain: attempt.Domain}
			byDomain[attempt.Domain] = stats
		}
		stats.Total++
		if attempt.Success {
			stats.Success++
		} else {
			stats.Failure++
		}
	}

	report := &PerformanceReport{Timestamp: now, Window: m.window}
	for _, stats := range byDomain {
		stats.SuccessRate = rate(stats.Success, stats.Total)
		report.DomainStats = append(report.DomainStats, *stats)

		report.Overall.TotalAttempts += stats.Total
		report.Overall.TotalSuccess += stats.Success
		report.Overall.TotalFailure += stats.Failure

		if stats.Total >= problematicMinAttempts && stats.SuccessRate < problematicThreshold {
			report.ProblematicDomains = append(report.ProblematicDomains, *stats)
		}
	}
	report.Overall.OverallSuccessRate = rate(report.Overall.TotalSuccess, report.Overall.TotalAttempts)

	// Stable output: domains alphabetical, problematic worst first.
	sort.Slice(report.DomainStats, func(i, j int) bool {
		return report.DomainStats[i].Domain < report.DomainStats[j].Domain
	})
	sort.Slice(report.ProblematicDomains, func(i, j int) bool {
		return report.ProblematicDomains[i].SuccessRate < report.ProblematicDomains[j].SuccessRate
	})

	if len(report.ProblematicDomains) > 0 {
		m.logger.Warn("problematic domains detected",
			"count", len(report.ProblematicDomains),
			"worst", report.ProblematicDomains[0].Domain)
	}
	return report, nil
}

func rate(success, total int) float64 {
	if total == 0 {
		return 0
	}
	// Two decimal places, as a percentage.
	return float64(int(float64(success)/float64(total)*10000+0.5)) / 100
}
