package domainrate

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestManager() *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBackoffLevelBounds(t *testing.T) {
	m := newTestManager()

	// Far more failures than tiers: the level must cap at 5.
	for i := 0; i < 20; i++ {
		m.RegisterFailure("shop.test")
		level := m.Snapshot()["shop.test"].BackoffLevel
		assert.GreaterOrEqual(t, level, 0)
		assert.LessOrEqual(t, level, 5)
	}
	assert.Equal(t, 5, m.Snapshot()["shop.test"].BackoffLevel)
}

func TestSingleFailureRaisesOneTier(t *testing.T) {
	m := newTestManager()

	m.RegisterFailure("shop.test")
	assert.Equal(t, 1, m.Snapshot()["shop.test"].BackoffLevel)
}

func TestGradualRecovery(t *testing.T) {
	m := newTestManager()

	m.RegisterFailure("shop.test")
	m.RegisterFailure("shop.test")
	assert.Equal(t, 2, m.Snapshot()["shop.test"].BackoffLevel)

	// Three successes are not enough.
	for i := 0; i < 3; i++ {
		m.RegisterSuccess("shop.test")
	}
	assert.Equal(t, 2, m.Snapshot()["shop.test"].BackoffLevel)

	// The fourth consecutive success drops one tier and resets the streak.
	m.RegisterSuccess("shop.test")
	assert.Equal(t, 1, m.Snapshot()["shop.test"].BackoffLevel)

	// A failure in between restarts the streak from zero.
	m.RegisterSuccess("shop.test")
	m.RegisterSuccess("shop.test")
	m.RegisterFailure("shop.test")
	for i := 0; i < 3; i++ {
		m.RegisterSuccess("shop.test")
	}
	assert.Equal(t, 2, m.Snapshot()["shop.test"].BackoffLevel)
}

func TestRecommendedWaitTimeWithinJitterBand(t *testing.T) {
	m := newTestManager()

	m.RegisterFailure("shop.test")
	m.RegisterFailure("shop.test") // level 2, base 5 minutes

	for i := 0; i < 50; i++ {
		wait := m.RecommendedWaitTime("shop.test")
		assert.GreaterOrEqual(t, wait, 240*time.Second)
		assert.LessOrEqual(t, wait, 360*time.Second)
	}
}

func TestRecommendedWaitTimeNonDecreasingInLevel(t *testing.T) {
	m := newTestManager()
	m.rand = func() float64 { return 0.5 } // pin jitter

	prev := m.RecommendedWaitTime("shop.test")
	for i := 0; i < 5; i++ {
		m.RegisterFailure("shop.test")
		wait := m.RecommendedWaitTime("shop.test")
		assert.Greater(t, wait, prev)
		prev = wait
	}
}

func TestIsDomainCooling(t *testing.T) {
	m := newTestManager()
	m.rand = func() float64 { return 0.5 }

	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	assert.False(t, m.IsDomainCooling("shop.test"), "untouched domain never cools")

	m.RegisterFailure("shop.test") // level 1, base wait 1 minute
	assert.True(t, m.IsDomainCooling("shop.test"))

	now = now.Add(2 * time.Minute)
	assert.False(t, m.IsDomainCooling("shop.test"))
}
