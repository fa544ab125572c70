// Package driftguard implements the rolling Z-score PnL guard and the
// drawdown-velocity hard kill: two independent
// windows — recent realized P&L and a rolling equity snapshot — each
// capable of triggering a flatten-and-disable kill switch.
package driftguard

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventKind enumerates what the guard reports.
type EventKind string

const (
	EventSafetyStop EventKind = "safety_stop"
	EventHardKill   EventKind = "hard_kill"
)

// HardKillReason is the fixed reason code for the drawdown-velocity kill.
const HardKillReason = "FLASH_CRASH_PROTECTION"

// Event is one driftguard occurrence.
type Event struct {
	Kind   EventKind
	Reason string
	ZScore float64
	At     time.Time
}

// equitySample is one point in the rolling equity window.
type equitySample struct {
	at     time.Time
	equity float64
}

// Guard maintains both rolling windows and flags execution-disabling
// triggers. It does not itself call the broker or shadow state — the
// caller registers a Subscribe callback to perform the flatten.
type Guard struct {
	mu sync.Mutex

	// Z-score window over realized P&L.
	pnlWindow     []float64
	pnlWindowSize int
	expectedMean  float64
	expectedStdev float64
	zThreshold    float64

	// Drawdown velocity window over equity snapshots.
	equitySamples    []equitySample
	drawdownWindow   time.Duration
	velocityThreshold float64

	disabled bool
	log      zerolog.Logger

	subscribers []func(Event)
}

// Config holds the guard's tunables.
type Config struct {
	PnLWindowSize     int     // N recent realized P&Ls
	ExpectedMean      float64 // expected_mean for the Z-score baseline
	ExpectedStdev     float64 // expected_stddev for the Z-score baseline
	ZScoreThreshold   float64 // default -2.0
	DrawdownWindow    time.Duration // default 5 min
	VelocityThreshold float64       // default 0.02 (2%)
}

func New(cfg Config, log zerolog.Logger) *Guard {
	return &Guard{
		pnlWindowSize:     cfg.PnLWindowSize,
		expectedMean:      cfg.ExpectedMean,
		expectedStdev:     cfg.ExpectedStdev,
		zThreshold:        cfg.ZScoreThreshold,
		drawdownWindow:    cfg.DrawdownWindow,
		velocityThreshold: cfg.VelocityThreshold,
		log:               log,
	}
}

// Subscribe registers fn to receive every Event.
func (g *Guard) Subscribe(fn func(Event)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribers = append(g.subscribers, fn)
}

func (g *Guard) emit(ev Event) {
	g.mu.Lock()
	subs := append([]func(Event){}, g.subscribers...)
	g.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// RecordTradePnL appends a realized P&L to the rolling window. Once the
// window is full, a Z-score below threshold emits EventSafetyStop and
// disables the guard until Reset.
func (g *Guard) RecordTradePnL(pnl float64, now time.Time) {
	g.mu.Lock()
	if g.disabled {
		g.mu.Unlock()
		return
	}
	g.pnlWindow = append(g.pnlWindow, pnl)
	if len(g.pnlWindow) > g.pnlWindowSize {
		g.pnlWindow = g.pnlWindow[len(g.pnlWindow)-g.pnlWindowSize:]
	}
	full := g.pnlWindowSize > 0 && len(g.pnlWindow) == g.pnlWindowSize
	var z float64
	if full && g.expectedStdev != 0 {
		observedMean := mean(g.pnlWindow)
		z = (observedMean - g.expectedMean) / g.expectedStdev
	}
	trip := full && g.expectedStdev != 0 && z < g.zThreshold
	if trip {
		g.disabled = true
	}
	g.mu.Unlock()

	if trip {
		g.log.Warn().Float64("zscore", z).Msg("pnl z-score below safety threshold, stopping execution")
		g.emit(Event{Kind: EventSafetyStop, ZScore: z, At: now})
	}
}

// RecordEquity appends an equity snapshot. If the peak-to-current change
// within DrawdownWindow drops at or past -VelocityThreshold, it emits
// EventHardKill with HardKillReason and disables the guard until Reset.
func (g *Guard) RecordEquity(equity float64, now time.Time) {
	g.mu.Lock()
	if g.disabled {
		g.mu.Unlock()
		return
	}
	g.equitySamples = append(g.equitySamples, equitySample{at: now, equity: equity})
	cutoff := now.Add(-g.drawdownWindow)
	i := 0
	for i < len(g.equitySamples) && g.equitySamples[i].at.Before(cutoff) {
		i++
	}
	g.equitySamples = g.equitySamples[i:]

	peak := equity
	for _, s := range g.equitySamples {
		if s.equity > peak {
			peak = s.equity
		}
	}
	var velocity float64
	if peak != 0 {
		velocity = (equity - peak) / peak
	}
	trip := velocity <= -g.velocityThreshold
	if trip {
		g.disabled = true
	}
	g.mu.Unlock()

	if trip {
		g.log.Warn().Float64("velocity", velocity).Msg("drawdown velocity breached, hard kill")
		g.emit(Event{Kind: EventHardKill, Reason: HardKillReason, At: now})
	}
}

// UpdateZScoreThreshold applies a hot-reloaded safety threshold without
// disturbing the current rolling windows.
func (g *Guard) UpdateZScoreThreshold(threshold float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.zThreshold = threshold
}

// Disabled reports whether either window has tripped a kill.
func (g *Guard) Disabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabled
}

// Reset clears both windows and re-arms the guard; it requires fresh data
// before either trigger can fire again
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pnlWindow = nil
	g.equitySamples = nil
	g.disabled = false
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
