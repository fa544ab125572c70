package config

import (
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// RiskDelta is the subset of configuration that can change at runtime
// without a restart: phase equity bands and safety thresholds. Everything
// else in Config (credentials, rate
// limits, DB driver) requires a process restart.
type RiskDelta struct {
	Phase2EquityThreshold float64
	MaxConsecutiveLosses  int
	MaxDailyDrawdownPct   float64
	MaxWeeklyDrawdownPct  float64
	ZScoreSafetyThreshold float64
}

// Subscriber receives a RiskDelta whenever the watched file changes.
type Subscriber func(RiskDelta)

// HotReloader watches a YAML file with viper and fans deltas out to
// subscribers. The current value is held behind an atomic.Value so
// concurrent readers never observe a torn read during a reload. Reloaded
// values are not range-checked: whatever the file holds is stored and
// delivered as read.
type HotReloader struct {
	v    *viper.Viper
	log  zerolog.Logger
	cur  atomic.Value // RiskDelta
	mu   sync.Mutex
	subs []Subscriber
}

// NewHotReloader loads path immediately and begins watching it for changes.
// If path does not exist, the reloader still starts with defaults and logs a
// warning; hot-reload is a convenience, not a boot-time requirement.
func NewHotReloader(path string, defaults RiskDelta, log zerolog.Logger) *HotReloader {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("phase2_equity_threshold", defaults.Phase2EquityThreshold)
	v.SetDefault("max_consecutive_losses", defaults.MaxConsecutiveLosses)
	v.SetDefault("max_daily_drawdown_pct", defaults.MaxDailyDrawdownPct)
	v.SetDefault("max_weekly_drawdown_pct", defaults.MaxWeeklyDrawdownPct)
	v.SetDefault("zscore_safety_threshold", defaults.ZScoreSafetyThreshold)

	hr := &HotReloader{v: v, log: log}
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("risk config file unavailable, using defaults")
	}
	hr.cur.Store(hr.readDelta())

	v.OnConfigChange(func(_ fsnotify.Event) {
		hr.mu.Lock()
		defer hr.mu.Unlock()
		delta := hr.readDelta()
		hr.cur.Store(delta)
		log.Info().Interface("delta", delta).Msg("risk config hot-reloaded")
		for _, sub := range hr.subs {
			sub(delta)
		}
	})
	v.WatchConfig()

	return hr
}

func (hr *HotReloader) readDelta() RiskDelta {
	return RiskDelta{
		Phase2EquityThreshold: hr.v.GetFloat64("phase2_equity_threshold"),
		MaxConsecutiveLosses:  hr.v.GetInt("max_consecutive_losses"),
		MaxDailyDrawdownPct:   hr.v.GetFloat64("max_daily_drawdown_pct"),
		MaxWeeklyDrawdownPct:  hr.v.GetFloat64("max_weekly_drawdown_pct"),
		ZScoreSafetyThreshold: hr.v.GetFloat64("zscore_safety_threshold"),
	}
}

// Current returns the latest loaded RiskDelta.
func (hr *HotReloader) Current() RiskDelta {
	return hr.cur.Load().(RiskDelta)
}

// Subscribe registers fn to be called with every future reload. fn is not
// called with the current value; call Current() first for the initial read.
func (hr *HotReloader) Subscribe(fn Subscriber) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.subs = append(hr.subs, fn)
}
