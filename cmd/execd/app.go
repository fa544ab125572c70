// Package main wires every execution-core component into a running process:
// signal -> authenticate -> replay-guard -> shadow state -> safety gates ->
// L2 validator -> rate limiter -> execution strategy -> broker -> shadow
// state -> console/status fan-out. Components are constructed leaves-first
// and composed here through events and callbacks rather than each owning a
// reference to its neighbors.
package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/titanhq/execution-core/internal/broker"
	"github.com/titanhq/execution-core/internal/config"
	"github.com/titanhq/execution-core/internal/console"
	"github.com/titanhq/execution-core/internal/domain"
	"github.com/titanhq/execution-core/internal/driftguard"
	"github.com/titanhq/execution-core/internal/heartbeat"
	"github.com/titanhq/execution-core/internal/idempotency"
	"github.com/titanhq/execution-core/internal/l2validator"
	"github.com/titanhq/execution-core/internal/masterarm"
	"github.com/titanhq/execution-core/internal/metrics"
	"github.com/titanhq/execution-core/internal/obcache"
	"github.com/titanhq/execution-core/internal/phase"
	"github.com/titanhq/execution-core/internal/ratelimiter"
	"github.com/titanhq/execution-core/internal/reconcile"
	"github.com/titanhq/execution-core/internal/replayguard"
	"github.com/titanhq/execution-core/internal/safety"
	"github.com/titanhq/execution-core/internal/shadowstate"
	"github.com/titanhq/execution-core/internal/sharedstore"
	"github.com/titanhq/execution-core/internal/store"
	"github.com/titanhq/execution-core/internal/webhook"
)

// App holds every wired component for one running process. Nothing outside
// this package touches its fields directly.
type App struct {
	cfg config.Config
	log zerolog.Logger

	obCache *obcache.Cache
	feed    *obcache.FeedConsumer

	sharedStore sharedstore.Store
	replay      *replayguard.Guard
	idem        *idempotency.Store

	shadow  *shadowstate.State
	l2      *l2validator.Validator
	limiter *ratelimiter.Limiter

	brokerAdapter broker.Adapter
	gateway       *broker.Gateway

	phaseMgr    *phase.Manager
	safetyGates *safety.Gates
	dms         *heartbeat.DMS
	drift       *driftguard.Guard
	reconcile   *reconcile.Loop

	masterArm  *masterarm.Switch
	console    *console.Hub
	status     *console.Hub
	dispatcher *webhook.Dispatcher

	db *store.Store

	hotReload *config.HotReloader

	mu              sync.Mutex
	equity          decimal.Decimal
	regimeBySymbol  map[string]domain.RegimeVector
	riskOnBySymbol  map[string]bool
	nextTPBySymbol  map[string]int // index into Position.TakeProfits not yet hit

	chaseMu     sync.Mutex
	activeChase map[string]context.CancelFunc
}

// newApp constructs every component in leaves-first dependency order and
// wires cross-cutting callbacks (emergency flatten, phase
// transitions, master-arm subscriptions).
func newApp(cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{
		cfg:            cfg,
		log:            log,
		regimeBySymbol: make(map[string]domain.RegimeVector),
		riskOnBySymbol: make(map[string]bool),
		nextTPBySymbol: make(map[string]int),
		equity:         decimal.NewFromFloat(cfg.StartingEquity),
		activeChase:    make(map[string]context.CancelFunc),
	}

	a.obCache = obcache.New(time.Duration(cfg.WSCacheMaxAgeMs)*time.Millisecond, log)
	if cfg.MarketDataFeedURL != "" {
		a.feed = obcache.NewFeedConsumer(a.obCache, cfg.MarketDataFeedURL, log)
	}

	if cfg.RedisAddr != "" {
		primary := sharedstore.NewRedisStore(cfg.RedisAddr)
		a.sharedStore = sharedstore.NewFallback(primary, 10_000, func(op string, err error) {
			log.Warn().Str("op", op).Err(err).Msg("shared store primary failed, serving from in-memory fallback")
		})
	} else {
		a.sharedStore = sharedstore.NewLRUStore(10_000)
	}

	a.replay = replayguard.New(a.sharedStore, int64(cfg.MaxTimestampDriftMs), time.Duration(cfg.SignalCacheTTLMs)*time.Millisecond)
	a.idem = idempotency.New(a.sharedStore, time.Duration(cfg.SignalCacheTTLMs)*time.Millisecond)

	a.shadow = shadowstate.New(log)
	a.l2 = l2validator.New(a.obCache, l2validator.DefaultPresets(), cfg.MinStructureThreshold, cfg.OBIDepth)

	// warnThreshold 5, forceThreshold 8, alert after 3 consecutive warnings.
	a.limiter = ratelimiter.New(float64(cfg.RateLimitPerSec), 5, 8, 3)

	a.brokerAdapter = broker.NewRESTAdapter(cfg.BrokerAPIKey, cfg.BrokerAPISecret, cfg.BrokerBaseURL)
	a.gateway = broker.NewGateway(a.brokerAdapter, a.limiter, log, cfg.BrokerMaxRetries,
		time.Duration(cfg.BrokerBackoffMinMs)*time.Millisecond, time.Duration(cfg.BrokerBackoffMaxMs)*time.Millisecond)

	bands := []domain.PhaseConfig{
		phase.DefaultPhase1(cfg.Phase1RiskPct),
		phase.DefaultPhase2(cfg.Phase2RiskPct),
	}
	a.phaseMgr = phase.New(bands, a.equity, log)

	a.masterArm = masterarm.New()

	a.safetyGates = safety.New(a.masterArm, safety.Config{
		Whitelist:            cfg.AssetWhitelist,
		MaxConsecutiveLosses: cfg.MaxConsecutiveLosses,
		MaxDailyDrawdownPct:  cfg.MaxDailyDrawdownPct,
		MaxWeeklyDrawdownPct: cfg.MaxWeeklyDrawdownPct,
		CooldownHours:        cfg.CircuitBreakerCooldownHours,
		FundingGreedCeiling:  decimal.NewFromFloat(cfg.FundingGreedCeiling),
		FundingFearFloor:     decimal.NewFromFloat(cfg.FundingFearFloor),
	}, log)

	db, err := store.Open(cfg.DatabaseType, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	a.db = db

	a.dms = heartbeat.New(
		time.Duration(cfg.HeartbeatExpectedIntervalMs)*time.Millisecond,
		cfg.HeartbeatMaxMissed,
		isMarketOpen,
		func() { a.emergencyFlatten(domain.ReasonDeadMansSwitch, "DEAD_MANS_SWITCH") },
		log,
	)

	a.drift = driftguard.New(driftguard.Config{
		PnLWindowSize:     cfg.DriftPnLWindowSize,
		ExpectedMean:      cfg.DriftExpectedMean,
		ExpectedStdev:     cfg.DriftExpectedStdev,
		ZScoreThreshold:   cfg.ZScoreSafetyThreshold,
		DrawdownWindow:    time.Duration(cfg.DrawdownWindowMs) * time.Millisecond,
		VelocityThreshold: cfg.DrawdownVelocityThreshold,
	}, log)
	a.drift.Subscribe(func(ev driftguard.Event) {
		reason := domain.ReasonHardKill
		code := ev.Reason
		if ev.Kind == driftguard.EventSafetyStop {
			code = "ZSCORE_SAFETY_STOP"
		}
		a.emergencyFlatten(reason, code)
	})

	a.reconcile = reconcile.New(a.gateway, a.shadow, decimal.NewFromFloat(cfg.ReconcileEpsilon), 3,
		func() { a.emergencyFlatten(domain.ReasonReconcileFlatten, reconcile.EmergencyFlattenReason) }, log)

	a.console = console.New(console.Config{
		MaxClients:         cfg.ConsoleMaxClients,
		HeartbeatInterval:  time.Duration(cfg.ConsoleHeartbeatMs) * time.Millisecond,
		SnapshotInterval:   time.Duration(cfg.ConsoleSnapshotMs) * time.Millisecond,
		BatchInterval:      time.Duration(cfg.ConsoleBatchMs) * time.Millisecond,
		MaxBatchSize:       cfg.ConsoleMaxBatchSize,
		CompressAboveBytes: cfg.ConsoleCompressAboveBytes,
	}, a.consoleSnapshot, log)

	a.status = console.New(console.Config{
		MaxClients:        cfg.ConsoleMaxClients,
		HeartbeatInterval: time.Duration(cfg.ConsoleHeartbeatMs) * time.Millisecond,
		SnapshotInterval:  time.Hour, // status ws is push-only; no periodic full snapshot
		BatchInterval:     50 * time.Millisecond,
		MaxBatchSize:      1,
	}, func() map[string]any { return map[string]any{} }, log)

	a.dispatcher = webhook.New(cfg.HMACSecret, cfg.AllowedSourceHeaders, a.replay, a.idem, a, log)

	a.hotReload = config.NewHotReloader(cfg.RiskConfigPath, config.RiskDelta{
		Phase2EquityThreshold: 1000,
		MaxConsecutiveLosses:  cfg.MaxConsecutiveLosses,
		MaxDailyDrawdownPct:   cfg.MaxDailyDrawdownPct,
		MaxWeeklyDrawdownPct:  cfg.MaxWeeklyDrawdownPct,
		ZScoreSafetyThreshold: cfg.ZScoreSafetyThreshold,
	}, log)
	a.hotReload.Subscribe(func(delta config.RiskDelta) {
		a.phaseMgr.UpdatePhase2EquityThreshold(decimal.NewFromFloat(delta.Phase2EquityThreshold))
		a.safetyGates.UpdateThresholds(delta.MaxConsecutiveLosses, delta.MaxDailyDrawdownPct, delta.MaxWeeklyDrawdownPct)
		a.drift.UpdateZScoreThreshold(delta.ZScoreSafetyThreshold)
		a.console.Broadcast(console.MsgConfigChange, map[string]any{"delta": delta})
		log.Info().Interface("delta", delta).Msg("risk parameters hot-reloaded")
	})

	a.wireEvents()

	return a, nil
}

// wireEvents fans component events out to metrics and the console/status
// hubs. Trade outcomes reach the safety gates / drift guard through
// recordTradeClose, not through these subscriptions.
func (a *App) wireEvents() {
	a.gateway.Subscribe(func(ev broker.Event) {
		a.status.Broadcast(console.MessageKind(string(ev.Kind)), map[string]any{
			"signal_id": ev.SignalID, "symbol": ev.Symbol, "detail": ev.Detail, "at": ev.At,
		})
	})

	a.masterArm.Subscribe(func(armed bool, reason string, at time.Time) {
		metrics.SetMasterArmState(armed)
		a.console.Broadcast(console.MsgMasterArmChange, map[string]any{"armed": armed, "reason": reason, "at": at})
	})

	a.phaseMgr.Subscribe(func(ev phase.TransitionEvent) {
		metrics.SetCurrentPhase(ev.To.Label, []string{"PHASE_1", "PHASE_2"})
		a.console.Broadcast(console.MsgPhaseChange, map[string]any{
			"from": ev.From.Label, "to": ev.To.Label, "equity": ev.Equity.String(),
		})
	})

	a.dms.Subscribe(func(ev heartbeat.Event) {
		a.status.Broadcast(console.MessageKind(string(ev.Kind)), map[string]any{"missed": ev.Missed, "at": ev.At})
	})

	a.drift.Subscribe(func(ev driftguard.Event) {
		a.status.Broadcast(console.MessageKind(string(ev.Kind)), map[string]any{
			"reason": ev.Reason, "zscore": ev.ZScore, "at": ev.At,
		})
	})

	a.reconcile.Subscribe(func(ev reconcile.Event) {
		for _, m := range ev.Mismatches {
			metrics.RecordReconcileMismatch(m.Symbol, string(m.Kind))
		}
		a.status.Broadcast(console.MessageKind(string(ev.Kind)), map[string]any{
			"mismatches": ev.Mismatches, "at": ev.At,
		})
	})
}

// isMarketOpen reports whether the dead-man switch is allowed to act on
// missed heartbeats. Crypto venues trade continuously; a calendar-aware
// equities check would come from an external market-calendar service.
func isMarketOpen() bool { return true }

// consoleSnapshot produces the full state snapshot the console hub polls
// on its SnapshotInterval.
func (a *App) consoleSnapshot() map[string]any {
	positions := a.shadow.Positions()
	posOut := make(map[string]any, len(positions))
	for symbol, p := range positions {
		posOut[symbol] = map[string]any{
			"side": p.Side.String(), "size": p.Size.String(), "entry": p.EntryPrice.String(),
			"phase_at_entry": p.PhaseAtEntry, "layers": len(p.Layers),
		}
	}

	a.mu.Lock()
	equity := a.equity
	a.mu.Unlock()

	return map[string]any{
		"equity":     equity.String(),
		"phase":      a.phaseMgr.Current().Label,
		"armed":      a.masterArm.Armed(),
		"positions":  posOut,
		"safety":     a.safetyGates.Snapshot(),
		"updated_at": time.Now(),
	}
}

// assetClassFor is a small heuristic mapping a trading symbol to the L2
// validator's asset-class preset: anything quoted in a stablecoin or major
// crypto pair is CRYPTO, everything else is EQUITY.
func assetClassFor(symbol string) l2validator.AssetClass {
	upper := strings.ToUpper(symbol)
	for _, suffix := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH"} {
		if strings.HasSuffix(upper, suffix) {
			return l2validator.AssetCrypto
		}
	}
	return l2validator.AssetEquity
}

// recordTradeClose feeds a closed trade's outcome into every safety
// component that needs it, then persists the TradeRecord.
func (a *App) recordTradeClose(rec domain.TradeRecord, now time.Time) {
	a.safetyGates.RecordTradeResult(rec.RealizedPnL)
	a.drift.RecordTradePnL(mustFloat(rec.RealizedPnL), now)

	a.mu.Lock()
	a.equity = a.equity.Add(rec.RealizedPnL)
	equity := a.equity
	a.mu.Unlock()

	a.drift.RecordEquity(mustFloat(equity), now)
	a.phaseMgr.Observe(equity)
	a.console.Broadcast(console.MsgEquityUpdate, map[string]any{"equity": equity.String()})
	a.console.Broadcast(console.MsgPositionUpdate, map[string]any{
		"symbol": rec.Symbol, "closed_size": rec.SizeClosed.String(), "reason": string(rec.Reason),
	})

	if err := a.db.InsertTrade(rec); err != nil {
		a.log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("failed to persist trade record")
	}
	metrics.RecordOrderFillDuration(rec.Symbol, 0)
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// exitPriceFor sources a best-effort mark price for symbol from the order
// book cache, used by emergency-flatten paths that need a price without a
// live broker round trip.
func (a *App) exitPriceFor(symbol string) (decimal.Decimal, bool) {
	snap, ok := a.obCache.Get(symbol)
	if !ok {
		return decimal.Zero, false
	}
	if bid, ok := snap.BestBid(); ok {
		return bid, true
	}
	return snap.BestAsk()
}

// run starts every background loop and blocks until ctx is cancelled.
func (a *App) run(ctx context.Context) {
	metrics.Init()

	if a.feed != nil {
		go a.feed.Run(ctx)
	}
	go a.dms.Run(ctx, time.Duration(a.cfg.HeartbeatCheckIntervalMs)*time.Millisecond)
	go a.reconcile.Run(ctx, time.Duration(a.cfg.ReconcileIntervalMs)*time.Millisecond)
	go a.runPyramidMonitor(ctx)
	go a.runIntentGC(ctx)

	stopConsole := a.console.RunBatcher(time.Duration(a.cfg.ConsoleBatchMs) * time.Millisecond)
	stopStatus := a.status.RunBatcher(50 * time.Millisecond)
	stopSnap := make(chan struct{})
	go a.console.RunSnapshotLoop(stopSnap)

	<-ctx.Done()
	stopConsole()
	stopStatus()
	close(stopSnap)
}

// runIntentGC sweeps expired PENDING intents out of Shadow State once a
// minute.
func (a *App) runIntentGC(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.shadow.ExpireIntents(time.Now()); n > 0 {
				a.log.Debug().Int("collected", n).Msg("expired pending intents")
			}
		}
	}
}
