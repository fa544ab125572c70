// Package clockid provides monotonic/wall-clock access and SignalId
// parse/format. Components take a Clock
// interface instead of calling time.Now() directly so replay-guard and
// TTL-driven tests can inject a fake clock.
package clockid

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock abstracts wall-clock reads so tests can control "now".
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// SignalId is the structured, deterministic signal identifier
// "titan_<symbol>_<bar_index>_<timeframe>". Two emissions
// for the same (symbol, bar-index, timeframe) produce the same id, which is
// the idempotency key the rest of the system relies on.
type SignalId struct {
	Symbol    string
	BarIndex  int64
	Timeframe string
}

const prefix = "titan"

// Format renders the canonical string form.
func (s SignalId) Format() string {
	return fmt.Sprintf("%s_%s_%d_%s", prefix, s.Symbol, s.BarIndex, s.Timeframe)
}

func (s SignalId) String() string { return s.Format() }

// Parse reverses Format. It fails on anything that doesn't round-trip:
// wrong prefix, wrong field count, or a non-integer bar index.
func Parse(raw string) (SignalId, error) {
	parts := strings.Split(raw, "_")
	if len(parts) != 4 || parts[0] != prefix {
		return SignalId{}, fmt.Errorf("clockid: malformed signal id %q", raw)
	}
	bar, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return SignalId{}, fmt.Errorf("clockid: malformed bar index in %q: %w", raw, err)
	}
	if parts[1] == "" || parts[3] == "" {
		return SignalId{}, fmt.Errorf("clockid: malformed signal id %q", raw)
	}
	return SignalId{Symbol: parts[1], BarIndex: bar, Timeframe: parts[3]}, nil
}
