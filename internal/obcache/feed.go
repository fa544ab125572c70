package obcache

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/titanhq/execution-core/internal/domain"
)

// wireSnapshot is the JSON frame shape expected off the exchange market-data
// websocket. Kept decoupled from domain.OrderBookSnapshot so wire-format
// churn doesn't ripple through the rest of the system.
type wireSnapshot struct {
	Symbol string      `json:"symbol"`
	Bids   [][2]string `json:"bids"` // [price, size]
	Asks   [][2]string `json:"asks"`
	TSMs   int64       `json:"ts_ms"`
}

func (w wireSnapshot) toSnapshot() domain.OrderBookSnapshot {
	conv := func(levels [][2]string) []domain.PriceLevel {
		out := make([]domain.PriceLevel, 0, len(levels))
		for _, lvl := range levels {
			p, err1 := decimal.NewFromString(lvl[0])
			s, err2 := decimal.NewFromString(lvl[1])
			if err1 != nil || err2 != nil {
				continue
			}
			out = append(out, domain.PriceLevel{Price: p, Size: s})
		}
		return out
	}
	return domain.OrderBookSnapshot{
		Symbol:        w.Symbol,
		Bids:          conv(w.Bids),
		Asks:          conv(w.Asks),
		LastUpdate:    time.UnixMilli(w.TSMs),
		FeedConnected: true,
	}
}

// FeedConsumer is the single writer into a Cache: it dials the exchange's
// market-data websocket, decodes depth frames, and calls Cache.Update. It
// must stay the one goroutine with write access.
type FeedConsumer struct {
	cache   *Cache
	dialURL string
	log     zerolog.Logger
}

func NewFeedConsumer(cache *Cache, dialURL string, log zerolog.Logger) *FeedConsumer {
	return &FeedConsumer{cache: cache, dialURL: dialURL, log: log}
}

// Run reconnects with backoff until ctx is cancelled. Each disconnect marks
// the cache's feed as down so queries fail STALE_L2_CACHE_DISCONNECTED
// rather than serving silently aging data.
func (f *FeedConsumer) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := f.consumeOnce(ctx); err != nil {
			f.log.Warn().Err(err).Msg("market data feed disconnected, reconnecting")
		}
		f.cache.SetFeedDisconnected(true)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (f *FeedConsumer) consumeOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.dialURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.cache.SetFeedDisconnected(false)
	f.log.Info().Str("url", f.dialURL).Msg("market data feed connected")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var frame wireSnapshot
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		f.cache.Update(frame.toSnapshot())
	}
}
