package tick

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// tickChannelPrefix is the Redis pub/sub channel namespace the market-data
// service publishes to: ticks:{instrument_token} (spec.md:226).
const tickChannelPrefix = "ticks:"

// wireTick is the payload shape published on a ticks:{instrument_token}
// channel. The instrument token itself comes from the channel name, not the
// body, since the market-data service fans a single feed out per token.
type wireTick struct {
	LastPrice decimal.Decimal `json:"last_price"`
}

// Subscribe listens on ticks:* and feeds every decoded tick into Ingest. It
// blocks until ctx is cancelled or the subscription fails, and is meant to
// be registered as its own supervised task alongside Run.
func (f *FanOut) Subscribe(ctx context.Context, client *redis.Client) error {
	pubsub := client.PSubscribe(ctx, tickChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			f.handleMessage(ctx, msg.Channel, msg.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *FanOut) handleMessage(ctx context.Context, channel, payload string) {
	token, ok := instrumentTokenFromChannel(channel)
	if !ok {
		return
	}

	var wt wireTick
	if err := json.Unmarshal([]byte(payload), &wt); err != nil {
		if f.logger != nil {
			f.logger.Error(ctx, "tick payload decode failed", err, map[string]interface{}{"channel": channel})
		}
		return
	}

	f.Ingest(ctx, Tick{InstrumentToken: token, LastPrice: wt.LastPrice, ReceivedAt: time.Now()})
}

func instrumentTokenFromChannel(channel string) (int64, bool) {
	suffix := strings.TrimPrefix(channel, tickChannelPrefix)
	if suffix == channel {
		return 0, false
	}
	token, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return token, true
}
