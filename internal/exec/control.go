package exec

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantforge/quantforge/internal/risk"
)

// ControlChannel is the redis pub/sub channel the operator CLI uses to
// reach a running executor.
const ControlChannel = "quantforge:control"

// Operator commands.
const (
	ControlEmergencyReset = "emergency_reset"
	ControlCloseAll       = "close_all"
)

// WatchControl applies operator commands to the trader and the
// emergency stop. Blocks until ctx ends; with no redis configured there
// is nothing to watch.
func WatchControl(ctx context.Context, rdb *redis.Client, trader *Trader, stop *risk.EmergencyStop) error {
	if rdb == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	sub := rdb.Subscribe(ctx, ControlChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("control subscription closed")
			}
			switch msg.Payload {
			case ControlEmergencyReset:
				stop.Reset()
			case ControlCloseAll:
				if err := trader.CloseAll(ctx); err != nil {
					log.Error().Err(err).Msg("operator close-all failed")
				}
			default:
				log.Warn().Str("command", msg.Payload).Msg("unknown control command ignored")
			}
		}
	}
}
