package exec

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	feedReadTimeout      = 60 * time.Second
	feedReconnectBackoff = 5 * time.Second
)

// MidsFeed streams the venue's all-mids channel over websocket, pushes
// every tick into the client's mid cache and fans it out to
// subscribers (the trailing service, chiefly).
type MidsFeed struct {
	url    string
	client *Client
	subs   []func(ctx context.Context, symbol string, price float64)
}

// NewMidsFeed wires the feed to the mid cache.
func NewMidsFeed(wsURL string, client *Client) *MidsFeed {
	return &MidsFeed{url: wsURL, client: client}
}

// Subscribe registers a per-tick callback. Not safe to call after Run.
func (f *MidsFeed) Subscribe(fn func(ctx context.Context, symbol string, price float64)) {
	f.subs = append(f.subs, fn)
}

// Run connects and reads until ctx is cancelled, reconnecting with a
// fixed backoff on any error.
func (f *MidsFeed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := f.connectAndRead(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Dur("backoff", feedReconnectBackoff).Msg("mids feed dropped, reconnecting")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(feedReconnectBackoff):
			}
		}
	}
}

func (f *MidsFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"method":       "subscribe",
		"subscription": map[string]string{"type": "allMids"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	log.Info().Str("url", f.url).Msg("mids feed connected")

	// Close unblocks ReadMessage when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(feedReadTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg struct {
			Channel string `json:"channel"`
			Data    struct {
				Mids map[string]string `json:"mids"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Channel != "allMids" {
			continue
		}
		for name, rawPx := range msg.Data.Mids {
			px, err := strconv.ParseFloat(rawPx, 64)
			if err != nil || px <= 0 {
				continue
			}
			sym := NormalizeSymbol(name)
			f.client.SetMid(ctx, sym, px)
			for _, fn := range f.subs {
				fn(ctx, sym, px)
			}
		}
	}
}
