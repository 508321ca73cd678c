package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatsync/models"
)

const (
	// DefaultDialTimeout bounds the WebSocket handshake.
	DefaultDialTimeout = 30 * time.Second
	// DefaultPongWait is how long the connection may stay silent.
	DefaultPongWait = 60 * time.Second

	writeWait = 10 * time.Second
)

// Sink consumes decoded pushes. skipped holds the ids of snapshot elements
// that failed to decode.
type Sink interface {
	HandleSnapshot(ctx context.Context, conversationID string, messages []models.Message, skipped []string) error
	HandleRename(ctx context.Context, event models.RenameEvent) error
}

// Options configures a Client.
type Options struct {
	URL    string
	Header http.Header
	Sink   Sink
	Dialer *websocket.Dialer
	// Backoff spaces out reconnect attempts. Defaults to exponential without a deadline.
	Backoff  backoff.BackOff
	PongWait time.Duration
	Logger   zerolog.Logger
}

// Client keeps one feed connection open and reconnects when it drops.
type Client struct {
	options Options
	log     zerolog.Logger
}

// New validates options and returns a client.
func New(options Options) (*Client, error) {
	if options.URL == "" {
		return nil, errors.New("feed url is required")
	}
	if options.Sink == nil {
		return nil, errors.New("feed sink is required")
	}
	if options.Dialer == nil {
		options.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultDialTimeout,
		}
	}
	if options.Backoff == nil {
		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = 0
		options.Backoff = exp
	}
	if options.PongWait <= 0 {
		options.PongWait = DefaultPongWait
	}

	return &Client{
		options: options,
		log:     options.Logger.With().Str("feed_url", options.URL).Logger(),
	}, nil
}

// Run connects and dispatches frames until ctx is done, reconnecting with
// backoff whenever the connection fails.
func (c *Client) Run(ctx context.Context) error {
	err := backoff.RetryNotify(
		func() error { return c.connect(ctx) },
		backoff.WithContext(c.options.Backoff, ctx),
		func(err error, wait time.Duration) {
			c.log.Warn().Err(err).Dur("retry_in", wait).Msg("feed connection lost")
		},
	)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, _, err := c.options.Dialer.DialContext(ctx, c.options.URL, c.options.Header)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	c.options.Backoff.Reset()
	c.log.Info().Msg("feed connected")

	pongWait := c.options.PongWait
	conn.SetReadLimit(MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pongWait * 9 / 10)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-ctx.Done():
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait),
				)
				_ = conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read feed frame: %w", err)
		}
		c.dispatch(ctx, data)
	}
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping feed frame")
		return
	}
	for _, skipped := range frame.Skipped {
		c.log.Warn().Err(skipped).Str("conversation_id", frame.ConversationID).Msg("skipping malformed message")
	}

	switch frame.Type {
	case TypeSnapshot:
		if err := c.options.Sink.HandleSnapshot(ctx, frame.ConversationID, frame.Messages, models.SkippedIDs(frame.Skipped)); err != nil {
			c.log.Error().Err(err).Str("conversation_id", frame.ConversationID).Msg("handle snapshot failed")
		}
	case TypeRename:
		if err := c.options.Sink.HandleRename(ctx, *frame.Rename); err != nil {
			c.log.Error().Err(err).Str("old_nick", frame.Rename.OldNickName).Msg("handle rename failed")
		}
	}
}
