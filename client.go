package quill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

// RelayClient connects a peer engine to a relay server. It identifies the
// peer, subscribes from the offset after the engine's last applied one, feeds
// inbound messages to the engine, and reconnects with exponential backoff
// when the connection drops. Unacknowledged local messages are resent on
// every (re)connect.
type RelayClient struct {
	cfg    ClientConfig
	engine *Engine

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewRelayClient creates a client for the engine's channel.
func NewRelayClient(cfg ClientConfig, engine *Engine) *RelayClient {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = 30 * time.Second
	}
	return &RelayClient{cfg: cfg, engine: engine}
}

// Run maintains the relay connection until the context is canceled.
func (c *RelayClient) Run(ctx context.Context) error {
	url := c.cfg.ServerURL
	if url == "" {
		if !c.cfg.Discover {
			return errors.New("no relay server URL configured")
		}
		discovered, err := DiscoverRelay(ctx)
		if err != nil {
			return err
		}
		url = discovered
		slog.Info("discovered relay", "url", url)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.connect(ctx, url); err != nil {
			return err
		}
		if err := c.readLoop(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("relay connection lost, reconnecting", "err", err)
			continue
		}
		return ctx.Err()
	}
}

// connect dials with exponential backoff, then identifies, subscribes,
// and resends anything the relay has not acknowledged.
func (c *RelayClient) connect(ctx context.Context, url string) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = c.cfg.MaxReconnectInterval
	policy.MaxElapsedTime = 0

	operation := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return nil
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return err
	}

	self := c.engine.PeerID()
	if err := c.writeFrame(Frame{Type: FrameHello, PeerID: self[:]}); err != nil {
		return err
	}
	if err := c.writeFrame(Frame{
		Type:        FrameSubscribe,
		ChannelID:   c.engine.ChannelID().String(),
		StartOffset: c.engine.ChannelOffset() + 1,
	}); err != nil {
		return err
	}
	return c.resendUnacked()
}

// resendUnacked replays local messages the relay never assigned an offset.
// A relay that already stored one answers with a stale-sequence error,
// which is harmless: the subscription replay delivers the echo that
// carries the missing offset.
func (c *RelayClient) resendUnacked() error {
	channel := c.engine.ChannelID().String()
	for _, entry := range c.engine.MessageLog() {
		if entry.SenderPeerIndex != 0 || entry.Offset >= 0 {
			continue
		}
		err := c.writeFrame(Frame{
			Type:        FrameSend,
			ChannelID:   channel,
			SenderSeqNo: entry.SenderSeqNo,
			Payload:     entry.Payload,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Flush encodes any buffered local operations and sends them.
func (c *RelayClient) Flush() error {
	payload, err := c.engine.EncodeMessage()
	if err != nil {
		return err
	}
	if payload == nil {
		return nil
	}
	return c.writeFrame(Frame{
		Type:        FrameSend,
		ChannelID:   c.engine.ChannelID().String(),
		SenderSeqNo: c.engine.LastSentSeqNo(),
		Payload:     payload,
	})
}

func (c *RelayClient) readLoop(ctx context.Context) error {
	conn := c.current()
	if conn == nil {
		return errors.New("not connected")
	}
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		c.handleFrame(f)
	}
}

func (c *RelayClient) handleFrame(f Frame) {
	switch f.Type {
	case FrameReceive:
		sender, err := PeerIDFromBytes(f.PeerID)
		if err != nil {
			slog.Warn("frame with bad peer id", "err", err)
			return
		}
		err = c.engine.ReceiveMessage(sender, f.SenderSeqNo, f.Offset, f.Payload)
		var seqErr *SeqNoError
		switch {
		case err == nil:
		case errors.As(err, &seqErr):
			// The relay replays from an offset on request; a reported gap
			// means our subscription raced a send, so re-anchor it.
			slog.Warn("sequence gap, resubscribing", "sender", sender, "last", seqErr.LastKnownSeqNo)
			_ = c.writeFrame(Frame{
				Type:        FrameSubscribe,
				ChannelID:   c.engine.ChannelID().String(),
				StartOffset: c.engine.ChannelOffset() + 1,
			})
		default:
			slog.Error("message rejected", "sender", sender, "seq", f.SenderSeqNo, "err", err)
		}
	case FrameError:
		slog.Warn("relay error", "channel", f.ChannelID, "lastKnownSeqNo", f.LastKnownSeqNo)
	default:
		slog.Warn("unknown frame type", "type", f.Type)
	}
}

func (c *RelayClient) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *RelayClient) writeFrame(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close tears down the connection.
func (c *RelayClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
