package quill

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Frame types spoken between peers and the relay.
const (
	FrameHello     = "hello"
	FrameSend      = "send"
	FrameSubscribe = "subscribe"
	FrameReceive   = "receive"
	FrameError     = "error"
)

// Frame is one JSON message on the relay WebSocket. Payloads are opaque
// byte sequences (sealed envelopes); the relay never opens them.
type Frame struct {
	Type           string `json:"type"`
	ChannelID      string `json:"channelID,omitempty"`
	PeerID         []byte `json:"peerID,omitempty"`
	SenderSeqNo    uint64 `json:"senderSeqNo,omitempty"`
	StartOffset    int64  `json:"startOffset,omitempty"`
	Offset         int64  `json:"offset,omitempty"`
	LastKnownSeqNo uint64 `json:"lastKnownSeqNo,omitempty"`
	Payload        []byte `json:"payload,omitempty"`
}

// Relay is the message relay server: it assigns channel offsets, stores
// history, and fans messages out to subscribed peers. It holds no
// document state and cannot read payloads.
type Relay struct {
	cfg     RelayConfig
	history *ChannelHistory
	pres    *Presence

	mu   sync.Mutex
	subs map[ChannelID]map[*relayConn]struct{}

	upgrader websocket.Upgrader
	server   *http.Server
}

type relayConn struct {
	conn   *websocket.Conn
	send   chan Frame
	peer   PeerID
	hasID  bool
	closed chan struct{}
	once   sync.Once
}

// NewRelay creates a relay server around the given history store.
func NewRelay(cfg RelayConfig, history *ChannelHistory, pres *Presence) *Relay {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Relay{
		cfg:     cfg,
		history: history,
		pres:    pres,
		subs:    make(map[ChannelID]map[*relayConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router returns the relay's HTTP routes.
func (s *Relay) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/channels/{channel}/messages", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/channels/{channel}/peers", s.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

// ListenAndServe runs the relay until the context is canceled.
func (s *Relay) ListenAndServe(ctx context.Context) error {
	s.server = &http.Server{Addr: s.cfg.ListenAddr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()
	slog.Info("relay listening", "addr", s.cfg.ListenAddr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// SubscriberCount returns the number of live subscriptions on a channel.
func (s *Relay) SubscriberCount(channel ChannelID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[channel])
}

func (s *Relay) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &relayConn{
		conn:   conn,
		send:   make(chan Frame, 256),
		closed: make(chan struct{}),
	}
	go s.writePump(c)
	s.readPump(c)
}

func (s *Relay) readPump(c *relayConn) {
	defer func() {
		s.dropConn(c)
		c.close()
		_ = c.conn.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("bad frame", "err", err)
			continue
		}
		s.dispatch(c, f)
	}
}

func (s *Relay) writePump(c *relayConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (s *Relay) dispatch(c *relayConn, f Frame) {
	switch f.Type {
	case FrameHello:
		peer, err := PeerIDFromBytes(f.PeerID)
		if err != nil {
			c.enqueue(Frame{Type: FrameError})
			return
		}
		c.peer = peer
		c.hasID = true
	case FrameSubscribe:
		s.handleSubscribe(c, f)
	case FrameSend:
		s.handleSend(c, f)
	default:
		slog.Warn("unknown frame type", "type", f.Type)
	}
}

func (s *Relay) handleSubscribe(c *relayConn, f Frame) {
	channel, err := ParseChannelID(f.ChannelID)
	if err != nil {
		c.enqueue(Frame{Type: FrameError, ChannelID: f.ChannelID})
		return
	}

	// History is enqueued under the hub lock, before the connection joins
	// the live set, so the subscriber sees a gapless offset stream.
	s.mu.Lock()
	stored, err := s.history.Read(channel, f.StartOffset)
	if err != nil {
		s.mu.Unlock()
		slog.Error("history read failed", "channel", channel, "err", err)
		c.enqueue(Frame{Type: FrameError, ChannelID: f.ChannelID})
		return
	}
	for _, m := range stored {
		c.enqueue(Frame{
			Type:        FrameReceive,
			ChannelID:   channel.String(),
			PeerID:      m.Sender[:],
			SenderSeqNo: m.SenderSeqNo,
			Offset:      m.Offset,
			Payload:     m.Payload,
		})
	}
	set := s.subs[channel]
	if set == nil {
		set = make(map[*relayConn]struct{})
		s.subs[channel] = set
	}
	set[c] = struct{}{}
	s.mu.Unlock()

	s.touchPresence(channel, c)
}

func (s *Relay) handleSend(c *relayConn, f Frame) {
	if !c.hasID {
		c.enqueue(Frame{Type: FrameError, ChannelID: f.ChannelID})
		return
	}
	channel, err := ParseChannelID(f.ChannelID)
	if err != nil {
		c.enqueue(Frame{Type: FrameError, ChannelID: f.ChannelID})
		return
	}
	offset, err := s.history.Append(channel, c.peer, f.SenderSeqNo, f.Payload)
	if err != nil {
		var seqErr *SeqNoError
		if errors.As(err, &seqErr) {
			c.enqueue(Frame{
				Type:           FrameError,
				ChannelID:      f.ChannelID,
				LastKnownSeqNo: seqErr.LastKnownSeqNo,
			})
			return
		}
		slog.Error("history append failed", "channel", channel, "err", err)
		c.enqueue(Frame{Type: FrameError, ChannelID: f.ChannelID})
		return
	}

	out := Frame{
		Type:        FrameReceive,
		ChannelID:   channel.String(),
		PeerID:      c.peer[:],
		SenderSeqNo: f.SenderSeqNo,
		Offset:      offset,
		Payload:     f.Payload,
	}
	s.mu.Lock()
	for sub := range s.subs[channel] {
		sub.enqueue(out)
	}
	s.mu.Unlock()

	s.touchPresence(channel, c)
}

func (s *Relay) touchPresence(channel ChannelID, c *relayConn) {
	if s.pres == nil || !c.hasID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.pres.Touch(ctx, channel, c.peer); err != nil {
		slog.Warn("presence update failed", "err", err)
	}
}

func (s *Relay) dropConn(c *relayConn) {
	s.mu.Lock()
	var channels []ChannelID
	for channel, set := range s.subs {
		if _, ok := set[c]; ok {
			delete(set, c)
			channels = append(channels, channel)
			if len(set) == 0 {
				delete(s.subs, channel)
			}
		}
	}
	s.mu.Unlock()

	if s.pres != nil && c.hasID {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, channel := range channels {
			_ = s.pres.Leave(ctx, channel, c.peer)
		}
	}
}

func (s *Relay) handleHistory(w http.ResponseWriter, r *http.Request) {
	channel, err := ParseChannelID(mux.Vars(r)["channel"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stored, err := s.history.Read(channel, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	type entry struct {
		Offset      int64  `json:"offset"`
		PeerID      []byte `json:"peerID"`
		SenderSeqNo uint64 `json:"senderSeqNo"`
		Size        int    `json:"size"`
	}
	out := make([]entry, 0, len(stored))
	for _, m := range stored {
		out = append(out, entry{Offset: m.Offset, PeerID: m.Sender[:], SenderSeqNo: m.SenderSeqNo, Size: len(m.Payload)})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Relay) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.pres == nil {
		http.Error(w, "presence not enabled", http.StatusNotFound)
		return
	}
	channel, err := ParseChannelID(mux.Vars(r)["channel"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	peers, err := s.pres.List(r.Context(), channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([][]byte, 0, len(peers))
	for _, p := range peers {
		out = append(out, p[:])
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (c *relayConn) enqueue(f Frame) {
	select {
	case c.send <- f:
	default:
		// Slow consumer; drop the connection rather than block the hub.
		c.close()
	}
}

func (c *relayConn) close() {
	c.once.Do(func() { close(c.closed) })
}
