package quill

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// ChannelHistoryConfig configures the relay's SQLite message history.
type ChannelHistoryConfig struct {
	// Path to the SQLite database file.
	Path string

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA).
	Synchronous string

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	BusyTimeout int
}

// DefaultChannelHistoryConfig returns default configuration.
func DefaultChannelHistoryConfig(path string) ChannelHistoryConfig {
	return ChannelHistoryConfig{
		Path:        path,
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		BusyTimeout: 5000,
	}
}

// StoredMessage is one relayed message as kept by the channel history.
type StoredMessage struct {
	Channel     ChannelID
	Offset      int64
	Sender      PeerID
	SenderSeqNo uint64
	Payload     []byte
}

// ChannelHistory is the relay's durable per-channel message log. Offsets
// are assigned densely per channel in arrival order; per-sender sequence
// numbers are enforced to be contiguous so that a peer replaying from an
// offset never observes a gap.
type ChannelHistory struct {
	mu     sync.Mutex
	db     *sql.DB
	append *sql.Stmt
	read   *sql.Stmt
	last   *sql.Stmt
	tail   *sql.Stmt
}

// OpenChannelHistory opens or creates the history database.
func OpenChannelHistory(cfg ChannelHistoryConfig) (*ChannelHistory, error) {
	if cfg.Path == "" {
		return nil, errors.New("channel history path is required")
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.Synchronous == "" {
		cfg.Synchronous = "NORMAL"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=synchronous(%s)&_pragma=busy_timeout(%d)",
		cfg.Path, cfg.JournalMode, cfg.Synchronous, cfg.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			channel BLOB NOT NULL,
			offset  INTEGER NOT NULL,
			sender  BLOB NOT NULL,
			seq     INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (channel, offset)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_sender
			ON messages (channel, sender, seq);
	`); err != nil {
		_ = db.Close()
		return nil, err
	}

	h := &ChannelHistory{db: db}
	for _, stmt := range []struct {
		dst **sql.Stmt
		sql string
	}{
		{&h.append, `INSERT INTO messages (channel, offset, sender, seq, payload) VALUES (?, ?, ?, ?, ?)`},
		{&h.read, `SELECT offset, sender, seq, payload FROM messages WHERE channel = ? AND offset >= ? ORDER BY offset`},
		{&h.last, `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE channel = ? AND sender = ?`},
		{&h.tail, `SELECT COALESCE(MAX(offset), -1) FROM messages WHERE channel = ?`},
	} {
		prepared, err := db.Prepare(stmt.sql)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		*stmt.dst = prepared
	}
	return h, nil
}

// Append stores a message and assigns it the channel's next offset. The
// sender's sequence number must be exactly one past its previous message
// on the channel; otherwise the last known sequence number is returned
// with ErrOutOfOrderSeqNo so the sender can recover.
func (h *ChannelHistory) Append(channel ChannelID, sender PeerID, seq uint64, payload []byte) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var last uint64
	if err := h.last.QueryRow(channel[:], sender[:]).Scan(&last); err != nil {
		return -1, err
	}
	if seq != last+1 {
		return -1, &SeqNoError{Sender: sender, Got: seq, LastKnownSeqNo: last}
	}
	var tail int64
	if err := h.tail.QueryRow(channel[:]).Scan(&tail); err != nil {
		return -1, err
	}
	offset := tail + 1
	if _, err := h.append.Exec(channel[:], offset, sender[:], seq, payload); err != nil {
		return -1, err
	}
	return offset, nil
}

// Read returns all messages on the channel at or past fromOffset, in
// offset order.
func (h *ChannelHistory) Read(channel ChannelID, fromOffset int64) ([]StoredMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if fromOffset < 0 {
		fromOffset = 0
	}
	rows, err := h.read.Query(channel[:], fromOffset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []StoredMessage
	for rows.Next() {
		m := StoredMessage{Channel: channel}
		var sender []byte
		if err := rows.Scan(&m.Offset, &sender, &m.SenderSeqNo, &m.Payload); err != nil {
			return nil, err
		}
		if m.Sender, err = PeerIDFromBytes(sender); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LastSeqNo returns the highest stored sequence number for a sender.
func (h *ChannelHistory) LastSeqNo(channel ChannelID, sender PeerID) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var last uint64
	err := h.last.QueryRow(channel[:], sender[:]).Scan(&last)
	return last, err
}

// Tail returns the channel's highest assigned offset, or -1 when empty.
func (h *ChannelHistory) Tail(channel ChannelID) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var tail int64
	err := h.tail.QueryRow(channel[:]).Scan(&tail)
	return tail, err
}

// Close closes the history database.
func (h *ChannelHistory) Close() error {
	return h.db.Close()
}
