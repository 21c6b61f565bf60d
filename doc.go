// Package quill implements the core of a peer-to-peer collaborative text
// editor built on conflict-free replicated data types.
//
// Peers mutate a shared document independently, broadcast their operations
// through a relay server, and converge to identical state regardless of
// message ordering. The engine maintains per-peer vector clocks, assigns a
// globally orderable identifier to every edit, buffers operations that
// arrive before their causal dependencies, and merges concurrent edits
// through an RGA-style ordered list and a last-writer-wins cursor map.
//
// # Basic Usage
//
// Create a peer on a fresh channel and edit:
//
//	peerID, _ := quill.NewPeerID()
//	engine, err := quill.NewEngine(peerID, quill.NewChannelID(), quill.EngineConfig{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine.InsertChar(0, 'h')
//	engine.InsertChar(1, 'i')
//
// Exchange state with other peers through the relay:
//
//	payload, _ := engine.EncodeMessage()   // sealed bytes for the transport
//	engine.ReceiveMessage(sender, seq, offset, payload)
//
// Persist across restarts:
//
//	state, _ := engine.Save()
//	restored, err := quill.LoadEngine(state)
//
// # Components
//
// Core:
//   - Peer matrix: vector clock per known peer, dense peer index
//     assignment, per-origin index translation, causal readiness
//   - Ordered-list CRDT with tombstones and a deterministic total order
//   - Last-writer-wins cursor map keyed by peer
//   - Deterministic binary wire codec with per-sender peer indices
//   - Message log replay for crash recovery
//
// Around it:
//   - AES-256-GCM payload sealing with snappy compression
//   - Relay server with SQLite-backed channel history and WebSocket fanout
//   - Relay client with automatic reconnect and mDNS discovery
//   - Snapshot stores (file, bbolt) and optional S3 backup
package quill
