package model

import (
	"time"
)

// FlowRecord is one observed contact between two addresses.
// Addresses are opaque strings; nothing here checks that they are valid IPs.
type FlowRecord struct {
	Timestamp time.Time
	SrcAddr   string
	DstAddr   string
}

// PeerPairKey is the canonical identity of an unordered pair of addresses.
// Low <= High under bytewise string comparison.
type PeerPairKey struct {
	Low  string
	High string
}

// String renders the key as "low|high".
func (k PeerPairKey) String() string {
	return k.Low + "|" + k.High
}

// SelfPair reports whether both sides of the pair are the same address.
func (k PeerPairKey) SelfPair() bool {
	return k.Low == k.High
}

// Compare orders keys by Low, then High. It returns -1, 0 or +1.
func (k PeerPairKey) Compare(other PeerPairKey) int {
	switch {
	case k.Low < other.Low:
		return -1
	case k.Low > other.Low:
		return 1
	case k.High < other.High:
		return -1
	case k.High > other.High:
		return 1
	}
	return 0
}

// Session is a maximal run of records for one peer pair in which no two
// chronologically adjacent records are further apart than the idle timeout.
type Session struct {
	PeerA       string
	PeerB       string
	StartTime   time.Time
	EndTime     time.Time
	RecordCount int
}

// Key returns the peer pair the session belongs to.
func (s Session) Key() PeerPairKey {
	return PeerPairKey{Low: s.PeerA, High: s.PeerB}
}

// Duration is EndTime - StartTime. It is zero for single-record sessions.
func (s Session) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// SessionRecord is the output row for one session.
type SessionRecord struct {
	PeerA       string  `json:"peer_a"`
	PeerB       string  `json:"peer_b"`
	StartTime   string  `json:"start_time"`
	EndTime     string  `json:"end_time"`
	DurationSec float64 `json:"duration_sec"`
}
