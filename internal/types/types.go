package types

import "time"

// MarketDataKind identifies which field of a tick a callback invocation carries.
type MarketDataKind int

const (
	KindLast MarketDataKind = iota
	KindBid
	KindAsk
	KindDailyVolume
	KindDailyHigh
	KindDailyLow
	KindOpening
	KindLastClose
	KindOpenInterest
	KindDepthBid
	KindDepthAsk
)

var kindNames = [...]string{
	KindLast:         "last",
	KindBid:          "bid",
	KindAsk:          "ask",
	KindDailyVolume:  "daily_volume",
	KindDailyHigh:    "daily_high",
	KindDailyLow:     "daily_low",
	KindOpening:      "opening",
	KindLastClose:    "last_close",
	KindOpenInterest: "open_interest",
	KindDepthBid:     "depth_bid",
	KindDepthAsk:     "depth_ask",
}

func (k MarketDataKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Callback receives one normalized update. extra is the subscriber's
// instrument handle, or a DepthLevel for the depth kinds.
type Callback func(kind MarketDataKind, price float64, size int64, ts time.Time, extra any)

// DepthLevel is passed as extra for KindDepthBid and KindDepthAsk updates.
type DepthLevel struct {
	Handle any
	Level  int
	Orders uint32
}

// Purpose scopes a streaming connection.
type Purpose string

const (
	PurposeTicks Purpose = "ticks"
	PurposeDepth Purpose = "depth"
)

// ConnState is the lifecycle state of a streaming connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
	StateFaulted
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

type ConnectionStatus struct {
	ID                string    `json:"id"`
	Purposes          []Purpose `json:"purposes"`
	State             string    `json:"state"`
	Tokens            int       `json:"tokens"`
	CreatedAt         time.Time `json:"created_at"`
	IdleFor           string    `json:"idle_for"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
}

type SubscriptionStatus struct {
	Symbol    string   `json:"symbol"`
	Token     uint32   `json:"token"`
	Mode      string   `json:"mode"`
	Depth     bool     `json:"depth"`
	Consumers []string `json:"consumers"`
}

type Status struct {
	Connections   []ConnectionStatus   `json:"connections"`
	Subscriptions []SubscriptionStatus `json:"subscriptions"`
}
