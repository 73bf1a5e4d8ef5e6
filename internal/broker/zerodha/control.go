package zerodha

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
)

// Control message actions understood by the Kite ticker.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionMode        = "mode"
)

type controlMessage struct {
	Action string `json:"a"`
	Value  any    `json:"v"`
}

// SubscribeMessage encodes {"a":"subscribe","v":[tokens...]}.
func SubscribeMessage(tokens []uint32) ([]byte, error) {
	return json.Marshal(controlMessage{Action: actionSubscribe, Value: nonNil(tokens)})
}

// UnsubscribeMessage encodes {"a":"unsubscribe","v":[tokens...]}.
func UnsubscribeMessage(tokens []uint32) ([]byte, error) {
	return json.Marshal(controlMessage{Action: actionUnsubscribe, Value: nonNil(tokens)})
}

// ModeMessage encodes {"a":"mode","v":[mode,[tokens...]]}.
func ModeMessage(mode kiteticker.Mode, tokens []uint32) ([]byte, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	return json.Marshal(controlMessage{Action: actionMode, Value: []any{string(mode), nonNil(tokens)}})
}

// ParseMode accepts ltp, quote or full in any case.
func ParseMode(s string) (kiteticker.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(kiteticker.ModeLTP):
		return kiteticker.ModeLTP, nil
	case string(kiteticker.ModeQuote):
		return kiteticker.ModeQuote, nil
	case string(kiteticker.ModeFull):
		return kiteticker.ModeFull, nil
	default:
		return "", fmt.Errorf("zerodha: unknown mode %q", s)
	}
}

// ServerMessage is a text frame pushed by the ticker: order updates,
// errors and broker notices.
type ServerMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseServerMessage decodes a text frame. Frames that are not JSON objects
// return an error.
func ParseServerMessage(b []byte) (ServerMessage, error) {
	var m ServerMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return ServerMessage{}, fmt.Errorf("zerodha: decode text frame: %w", err)
	}
	return m, nil
}

func nonNil(tokens []uint32) []uint32 {
	if tokens == nil {
		return []uint32{}
	}
	return tokens
}

// ModeRank orders modes by how much data they carry.
func ModeRank(m kiteticker.Mode) int {
	switch m {
	case kiteticker.ModeLTP:
		return 1
	case kiteticker.ModeQuote:
		return 2
	case kiteticker.ModeFull:
		return 3
	default:
		return 0
	}
}
