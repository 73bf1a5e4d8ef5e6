package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	defaultHandshakeTimeout = 10 * time.Second
)

// Transport is the part of *websocket.Conn the manager and the dispatch loop
// use. Reads happen on the loop goroutine only; writes on the send queue's.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Transport = (*websocket.Conn)(nil)

// Dialer opens a new transport to the broker.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WSDialer dials the Kite ticker over gorilla/websocket.
type WSDialer struct {
	url              string
	handshakeTimeout time.Duration
}

// NewWSDialer builds the authenticated ticker URL,
// e.g. wss://ws.kite.trade?api_key=..&access_token=..
func NewWSDialer(baseURL, apiKey, accessToken string, handshakeTimeout time.Duration) (*WSDialer, error) {
	if apiKey == "" || accessToken == "" {
		return nil, errors.New("conn: api key and access token are required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("conn: parse ws url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", apiKey)
	q.Set("access_token", accessToken)
	u.RawQuery = q.Encode()

	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return &WSDialer{url: u.String(), handshakeTimeout: handshakeTimeout}, nil
}

func (d *WSDialer) Dial(ctx context.Context) (Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, d.handshakeTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.handshakeTimeout,
	}
	c, resp, err := dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("conn: dial ticker: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("conn: dial ticker: %w", err)
	}
	return c, nil
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }
