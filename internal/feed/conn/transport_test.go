package conn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kite-marketfeed/internal/types"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
)

type tickerServer struct {
	*httptest.Server
	query    chan map[string]string
	messages chan string
	closed   chan error
}

func newTickerServer(t *testing.T) *tickerServer {
	t.Helper()
	s := &tickerServer{
		query:    make(chan map[string]string, 1),
		messages: make(chan string, 16),
		closed:   make(chan error, 1),
	}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.query <- map[string]string{
			"api_key":      r.URL.Query().Get("api_key"),
			"access_token": r.URL.Query().Get("access_token"),
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				s.closed <- err
				return
			}
			s.messages <- string(data)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *tickerServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *tickerServer) next(t *testing.T) string {
	t.Helper()
	select {
	case m := <-s.messages:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message from client")
		return ""
	}
}

func TestNewWSDialerRequiresCredentials(t *testing.T) {
	_, err := NewWSDialer("wss://ws.kite.trade", "", "token", 0)
	assert.Error(t, err)
	_, err = NewWSDialer("wss://ws.kite.trade", "key", "", 0)
	assert.Error(t, err)
}

func TestWSDialerEndToEnd(t *testing.T) {
	srv := newTickerServer(t)
	dialer, err := NewWSDialer(srv.wsURL(), "key", "secret", time.Second)
	require.NoError(t, err)

	ctx := context.Background()
	m := NewManager(testConfig(), dialer, nil, WithEvents(Events{}))

	c, err := m.EnsureConnection(ctx, types.PurposeTicks)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"api_key": "key", "access_token": "secret"}, <-srv.query)

	require.NoError(t, m.Subscribe(ctx, c, []uint32{256265}, kiteticker.ModeLTP))
	assert.JSONEq(t, `{"a":"subscribe","v":[256265]}`, srv.next(t))
	assert.JSONEq(t, `{"a":"mode","v":["ltp",[256265]]}`, srv.next(t))

	require.NoError(t, m.CloseAll(ctx))
	assert.JSONEq(t, `{"a":"unsubscribe","v":[256265]}`, srv.next(t))

	select {
	case err := <-srv.closed:
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not see the close frame")
	}
}

func TestWSDialerHandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api_key", http.StatusForbidden)
	}))
	defer srv.Close()

	dialer, err := NewWSDialer("ws"+strings.TrimPrefix(srv.URL, "http"), "key", "secret", time.Second)
	require.NoError(t, err)

	_, err = dialer.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
