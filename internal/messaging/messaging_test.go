package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unsaltedbutter/waitlist/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "waitlist.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFakeRelay(t *testing.T, onMessage func(env envelope)) (wsURL string, sendToClient func(env envelope)) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var conn *websocket.Conn

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn = c
		for {
			var env envelope
			if err := c.ReadJSON(&env); err != nil {
				return
			}
			if onMessage != nil {
				onMessage(env)
			}
		}
	}))
	t.Cleanup(srv.Close)

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, func(env envelope) {
		for conn == nil {
			time.Sleep(time.Millisecond)
		}
		_ = conn.WriteJSON(env)
	}
}

func TestTransport_SendDM_DeliversAndLogs(t *testing.T) {
	st := newTestStore(t)

	received := make(chan envelope, 1)
	relayURL, _ := newFakeRelay(t, func(env envelope) { received <- env })

	tr := New([]string{relayURL}, st, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	require.Eventually(t, func() bool {
		return tr.SendDM(context.Background(), "np-a", "hello") == nil
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case env := <-received:
		assert.Equal(t, "np-a", env.Npub)
		assert.Equal(t, "hello", env.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("relay never received the dm")
	}

	msgs, err := st.MessagesForUser("np-a")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)
}

func TestTransport_Inbound_ReceivesAndRedacts(t *testing.T) {
	st := newTestStore(t)

	relayURL, sendToClient := newFakeRelay(t, nil)

	tr := New([]string{relayURL}, st, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	sendToClient(envelope{Type: "dm", Npub: "np-b", Body: "123456"})

	select {
	case in := <-tr.Inbound():
		assert.Equal(t, "np-b", in.UserNpub)
		assert.Equal(t, "123456", in.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("never received inbound dm")
	}

	msgs, err := st.MessagesForUser("np-b")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "[redacted]", msgs[0].Body)
}

func TestTransport_SendDMBubbles_SendsInOrder(t *testing.T) {
	st := newTestStore(t)

	var gotBodies []string
	done := make(chan struct{}, 2)
	relayURL, _ := newFakeRelay(t, func(env envelope) {
		gotBodies = append(gotBodies, env.Body)
		done <- struct{}{}
	})

	tr := New([]string{relayURL}, st, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	require.Eventually(t, func() bool {
		return tr.SendDMBubbles(context.Background(), "operator", "error text", "np-affected") == nil
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("bubble not delivered")
		}
	}
	assert.Equal(t, []string{"error text", "np-affected"}, gotBodies)
}
