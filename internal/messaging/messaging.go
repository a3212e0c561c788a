// Package messaging adapts the orchestrator to the encrypted DM transport.
// The wire protocol and cryptographic envelope are out of scope (spec §2):
// this package owns only the relay connection, reconnect behavior, and the
// message-log integration, the way ui/transports/websocket/websocket.go
// owns connection lifecycle and leaves the chat protocol to its caller.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itsneelabh/gomind/core"
	"github.com/unsaltedbutter/waitlist/internal/model"
	"github.com/unsaltedbutter/waitlist/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	reconnectDelay = 3 * time.Second
)

// Inbound is a DM received from a user, already envelope-decoded.
type Inbound struct {
	UserNpub string
	Body     string
}

// envelope is the wire shape exchanged with a relay. The transport's own
// encryption wraps this payload; this package only sees plaintext.
type envelope struct {
	Type string `json:"type"`
	Npub string `json:"npub"`
	Body string `json:"body"`
}

// Transport maintains one connection per configured relay, forwards
// inbound DMs to a channel, and logs every message (redacted) to the
// embedded store (spec §8: the messaging adapter is the sole writer of
// message_log).
type Transport struct {
	relays []string
	store  *store.Store
	logger core.Logger

	inbound chan Inbound

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// New builds a Transport over the given relay URLs. logger may be nil.
func New(relays []string, st *store.Store, logger core.Logger) *Transport {
	return &Transport{
		relays:  relays,
		store:   st,
		logger:  logger,
		inbound: make(chan Inbound, 64),
		conns:   make(map[string]*websocket.Conn),
	}
}

// Inbound returns the channel of DMs received from users across all relays.
func (t *Transport) Inbound() <-chan Inbound {
	return t.inbound
}

// Run dials every configured relay and reconnects on drop until ctx ends.
func (t *Transport) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, relay := range t.relays {
		wg.Add(1)
		go func(relay string) {
			defer wg.Done()
			t.maintainRelay(ctx, relay)
		}(relay)
	}
	wg.Wait()
}

func (t *Transport) maintainRelay(ctx context.Context, relay string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, relay, nil)
		if err != nil {
			t.logWarn("relay dial failed", relay, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		t.mu.Lock()
		t.conns[relay] = conn
		t.mu.Unlock()

		t.readPump(ctx, relay, conn)

		t.mu.Lock()
		delete(t.conns, relay)
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (t *Transport) readPump(ctx context.Context, relay string, conn *websocket.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go t.pingLoop(ctx, conn, done)
	defer close(done)

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.logWarn("relay read failed", relay, err)
			return
		}
		if env.Type != "dm" || env.Npub == "" {
			continue
		}

		if err := t.store.LogMessage(env.Npub, model.DirectionInbound, env.Body); err != nil {
			t.logWarn("log inbound message failed", relay, err)
		}

		select {
		case t.inbound <- Inbound{UserNpub: env.Npub, Body: env.Body}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SendDM delivers body to userNpub over the first connected relay and logs
// it (redacted). handle_otp_input deliberately does not call this for
// inbound echoes; it is for orchestrator-originated DMs only.
func (t *Transport) SendDM(ctx context.Context, userNpub, body string) error {
	conn, err := t.anyConn()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransport, err)
	}

	env := envelope{Type: "dm", Npub: userNpub, Body: body}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("messaging: marshal envelope: %w", err)
	}

	t.mu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, raw)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: send dm: %v", model.ErrTransport, err)
	}

	if logErr := t.store.LogMessage(userNpub, model.DirectionOutbound, body); logErr != nil {
		t.logWarn("log outbound message failed", userNpub, logErr)
	}
	return nil
}

// SendDMBubbles sends each message as a separate DM, in order — used for
// the operator notification pattern (message, then npub, as two bubbles
// for easy copy-paste; spec §9 "Propagation policy").
func (t *Transport) SendDMBubbles(ctx context.Context, userNpub string, bodies ...string) error {
	for _, body := range bodies {
		if err := t.SendDM(ctx, userNpub, body); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) anyConn() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.conns {
		return conn, nil
	}
	return nil, fmt.Errorf("no relay connection available")
}

func (t *Transport) logWarn(msg, detail string, err error) {
	if t.logger == nil {
		return
	}
	t.logger.Warn(msg, map[string]interface{}{"relay_or_user": detail, "error": err.Error()})
}
