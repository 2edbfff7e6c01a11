// ABOUTME: Shared client for the req:/res:/evt: control-plane protocol
// ABOUTME: Used by both the operator CLI and the TUI so the handshake and dispatch logic live in one place

// Package wireclient is the control-plane's own client: it speaks the same
// req:/res:/evt: envelope protocol the control plane package implements on
// the server side, for the operator CLI and the TUI to share one dialer
// instead of each hand-rolling the handshake.
package wireclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Envelope mirrors the wire format of internal/controlplane's envelope.
// The two are independent types: the server's stays unexported so nothing
// outside that package can construct a malformed one.
type Envelope struct {
	Type         string          `json:"type"`
	ID           string          `json:"id,omitempty"`
	Ts           time.Time       `json:"ts"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OK           *bool           `json:"ok,omitempty"`
	Error        *WireError      `json:"error,omitempty"`
	SessionToken string          `json:"session_token,omitempty"`
}

// WireError is the {kind, message} shape carried by a failed response.
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Client holds one open, hello-completed control-plane connection. A
// background goroutine reads every frame off the socket: req/res replies
// are routed to the pending caller, evt frames are fanned out on Events.
type Client struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan Envelope

	// sessionToken is the token issued in res:hello, echoed back on every
	// subsequent request so the server can verify protected req: frames.
	// Empty when the server has no JWTVerifier configured.
	sessionToken string

	events chan Envelope
	done   chan struct{}
	err    error
}

// Dial opens a WebSocket connection to addr's control plane, completes the
// hello handshake with apiKey, and starts the background read loop.
func Dial(ctx context.Context, addr, apiKey string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		return nil, fmt.Errorf("dialing control plane: %w", err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Envelope),
		events:  make(chan Envelope, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	hello := Envelope{Type: "req:hello", ID: "hello", Payload: mustMarshal(map[string]string{"client_key": apiKey})}
	resp, err := c.roundTrip(ctx, hello)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if resp.Error != nil {
		c.Close()
		return nil, fmt.Errorf("handshake rejected: %s: %s", resp.Error.Kind, resp.Error.Message)
	}

	var helloPayload struct {
		SessionToken string `json:"session_token"`
	}
	_ = json.Unmarshal(resp.Payload, &helloPayload)
	c.sessionToken = helloPayload.SessionToken

	return c, nil
}

// Request sends a req:<name> envelope and waits for its res:<name> reply.
// The session token captured at Dial, if any, rides along so the server can
// verify requests it classifies as protected.
func (c *Client) Request(ctx context.Context, name string, payload any) (Envelope, error) {
	return c.roundTrip(ctx, Envelope{Type: "req:" + name, ID: name, Payload: mustMarshal(payload), SessionToken: c.sessionToken})
}

// Events delivers every evt: frame the server pushes after the handshake.
func (c *Client) Events() <-chan Envelope {
	return c.events
}

// Err returns the error, if any, that stopped the background read loop.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts down the connection and the background read loop.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) roundTrip(ctx context.Context, req Envelope) (Envelope, error) {
	wait := make(chan Envelope, 1)
	c.mu.Lock()
	c.pending[req.Type] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.Type)
		c.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		return Envelope{}, err
	}

	select {
	case resp := <-wait:
		return resp, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-c.done:
		return Envelope{}, c.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		var env Envelope
		if err := wsjson.Read(context.Background(), c.conn, &env); err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}

		if len(env.Type) > 4 && env.Type[:4] == "evt:" {
			select {
			case c.events <- env:
			default:
			}
			continue
		}

		reqType := "req:" + trimPrefix(env.Type, "res:")
		c.mu.Lock()
		wait, ok := c.pending[reqType]
		c.mu.Unlock()
		if ok {
			wait <- env
		}
	}
}

func trimPrefix(s, prefix string) string {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
