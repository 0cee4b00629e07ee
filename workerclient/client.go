// Package workerclient implements the websocket protocol GenVM speaks to
// its external LLM and web-retrieval workers (spec §4.I, §6): one
// persistent connection per worker kind, a JSON hello frame on first use,
// then binary calldata-encoded request/response exchanges. Framing and
// reconnect-on-failure mirror the teacher's CGO call boundary
// (revm_bridge/cgo_exports.go), generalized from a single in-process crossing
// point to a pooled set of out-of-process socket connections.
package workerclient

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/genlayerlabs/genvm/calldata"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Kind names the two worker flavors spec §2 component I forwards
// nondeterministic operations to.
type Kind string

const (
	KindLLM Kind = "llm"
	KindWeb Kind = "web"
)

// Outcome classifies a worker's response, per spec §4.I: exactly one of
// ok, user-error, or fatal-error.
type Outcome struct {
	OK         []byte
	UserError  string
	FatalError string
}

// UserError is a worker-reported, contract-visible failure: the worker
// answered, but with its "user_error" field set. It satisfies the sdk
// package's WorkerUserError interface so the SDK forwards it to the guest
// instead of treating it as an infrastructure fault.
type UserError struct {
	Msg string
}

func (e *UserError) Error() string           { return "workerclient: user error: " + e.Msg }
func (e *UserError) WorkerUserError() string { return e.Msg }

type hello struct {
	Cookie   string          `json:"cookie"`
	HostData json.RawMessage `json:"host_data,omitempty"`
}

// Conn is a single pooled connection to one worker kind. Only one request
// may be outstanding at a time, guarded by mu, per spec §5.
type Conn struct {
	kind     Kind
	url      string
	cookie   string
	hostData json.RawMessage

	mu   sync.Mutex
	ws   *websocket.Conn
	dial func(url string) (*websocket.Conn, error)
}

// NewConn builds a Conn for one worker kind. hostData is forwarded verbatim
// in the hello frame, matching the executable's --host-data flag (spec §6).
// cookie is the executable's --cookie flag value; an empty cookie means a
// fresh random one is generated per connection, per spec §6.
func NewConn(kind Kind, url string, cookie string, hostData json.RawMessage) *Conn {
	return &Conn{
		kind:     kind,
		url:      url,
		cookie:   cookie,
		hostData: hostData,
		dial: func(url string) (*websocket.Conn, error) {
			c, _, err := websocket.DefaultDialer.Dial(url, nil)
			return c, err
		},
	}
}

// Close tears down the underlying socket, if open. Safe to call more than
// once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Conn) closeLocked() error {
	if c.ws == nil {
		return nil
	}
	err := c.ws.Close()
	c.ws = nil
	return err
}

// ensureConnected dials the worker and sends the hello frame if this Conn
// has not yet done so, or was closed by a prior failure.
func (c *Conn) ensureConnected() error {
	if c.ws != nil {
		return nil
	}
	ws, err := c.dial(c.url)
	if err != nil {
		return fmt.Errorf("workerclient: dial %s worker: %w", c.kind, err)
	}
	cookie := c.cookie
	if cookie == "" {
		cookie = uuid.NewString()
	}
	h := hello{Cookie: cookie, HostData: c.hostData}
	payload, err := json.Marshal(h)
	if err != nil {
		ws.Close()
		return fmt.Errorf("workerclient: marshal hello: %w", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		ws.Close()
		return fmt.Errorf("workerclient: send hello: %w", err)
	}
	ws.SetPingHandler(func(data string) error {
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	log.Debug("workerclient: connected", "kind", c.kind, "cookie", cookie)
	c.ws = ws
	return nil
}

// Call sends one calldata-encoded request and blocks for exactly one
// calldata-encoded response, per spec §4.I. method is the gl_call variant name
// ("web_render", "exec_prompt", ...) carried inside the request map for the
// worker's own dispatch; the transport-level Kind (llm vs web) was already
// selected when the Conn was built.
func (c *Conn) Call(method string, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return nil, err
	}

	req := calldata.NewMap(
		calldata.MapEntry{Key: "method", Value: calldata.Str(method)},
		calldata.MapEntry{Key: "payload", Value: calldata.Bytes(payload)},
	)
	if err := c.ws.WriteMessage(websocket.BinaryMessage, calldata.Encode(req)); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("workerclient: send %s request: %w", c.kind, err)
	}

	outcome, err := c.readResponse()
	if err != nil {
		c.closeLocked()
		return nil, err
	}
	switch {
	case outcome.FatalError != "":
		c.closeLocked()
		return nil, fmt.Errorf("workerclient: %s worker fatal error: %s", c.kind, outcome.FatalError)
	case outcome.UserError != "":
		return nil, &UserError{Msg: outcome.UserError}
	default:
		return outcome.OK, nil
	}
}

// readResponse reads frames until it finds the calldata-encoded response,
// answering pings and treating an unexpected frame type as the response
// itself (logged), per spec §4.I.
func (c *Conn) readResponse() (Outcome, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return Outcome{}, fmt.Errorf("workerclient: read %s response: %w", c.kind, err)
		}
		switch msgType {
		case websocket.CloseMessage:
			return Outcome{}, fmt.Errorf("workerclient: %s worker closed the session", c.kind)
		case websocket.PingMessage, websocket.PongMessage:
			continue
		case websocket.BinaryMessage:
			return decodeOutcome(data)
		default:
			log.Warn("workerclient: unexpected frame type, treating as response", "kind", c.kind, "type", msgType)
			return decodeOutcome(data)
		}
	}
}

func decodeOutcome(data []byte) (Outcome, error) {
	v, err := calldata.Decode(data)
	if err != nil {
		return Outcome{}, fmt.Errorf("workerclient: decode response: %w", err)
	}
	m, ok := v.(*calldata.Map)
	if !ok {
		return Outcome{}, fmt.Errorf("workerclient: response is not a map")
	}
	if ok, present := m.Get("ok"); present {
		b, _ := ok.(calldata.Bytes)
		return Outcome{OK: []byte(b)}, nil
	}
	if ue, present := m.Get("user_error"); present {
		s, _ := ue.(calldata.Str)
		return Outcome{UserError: string(s)}, nil
	}
	if fe, present := m.Get("fatal_error"); present {
		s, _ := fe.(calldata.Str)
		return Outcome{FatalError: string(s)}, nil
	}
	return Outcome{}, fmt.Errorf("workerclient: response has none of ok/user_error/fatal_error")
}
