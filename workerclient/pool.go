package workerclient

import (
	"encoding/json"
	"fmt"
)

// Pool owns the one Conn per worker kind that a Supervisor shares across
// every nondeterministic gl_call a top-level call makes, and implements
// sdk.WorkerCaller. Conns are created lazily and re-created on failure
// (spec §3, "Sockets to external workers are pooled per-supervisor; they
// are re-created on failure").
type Pool struct {
	llmURL, webURL string
	cookie         string
	hostData       json.RawMessage

	llm *Conn
	web *Conn
}

// NewPool builds a Pool that dials llmURL/webURL on first use. Either may be
// empty, in which case calls to that kind fail with an explanatory error
// instead of attempting to dial an empty address. cookie is the
// executable's --cookie flag value, forwarded to every Conn it creates.
func NewPool(llmURL, webURL, cookie string, hostData json.RawMessage) *Pool {
	return &Pool{llmURL: llmURL, webURL: webURL, cookie: cookie, hostData: hostData}
}

// Call implements sdk.WorkerCaller: method is the gl_call variant name; the
// transport-level worker (llm vs web) is inferred from it, matching the
// variant list in spec §4.G.
func (p *Pool) Call(method string, req []byte) ([]byte, error) {
	conn, err := p.connFor(method)
	if err != nil {
		return nil, err
	}
	out, err := conn.Call(method, req)
	if err != nil {
		// A failed call invalidates the pooled connection; the next call
		// re-dials and re-sends the hello frame.
		p.invalidate(method)
		return nil, err
	}
	return out, nil
}

func (p *Pool) connFor(method string) (*Conn, error) {
	switch method {
	case "exec_prompt", "exec_prompt_template":
		if p.llmURL == "" {
			return nil, fmt.Errorf("workerclient: no llm worker address configured")
		}
		if p.llm == nil {
			p.llm = NewConn(KindLLM, p.llmURL, p.cookie, p.hostData)
		}
		return p.llm, nil
	case "web_render", "web_request":
		if p.webURL == "" {
			return nil, fmt.Errorf("workerclient: no web worker address configured")
		}
		if p.web == nil {
			p.web = NewConn(KindWeb, p.webURL, p.cookie, p.hostData)
		}
		return p.web, nil
	default:
		return nil, fmt.Errorf("workerclient: unknown worker method %q", method)
	}
}

func (p *Pool) invalidate(method string) {
	switch method {
	case "exec_prompt", "exec_prompt_template":
		if p.llm != nil {
			p.llm.Close()
			p.llm = nil
		}
	case "web_render", "web_request":
		if p.web != nil {
			p.web.Close()
			p.web = nil
		}
	}
}

// Close tears down every pooled connection. Called when the supervisor's
// top-level call completes or is cancelled (spec §5, "Cancellation of the
// supervisor closes all client sockets").
func (p *Pool) Close() error {
	var firstErr error
	if p.llm != nil {
		if err := p.llm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.web != nil {
		if err := p.web.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
