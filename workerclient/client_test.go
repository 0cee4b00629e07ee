package workerclient

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/genlayerlabs/genvm/calldata"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// fakeWorker runs a minimal websocket server matching spec §4.I: it
// reads the hello frame, then answers every subsequent binary request with
// the calldata map respond builds for it, so Conn.Call can be exercised without a real LLM or
// web worker process.
func fakeWorker(t *testing.T, respond func(method string, payload []byte) *calldata.Map) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()

		_, helloMsg, err := ws.ReadMessage()
		if err != nil {
			t.Errorf("read hello: %v", err)
			return
		}
		var h hello
		if err := json.Unmarshal(helloMsg, &h); err != nil {
			t.Errorf("decode hello: %v", err)
			return
		}
		if h.Cookie == "" {
			t.Errorf("hello frame missing cookie")
		}

		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			v, err := calldata.Decode(data)
			if err != nil {
				t.Errorf("decode request: %v", err)
				return
			}
			reqMap := v.(*calldata.Map)
			methodV, _ := reqMap.Get("method")
			payloadV, _ := reqMap.Get("payload")
			method := string(methodV.(calldata.Str))
			payload := []byte(payloadV.(calldata.Bytes))

			resp := respond(method, payload)
			if err := ws.WriteMessage(websocket.BinaryMessage, calldata.Encode(resp)); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + s.URL[len("http"):]
}

func TestCallReturnsOK(t *testing.T) {
	srv := fakeWorker(t, func(method string, payload []byte) *calldata.Map {
		return calldata.NewMap(calldata.MapEntry{Key: "ok", Value: calldata.Bytes("answer")})
	})
	defer srv.Close()

	conn := NewConn(KindLLM, wsURL(srv), "", nil)
	defer conn.Close()

	out, err := conn.Call("exec_prompt", []byte("prompt"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(out) != "answer" {
		t.Fatalf("got %q, want %q", out, "answer")
	}
}

func TestCallReturnsUserError(t *testing.T) {
	srv := fakeWorker(t, func(method string, payload []byte) *calldata.Map {
		return calldata.NewMap(calldata.MapEntry{Key: "user_error", Value: calldata.Str("bad prompt")})
	})
	defer srv.Close()

	conn := NewConn(KindLLM, wsURL(srv), "", nil)
	defer conn.Close()

	_, err := conn.Call("exec_prompt", []byte("prompt"))
	var ue *UserError
	if !errors.As(err, &ue) {
		t.Fatalf("got %v, want a *UserError", err)
	}
	if ue.WorkerUserError() != "bad prompt" {
		t.Fatalf("got %q, want the worker's user_error text", ue.WorkerUserError())
	}
}

func TestPoolRoutesByMethod(t *testing.T) {
	llm := fakeWorker(t, func(method string, payload []byte) *calldata.Map {
		return calldata.NewMap(calldata.MapEntry{Key: "ok", Value: calldata.Bytes("llm:" + method)})
	})
	defer llm.Close()
	web := fakeWorker(t, func(method string, payload []byte) *calldata.Map {
		return calldata.NewMap(calldata.MapEntry{Key: "ok", Value: calldata.Bytes("web:" + method)})
	})
	defer web.Close()

	pool := NewPool(wsURL(llm), wsURL(web), "", nil)
	defer pool.Close()

	out, err := pool.Call("exec_prompt", nil)
	if err != nil {
		t.Fatalf("Call exec_prompt: %v", err)
	}
	if string(out) != "llm:exec_prompt" {
		t.Fatalf("got %q", out)
	}

	out, err = pool.Call("web_request", nil)
	if err != nil {
		t.Fatalf("Call web_request: %v", err)
	}
	if string(out) != "web:web_request" {
		t.Fatalf("got %q", out)
	}
}

func TestPoolRejectsUnknownMethod(t *testing.T) {
	pool := NewPool("", "", "", nil)
	if _, err := pool.Call("nonsense", nil); err == nil {
		t.Fatalf("expected an error for an unknown worker method")
	}
}
