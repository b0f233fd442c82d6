package proxy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/margbug01/ace-proxy/internal/config"
	"github.com/margbug01/ace-proxy/internal/wire"
)

func testProxy() *Proxy {
	cfg := config.Defaults()
	cfg.PrewarmDefaultRoot = false
	cfg.GitFilter = false
	return New(cfg, nil, nil)
}

func TestHandleMessageParseError(t *testing.T) {
	p := testProxy()
	resp, stop := p.handleMessage(context.Background(), []byte("not json"))
	if stop {
		t.Fatal("a parse error must not stop the proxy")
	}
	if resp == nil || resp.Error == nil {
		t.Fatal("expected a parse-error response")
	}
	if string(resp.ID) != "null" {
		t.Fatalf("id = %s, want null for an unparseable message", resp.ID)
	}
}

func TestHandleMessageInitializeSetsRoots(t *testing.T) {
	p := testProxy()
	line := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"roots":[{"uri":"file:///home/user/project"}]}}`)

	resp, stop := p.handleMessage(context.Background(), line)
	if stop {
		t.Fatal("initialize must not stop the proxy")
	}
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.roots) != 1 || p.roots[0] != "/home/user/project" {
		t.Fatalf("roots = %v", p.roots)
	}
	if p.defaultRoot != "/home/user/project" {
		t.Fatalf("defaultRoot = %q", p.defaultRoot)
	}
}

func TestHandleMessageExitStopsProxy(t *testing.T) {
	p := testProxy()
	resp, stop := p.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","method":"exit"}`))
	if resp != nil {
		t.Fatal("exit is a notification, expected no response")
	}
	if !stop {
		t.Fatal("exit must request the proxy to stop")
	}
}

func TestHandleNotificationThrottlesFileChanges(t *testing.T) {
	p := testProxy()
	p.cfg.DebounceMs = 500

	req := struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}{
		Method: "textDocument/didSave",
		Params: json.RawMessage(`{"uri":"file:///home/user/project/main.go"}`),
	}
	body, _ := json.Marshal(req)

	resp, stop := p.handleMessage(context.Background(), body)
	if resp != nil || stop {
		t.Fatal("a throttled file-change notification must produce no response and not stop the proxy")
	}
	if p.debouncer.PendingCount() != 1 {
		t.Fatalf("debouncer pending count = %d, want 1", p.debouncer.PendingCount())
	}
}

func TestDetermineRootFallsBackToDefault(t *testing.T) {
	p := testProxy()
	p.defaultRoot = "/default/root"

	req := &wire.Request{
		Method: "foo.method",
		Params: json.RawMessage(`{"uri":"file:///unrelated/path.go"}`),
	}
	root, ok := p.determineRoot(req)
	if !ok || root != "/default/root" {
		t.Fatalf("root = %q ok=%v, want default root fallback", root, ok)
	}
}
