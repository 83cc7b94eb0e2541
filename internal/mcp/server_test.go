package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dizzyvn/kumiai/internal/agent"
	"github.com/dizzyvn/kumiai/internal/agent/agenttest"
	"github.com/dizzyvn/kumiai/internal/audit"
	"github.com/dizzyvn/kumiai/internal/broadcast"
	"github.com/dizzyvn/kumiai/internal/executor"
	"github.com/dizzyvn/kumiai/internal/persist"
	"github.com/dizzyvn/kumiai/internal/queue"
	"github.com/dizzyvn/kumiai/internal/ratelimit"
	"github.com/dizzyvn/kumiai/internal/session"
	"github.com/dizzyvn/kumiai/internal/store"
)

// downRuntime is an engine whose health check fails
type downRuntime struct {
	*agenttest.Runtime
}

func (downRuntime) Ping(context.Context) error { return errors.New("connection refused") }

func newTestServer(t *testing.T, rt agent.Runtime, limiter *ratelimit.Limiter) (*Server, *httptest.Server) {
	t.Helper()

	st, err := store.NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	locks := session.NewLockMap()
	bc := broadcast.NewManager(64, nil)
	exec := executor.New(executor.Config{}, executor.Deps{
		Runtime:     rt,
		Store:       st,
		Queue:       queue.NewManager(nil),
		Broadcaster: bc,
		Status:      session.NewStatusManager(st, bc, locks, nil),
		Gateway:     persist.NewGateway(st, bc, locks, nil),
		Audit:       audit.New(io.Discard, false),
	})

	s := NewServer(ServerConfig{Executor: exec, Runtime: rt, Limiter: limiter})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		exec.Close()
	})
	return s, ts
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func createSession(t *testing.T, base string) SessionView {
	t.Helper()
	var view SessionView
	if code := doJSON(t, http.MethodPost, base+"/sessions", CreateSessionRequest{Context: map[string]any{"title": "t"}}, &view); code != http.StatusCreated {
		t.Fatalf("create status = %d", code)
	}
	return view
}

func TestHealthAndReady(t *testing.T) {
	_, ts := newTestServer(t, agenttest.NewRuntime(agenttest.Echo), nil)

	if code := doJSON(t, http.MethodGet, ts.URL+"/health", nil, nil); code != http.StatusOK {
		t.Errorf("health = %d", code)
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/ready", nil, nil); code != http.StatusOK {
		t.Errorf("ready = %d", code)
	}
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestReadyWhenEngineDown(t *testing.T) {
	_, ts := newTestServer(t, downRuntime{agenttest.NewRuntime(agenttest.Echo)}, nil)

	if code := doJSON(t, http.MethodGet, ts.URL+"/ready", nil, nil); code != http.StatusServiceUnavailable {
		t.Errorf("ready = %d, want 503", code)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, agenttest.NewRuntime(agenttest.Echo), nil)

	view := createSession(t, ts.URL)
	if view.Status != "initializing" || view.Stage != "backlog" {
		t.Fatalf("new session = %s/%s", view.Status, view.Stage)
	}

	var accepted SessionView
	code := doJSON(t, http.MethodPost, ts.URL+"/sessions/"+view.ID+"/messages", PostMessageRequest{Content: "hello"}, &accepted)
	if code != http.StatusAccepted {
		t.Fatalf("post message = %d", code)
	}

	var history struct {
		Messages []MessageView `json:"messages"`
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		doJSON(t, http.MethodGet, ts.URL+"/sessions/"+view.ID+"/messages", nil, &history)
		if len(history.Messages) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(history.Messages) != 2 {
		t.Fatalf("history has %d messages, want 2", len(history.Messages))
	}
	if history.Messages[0].Role != "user" || history.Messages[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", history.Messages[0].Role, history.Messages[1].Role)
	}
	if history.Messages[1].Content != "hello" {
		t.Errorf("assistant content = %q", history.Messages[1].Content)
	}

	var page struct {
		Messages []MessageView `json:"messages"`
	}
	doJSON(t, http.MethodGet, ts.URL+"/sessions/"+view.ID+"/messages?after=1", nil, &page)
	if len(page.Messages) != 1 || page.Messages[0].Sequence != 2 {
		t.Errorf("paged history = %+v", page.Messages)
	}

	var cleared map[string]any
	if code := doJSON(t, http.MethodDelete, ts.URL+"/sessions/"+view.ID+"/queue", nil, &cleared); code != http.StatusOK {
		t.Errorf("clear queue = %d", code)
	}

	var done SessionView
	if code := doJSON(t, http.MethodPost, ts.URL+"/sessions/"+view.ID+"/complete", nil, &done); code != http.StatusOK {
		t.Fatalf("complete = %d", code)
	}
	if done.Status != "done" || done.Stage != "done" {
		t.Errorf("completed session = %s/%s", done.Status, done.Stage)
	}
}

func TestHTTPErrors(t *testing.T) {
	_, ts := newTestServer(t, agenttest.NewRuntime(agenttest.Echo), nil)
	view := createSession(t, ts.URL)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"invalid id", http.MethodGet, "/sessions/not-a-uuid", nil, http.StatusBadRequest},
		{"unknown session", http.MethodGet, "/sessions/550e8400-e29b-41d4-a716-446655440000", nil, http.StatusNotFound},
		{"empty message", http.MethodPost, "/sessions/" + view.ID + "/messages", PostMessageRequest{Content: " "}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/sessions/" + view.ID + "/messages", map[string]any{"text": "hi"}, http.StatusBadRequest},
		{"resume initializing", http.MethodPost, "/sessions/" + view.ID + "/resume", nil, http.StatusConflict},
		{"interrupt initializing", http.MethodPost, "/sessions/" + view.ID + "/interrupt", nil, http.StatusConflict},
		{"bad limit", http.MethodGet, "/sessions/" + view.ID + "/messages?limit=x", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]string
			code := doJSON(t, tt.method, ts.URL+tt.path, tt.body, &body)
			if code != tt.want {
				t.Errorf("status = %d, want %d (%v)", code, tt.want, body)
			}
			if body["error"] == "" {
				t.Error("error body missing")
			}
		})
	}
}

func TestPostMessageRateLimited(t *testing.T) {
	_, ts := newTestServer(t, agenttest.NewRuntime(agenttest.Echo), ratelimit.New(0.001, 1))
	view := createSession(t, ts.URL)

	post := func() int {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/sessions/"+view.ID+"/messages", strings.NewReader(`{"content":"hi"}`))
		req.Header.Set(ratelimit.SenderHeader, "agent-7")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(); code != http.StatusAccepted {
		t.Fatalf("first post = %d", code)
	}
	if code := post(); code != http.StatusTooManyRequests {
		t.Errorf("second post = %d, want 429", code)
	}
}

func TestEventStream(t *testing.T) {
	_, ts := newTestServer(t, agenttest.NewRuntime(agenttest.Echo), nil)
	view := createSession(t, ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sessions/"+view.ID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	doJSON(t, http.MethodPost, ts.URL+"/sessions/"+view.ID+"/messages", PostMessageRequest{Content: "ping"}, nil)

	var names []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
			if name == "result" {
				break
			}
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && !strings.Contains(data, `"session_id":"`+view.ID+`"`) {
			t.Errorf("frame without session_id: %s", data)
		}
	}

	want := []string{"user_message", "content_block", "message_complete", "result"}
	got := filterNames(names, want)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("event order = %v, want subsequence %v", names, want)
	}
}

func filterNames(names, keep []string) []string {
	set := map[string]bool{}
	for _, k := range keep {
		set[k] = true
	}
	var out []string
	for _, n := range names {
		if set[n] {
			out = append(out, n)
		}
	}
	return out
}

func toolText(t *testing.T, out any) string {
	t.Helper()
	res, ok := out.(*mcp_sdk.CallToolResult)
	if !ok || len(res.Content) == 0 {
		t.Fatalf("unexpected tool output %T", out)
	}
	return res.Content[0].(*mcp_sdk.TextContent).Text
}

func TestSessionTool(t *testing.T) {
	rt := agenttest.NewRuntime(agenttest.Echo)
	s, _ := newTestServer(t, rt, ratelimit.New(100, 100))
	r := s.GetRegistry()
	ctx := WithCaller(context.Background(), Caller{SessionID: "planner-session", AgentName: "Planner"})

	out, err := r.CallTool(ctx, "session", json.RawMessage(`{"action":"create","context":{"title":"x"}}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var view SessionView
	if err := json.Unmarshal([]byte(toolText(t, out)), &view); err != nil {
		t.Fatal(err)
	}

	args, _ := json.Marshal(SessionParams{Action: "message", SessionID: view.ID, Message: "status?"})
	if _, err := r.CallTool(ctx, "session", args); err != nil {
		t.Fatalf("message: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(rt.Turns()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	turns := rt.Turns()
	if len(turns) != 1 {
		t.Fatalf("engine received %d turns", len(turns))
	}
	if !strings.Contains(turns[0].Content, "[Message from Planner]") || !strings.Contains(turns[0].Content, "planner-session") {
		t.Errorf("turn is not attributed: %q", turns[0].Content)
	}

	args, _ = json.Marshal(SessionParams{Action: "history", SessionID: view.ID})
	out, err = r.CallTool(ctx, "session", args)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(toolText(t, out), `"origin_session_id": "planner-session"`) {
		t.Errorf("history lacks origin: %s", toolText(t, out))
	}
}

func TestSessionToolErrors(t *testing.T) {
	s, _ := newTestServer(t, agenttest.NewRuntime(agenttest.Echo), nil)
	r := s.GetRegistry()
	ctx := context.Background()

	tests := []struct {
		name string
		args string
		want string
	}{
		{"missing action", `{}`, "action parameter is required"},
		{"unknown action", `{"action":"explode","session_id":"550e8400-e29b-41d4-a716-446655440000"}`, "unknown action"},
		{"missing session", `{"action":"get"}`, "session_id is required"},
		{"bad session", `{"action":"get","session_id":"nope"}`, "invalid UUID"},
		{"unknown session", `{"action":"get","session_id":"550e8400-e29b-41d4-a716-446655440000"}`, "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.CallTool(ctx, "session", json.RawMessage(tt.args))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}
