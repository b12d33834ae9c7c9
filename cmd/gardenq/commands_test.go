package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/gardenq/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
	User   string
	Chain  string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
			User:   r.Header.Get("X-User-Address"),
			Chain:  r.Header.Get("X-Chain-ID"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"job not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		user:       "0xAlice",
		chain:      42161,
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) last(t *testing.T) recordedRequest {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.requests) == 0 {
		t.Fatal("no requests recorded")
	}
	return ts.requests[len(ts.requests)-1]
}

// useClient points every command at c for the duration of the test.
func useClient(t *testing.T, c *apiClient) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return c, nil }
	t.Cleanup(func() { newAPIClient = old })
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

var ctx = context.Background()

func TestClient_SendsAuthAndScope(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /stats": `{"pending":2}`,
	})

	resp, err := ts.client().get(ctx, "/stats")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var stats map[string]int
	if err := decodeJSON(resp, &stats); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if stats["pending"] != 2 {
		t.Errorf("pending = %d, want 2", stats["pending"])
	}

	r := ts.last(t)
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if r.User != "0xAlice" || r.Chain != "42161" {
		t.Errorf("scope headers = %q/%q", r.User, r.Chain)
	}
}

func TestDecodeJSON_ErrorMessage(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/jobs/nope")
	if err != nil {
		t.Fatal(err)
	}
	err = decodeJSON(resp, &map[string]any{})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "job not found") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestRequireScope(t *testing.T) {
	c := &apiClient{user: "0xa"}
	if err := c.requireScope(); err != errNoScope {
		t.Errorf("requireScope() = %v, want errNoScope", err)
	}
	c.chain = 1
	if err := c.requireScope(); err != nil {
		t.Errorf("requireScope() = %v", err)
	}
}

func TestWorkCommand_MissingArgs(t *testing.T) {
	err := execute(t, "work", "--garden", "", "--action", "")
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestWorkCommand_PostsPayloadAndMedia(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /jobs/work": `{"job":{"id":"job-123456789","kind":"work","status":"pending"},"duplicate":{"is_duplicate":false}}`,
	})
	useClient(t, ts.client())

	photo := filepath.Join(t.TempDir(), "leaf.png")
	if err := os.WriteFile(photo, []byte("\x89PNG\r\n\x1a\nfake"), 0o600); err != nil {
		t.Fatal(err)
	}

	err := execute(t, "work",
		"--garden", "0xgarden",
		"--action", "act-1",
		"--plants", "kale, chard",
		"--count", "3",
		"--media", photo,
	)
	if err != nil {
		t.Fatalf("work: %v", err)
	}

	r := ts.last(t)
	if r.Method != "POST" || r.Path != "/jobs/work" {
		t.Fatalf("request = %s %s", r.Method, r.Path)
	}
	var body struct {
		GardenAddress  string            `json:"garden_address"`
		ActionUID      string            `json:"action_uid"`
		PlantSelection []string          `json:"plant_selection"`
		PlantCount     int               `json:"plant_count"`
		Meta           map[string]string `json:"meta"`
		Media          []mediaUpload     `json:"media"`
	}
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.GardenAddress != "0xgarden" || body.ActionUID != "act-1" {
		t.Errorf("body = %+v", body)
	}
	if len(body.PlantSelection) != 2 || body.PlantSelection[1] != "chard" {
		t.Errorf("plant_selection = %v", body.PlantSelection)
	}
	if body.PlantCount != 3 {
		t.Errorf("plant_count = %d", body.PlantCount)
	}
	if body.Meta["source"] != "cli" {
		t.Errorf("meta = %v", body.Meta)
	}
	if len(body.Media) != 1 || body.Media[0].Name != "leaf.png" {
		t.Fatalf("media = %+v", body.Media)
	}
	raw, err := base64.StdEncoding.DecodeString(body.Media[0].Data)
	if err != nil || !bytes.HasPrefix(raw, []byte("\x89PNG")) {
		t.Errorf("media data not round-tripped: %v", err)
	}
}

func TestApproveCommand_Reject(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /jobs/approval": `{"job":{"id":"job-1","kind":"approval","status":"pending"},"duplicate":{}}`,
	})
	useClient(t, ts.client())

	err := execute(t, "approve", "0xwork",
		"--garden", "0xgarden",
		"--action", "act-1",
		"--gardener", "0xbob",
		"--reject",
	)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.last(t).Body), &body); err != nil {
		t.Fatal(err)
	}
	if body["work_uid"] != "0xwork" {
		t.Errorf("work_uid = %v", body["work_uid"])
	}
	if body["approved"] != false {
		t.Errorf("approved = %v, want false", body["approved"])
	}
}

func TestJobActionCommands(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /jobs/abc/retry": `{"id":"abc","status":"pending"}`,
		"POST /jobs/abc/sync":  `{"id":"abc","status":"synced"}`,
		"DELETE /jobs/abc":     `{"status":"discarded"}`,
	})
	useClient(t, ts.client())

	tests := []struct {
		args   []string
		method string
		path   string
	}{
		{[]string{"jobs", "retry", "abc"}, "POST", "/jobs/abc/retry"},
		{[]string{"jobs", "sync", "abc"}, "POST", "/jobs/abc/sync"},
		{[]string{"jobs", "discard", "abc"}, "DELETE", "/jobs/abc"},
	}
	for _, tt := range tests {
		if err := execute(t, tt.args...); err != nil {
			t.Fatalf("%v: %v", tt.args, err)
		}
		r := ts.last(t)
		if r.Method != tt.method || r.Path != tt.path {
			t.Errorf("%v sent %s %s, want %s %s", tt.args, r.Method, r.Path, tt.method, tt.path)
		}
	}

	if err := execute(t, "jobs", "retry", "missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestJobsList_QueryString(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /jobs": `[{"id":"job-1","kind":"work","status":"failed","attempts":2,"last_error":"boom"}]`,
	})
	useClient(t, ts.client())

	if err := execute(t, "jobs", "list", "--status", "failed", "--kind", "work", "--limit", "5"); err != nil {
		t.Fatal(err)
	}
	path := ts.last(t).Path
	for _, want := range []string{"status=failed", "kind=work", "limit=5"} {
		if !strings.Contains(path, want) {
			t.Errorf("path %q missing %q", path, want)
		}
	}
}

func TestScopedCommandsRequireScope(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.client()
	c.user = ""
	useClient(t, c)

	if err := execute(t, "stats"); err != errNoScope {
		t.Errorf("stats without scope = %v, want errNoScope", err)
	}
}

func TestConnectivityCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /connectivity": `{"online":false}`,
	})
	useClient(t, ts.client())

	if err := execute(t, "connectivity", "offline"); err != nil {
		t.Fatal(err)
	}
	if body := ts.last(t).Body; !strings.Contains(body, `"online":false`) {
		t.Errorf("body = %s", body)
	}

	if err := execute(t, "connectivity", "sideways"); err == nil {
		t.Error("expected error for invalid argument")
	}
}

func TestSplitFlag(t *testing.T) {
	got := splitFlag(" a, ,b ,c")
	want := []string{"a", "b", "c"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("splitFlag = %v, want %v", got, want)
	}
	if splitFlag("") != nil {
		t.Error("splitFlag(\"\") should be nil")
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "nested"))
	if err := writePIDFile(path); err != nil {
		t.Fatal(err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file should be gone")
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorRed, "x"); result != "x" {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(colorRed, "x"); !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestBytesLabel(t *testing.T) {
	if got := bytesLabel(50 * 1000 * 1000); got != "50 MB" {
		t.Errorf("bytesLabel = %q, want 50 MB", got)
	}
	if got := bytesLabel(-1); got != "0 B" {
		t.Errorf("bytesLabel(-1) = %q", got)
	}
}

// TestNewApp wires the daemon against in-memory storage and drives it
// through the CLI client.
func TestNewApp(t *testing.T) {
	cfg := config.Config{}
	cfg.Storage.DataDir = ":memory:"
	cfg.Dedup.Enabled = true
	cfg.Dedup.TimeWindow = 24 * time.Hour
	cfg.Dedup.Threshold = 0.8

	a, err := newApp(cfg, "secret")
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { a.close() })
	if a.mcp == nil {
		t.Fatal("MCP server not wired")
	}

	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)
	c := &apiClient{baseURL: srv.URL, token: "secret", user: "0xAlice", chain: 10, httpClient: srv.Client()}

	req := map[string]any{
		"garden_address":  "0xgarden",
		"action_uid":      "act-1",
		"plant_selection": []string{"kale"},
		"plant_count":     1,
	}
	resp, err := c.post(ctx, "/jobs/work", req)
	if err != nil {
		t.Fatal(err)
	}
	var first enqueueView
	if err := decodeJSON(resp, &first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if first.Job.Status != "pending" || first.Duplicate.IsDuplicate {
		t.Errorf("first enqueue = %+v", first)
	}

	resp, err = c.post(ctx, "/jobs/work", req)
	if err != nil {
		t.Fatal(err)
	}
	var second enqueueView
	if err := decodeJSON(resp, &second); err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate.IsDuplicate {
		t.Error("second identical enqueue should be flagged as duplicate")
	}

	resp, err = c.get(ctx, "/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats map[string]int
	if err := decodeJSON(resp, &stats); err != nil {
		t.Fatal(err)
	}
	if stats["pending"] != 2 {
		t.Errorf("pending = %d, want 2", stats["pending"])
	}

	bad := &apiClient{baseURL: srv.URL, token: "wrong", user: "0xAlice", chain: 10, httpClient: srv.Client()}
	resp, err = bad.get(ctx, "/stats")
	if err != nil {
		t.Fatal(err)
	}
	if err := decodeJSON(resp, &stats); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("wrong token error = %v, want 401", err)
	}
}

func TestReportEnqueued_WarnsOnDuplicate(t *testing.T) {
	var buf bytes.Buffer
	old, oldColor := stderr, noColor
	stderr, noColor = &buf, true
	defer func() { stderr, noColor = old, oldColor }()

	reportEnqueued("work", enqueueView{
		Job:       jobView{ID: "0123456789abcdef"},
		Duplicate: duplicateView{IsDuplicate: true, ExistingWorkID: "job-1", Source: "local", Similarity: 1},
	})

	out := buf.String()
	if !strings.Contains(out, "✓ Queued work 01234567") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "⚠ possible duplicate of job-1 (local, similarity 1.00)") {
		t.Errorf("output = %q", out)
	}
}
