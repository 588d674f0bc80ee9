package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/internal/claim"
	"courier/internal/config"
	"courier/internal/instancelock"
	"courier/internal/logging"
	"courier/internal/report"
	"courier/internal/services"
	"courier/internal/testsupport"
	"courier/internal/transport"
)

// fakeServer emulates the remote upload API. Handlers can be overridden per
// test to produce failures, busy queues, or protocol quirks.
type fakeServer struct {
	t  *testing.T
	mu sync.Mutex

	pingCount   int
	statusCount int
	uploadTries int

	sessions map[string]string // upload id -> file name
	chunks   map[string][][]byte
	received map[string][]byte

	pingBody    func(call int) string
	statusBody  func(call int) string
	noSessions  bool
	uploadReply func(try int) int // status code; 0 means accept
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{
		t:        t,
		sessions: make(map[string]string),
		chunks:   make(map[string][][]byte),
		received: make(map[string][]byte),
	}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get("X-API-Key"); got != "test-key" {
		f.t.Errorf("request %s missing API key, got %q", r.URL.Path, got)
	}
	if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "Courier/") {
		f.t.Errorf("unexpected user agent %q", ua)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/api/uploader/")
	switch {
	case path == "ping":
		f.pingCount++
		body := `{"serviceStatus":"running","keyStatus":"valid","environment":"test"}`
		if f.pingBody != nil {
			body = f.pingBody(f.pingCount)
		}
		writeJSON(w, body)
	case path == "status":
		f.statusCount++
		body := `{"isBusy":false,"pending":0,"processing":0}`
		if f.statusBody != nil {
			body = f.statusBody(f.statusCount)
		}
		writeJSON(w, body)
	case path == "start":
		if f.noSessions {
			http.NotFound(w, r)
			return
		}
		var req struct {
			FileName string `json:"fileName"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id := fmt.Sprintf("session-%d", len(f.sessions)+1)
		f.sessions[id] = req.FileName
		writeJSON(w, fmt.Sprintf(`{"id":%q}`, id))
	case path == "upload":
		f.acceptWhole(w, r, "")
	case strings.HasSuffix(path, "/upload"):
		f.acceptWhole(w, r, strings.TrimSuffix(path, "/upload"))
	case strings.HasSuffix(path, "/upload-chunk"):
		f.acceptChunk(w, r, strings.TrimSuffix(path, "/upload-chunk"))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeServer) acceptWhole(w http.ResponseWriter, r *http.Request, sessionID string) {
	f.uploadTries++
	if f.uploadReply != nil {
		if code := f.uploadReply(f.uploadTries); code != 0 {
			http.Error(w, http.StatusText(code), code)
			return
		}
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	name := header.Filename
	if sessionID != "" {
		if mapped, ok := f.sessions[sessionID]; ok {
			name = mapped
		}
	}
	f.received[name] = data
	writeJSON(w, `{"ok":true}`)
}

func (f *fakeServer) acceptChunk(w http.ResponseWriter, r *http.Request, sessionID string) {
	f.uploadTries++
	if f.uploadReply != nil {
		if code := f.uploadReply(f.uploadTries); code != 0 {
			http.Error(w, http.StatusText(code), code)
			return
		}
	}
	index, err := strconv.Atoi(r.FormValue("chunkIndex"))
	if err != nil {
		http.Error(w, "bad chunkIndex", http.StatusBadRequest)
		return
	}
	total, err := strconv.Atoi(r.FormValue("totalChunks"))
	if err != nil {
		http.Error(w, "bad totalChunks", http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("chunk")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if index != len(f.chunks[sessionID]) {
		http.Error(w, "chunk out of order", http.StatusBadRequest)
		return
	}
	f.chunks[sessionID] = append(f.chunks[sessionID], data)
	if len(f.chunks[sessionID]) == total {
		f.received[f.sessions[sessionID]] = bytes.Join(f.chunks[sessionID], nil)
	}
	writeJSON(w, `{"ok":true}`)
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) *Orchestrator {
	t.Helper()
	logger := logging.NewNop()
	o := NewWithDependencies(
		cfg,
		transport.New(cfg.Server.URL, cfg.Server.APIKey, logger),
		instancelock.New(cfg.LockPath(), cfg.LockStaleness(), logger),
		claim.New(cfg.InboxDir(), cfg.ProcessedDir(), logger),
		report.NewWriter(cfg.LogDir(), logger),
		nil,
		logger,
	)
	o.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return o
}

func inboxNames(t *testing.T, cfg *config.Config) []string {
	t.Helper()
	entries, err := os.ReadDir(cfg.InboxDir())
	if err != nil {
		t.Fatalf("read inbox: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRunDeliversWholeAndChunked(t *testing.T) {
	fake, srv := newFakeServer(t)
	cfg := testsupport.NewConfig(t, testsupport.WithServerURL(srv.URL))
	cfg.Upload.ChunkThresholdMB = 1

	testsupport.WriteFile(t, filepath.Join(cfg.InboxDir(), "a.txt"), 100)
	testsupport.WriteFile(t, filepath.Join(cfg.InboxDir(), "b.bin"), 1536*1024)
	wantA := testsupport.ReadFile(t, filepath.Join(cfg.InboxDir(), "a.txt"))
	wantB := testsupport.ReadFile(t, filepath.Join(cfg.InboxDir(), "b.bin"))

	o := newTestOrchestrator(t, cfg)
	result, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Successful != 2 || result.Failed != 0 {
		t.Fatalf("unexpected counts: %+v", result)
	}

	if got := fake.received["a.txt"]; !bytes.Equal(got, wantA) {
		t.Errorf("a.txt: got %d bytes, want %d", len(got), len(wantA))
	}
	if got := fake.received["b.bin"]; !bytes.Equal(got, wantB) {
		t.Errorf("b.bin: got %d bytes, want %d", len(got), len(wantB))
	}
	if chunks := len(fake.chunks["session-2"]); chunks != 2 {
		t.Errorf("b.bin chunk count = %d, want 2", chunks)
	}

	if names := inboxNames(t, cfg); len(names) != 0 {
		t.Errorf("inbox should be drained, found %v", names)
	}
	for _, name := range []string{"a.txt", "b.bin"} {
		if _, err := os.Stat(filepath.Join(cfg.ProcessedDir(), name)); err != nil {
			t.Errorf("processed/%s missing: %v", name, err)
		}
	}

	reports, err := filepath.Glob(filepath.Join(cfg.LogDir(), "upload-report-*.json"))
	if err != nil || len(reports) != 1 {
		t.Fatalf("expected one report, got %v (%v)", reports, err)
	}
	var persisted report.RunResult
	if err := json.Unmarshal(testsupport.ReadFile(t, reports[0]), &persisted); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if persisted.ID != result.ID || persisted.Successful != 2 {
		t.Errorf("report mismatch: %+v", persisted)
	}
}

func TestRunEmptyInboxSkipsServer(t *testing.T) {
	fake, srv := newFakeServer(t)
	cfg := testsupport.NewConfig(t, testsupport.WithServerURL(srv.URL))

	o := newTestOrchestrator(t, cfg)
	result, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Total != 0 {
		t.Fatalf("Total = %d, want 0", result.Total)
	}
	if fake.pingCount != 0 {
		t.Errorf("server contacted %d times for an empty inbox", fake.pingCount)
	}
	if reports, _ := filepath.Glob(filepath.Join(cfg.LogDir(), "upload-report-*.json")); len(reports) != 0 {
		t.Errorf("no report expected for an empty run, found %v", reports)
	}
}

func TestRunIgnoresClaimedAndHiddenFiles(t *testing.T) {
	fake, srv := newFakeServer(t)
	cfg := testsupport.NewConfig(t, testsupport.WithServerURL(srv.URL))

	testsupport.WriteFile(t, filepath.Join(cfg.InboxDir(), "visible.txt"), 10)
	testsupport.WriteFile(t, filepath.Join(cfg.InboxDir(), "taken.txt"+claim.ReservedSuffix), 10)
	testsupport.WriteFile(t, filepath.Join(cfg.InboxDir(), ".hidden"), 10)

	o := newTestOrchestrator(t, cfg)
	result, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Total != 1 || result.Successful != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if _, ok := fake.received["visible.txt"]; !ok {
		t.Error("visible.txt was not uploaded")
	}
	if _, ok := fake.received[".hidden"]; ok {
		t.Error("hidden file was uploaded")
	}
}

func TestRunLockConflictAbortsBeforeTouchingFiles(t *testing.T) {
	_, srv := newFakeServer(t)
	cfg := testsupport.NewConfig(t, testsupport.WithServerURL(srv.URL))
	testsupport.WriteFile(t, filepath.Join(cfg.InboxDir(), "a.txt"), 10)

	// A fresh token owned by pid 1 on this host reads as a live foreign
	// instance.
	hostname, _ := os.Hostname()
	token, _ := json.Marshal(map[string]any{
		"pid":        1,
		"hostname":   hostname,
		"started_at": time.Now().Format(time.RFC3339),
		"timestamp":  time.Now().Unix(),
	})
	if err := os.WriteFile(cfg.LockPath(), token, 0o644); err != nil {
		t.Fatalf("seed lock token: %v", err)
	}

	o := newTestOrchestrator(t, cfg)
	result, err := o.Run(context.Background())
	if !errors.Is(err, services.ErrLockConflict) {
		t.Fatalf("err = %v, want lock conflict", err)
	}
	if result.Aborted != "lock conflict" {
		t.Errorf("Aborted = %q", result.Aborted)
	}
	if names := inboxNames(t, cfg); len(names) != 1 || names[0] != "a.txt" {
		t.Errorf("inbox disturbed: %v", names)
	}
}

func TestRunServerUnresponsiveFailsAllWithoutClaiming(t *testing.T) {
	fake, srv := newFakeServer(t)
	fake.pingBody = func(int) string { return `{"serviceStatus":"starting"}` }
	cfg := testsupport.NewConfig(t, testsupport.WithServerURL(srv.URL))
	cfg.Upload.WakeupAttempts = 3
	testsupport.WriteFile(t, filepath.Join(cfg.InboxDir(), "a.txt"), 10)
	testsupport.WriteFile(t, filepath.Join(cfg.InboxDir(), "b.txt"), 10)

	o := newTestOrchestrator(t, cfg)
	result, err := o.Run(context.Background())
	if !errors.Is(err, services.ErrServerUnresponsive) {
		t.Fatalf("err = %v, want server unresponsive", err)
	}
	if fake.pingCount != 3 {
		t.Errorf("pingCount = %d, want 3", fake.pingCount)
	}
	if result.Failed != 2 || result.Aborted == "" {
		t.Errorf("unexpected result: %+v", result)
	}
	if names := inboxNames(t, cfg); len(names) != 2 {
		t.Errorf("files should remain unclaimed in inbox, found %v", names)
	}
	if reports, _ := filepath.Glob(filepath.Join(cfg.LogDir(), "upload-report-*.json")); len(reports) != 1 {
		t.Errorf("aborted run should still write a report, found %v", reports)
	}
}

func TestRunWaitsForKeyValidation(t *testing.T) {
	fake, srv := newFakeServer(t)
	fake.pingBody = func(call int) string {
		if call < 3 {
			return `{"serviceStatus":"running","keyStatus":"pending"}`
		}
		return `{"serviceStatus":"running","keyStatus":"valid"}`
	}
	cfg := testsupport.NewConfig(t, testsupport.WithServerURL(srv.URL))
	testsupport.WriteFile(t, filepath.Join(cfg.InboxDir(), "a.txt"), 10)

	o := newTestOrchestrator(t, cfg)
	result, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fake.pingCount != 3 {
		t.Errorf("pingCount = %d, want 3", fake.pingCount)
	}
	if result.Successful != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestRunHostNotApprovedSkipsAllFiles(t *testing.T) {
	fake, srv := newFakeServer(t)
	fake.pingBody = func(int) string {
		return `{"serviceStatus":"running","keyStatus":"valid","hostStatus":{"hostname":"box","status":"pending"}}`
	}
	cfg := testsupport.NewConfig(t, testsupport.WithServerURL(srv.URL))
	testsupport.WriteFile(t, filepath.Join(cfg.InboxDir(), "a.txt"), 10)

	o := newTestOrchestrator(t, cfg)
	result, err := o.Run(context.Background())
	if !errors.Is(err, services.ErrHostNotApproved) {
		t.Fatalf("err = %v, want host not approved", err)
	}
	if result.Skipped != 1 || result.Successful != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
	if fake.uploadTries != 0 {
		t.Errorf("no uploads expected, server saw %d", fake.uploadTries)
	}
	if names := inboxNames(t, cfg); len(names) != 1 {
		t.Errorf("inbox disturbed: %v", names)
	}
}

func TestRunRetriesTransientFailure(t *testing.T) {
	fake, srv := newFakeServer(t)
	fake.uploadReply = func(try int) int {
		if try == 1 {
			return http.StatusInternalServerError
		}
		return 0
	}
	cfg := testsupport.NewConfig(t, testsupport.WithServerURL(srv.URL))
	testsupport.WriteFile(t, filepath.Join(cfg.InboxDir(), "a.txt"), 10)

	o := newTestOrchestrator(t, cfg)
	result, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Successful != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := result.Files[0].Attempts; got != 2 {
		t.Errorf("Attempts = %d, want 2", got)
	}
}

func TestRunGivesUpAfterRetryBudget(t *testing.T) {
	fake, srv := newFakeServer(t)
	fake.uploadReply = func(int) int { return http.StatusInternalServerError }
	cfg := testsupport.NewConfig(t, testsupport.WithServerURL(srv.URL))
	cfg.Upload.MaxRetries = 2
	testsupport.WriteFile(t, filepath.Join(cfg.InboxDir(), "a.txt"), 10)

	o := newTestOrchestrator(t, cfg)
	result, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	file := result.Files[0]
	if file.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", file.Attempts)
	}
	if file.Error == "" {
		t.Error("failed file carries no error detail")
	}
	// The file goes back to the inbox under its original name for the next
	// run.
	if names := inboxNames(t, cfg); len(names) != 1 || names[0] != "a.txt" {
		t.Errorf("inbox after failure: %v", names)
	}
}

func TestRunDuplicateCountsAsDelivered(t *testing.T) {
	fake, srv := newFakeServer(t)
	fake.uploadReply = func(int) int { return http.StatusConflict }
	cfg := testsupport.NewConfig(t, testsupport.WithServerURL(srv.URL))
	testsupport.WriteFile(t, filepath.Join(cfg.InboxDir(), "a.txt"), 10)

	o := newTestOrchestrator(t, cfg)
	result, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Successful != 1 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := result.Files[0].Outcome; got != report.OutcomeDuplicate {
		t.Errorf("Outcome = %q, want duplicate", got)
	}
	if _, err := os.Stat(filepath.Join(cfg.ProcessedDir(), "a.txt")); err != nil {
		t.Errorf("duplicate should still be archived: %v", err)
	}
}

func TestRunSessionlessServerFallsBack(t *testing.T) {
	fake, srv := newFakeServer(t)
	fake.noSessions = true
	cfg := testsupport.NewConfig(t, testsupport.WithServerURL(srv.URL))
	cfg.Upload.ChunkThresholdMB = 1
	// Over the chunk threshold, but the server cannot do sessions, so the
	// file must travel whole through the legacy endpoint.
	testsupport.WriteFile(t, filepath.Join(cfg.InboxDir(), "big.bin"), 1536*1024)

	o := newTestOrchestrator(t, cfg)
	result, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Successful != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(fake.chunks) != 0 {
		t.Errorf("no chunk uploads expected, got %v", fake.chunks)
	}
	if got := len(fake.received["big.bin"]); got != 1536*1024 {
		t.Errorf("received %d bytes, want %d", got, 1536*1024)
	}
}

func TestRunPacesBatchesOnBusyServer(t *testing.T) {
	fake, srv := newFakeServer(t)
	fake.statusBody = func(call int) string {
		if call == 1 {
			return `{"isBusy":true,"pending":4,"processing":1}`
		}
		return `{"isBusy":false}`
	}
	cfg := testsupport.NewConfig(t, testsupport.WithServerURL(srv.URL))
	cfg.Upload.BatchSize = 2
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		testsupport.WriteFile(t, filepath.Join(cfg.InboxDir(), name), 10)
	}

	o := newTestOrchestrator(t, cfg)
	result, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Successful != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
	// One pause after the first batch: busy once, then clear.
	if fake.statusCount != 2 {
		t.Errorf("statusCount = %d, want 2", fake.statusCount)
	}
}

func TestRunReleasesLockOnCompletion(t *testing.T) {
	_, srv := newFakeServer(t)
	cfg := testsupport.NewConfig(t, testsupport.WithServerURL(srv.URL))
	testsupport.WriteFile(t, filepath.Join(cfg.InboxDir(), "a.txt"), 10)

	o := newTestOrchestrator(t, cfg)
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(cfg.LockPath()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock token should be removed after the run: %v", err)
	}

	// A second run must be able to take the lock again.
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
}
