package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T, serverURL string) (string, string) {
	t.Helper()
	base := t.TempDir()
	configPath := filepath.Join(base, "config.toml")
	content := strings.Join([]string{
		"[server]",
		`url = "` + serverURL + `"`,
		`api_key = "test-key"`,
		"",
		"[paths]",
		`base_dir = "` + filepath.Join(base, "courier") + `"`,
	}, "\n")
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath, base
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPingCommandReportsServerState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/uploader/ping" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"serviceStatus":"running","keyStatus":"valid","keyUser":"alex","environment":"prod"}`))
	}))
	defer srv.Close()

	configPath, _ := writeTestConfig(t, srv.URL)
	out, err := runCommand(t, "--config", configPath, "ping")
	if err != nil {
		t.Fatalf("ping: %v\n%s", err, out)
	}
	for _, want := range []string{"Connection", "running", "alex"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusCommandRendersQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/uploader/status" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"isBusy":true,"pending":4,"processing":1,"completed":7,"failed":2}`))
	}))
	defer srv.Close()

	configPath, _ := writeTestConfig(t, srv.URL)
	out, err := runCommand(t, "--config", configPath, "status")
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Busy:   yes") {
		t.Errorf("busy flag missing:\n%s", out)
	}
	for _, want := range []string{"waiting", "processing", "completed", "failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestUploadCommandEmptyInbox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s for an empty inbox", r.URL.Path)
	}))
	defer srv.Close()

	configPath, _ := writeTestConfig(t, srv.URL)
	out, err := runCommand(t, "--config", configPath, "upload")
	if err != nil {
		t.Fatalf("upload: %v\n%s", err, out)
	}
	if !strings.Contains(out, "nothing to upload") {
		t.Errorf("expected empty-inbox notice:\n%s", out)
	}
}

func TestConfigInitWritesSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")
	out, err := runCommand(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v\n%s", err, out)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[server]") {
		t.Errorf("sample config missing server section:\n%s", data)
	}

	if _, err := runCommand(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected error when target exists without --overwrite")
	}
}

func TestHistoryCommandEmptyDatabase(t *testing.T) {
	configPath, _ := writeTestConfig(t, "http://127.0.0.1:0")
	out, err := runCommand(t, "--config", configPath, "history")
	if err != nil {
		t.Fatalf("history: %v\n%s", err, out)
	}
	if !strings.Contains(out, "No upload runs recorded yet.") {
		t.Errorf("expected empty history notice:\n%s", out)
	}
}
