package instancelock

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"courier/internal/services"
)

func newTestManager(t *testing.T, path string) *Manager {
	t.Helper()
	m := New(path, 30*time.Minute, nil)
	t.Cleanup(m.Release)
	return m
}

func writeToken(t *testing.T, path string, token Token) {
	t.Helper()
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		t.Fatalf("marshal token: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write token: %v", err)
	}
}

func TestAcquireWritesToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploader.lock")
	m := newTestManager(t, path)

	if err := m.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !m.Held() {
		t.Fatal("expected lock to be held")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read token: %v", err)
	}
	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if token.PID != os.Getpid() {
		t.Fatalf("token pid = %d, want %d", token.PID, os.Getpid())
	}
	if token.Hostname == "" || token.Timestamp == 0 {
		t.Fatalf("incomplete token: %+v", token)
	}
}

func TestAcquireConflictNamesLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploader.lock")
	m := newTestManager(t, path)

	writeToken(t, path, Token{
		PID:       4242,
		Hostname:  m.hostname,
		StartedAt: time.Now(),
		Timestamp: time.Now().Unix(),
	})
	m.pidAlive = func(int32) (bool, error) { return true, nil }

	err := m.Acquire()
	if !errors.Is(err, services.ErrLockConflict) {
		t.Fatalf("expected lock conflict, got %v", err)
	}
	if got := err.Error(); !containsAll(got, "4242", m.hostname) {
		t.Fatalf("conflict error should name owner, got %q", got)
	}
	if m.Held() {
		t.Fatal("lock must not be held after conflict")
	}
}

func TestAcquireOverridesDeadOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploader.lock")
	m := newTestManager(t, path)

	writeToken(t, path, Token{
		PID:       4242,
		Hostname:  m.hostname,
		StartedAt: time.Now(),
		Timestamp: time.Now().Unix(),
	})
	m.pidAlive = func(int32) (bool, error) { return false, nil }

	if err := m.Acquire(); err != nil {
		t.Fatalf("expected override of dead owner, got %v", err)
	}
}

func TestAcquireOverridesStaleTokenRegardlessOfLiveness(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploader.lock")
	m := newTestManager(t, path)

	old := time.Now().Add(-45 * time.Minute)
	writeToken(t, path, Token{
		PID:       4242,
		Hostname:  m.hostname,
		StartedAt: old,
		Timestamp: old.Unix(),
	})
	m.pidAlive = func(int32) (bool, error) { return true, nil }

	if err := m.Acquire(); err != nil {
		t.Fatalf("expected stale override, got %v", err)
	}
}

func TestAcquireConservativeForForeignHost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploader.lock")
	m := newTestManager(t, path)

	writeToken(t, path, Token{
		PID:       1,
		Hostname:  m.hostname + "-other",
		StartedAt: time.Now(),
		Timestamp: time.Now().Unix(),
	})
	m.pidAlive = func(int32) (bool, error) { return false, nil }

	err := m.Acquire()
	if !errors.Is(err, services.ErrLockConflict) {
		t.Fatalf("foreign-host token must be treated as held, got %v", err)
	}
}

func TestReleaseLeavesForeignToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploader.lock")
	m := newTestManager(t, path)

	if err := m.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Simulate a later acquirer overriding this token as stale.
	writeToken(t, path, Token{
		PID:       9999,
		Hostname:  m.hostname,
		StartedAt: time.Now(),
		Timestamp: time.Now().Unix(),
	})

	m.Release()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("release must not delete a token it no longer owns: %v", err)
	}
}

func TestReleaseRemovesOwnToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploader.lock")
	m := newTestManager(t, path)

	if err := m.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	m.Release()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected token removed, got %v", err)
	}
	if m.Held() {
		t.Fatal("lock should not be held after release")
	}

	// Released locks are immediately reacquirable.
	if err := m.Acquire(); err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
}

func TestSecondManagerLosesToFreshToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploader.lock")
	first := newTestManager(t, path)
	second := newTestManager(t, path)
	second.pid = second.pid + 1
	second.pidAlive = func(int32) (bool, error) { return true, nil }

	if err := first.Acquire(); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if err := second.Acquire(); !errors.Is(err, services.ErrLockConflict) {
		t.Fatalf("second Acquire should conflict, got %v", err)
	}
}

func containsAll(s string, fragments ...string) bool {
	for _, fragment := range fragments {
		if !strings.Contains(s, fragment) {
			return false
		}
	}
	return true
}
