package instancelock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v4/process"

	"courier/internal/logging"
	"courier/internal/services"
)

// Token is the persisted lock record. Exactly one valid token exists at a
// time at the configured path.
type Token struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Timestamp int64     `json:"timestamp"`
}

// Age returns the wall-clock age of the token.
func (t Token) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(t.Timestamp, 0))
}

// Manager serializes upload runs across processes through a token file in
// the shared logs directory. The token protocol is advisory: staleness and
// same-host liveness decide whether an existing token may be overridden.
type Manager struct {
	path      string
	hostname  string
	pid       int
	staleness time.Duration
	guard     *flock.Flock
	logger    *slog.Logger

	acquired atomic.Bool

	// pidAlive is swappable in tests.
	pidAlive func(int32) (bool, error)
	now      func() time.Time
}

// New constructs a lock manager for the given token path.
func New(path string, staleness time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Manager{
		path:      path,
		hostname:  hostname,
		pid:       os.Getpid(),
		staleness: staleness,
		guard:     flock.New(path),
		logger:    logger.With(logging.String(logging.FieldComponent, "instancelock")),
		pidAlive:  func(pid int32) (bool, error) { return process.PidExists(pid) },
		now:       time.Now,
	}
}

// Acquire takes the instance lock or fails with a lock-conflict error naming
// the current owner. An existing token is overridden when it is older than
// the staleness threshold, or when it belongs to a dead process on this
// host. A token owned by another host is treated as held.
func (m *Manager) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, "instancelock", "acquire", "create lock directory", err)
	}

	// The OS advisory lock closes the read-decide-write race between two
	// local acquirers. It is held only for the critical section; the token
	// contents carry the long-lived ownership.
	locked, err := m.guard.TryLock()
	if err != nil {
		return services.Wrap(services.ErrLockConflict, "instancelock", "acquire", "lock file guard", err)
	}
	if !locked {
		return services.Wrap(services.ErrLockConflict, "instancelock", "acquire",
			"another instance is acquiring the lock right now", nil)
	}
	defer func() {
		_ = m.guard.Unlock()
	}()

	existing, err := m.readToken()
	if err != nil {
		// Unreadable token files are treated like stale ones.
		m.logger.Warn("existing lock token unreadable, overriding", logging.Error(err))
	}

	if existing != nil {
		age := existing.Age(m.now())
		switch {
		case age > m.staleness:
			m.logger.Warn("overriding stale lock token",
				logging.Int("owner_pid", existing.PID),
				logging.String("owner_host", existing.Hostname),
				logging.Duration("age", age))
		case existing.Hostname == m.hostname:
			alive, probeErr := m.pidAlive(int32(existing.PID))
			if probeErr != nil || alive {
				return services.Wrap(services.ErrLockConflict, "instancelock", "acquire",
					fmt.Sprintf("another uploader instance is already running (pid %d on %s, started %s)",
						existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339)), nil)
			}
			m.logger.Warn("overriding orphaned lock token from dead process",
				logging.Int("owner_pid", existing.PID))
		default:
			// Liveness cannot be verified across hosts; stay conservative.
			return services.Wrap(services.ErrLockConflict, "instancelock", "acquire",
				fmt.Sprintf("another uploader instance is running on %s (pid %d, started %s)",
					existing.Hostname, existing.PID, existing.StartedAt.Format(time.RFC3339)), nil)
		}
	}

	if err := m.writeToken(); err != nil {
		return services.Wrap(services.ErrLockConflict, "instancelock", "acquire", "write lock token", err)
	}
	m.acquired.Store(true)
	m.logger.Info("instance lock acquired", logging.Int("pid", m.pid), logging.String("path", m.path))
	return nil
}

// Release deletes the token file, but only while the persisted owner is still
// this process. A token overridden by a later acquirer as stale belongs to
// that acquirer and must survive.
func (m *Manager) Release() {
	if !m.acquired.Load() {
		return
	}

	if locked, err := m.guard.TryLock(); err == nil && locked {
		defer func() {
			_ = m.guard.Unlock()
		}()
	}

	token, err := m.readToken()
	if err != nil || token == nil {
		m.acquired.Store(false)
		return
	}
	if token.PID != m.pid || token.Hostname != m.hostname {
		m.logger.Warn("lock token no longer owned by this process, leaving it in place",
			logging.Int("owner_pid", token.PID))
		m.acquired.Store(false)
		return
	}
	if err := os.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("failed to remove lock token", logging.Error(err))
		return
	}
	m.acquired.Store(false)
	m.logger.Info("instance lock released")
}

// Held reports whether this manager currently believes it owns the lock.
func (m *Manager) Held() bool {
	return m.acquired.Load()
}

// Path returns the token file location.
func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) readToken() (*Token, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		// The flock guard creates the file empty before the token is written.
		return nil, nil
	}
	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode lock token: %w", err)
	}
	return &token, nil
}

func (m *Manager) writeToken() error {
	now := m.now()
	token := Token{
		PID:       m.pid,
		Hostname:  m.hostname,
		StartedAt: now,
		Timestamp: now.Unix(),
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0o644)
}
