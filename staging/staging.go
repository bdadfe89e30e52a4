// Package staging manages the on-disk staging area where received and
// retrieved instances wait for job submission.
package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	adperrors "github.com/radbridge/dicom-adapter/errors"
)

// Manager hands out staging directories and reclaims expired ones.
type Manager struct {
	root           string
	highWaterBytes int64
	retention      time.Duration
	usedBytes      atomic.Int64
	log            *logrus.Entry
}

// NewManager creates the staging root if needed and sizes current usage.
func NewManager(root string, highWaterBytes int64, retention time.Duration, log *logrus.Entry) (*Manager, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, adperrors.E(adperrors.KindTransientIO, "staging.init", err)
	}
	m := &Manager{
		root:           root,
		highWaterBytes: highWaterBytes,
		retention:      retention,
		log:            log,
	}
	m.usedBytes.Store(diskUsage(root))
	return m, nil
}

// Acquire allocates a fresh staging directory for one unit of work. The
// scope string becomes part of the directory name for operator readability;
// uniqueness comes from the uuid suffix.
func (m *Manager) Acquire(scope string) (*Handle, error) {
	if err := m.CheckCapacity(); err != nil {
		return nil, err
	}

	dir := filepath.Join(m.root, fmt.Sprintf("%s-%s", sanitizeScope(scope), uuid.NewString()))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, adperrors.E(adperrors.KindTransientIO, "staging.acquire", err)
	}
	return &Handle{manager: m, dir: dir}, nil
}

// Remove deletes a staging directory and releases its accounted bytes.
func (m *Manager) Remove(dir string) error {
	size := diskUsage(dir)
	if err := os.RemoveAll(dir); err != nil {
		return adperrors.E(adperrors.KindTransientIO, "staging.remove", err)
	}
	m.usedBytes.Add(-size)
	return nil
}

// UsedBytes reports the accounted staging usage.
func (m *Manager) UsedBytes() int64 { return m.usedBytes.Load() }

// CheckCapacity reports whether the staging area can take more work.
// Callers that admit long-lived work (inbound associations) check this up
// front so the refusal happens before any instance is transferred.
func (m *Manager) CheckCapacity() error {
	if m.highWaterBytes > 0 && m.usedBytes.Load() >= m.highWaterBytes {
		return adperrors.Ef(adperrors.KindStagingFull, "staging.acquire",
			"staging area over high water mark (%d bytes)", m.highWaterBytes)
	}
	if _, err := os.Stat(m.root); err != nil {
		return adperrors.E(adperrors.KindStagingFull, "staging.acquire", err)
	}
	return nil
}

// Reap blocks, deleting staging directories older than the retention window
// at a fixed cadence, until ctx is done. Directories still referenced by
// live work are expected to be younger than the retention window.
func (m *Manager) Reap(ctx context.Context) error {
	if m.retention <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(m.retention / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	cutoff := time.Now().Add(-m.retention)
	entries, err := os.ReadDir(m.root)
	if err != nil {
		m.log.WithError(err).Warn("staging reaper cannot read root")
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(m.root, entry.Name())
		if err := m.Remove(dir); err != nil {
			m.log.WithError(err).WithField("dir", dir).Warn("staging reaper delete failed")
			continue
		}
		m.log.WithField("dir", dir).Info("reaped expired staging directory")
	}
}

// Handle is one acquired staging directory.
type Handle struct {
	manager *Manager
	dir     string
}

// Dir returns the absolute staging directory path.
func (h *Handle) Dir() string { return h.dir }

// WriteFile stores a file inside the staging directory. The name must be a
// bare filename.
func (h *Handle) WriteFile(name string, data []byte) (string, error) {
	if filepath.Base(name) != name {
		return "", adperrors.Ef(adperrors.KindUnknown, "staging.write", "invalid staging filename %q", name)
	}
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", adperrors.E(adperrors.KindTransientIO, "staging.write", err)
	}
	h.manager.usedBytes.Add(int64(len(data)))
	return path, nil
}

// Discard deletes the staging directory and everything under it.
func (h *Handle) Discard() error {
	return h.manager.Remove(h.dir)
}

func sanitizeScope(scope string) string {
	out := make([]byte, 0, len(scope))
	for i := 0; i < len(scope) && len(out) < 32; i++ {
		c := scope[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "scope"
	}
	return string(out)
}

func diskUsage(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
