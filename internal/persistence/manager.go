package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collabtext/internal/domain"
)

// Options tunes a Manager.
type Options struct {
	// PrimaryTimeout bounds every primary call. Zero means 2s.
	PrimaryTimeout time.Duration
	// ProbeInterval is how long the primary is skipped after a failure
	// before it is tried again. Zero means 5s.
	ProbeInterval time.Duration
	// Merge combines snapshots of one document. When set, Load also reads
	// the fallback after a primary hit and returns the union, so edits saved
	// only to the fallback during an outage survive the primary's return.
	Merge func(snapshots ...[]byte) ([]byte, error)
}

// Manager implements save/load/nextVersion over a primary and a fallback
// backend. A nil primary selects fallback-only mode.
type Manager struct {
	primary  Backend
	fallback Backend
	opts     Options
	log      *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	downUntil time.Time
	versions  map[string]int64
}

// NewManager creates a Manager. fallback is required.
func NewManager(primary, fallback Backend, opts Options) *Manager {
	if opts.PrimaryTimeout <= 0 {
		opts.PrimaryTimeout = 2 * time.Second
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 5 * time.Second
	}
	return &Manager{
		primary:  primary,
		fallback: fallback,
		opts:     opts,
		log:      slog.Default().With("component", "persistence"),
		now:      time.Now,
		versions: make(map[string]int64),
	}
}

// Degraded reports whether the primary is currently skipped.
func (m *Manager) Degraded() bool {
	if m.primary == nil {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Before(m.downUntil)
}

// usePrimary reports whether a call should try the primary.
func (m *Manager) usePrimary() bool {
	return m.primary != nil && !m.Degraded()
}

func (m *Manager) primaryFailed(op, docID string, err error) {
	m.mu.Lock()
	m.downUntil = m.now().Add(m.opts.ProbeInterval)
	m.mu.Unlock()
	m.log.Warn("primary store failed, using fallback",
		"op", op, "doc", docID, "primary", m.primary.Name(), "fallback", m.fallback.Name(), "err", err)
}

func (m *Manager) primaryRecovered() {
	m.mu.Lock()
	m.downUntil = time.Time{}
	m.mu.Unlock()
}

// Save persists a snapshot. It returns domain.ErrPersistence when neither
// backend accepted it.
func (m *Manager) Save(ctx context.Context, docID string, snapshot []byte) error {
	var primaryErr error
	if m.usePrimary() {
		pctx, cancel := context.WithTimeout(ctx, m.opts.PrimaryTimeout)
		primaryErr = m.primary.Save(pctx, docID, snapshot)
		cancel()
		if primaryErr == nil {
			return nil
		}
		m.primaryFailed("save", docID, primaryErr)
	}

	if err := m.fallback.Save(ctx, docID, snapshot); err != nil {
		m.log.Error("fallback store failed", "op", "save", "doc", docID, "err", err)
		if primaryErr != nil {
			return fmt.Errorf("%w: %s: primary: %v; fallback: %v", domain.ErrPersistence, docID, primaryErr, err)
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, docID, err)
	}
	return nil
}

// Load returns the latest snapshot, or domain.ErrNotFound when neither
// backend has one.
func (m *Manager) Load(ctx context.Context, docID string) ([]byte, error) {
	if m.usePrimary() {
		pctx, cancel := context.WithTimeout(ctx, m.opts.PrimaryTimeout)
		data, err := m.primary.Load(pctx, docID)
		cancel()
		switch {
		case err == nil:
			return m.mergeFallback(ctx, docID, data), nil
		case errors.Is(err, domain.ErrNotFound):
			m.log.Debug("primary miss, reading fallback", "doc", docID)
		default:
			m.primaryFailed("load", docID, err)
		}
	}

	data, err := m.fallback.Load(ctx, docID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: loading %s: %v", domain.ErrPersistence, docID, err)
	}
	return data, nil
}

// mergeFallback returns data merged with the fallback copy of docID. Any
// failure leaves data as it is.
func (m *Manager) mergeFallback(ctx context.Context, docID string, data []byte) []byte {
	if m.opts.Merge == nil {
		return data
	}
	fdata, err := m.fallback.Load(ctx, docID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return data
	case err != nil:
		m.log.Warn("fallback unreadable, using primary snapshot", "doc", docID, "err", err)
		return data
	case bytes.Equal(data, fdata):
		return data
	}
	merged, err := m.opts.Merge(data, fdata)
	if err != nil {
		m.log.Warn("snapshots not merged, using primary", "doc", docID, "err", err)
		return data
	}
	return merged
}

// NextVersion atomically increments and returns the document version. The
// last version issued for the document is used as a floor so the counter
// never goes backwards when calls move between backends.
func (m *Manager) NextVersion(ctx context.Context, docID string) (int64, error) {
	m.mu.Lock()
	floor := m.versions[docID]
	m.mu.Unlock()

	var primaryErr error
	if m.usePrimary() {
		pctx, cancel := context.WithTimeout(ctx, m.opts.PrimaryTimeout)
		v, err := m.primary.IncrVersion(pctx, docID, floor)
		cancel()
		if err == nil {
			m.remember(docID, v)
			return v, nil
		}
		primaryErr = err
		m.primaryFailed("incr", docID, err)
	}

	v, err := m.fallback.IncrVersion(ctx, docID, floor)
	if err != nil {
		if primaryErr != nil {
			return 0, fmt.Errorf("%w: version %s: primary: %v; fallback: %v", domain.ErrPersistence, docID, primaryErr, err)
		}
		return 0, fmt.Errorf("%w: version %s: %v", domain.ErrPersistence, docID, err)
	}
	m.remember(docID, v)
	return v, nil
}

// Version returns the current version of a document, the highest value any
// reachable backend (or this process) has seen.
func (m *Manager) Version(ctx context.Context, docID string) (int64, error) {
	m.mu.Lock()
	v := m.versions[docID]
	m.mu.Unlock()

	if m.usePrimary() {
		pctx, cancel := context.WithTimeout(ctx, m.opts.PrimaryTimeout)
		pv, err := m.primary.Version(pctx, docID)
		cancel()
		if err != nil {
			m.primaryFailed("version", docID, err)
		} else if pv > v {
			v = pv
		}
	}
	fv, err := m.fallback.Version(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("%w: version %s: %v", domain.ErrPersistence, docID, err)
	}
	if fv > v {
		v = fv
	}
	m.remember(docID, v)
	return v, nil
}

// Forget drops the remembered version of an evicted document.
func (m *Manager) Forget(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.versions, docID)
}

// Probe checks the primary right away and clears the degraded state when it
// answers.
func (m *Manager) Probe(ctx context.Context) error {
	if m.primary == nil {
		return errors.New("no primary store configured")
	}
	pctx, cancel := context.WithTimeout(ctx, m.opts.PrimaryTimeout)
	defer cancel()
	if _, err := m.primary.Version(pctx, "probe"); err != nil {
		return err
	}
	m.primaryRecovered()
	return nil
}

func (m *Manager) remember(docID string, v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v > m.versions[docID] {
		m.versions[docID] = v
	}
}
