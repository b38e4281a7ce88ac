package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/aim-datalog/backend/internal/logging"
	"github.com/aim-datalog/backend/internal/models"
	"github.com/aim-datalog/backend/internal/parser"
	"github.com/aim-datalog/backend/internal/storage"
	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned for unknown or expired session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotReady is returned when data is requested before conversion completed.
	ErrSessionNotReady = errors.New("session conversion not complete")
)

// SessionKeepAliveWindow is how long to keep sessions that are actively being used
const SessionKeepAliveWindow = 5 * time.Minute

// FileStatusSetter receives file status changes as conversions progress.
type FileStatusSetter interface {
	SetStatus(id string, status string) error
}

// Options configures a Manager.
type Options struct {
	// Dir holds the per-session DuckDB files.
	Dir string
	// MaxConcurrent bounds how many conversions run at once.
	MaxConcurrent int
	// MaxSessions triggers eviction of finished sessions when reached.
	MaxSessions int
	DuckDB      parser.DuckStoreOptions
	// ChannelMap, when set, renames channels of every converted log.
	ChannelMap *models.ChannelMap
	// Files is notified of conversion status per file ID.
	Files FileStatusSetter
}

// DefaultOptions returns options suitable for tests and small deployments.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:           dir,
		MaxConcurrent: 3,
		MaxSessions:   20,
		DuckDB:        parser.DefaultDuckStoreOptions(),
	}
}

// Manager runs conversions in the background and serves their results.
type Manager struct {
	sessions map[string]*SessionState
	mu       sync.RWMutex
	registry *parser.Registry
	opts     Options
	sem      chan struct{}
	wg       sync.WaitGroup
}

// SessionState holds the session metadata and the DuckDB-backed table.
type SessionState struct {
	Session      *models.ConversionSession
	Metadata     *models.LogMetadata
	Laps         []models.LapSummary
	Warnings     []string
	Store        *parser.DuckStore
	CreatedAt    time.Time
	LastAccessed time.Time

	listeners []chan models.ConversionSession
}

// NewManager creates a session manager using the global parser registry.
func NewManager(opts Options) (*Manager, error) {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 20
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	return &Manager{
		sessions: make(map[string]*SessionState),
		registry: parser.GetGlobalRegistry(),
		opts:     opts,
		sem:      make(chan struct{}, opts.MaxConcurrent),
	}, nil
}

// StartSession begins the conversion of a file and returns the pending session.
func (m *Manager) StartSession(fileID, filePath string) (*models.ConversionSession, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, fmt.Errorf("export file unavailable: %w", err)
	}

	m.evictIfNeeded()

	session := models.NewConversionSession(uuid.New().String(), fileID)
	now := time.Now()
	state := &SessionState{
		Session:      session,
		CreatedAt:    now,
		LastAccessed: now,
	}

	m.mu.Lock()
	m.sessions[session.ID] = state
	snapshot := snapshotSession(session)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runConversion(session.ID, fileID, filePath)

	return snapshot, nil
}

func (m *Manager) runConversion(sessionID, fileID, filePath string) {
	defer m.wg.Done()
	log := logging.Component("session").With("session", shortID(sessionID), "file_id", fileID)

	// Recover from panics to prevent backend crash
	defer func() {
		if r := recover(); r != nil {
			log.Error("conversion panicked", "panic", r)
			m.fail(sessionID, fileID, fmt.Errorf("conversion panicked: %v", r))
		}
	}()

	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	start := time.Now()
	m.update(sessionID, func(s *models.ConversionSession) {
		s.Status = models.SessionStatusConverting
		s.Progress = 5
	})
	m.setFileStatus(fileID, storage.StatusConverting)
	log.Info("conversion started", "path", filePath)

	progressCb := func(rows int, bytesRead, totalBytes int64) {
		progress := 10.0
		if totalBytes > 0 {
			progress = 10.0 + float64(bytesRead)*70.0/float64(totalBytes)
		}
		// Clamp during loading; the rest is lap reconstruction and persistence
		progress = min(progress, 79.9)
		m.update(sessionID, func(s *models.ConversionSession) {
			s.Progress = progress
			s.RowCount = rows
		})
	}

	dl, err := m.registry.ConvertFile(filePath, progressCb)
	if err != nil {
		log.Warn("conversion failed", "kind", parser.ErrorKind(err), "error", err)
		m.fail(sessionID, fileID, err)
		return
	}

	warnings, err := parser.ApplyChannelMap(dl, m.opts.ChannelMap)
	if err != nil {
		log.Warn("channel map failed", "error", err)
		m.fail(sessionID, fileID, err)
		return
	}
	for _, w := range warnings {
		log.Warn("channel map", "warning", w)
	}

	m.update(sessionID, func(s *models.ConversionSession) { s.Progress = 85 })

	store, err := parser.NewDuckStore(m.opts.Dir, sessionID, m.opts.DuckDB)
	if err != nil {
		m.fail(sessionID, fileID, err)
		return
	}
	if err := store.WriteDataLog(context.Background(), dl); err != nil {
		store.Close()
		m.fail(sessionID, fileID, err)
		return
	}

	elapsed := time.Since(start)
	m.setFileStatus(fileID, storage.StatusConverted)

	m.mu.Lock()
	state, ok := m.sessions[sessionID]
	if !ok {
		// Session was removed while converting
		m.mu.Unlock()
		store.Close()
		return
	}
	// Metadata values are served from the store; only row bookkeeping stays here.
	bookkeeping := dl.Metadata.Clone()
	clear(bookkeeping.Values)
	state.Store = store
	state.Metadata = bookkeeping
	state.Laps = dl.Laps
	state.Warnings = warnings
	s := state.Session
	s.Status = models.SessionStatusComplete
	s.Progress = 100
	s.Format = dl.Format
	s.RowCount = store.Len()
	s.Columns = store.Columns()
	s.ColumnCount = len(s.Columns)
	s.LapCount = len(dl.Laps)
	s.ProcessingTimeMs = elapsed.Milliseconds()
	m.notifyLocked(state)
	m.mu.Unlock()

	log.Info("conversion complete", "rows", dl.Table.Len(), "laps", len(dl.Laps), "elapsed", elapsed)
}

func (m *Manager) fail(sessionID, fileID string, err error) {
	m.setFileStatus(fileID, storage.StatusError)
	m.update(sessionID, func(s *models.ConversionSession) {
		s.Status = models.SessionStatusError
		s.Errors = append(s.Errors, models.ParseError{
			Line:   parser.ErrorLine(err),
			Kind:   parser.ErrorKind(err),
			Reason: err.Error(),
		})
	})
}

func (m *Manager) setFileStatus(fileID, status string) {
	if m.opts.Files == nil {
		return
	}
	if err := m.opts.Files.SetStatus(fileID, status); err != nil {
		logging.Component("session").Warn("file status update failed", "file_id", fileID, "error", err)
	}
}

// update applies fn to a session and notifies its listeners.
func (m *Manager) update(sessionID string, fn func(s *models.ConversionSession)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	fn(state.Session)
	m.notifyLocked(state)
}

func (m *Manager) notifyLocked(state *SessionState) {
	snapshot := *snapshotSession(state.Session)
	for _, ch := range state.listeners {
		// Drop the stale value so slow readers always see the latest status.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
	if state.Session.Done() {
		for _, ch := range state.listeners {
			close(ch)
		}
		state.listeners = nil
	}
}

// Subscribe returns a channel receiving the session status after every
// change. The channel is closed once the session finishes; the returned
// function unsubscribes early.
func (m *Manager) Subscribe(id string) (<-chan models.ConversionSession, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return nil, nil, ErrSessionNotFound
	}

	ch := make(chan models.ConversionSession, 1)
	ch <- *snapshotSession(state.Session)
	if state.Session.Done() {
		close(ch)
		return ch, func() {}, nil
	}
	state.listeners = append(state.listeners, ch)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range state.listeners {
				if l == ch {
					state.listeners = append(state.listeners[:i], state.listeners[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
	return ch, cancel, nil
}

func snapshotSession(s *models.ConversionSession) *models.ConversionSession {
	out := *s
	out.Columns = append([]string(nil), s.Columns...)
	out.Errors = append([]models.ParseError{}, s.Errors...)
	return &out
}

// evictIfNeeded removes the least recently used finished sessions if at capacity
func (m *Manager) evictIfNeeded() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) < m.opts.MaxSessions {
		return
	}

	var done []string
	for id, state := range m.sessions {
		if state.Session.Done() {
			done = append(done, id)
		}
	}
	sort.Slice(done, func(i, j int) bool {
		return m.sessions[done[i]].LastAccessed.Before(m.sessions[done[j]].LastAccessed)
	})

	toFree := len(m.sessions) - m.opts.MaxSessions + 1
	for _, id := range done[:min(toFree, len(done))] {
		m.removeLocked(id)
		logging.Component("session").Info("evicted session to free capacity", "session", shortID(id))
	}
}

func (m *Manager) removeLocked(id string) {
	state, ok := m.sessions[id]
	if !ok {
		return
	}
	if state.Store != nil {
		state.Store.Close()
	}
	for _, ch := range state.listeners {
		close(ch)
	}
	state.listeners = nil
	delete(m.sessions, id)
}

// CleanupOldSessions removes finished sessions not accessed within maxAge,
// but keeps sessions that have been accessed within SessionKeepAliveWindow.
// It returns the number of sessions removed.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-max(maxAge, SessionKeepAliveWindow))

	removed := 0
	for id, state := range m.sessions {
		if !state.Session.Done() {
			continue
		}
		if state.LastAccessed.Before(cutoff) {
			m.removeLocked(id)
			removed++
			logging.Component("session").Info("cleaned up aged session",
				"session", shortID(id), "idle", now.Sub(state.LastAccessed).Round(time.Second))
		}
	}
	return removed
}

// RunCleanup calls CleanupOldSessions every interval until ctx is done.
func (m *Manager) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupOldSessions(maxAge)
		}
	}
}

// GetSession returns a snapshot of a session by ID.
func (m *Manager) GetSession(id string) (*models.ConversionSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return snapshotSession(state.Session), true
}

// TouchSession marks a session as recently used.
func (m *Manager) TouchSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return false
	}
	state.LastAccessed = time.Now()
	return true
}

// completed returns the state of a finished session and refreshes its access time.
func (m *Manager) completed(id string) (*SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if state.Session.Status != models.SessionStatusComplete || state.Store == nil {
		return nil, ErrSessionNotReady
	}
	state.LastAccessed = time.Now()
	return state, nil
}

// GetMetadata returns the header metadata of a converted file. Key/value
// pairs are read back from the session store.
func (m *Manager) GetMetadata(ctx context.Context, id string) (*models.LogMetadata, []string, error) {
	state, err := m.completed(id)
	if err != nil {
		return nil, nil, err
	}
	values, err := state.Store.Metadata(ctx)
	if err != nil {
		return nil, nil, err
	}
	meta := state.Metadata.Clone()
	meta.Values = values
	return meta, append([]string(nil), state.Warnings...), nil
}

// GetRows returns one page of converted rows.
func (m *Manager) GetRows(ctx context.Context, id string, q parser.RowQuery) (*models.DataTable, int, error) {
	state, err := m.completed(id)
	if err != nil {
		return nil, 0, err
	}
	return state.Store.QueryRows(ctx, q)
}

// GetLaps returns the per-lap summary computed from the stored table.
func (m *Manager) GetLaps(ctx context.Context, id string) ([]models.LapSummary, error) {
	state, err := m.completed(id)
	if err != nil {
		return nil, err
	}
	laps, err := state.Store.LapSummaries(ctx)
	if err != nil {
		logging.Component("session").Warn("lap query failed, using conversion summary", "session", shortID(id), "error", err)
		return append([]models.LapSummary(nil), state.Laps...), nil
	}
	return laps, nil
}

// DeleteSession removes a session and its stored data.
func (m *Manager) DeleteSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return false
	}
	m.removeLocked(id)
	return true
}

// Wait blocks until all running conversions have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close waits for running conversions and releases every session.
func (m *Manager) Close() {
	m.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.sessions {
		m.removeLocked(id)
	}
}

// shortID safely truncates an ID for logging (handles short IDs gracefully)
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
