package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aim-datalog/backend/internal/models"
	"github.com/aim-datalog/backend/internal/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testExport = "\"Format\",\"AiM CSV File\"\n" +
	"\"Duration\",\"3\"\n" +
	"\n" +
	"\"Time\",\"GPS Speed\"\n" +
	"\"sec\",\"km/h\"\n" +
	"\n" +
	"0,10\n" +
	"1,11\n" +
	"2,12\n" +
	"0,13\n" +
	"1,14\n"

type statusRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func (r *statusRecorder) SetStatus(id string, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *statusRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func writeExport(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.csv")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write export: %v", err)
	}
	return path
}

func newTestManager(t *testing.T, mutate func(*Options)) *Manager {
	t.Helper()
	opts := DefaultOptions(t.TempDir())
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// waitForSession polls until the session reaches a terminal state
func waitForSession(t *testing.T, m *Manager, id string) *models.ConversionSession {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		s, ok := m.GetSession(id)
		require.True(t, ok, "session not found")
		if s.Done() {
			return s
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("session %s did not finish", id)
	return nil
}

func TestSessionManager_Convert(t *testing.T) {
	files := &statusRecorder{}
	m := newTestManager(t, func(o *Options) { o.Files = files })

	sess, err := m.StartSession("file-1", writeExport(t, testExport))
	require.NoError(t, err)
	assert.Equal(t, "file-1", sess.FileID)

	done := waitForSession(t, m, sess.ID)
	require.Equal(t, models.SessionStatusComplete, done.Status, "errors: %v", done.Errors)
	assert.Equal(t, 100.0, done.Progress)
	assert.Equal(t, parser.AiMFormatName, done.Format)
	assert.Equal(t, 5, done.RowCount)
	assert.Equal(t, 2, done.LapCount)
	assert.Equal(t, []string{"Time", "GPS Speed", "Lap #", "Total Time"}, done.Columns)

	meta, warnings, err := m.GetMetadata(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "3", meta.Values["Duration"])
	assert.Empty(t, warnings)

	m.mu.RLock()
	assert.Empty(t, m.sessions[sess.ID].Metadata.Values, "values live in the session store")
	m.mu.RUnlock()

	rows, total, err := m.GetRows(context.Background(), sess.ID, parser.RowQuery{Lap: 2, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	totals, _ := rows.Column(models.ColumnTotalTime)
	assert.Equal(t, []float64{2, 3}, totals)

	laps, err := m.GetLaps(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, laps, 2)
	assert.Equal(t, 3, laps[0].Samples)

	assert.Equal(t, []string{"converting", "converted"}, files.all())
}

func TestSessionManager_FormatErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		kind    string
	}{
		{"unrecognized", "just some text\n", "unrecognized_format"},
		{"missing headings", "\"Duration\",\"1\"\n\n\"Lap\",\"Speed\"\n\n0,1\n", "missing_headings_row"},
		{"bad cell", testExport + "2,fast\n", "data_row"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := &statusRecorder{}
			m := newTestManager(t, func(o *Options) { o.Files = files })

			sess, err := m.StartSession("file-1", writeExport(t, tt.content))
			require.NoError(t, err)

			done := waitForSession(t, m, sess.ID)
			assert.Equal(t, models.SessionStatusError, done.Status)
			require.Len(t, done.Errors, 1)
			assert.Equal(t, tt.kind, done.Errors[0].Kind)
			assert.Contains(t, files.all(), "error")

			_, _, err = m.GetMetadata(context.Background(), sess.ID)
			assert.ErrorIs(t, err, ErrSessionNotReady)
		})
	}
}

func TestSessionManager_ChannelMap(t *testing.T) {
	cm := &models.ChannelMap{Channels: []models.ChannelRule{{Source: "GPS Speed", Target: "Speed", Unit: "mph"}}}
	m := newTestManager(t, func(o *Options) { o.ChannelMap = cm })

	sess, err := m.StartSession("file-1", writeExport(t, testExport))
	require.NoError(t, err)
	done := waitForSession(t, m, sess.ID)
	require.Equal(t, models.SessionStatusComplete, done.Status)
	assert.Contains(t, done.Columns, "Speed")

	_, warnings, err := m.GetMetadata(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
}

func TestSessionManager_MissingFile(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.StartSession("file-1", "/nonexistent/export.csv")
	assert.Error(t, err)
}

func TestSessionManager_UnknownSession(t *testing.T) {
	m := newTestManager(t, nil)

	_, ok := m.GetSession("nope")
	assert.False(t, ok)
	assert.False(t, m.TouchSession("nope"))
	_, _, err := m.GetMetadata(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, _, err = m.GetRows(context.Background(), "nope", parser.RowQuery{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.GetLaps(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, _, err = m.Subscribe("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionManager_Subscribe(t *testing.T) {
	m := newTestManager(t, nil)

	sess, err := m.StartSession("file-1", writeExport(t, testExport))
	require.NoError(t, err)

	updates, cancel, err := m.Subscribe(sess.ID)
	require.NoError(t, err)
	defer cancel()

	var last models.ConversionSession
	timeout := time.After(10 * time.Second)
	for open := true; open; {
		select {
		case s, ok := <-updates:
			if ok {
				last = s
			}
			open = ok
		case <-timeout:
			t.Fatal("timed out waiting for status updates")
		}
	}
	assert.Equal(t, models.SessionStatusComplete, last.Status)

	// Subscribing to a finished session yields its final state once.
	updates, _, err = m.Subscribe(sess.ID)
	require.NoError(t, err)
	s, ok := <-updates
	assert.True(t, ok)
	assert.Equal(t, models.SessionStatusComplete, s.Status)
	_, ok = <-updates
	assert.False(t, ok)
}

func TestSessionManager_CleanupOldSessions(t *testing.T) {
	m := newTestManager(t, nil)

	sess, err := m.StartSession("file-1", writeExport(t, testExport))
	require.NoError(t, err)
	waitForSession(t, m, sess.ID)

	assert.Equal(t, 0, m.CleanupOldSessions(time.Minute), "recently used sessions are kept")

	m.mu.Lock()
	m.sessions[sess.ID].LastAccessed = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	assert.Equal(t, 1, m.CleanupOldSessions(30*time.Minute))
	_, ok := m.GetSession(sess.ID)
	assert.False(t, ok)
}

func TestSessionManager_EvictsAtCapacity(t *testing.T) {
	m := newTestManager(t, func(o *Options) { o.MaxSessions = 2 })
	path := writeExport(t, testExport)

	first, err := m.StartSession("f1", path)
	require.NoError(t, err)
	waitForSession(t, m, first.ID)
	second, err := m.StartSession("f2", path)
	require.NoError(t, err)
	waitForSession(t, m, second.ID)

	// Make the first session the least recently used.
	m.mu.Lock()
	m.sessions[first.ID].LastAccessed = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	third, err := m.StartSession("f3", path)
	require.NoError(t, err)
	waitForSession(t, m, third.ID)

	_, ok := m.GetSession(first.ID)
	assert.False(t, ok)
	_, ok = m.GetSession(second.ID)
	assert.True(t, ok)
}

func TestSessionManager_DeleteSession(t *testing.T) {
	m := newTestManager(t, nil)

	sess, err := m.StartSession("file-1", writeExport(t, testExport))
	require.NoError(t, err)
	waitForSession(t, m, sess.ID)

	assert.True(t, m.DeleteSession(sess.ID))
	assert.False(t, m.DeleteSession(sess.ID))
}
