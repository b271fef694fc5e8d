package sigma

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jnesss/hook-recorder/database"
)

const destructiveSQLRule = `title: Destructive SQL statement
id: 6c1f4a5e-1f0b-4b43-9f62-3d1f2a9b7c01
status: experimental
logsource:
  category: database_query
detection:
  selection:
    Query|contains: 'DROP TABLE'
  condition: selection
level: high
`

const shadowRule = `title: Shadow file opened
id: 0b9f8a61-55a2-4c39-8d7e-2b9e4c6f1a02
status: experimental
logsource:
  category: file_event
detection:
  selection:
    TargetFilename|endswith: '/shadow'
  condition: selection
`

func newTestDetector(t *testing.T, rules map[string]string) (*Detector, *database.DB) {
	t.Helper()
	db, err := database.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rulesDir := t.TempDir()
	enabled := filepath.Join(rulesDir, "enabled_rules")
	require.NoError(t, os.MkdirAll(enabled, 0o755))
	for name, body := range rules {
		require.NoError(t, os.WriteFile(filepath.Join(enabled, name), []byte(body), 0o644))
	}

	d, err := NewDetector(rulesDir, db, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, db
}

func attribution(pid uint32) database.Attribution {
	return database.Attribution{Timestamp: time.Now(), PID: pid, TID: pid, Comm: "psql", App: "billing"}
}

func TestLoadRules(t *testing.T) {
	d, _ := newTestDetector(t, map[string]string{
		"sql.yml":     destructiveSQLRule,
		"shadow.yaml": shadowRule,
		"notes.txt":   "not a rule",
		"broken.yml":  "title: [",
	})
	assert.Equal(t, 2, d.RuleCount())
	assert.DirExists(t, filepath.Join(d.RulesDir, "disabled_rules"))

	require.NoError(t, os.Remove(filepath.Join(d.enabledDir(), "shadow.yaml")))
	require.NoError(t, d.LoadRules())
	assert.Equal(t, 1, d.RuleCount())
}

func TestPollStoresMatches(t *testing.T) {
	d, db := newTestDetector(t, map[string]string{
		"sql.yml":    destructiveSQLRule,
		"shadow.yml": shadowRule,
	})
	ctx := context.Background()

	_, err := db.InsertSQL(&database.SQLRecord{Attribution: attribution(10), Query: "SELECT 1"})
	require.NoError(t, err)
	_, err = db.InsertSQL(&database.SQLRecord{Attribution: attribution(10), Query: "DROP TABLE users"})
	require.NoError(t, err)
	_, err = db.InsertFileOpen(&database.FileOpenRecord{Attribution: attribution(11), Path: "/etc/shadow"})
	require.NoError(t, err)

	events, matches, err := d.Poll(ctx, database.KindDatabaseQuery)
	require.NoError(t, err)
	assert.Equal(t, 2, events)
	assert.Equal(t, 1, matches)

	last, err := d.GetLastProcessedID(database.KindDatabaseQuery)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)

	events, _, err = d.Poll(ctx, database.KindDatabaseQuery)
	require.NoError(t, err)
	assert.Zero(t, events, "already processed")

	_, matches, err = d.Poll(ctx, database.KindFileEvent)
	require.NoError(t, err)
	assert.Equal(t, 1, matches)

	_, matches, err = d.Poll(ctx, database.KindNetworkConnection)
	require.NoError(t, err)
	assert.Zero(t, matches)

	all, err := d.GetMatches(10, 0, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	sqlMatches, err := d.GetMatches(10, 0, map[string]string{"event_type": database.KindDatabaseQuery})
	require.NoError(t, err)
	require.Len(t, sqlMatches, 1)
	m := sqlMatches[0]
	assert.Equal(t, int64(2), m.EventID)
	assert.Equal(t, "Destructive SQL statement", m.RuleName)
	assert.Equal(t, "high", m.Severity)
	assert.Equal(t, "new", m.Status)
	assert.Equal(t, int64(10), m.ProcessID)
	assert.Equal(t, "psql", m.ProcessName)
	assert.Equal(t, "billing", m.Application)
	assert.Equal(t, "DROP TABLE users", m.Target)

	fileMatches, err := d.GetMatches(10, 0, map[string]string{"event_type": database.KindFileEvent})
	require.NoError(t, err)
	require.Len(t, fileMatches, 1)
	assert.Equal(t, "medium", fileMatches[0].Severity, "default severity")
	assert.Equal(t, "/etc/shadow", fileMatches[0].Target)

	require.NoError(t, d.UpdateMatchStatus(m.ID, "resolved"))
	assert.Error(t, d.UpdateMatchStatus(m.ID, "bogus"))
	assert.Error(t, d.UpdateMatchStatus(999, "resolved"))

	stats, err := d.GetMatchStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats["matchedRules"])
	assert.Equal(t, 2, stats["activeRules"])
	assert.Equal(t, map[string]int{"resolved": 1, "new": 1}, stats["statusCounts"])
	assert.Equal(t, 2, stats["alertsLast24h"])
}

func TestTarget(t *testing.T) {
	assert.Equal(t, "10.0.0.1:22", target(map[string]interface{}{"DestinationIp": "10.0.0.1", "DestinationPort": int64(22)}))
	assert.Equal(t, "/tmp/x", target(map[string]interface{}{"TargetFilename": "/tmp/x"}))
	assert.Empty(t, target(map[string]interface{}{}))
}

func TestStartPollingStops(t *testing.T) {
	d, _ := newTestDetector(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.StartPolling(ctx, 5*time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("StartPolling did not return")
	}
}
