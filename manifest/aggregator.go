package manifest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jnesss/hook-recorder/event"
)

// AppResolver maps a pid to the service it belongs to. "" means the
// process has not opted in and its records are ignored.
type AppResolver interface {
	AppName(pid int) string
}

type appState struct {
	dbQueries map[string]*DBQuery
	fsOps     map[string]*FSOp
	sockets   map[string]*SocketConnect
}

func newAppState() *appState {
	return &appState{
		dbQueries: make(map[string]*DBQuery),
		fsOps:     make(map[string]*FSOp),
		sockets:   make(map[string]*SocketConnect),
	}
}

// Aggregator collects records per service and writes one manifest file per
// service on Flush.
type Aggregator struct {
	dir  string
	apps AppResolver
	boot time.Time
	log  *zap.Logger

	// Now stamps records without a timestamp and the generated_at field.
	Now func() time.Time

	mu    sync.Mutex
	state map[string]*appState
}

// NewAggregator writes manifests to dir. boot converts probe timestamps to
// wall time.
func NewAggregator(dir string, apps AppResolver, boot time.Time, log *zap.Logger) *Aggregator {
	return &Aggregator{
		dir:   dir,
		apps:  apps,
		boot:  boot,
		log:   log.Named("manifest"),
		Now:   time.Now,
		state: make(map[string]*appState),
	}
}

func (a *Aggregator) Name() string { return "manifest" }

func (a *Aggregator) stamp(m event.Meta) time.Time {
	if m.TsNs == 0 {
		return a.Now()
	}
	return m.Time(a.boot)
}

// Handle adds rec to its service's manifest. Records of services that did
// not opt in, and records without a path or query, are ignored.
func (a *Aggregator) Handle(rec event.Record) error {
	meta := rec.Meta()
	app := a.apps.AppName(int(meta.PID))
	if app == "" {
		return nil
	}
	ts := a.stamp(meta)

	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.state[app]
	if !ok {
		st = newAppState()
		a.state[app] = st
	}

	switch r := rec.(type) {
	case *event.Openat:
		if r.Path == "" {
			return nil
		}
		if op, ok := st.fsOps[r.Path]; ok {
			op.LastSeen = ts
			op.Count++
			return nil
		}
		st.fsOps[r.Path] = &FSOp{Path: r.Path, Flags: int(r.Flags), FirstSeen: ts, LastSeen: ts, Count: 1}
	case *event.SQLExec:
		addQuery(st, r.Query, ts)
	case *event.NarrowSQL:
		addQuery(st, r.Query, ts)
	case *event.Connect:
		key := r.Addr + ":" + strconv.Itoa(int(r.Port))
		if s, ok := st.sockets[key]; ok {
			s.LastSeen = ts
			s.Count++
			return nil
		}
		fam := ""
		if r.Family != event.FamilyUnknown {
			fam = r.Family.String()
		}
		st.sockets[key] = &SocketConnect{IP: r.Addr, Port: r.Port, Family: fam, FirstSeen: ts, LastSeen: ts, Count: 1}
	}
	return nil
}

func addQuery(st *appState, query string, ts time.Time) {
	if query == "" {
		return
	}
	if q, ok := st.dbQueries[query]; ok {
		q.LastSeen = ts
		q.Count++
		return
	}
	st.dbQueries[query] = &DBQuery{DBType: DBTypePostgres, Query: query, FirstSeen: ts, LastSeen: ts, Count: 1}
}

// Apps returns the services seen so far, sorted.
func (a *Aggregator) Apps() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	apps := make([]string, 0, len(a.state))
	for app := range a.state {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps
}

// Snapshot returns the current manifest of app with entries sorted by key.
func (a *Aggregator) Snapshot(app string) (AppManifest, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.state[app]
	if !ok {
		return AppManifest{}, false
	}
	return a.snapshot(app, st), true
}

func (a *Aggregator) snapshot(app string, st *appState) AppManifest {
	m := AppManifest{Application: app, GeneratedAt: a.Now().UTC()}
	for _, k := range sortedKeys(st.dbQueries) {
		m.Databases = append(m.Databases, *st.dbQueries[k])
	}
	for _, k := range sortedKeys(st.fsOps) {
		m.Filesystem = append(m.Filesystem, *st.fsOps[k])
	}
	for _, k := range sortedKeys(st.sockets) {
		m.Sockets = append(m.Sockets, *st.sockets[k])
	}
	return m
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Path returns the manifest file of app. Separators in the service name
// are replaced so a manifest never lands outside the directory.
func (a *Aggregator) Path(app string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(app)
	return filepath.Join(a.dir, name+".integrations.yaml")
}

// Flush writes every service's manifest. A failing service does not stop
// the others; all errors are returned together.
func (a *Aggregator) Flush() error {
	a.mu.Lock()
	manifests := make([]AppManifest, 0, len(a.state))
	for app, st := range a.state {
		manifests = append(manifests, a.snapshot(app, st))
	}
	a.mu.Unlock()

	if len(manifests) == 0 {
		return nil
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", a.dir, err)
	}
	var err error
	for i := range manifests {
		err = multierr.Append(err, a.write(&manifests[i]))
	}
	return err
}

func (a *Aggregator) write(m *AppManifest) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("encode manifest %s: %w", m.Application, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode manifest %s: %w", m.Application, err)
	}

	path := a.Path(m.Application)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	a.log.Debug("Wrote manifest", zap.String("app", m.Application), zap.String("path", path))
	return nil
}

// Run flushes every interval and once more when ctx ends.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.Flush()
		case <-ticker.C:
			if err := a.Flush(); err != nil {
				a.log.Error("Failed to flush manifests", zap.Error(err))
			}
		}
	}
}
