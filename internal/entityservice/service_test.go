package entityservice

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/waymark/internal/apperr"
	"github.com/starford/waymark/internal/models"
	"github.com/starford/waymark/internal/search"
	"github.com/starford/waymark/internal/testutil"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind + ":" + string(ev.ID)
	}
	return out
}

// newProject builds a service over the shared project vault plus any extra
// files.
func newProject(t *testing.T, extra map[string]string, opts ...Option) (*Service, string) {
	t.Helper()
	root, store := testutil.TestVault(t)
	testutil.WriteProject(t, root)
	for rel, content := range extra {
		testutil.WriteFile(t, root, rel, content)
	}
	base := []Option{
		WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))),
		WithSnapshot(testutil.TestCache(t)),
		WithClock(func() time.Time { return fixedNow }),
	}
	svc := New(store, append(base, opts...)...)
	_, err := svc.Rebuild(context.Background())
	require.NoError(t, err)
	return svc, root
}

func TestRebuild(t *testing.T) {
	svc, _ := newProject(t, nil)
	ctx := context.Background()

	report := svc.LastSync()
	require.NotNil(t, report)
	assert.Equal(t, 5, report.Indexed)
	assert.Equal(t, 5, svc.Stats().Total)

	tasks := svc.Query(models.Filter{Types: []models.EntityType{models.TypeTask}})
	require.Len(t, tasks, 3)
	assert.Equal(t, models.EntityID("T-001"), tasks[0].ID)

	d, err := svc.Get(ctx, "S-001")
	require.NoError(t, err)
	assert.Equal(t, 3, d.Children)
	assert.Equal(t, 0, d.Progress)
	assert.Len(t, d.Checksum, 64)
	assert.Equal(t, []models.EntityID{"M-001"}, d.Relations[models.RelChildOf])
	assert.NotEmpty(t, d.Transitions)

	_, err = svc.Get(ctx, "T-404")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	m, err := svc.Lookup("tasks/T-002.md")
	require.NoError(t, err)
	assert.Equal(t, models.EntityID("T-002"), m.ID)

	assert.Equal(t, []string{"core"}, svc.Workstreams())
}

func TestQueriesAndSearch(t *testing.T) {
	svc, _ := newProject(t, nil, WithSearchDefaults(10, 0))

	hits := svc.Search("PASSWORD", search.Options{})
	var ids []models.EntityID
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	assert.ElementsMatch(t, []models.EntityID{"S-001", "T-003"}, ids)

	hits = svc.Search("login", search.Options{Types: []models.EntityType{models.TypeStory}})
	require.Len(t, hits, 1)
	assert.Equal(t, "Login", hits[0].Title)

	children, err := svc.Children("S-001", models.TypeTask)
	require.NoError(t, err)
	assert.Len(t, children, 3)
	children, err = svc.Children("S-001", models.TypeStory)
	require.NoError(t, err)
	assert.Empty(t, children)

	rel, err := svc.Related("T-002", "")
	require.NoError(t, err)
	require.Len(t, rel.Relations[models.RelBlockedBy], 1)
	assert.Equal(t, "Schema", rel.Relations[models.RelBlockedBy][0].Title)
	assert.Len(t, rel.Relations[models.RelBlocks], 1)

	rel, err = svc.Related("T-001", models.RelBlocks)
	require.NoError(t, err)
	assert.Len(t, rel.Relations, 1)
	assert.Len(t, rel.Relations[models.RelBlocks], 2)

	_, err = svc.Related("T-404", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTransitionStatusWritesBackAndCascades(t *testing.T) {
	events := &eventLog{}
	svc, root := newProject(t, nil, WithCascade("archive", false), WithEvents(events.record))
	ctx := context.Background()

	out, err := svc.TransitionStatus(ctx, "T-001", models.StatusInProgress, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotStarted, out.Transition.From)
	assert.Equal(t, "start", out.Transition.Action)
	require.NotNil(t, out.Cascade)
	assert.Equal(t, []models.EntityID{"S-001", "M-001"}, out.Cascade.Updated)
	assert.Empty(t, out.CascadeError)
	assert.Len(t, out.Checksum, 64)

	assert.Contains(t, testutil.ReadFile(t, root, "tasks/T-001.md"), "In Progress")
	assert.Contains(t, testutil.ReadFile(t, root, "stories/S-001.md"), "In Progress")
	assert.Contains(t, testutil.ReadFile(t, root, "tasks/T-001.md"), "Create the users table.")

	inProgress := true
	started := svc.Query(models.Filter{InProgress: &inProgress})
	assert.Len(t, started, 3)

	assert.Contains(t, events.kinds(), "status:T-001")
	assert.Contains(t, events.kinds(), "status:M-001")
}

func TestTransitionStatusRejected(t *testing.T) {
	svc, root := newProject(t, nil)
	before := testutil.ReadFile(t, root, "tasks/T-002.md")

	v, err := svc.CanTransition(context.Background(), "T-002", models.StatusInProgress)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "T-001")

	_, err = svc.TransitionStatus(context.Background(), "T-002", models.StatusInProgress, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, before, testutil.ReadFile(t, root, "tasks/T-002.md"))

	_, err = svc.TransitionStatus(context.Background(), "T-404", models.StatusInProgress, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTransitionStatusIfMatch(t *testing.T) {
	svc, _ := newProject(t, nil)
	ctx := context.Background()

	_, err := svc.TransitionStatus(ctx, "T-001", models.StatusInProgress, "stale")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	d, err := svc.Get(ctx, "T-001")
	require.NoError(t, err)
	out, err := svc.TransitionStatus(ctx, "T-001", models.StatusInProgress, d.Checksum)
	require.NoError(t, err)
	assert.NotEqual(t, d.Checksum, out.Checksum)
	assert.Nil(t, out.Cascade)
}

func TestCompletionChainArchives(t *testing.T) {
	root, store := testutil.TestVault(t)
	testutil.WriteFile(t, root, "milestones/M-001.md", "---\nid: M-001\ntitle: Launch\nstatus: In Progress\n---\n")
	testutil.WriteFile(t, root, "stories/S-001.md", "---\nid: S-001\ntitle: Login\nstatus: In Progress\nparent: M-001\n---\n")
	testutil.WriteFile(t, root, "tasks/T-001.md", "---\nid: T-001\ntitle: Schema\nstatus: In Progress\nparent: S-001\n---\n")

	svc := New(store,
		WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))),
		WithCascade("archive", true),
	)
	_, err := svc.Rebuild(context.Background())
	require.NoError(t, err)

	out, err := svc.TransitionStatus(context.Background(), "T-001", models.StatusCompleted, "")
	require.NoError(t, err)
	require.Empty(t, out.CascadeError)
	assert.Equal(t, []models.EntityID{"S-001", "M-001"}, out.Cascade.Updated)
	assert.Equal(t, []models.EntityID{"T-001", "S-001"}, out.Cascade.Archived)

	_, err = os.Stat(filepath.Join(root, "tasks", "T-001.md"))
	assert.True(t, os.IsNotExist(err))
	m, err := svc.Lookup("archive/tasks/T-001.md")
	require.NoError(t, err)
	assert.Equal(t, models.EntityID("T-001"), m.ID)
	assert.True(t, m.Archived)
	assert.Equal(t, models.StatusCompleted, m.Status)

	m, err = svc.Lookup("archive/stories/S-001.md")
	require.NoError(t, err)
	assert.Equal(t, models.EntityID("S-001"), m.ID)

	ms, err := svc.Get(context.Background(), "M-001")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, ms.Entity.Status)
	assert.Equal(t, 100, ms.Progress)
}

func TestAddDependency(t *testing.T) {
	svc, root := newProject(t, map[string]string{
		"decisions/DEC-001.md": "---\nid: DEC-001\ntitle: Use sessions\nstatus: Pending\n---\n",
	})
	ctx := context.Background()

	chk, err := svc.AddDependency(ctx, "T-001", "DEC-001", false)
	require.NoError(t, err)
	assert.True(t, chk.Exists)
	assert.Contains(t, testutil.ReadFile(t, root, "tasks/T-001.md"), "DEC-001")
	rel, err := svc.Related("DEC-001", models.RelBlocks)
	require.NoError(t, err)
	assert.Len(t, rel.Relations[models.RelBlocks], 1)

	chk, err = svc.AddDependency(ctx, "T-002", "T-001", false)
	require.NoError(t, err)
	assert.True(t, chk.Exists)

	_, err = svc.AddDependency(ctx, "T-001", "S-001", false)
	assert.ErrorIs(t, err, apperr.ErrInvalidRelationship)

	_, err = svc.AddDependency(ctx, "T-001", "T-001", true)
	assert.ErrorIs(t, err, apperr.ErrInvalidRelationship)

	_, err = svc.AddDependency(ctx, "T-001", "T-404", false)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	before := testutil.ReadFile(t, root, "tasks/T-001.md")
	chk, err = svc.AddDependency(ctx, "T-001", "T-003", false)
	assert.ErrorIs(t, err, apperr.ErrCycle)
	require.NotNil(t, chk)
	assert.True(t, chk.Cycle.HasCycle)
	assert.Equal(t, models.EntityID("T-001"), chk.Cycle.CyclePath[0])
	assert.Equal(t, before, testutil.ReadFile(t, root, "tasks/T-001.md"))
	assert.False(t, svc.DetectCycles().HasCycle)

	_, err = svc.AddDependency(ctx, "T-001", "T-003", true)
	require.NoError(t, err)
	assert.True(t, svc.DetectCycles().HasCycle)

	require.NoError(t, svc.RemoveDependency(ctx, "T-001", "T-003"))
	require.NoError(t, svc.RemoveDependency(ctx, "T-001", "T-003"))
	assert.False(t, svc.DetectCycles().HasCycle)
}

func TestCheckDependency(t *testing.T) {
	svc, _ := newProject(t, nil)

	chk, err := svc.CheckDependency("T-003", "T-002")
	require.NoError(t, err)
	assert.True(t, chk.Allowed)
	assert.True(t, chk.Exists)

	chk, err = svc.CheckDependency("T-001", "T-002")
	require.NoError(t, err)
	assert.False(t, chk.Allowed)
	assert.True(t, chk.Cycle.HasCycle)
	assert.Equal(t, []models.EntityID{"T-001", "T-002", "T-001"}, chk.Cycle.CyclePath)

	chk, err = svc.CheckDependency("S-001", "T-001")
	require.NoError(t, err)
	assert.False(t, chk.Allowed)
	assert.Contains(t, chk.Reason, "story cannot depend on task")
}

func TestPruneDependencies(t *testing.T) {
	svc, root := newProject(t, nil)
	ctx := context.Background()

	a, err := svc.AnalyzeDependencies("T-003")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, []models.EntityID{"T-001"}, a.RemovedDependencies)
	assert.Equal(t, []models.EntityID{"T-002"}, a.RemainingDependencies)

	all := svc.AnalyzeAll()
	require.Len(t, all, 1)
	assert.Equal(t, models.EntityID("T-003"), all[0].EntityID)

	a, err = svc.PruneDependencies(ctx, "T-003")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.NotContains(t, testutil.ReadFile(t, root, "tasks/T-003.md"), "T-001")

	d, err := svc.Get(ctx, "T-003")
	require.NoError(t, err)
	assert.Equal(t, []models.EntityID{"T-002"}, d.Entity.DependsOn)

	a, err = svc.PruneDependencies(ctx, "T-003")
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.Empty(t, svc.AnalyzeAll())
}

func TestValidate(t *testing.T) {
	svc, _ := newProject(t, map[string]string{
		"tasks/T-004.md":      "---\nid: T-004\ntitle: Broken\nstatus: Not Started\nparent: M-001\ndepends_on: [T-999]\nblocked_by: [T-998]\n---\n",
		"tasks/T-001 copy.md": "---\nid: T-001\ntitle: Copy\nstatus: Not Started\n---\n",
		"tasks/T-005.md":      "---\nid: T-005\ntitle: Odd\nstatus: Done\n---\n",
	})

	r := svc.Validate()
	assert.Equal(t, 7, r.Entities)
	assert.False(t, r.OK())

	has := func(id models.EntityID, field string, sev Severity) bool {
		for _, i := range r.Issues {
			if i.EntityID == id && i.Field == field && i.Severity == sev {
				return true
			}
		}
		return false
	}
	assert.True(t, has("T-004", "depends_on", SeverityError), "missing dependency")
	assert.True(t, has("T-004", "blocked_by", SeverityWarning), "missing blocker")
	assert.True(t, has("T-004", "parent", SeverityError), "parent type")
	assert.True(t, has("T-001", "id", SeverityError), "duplicate id")
	assert.True(t, has("T-005", "status", SeverityError), "bad status")
	assert.True(t, has("T-003", "depends_on", SeverityWarning), "redundant dependency")
	assert.Equal(t, 2, r.Warnings)
}

func TestValidateCleanVault(t *testing.T) {
	svc, _ := newProject(t, map[string]string{
		"tasks/T-003.md": "---\nid: T-003\ntitle: Form\nstatus: Not Started\nparent: S-001\ndepends_on: [T-002]\n---\n",
	})
	r := svc.Validate()
	assert.True(t, r.OK())
	assert.Empty(t, r.Issues)
}

func TestReindexAndRemovePath(t *testing.T) {
	events := &eventLog{}
	svc, root := newProject(t, nil, WithEvents(events.record))
	ctx := context.Background()

	testutil.WriteFile(t, root, "tasks/T-004.md", "---\nid: T-004\ntitle: Docs\nstatus: Not Started\nparent: S-001\n---\n")
	require.NoError(t, svc.ReindexPath("tasks/T-004.md"))
	children, err := svc.Children("S-001", "")
	require.NoError(t, err)
	assert.Len(t, children, 4)

	testutil.WriteFile(t, root, "tasks/T-001 copy.md", "---\nid: T-001\ntitle: Copy\n---\n")
	err = svc.ReindexPath("tasks/T-001 copy.md")
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)
	d, err := svc.Get(ctx, "T-001")
	require.NoError(t, err)
	assert.Equal(t, "Schema", d.Entity.Title)

	require.NoError(t, os.Rename(filepath.Join(root, "tasks", "T-004.md"), filepath.Join(root, "tasks", "T-004-docs.md")))
	require.NoError(t, svc.ReindexPath("tasks/T-004-docs.md"))
	m, err := svc.Lookup("tasks/T-004-docs.md")
	require.NoError(t, err)
	assert.Equal(t, models.EntityID("T-004"), m.ID)
	_, err = svc.Lookup("tasks/T-004.md")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, svc.RemovePath("tasks/T-004-docs.md"))
	_, err = svc.Get(ctx, "T-004")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	require.NoError(t, svc.RemovePath("tasks/unknown.md"))

	assert.Contains(t, events.kinds(), "removed:T-004")
}

func TestRenameKeepsIncomingDependencies(t *testing.T) {
	svc, root := newProject(t, nil)
	ctx := context.Background()

	// A watcher rename arrives as a remove of the old path followed by a
	// create of the new one.
	require.NoError(t, svc.RemovePath("tasks/T-001.md"))
	require.NoError(t, os.Rename(filepath.Join(root, "tasks", "T-001.md"), filepath.Join(root, "tasks", "T-001-schema.md")))
	require.NoError(t, svc.ReindexPath("tasks/T-001-schema.md"))

	chk, err := svc.CheckDependency("T-001", "T-002")
	require.NoError(t, err)
	assert.True(t, chk.Cycle.HasCycle)
	assert.False(t, chk.Allowed)

	_, err = svc.AddDependency(ctx, "T-001", "T-002", false)
	assert.ErrorIs(t, err, apperr.ErrCycle)
	assert.NotContains(t, testutil.ReadFile(t, root, "tasks/T-001-schema.md"), "depends_on")

	a, err := svc.AnalyzeDependencies("T-003")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, []models.EntityID{"T-001"}, a.RemovedDependencies)

	rel, err := svc.Related("T-001", models.RelBlocks)
	require.NoError(t, err)
	assert.Len(t, rel.Relations[models.RelBlocks], 2)
}

func TestReindexPathIDChange(t *testing.T) {
	svc, root := newProject(t, nil)

	testutil.WriteFile(t, root, "tasks/T-003.md", "---\nid: T-013\ntitle: Form\nstatus: Not Started\nparent: S-001\n---\n")
	require.NoError(t, svc.ReindexPath("tasks/T-003.md"))

	_, err := svc.Get(context.Background(), "T-003")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	m, err := svc.Lookup("tasks/T-003.md")
	require.NoError(t, err)
	assert.Equal(t, models.EntityID("T-013"), m.ID)
}

func TestReconcile(t *testing.T) {
	svc, root := newProject(t, nil)

	require.NoError(t, os.Remove(filepath.Join(root, "tasks", "T-003.md")))
	testutil.WriteFile(t, root, "tasks/T-004.md", "---\nid: T-004\ntitle: Docs\nstatus: Not Started\n---\n")

	require.NoError(t, svc.Reconcile())
	_, err := svc.Get(context.Background(), "T-003")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = svc.Get(context.Background(), "T-004")
	assert.NoError(t, err)
	assert.Equal(t, 5, svc.Stats().Total)
}

func TestConcurrentReadersDuringRebuild(t *testing.T) {
	svc, _ := newProject(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = svc.Query(models.Filter{})
				_, _ = svc.Get(ctx, "S-001")
				_ = svc.Search("login", search.Options{})
			}
		}()
	}
	for i := 0; i < 3; i++ {
		_, err := svc.Rebuild(ctx)
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, 5, svc.Stats().Total)
}
