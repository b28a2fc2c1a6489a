package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/waymark/internal/apperr"
	"github.com/starford/waymark/internal/models"
	"github.com/starford/waymark/internal/search"
)

var mtime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func mustIndex(t *testing.T, en *Engine, e *models.Entity) {
	t.Helper()
	require.NoError(t, en.IndexEntity(e, mtime))
}

func TestIndexEntityLastWriteWins(t *testing.T) {
	en := NewEngine()
	mustIndex(t, en, &models.Entity{ID: "S-001", Title: "First", Status: models.StatusNotStarted, Workstream: "api"})
	mustIndex(t, en, &models.Entity{ID: "S-001", Title: "Second", Status: models.StatusInProgress})
	mustIndex(t, en, &models.Entity{ID: "T-001", Title: "Task"})

	m, ok := en.Get("S-001")
	require.True(t, ok)
	assert.Equal(t, "Second", m.Title)
	assert.Equal(t, models.TypeStory, m.Type)
	assert.True(t, m.InProgress)
	assert.Equal(t, "", m.Workstream, "metadata is overwritten, not merged")
	assert.Equal(t, 2, en.Len())

	assert.Empty(t, en.entities.IDsByWorkstream("api"))
	assert.Empty(t, en.entities.IDsByStatus(models.StatusNotStarted))

	assert.True(t, en.RemoveEntity("T-001"))
	assert.False(t, en.RemoveEntity("T-001"))
	assert.Equal(t, 1, en.Len())
}

func TestIndexEntityRejectsInvalid(t *testing.T) {
	en := NewEngine()
	assert.ErrorIs(t, en.IndexEntity(&models.Entity{}, mtime), apperr.ErrInvalidEntity)
	assert.ErrorIs(t, en.IndexEntity(&models.Entity{ID: "X-001"}, mtime), apperr.ErrInvalidEntity)
	assert.ErrorIs(t, en.IndexEntity(&models.Entity{ID: "S-001", Type: "epic"}, mtime), apperr.ErrInvalidEntity)
	assert.Equal(t, 0, en.Len())
}

func TestRelationshipInverse(t *testing.T) {
	en := NewEngine()
	mustIndex(t, en, &models.Entity{ID: "S-002", DependsOn: []models.EntityID{"S-001"}})
	mustIndex(t, en, &models.Entity{ID: "S-001"})
	mustIndex(t, en, &models.Entity{ID: "S-003", Implements: []models.EntityID{"DOC-001"}})
	mustIndex(t, en, &models.Entity{ID: "DEC-001", Enables: []models.EntityID{"S-003"}})

	assert.Equal(t, []models.EntityID{"S-001"}, en.GetRelated("S-002", models.RelBlockedBy))
	assert.Equal(t, []models.EntityID{"S-002"}, en.GetRelated("S-001", models.RelBlocks))
	assert.Equal(t, []models.EntityID{"S-003"}, en.GetRelated("DOC-001", models.RelImplementedBy))
	assert.Equal(t, []models.EntityID{"DEC-001"}, en.GetRelated("S-003", models.RelBlockedBy))
	assert.Equal(t, []models.EntityID{"DEC-001"}, en.Dependencies()("S-003"))
}

func TestReindexRefreshesOwnedEdges(t *testing.T) {
	en := NewEngine()
	mustIndex(t, en, &models.Entity{ID: "S-001", DependsOn: []models.EntityID{"S-002", "S-003"}})
	mustIndex(t, en, &models.Entity{ID: "S-001", DependsOn: []models.EntityID{"S-003"}})

	assert.Equal(t, []models.EntityID{"S-003"}, en.GetRelated("S-001", models.RelBlockedBy))
	assert.Empty(t, en.GetRelated("S-002", models.RelBlocks))
}

func TestParentOfSurvivesParentReindex(t *testing.T) {
	en := NewEngine()
	mustIndex(t, en, &models.Entity{ID: "M-001", Title: "Milestone"})
	mustIndex(t, en, &models.Entity{ID: "S-001", Parent: "M-001"})
	mustIndex(t, en, &models.Entity{ID: "S-002", Parent: "M-001"})

	mustIndex(t, en, &models.Entity{ID: "M-001", Title: "Milestone renamed", DependsOn: []models.EntityID{"M-002"}})

	assert.Equal(t, []models.EntityID{"S-001", "S-002"}, en.GetRelated("M-001", models.RelParentOf))
	assert.Equal(t, []models.EntityID{"M-001"}, en.GetRelatedReverse("S-001", models.RelChildOf))
	children := en.GetChildren("M-001")
	require.Len(t, children, 2)
	assert.Equal(t, models.EntityID("S-001"), children[0].ID)

	p, ok := en.GetParent("S-002")
	require.True(t, ok)
	assert.Equal(t, "Milestone renamed", p.Title)
}

func TestChildMovesParent(t *testing.T) {
	en := NewEngine()
	mustIndex(t, en, &models.Entity{ID: "M-001"})
	mustIndex(t, en, &models.Entity{ID: "M-002"})
	mustIndex(t, en, &models.Entity{ID: "S-001", Parent: "M-001"})
	mustIndex(t, en, &models.Entity{ID: "S-001", Parent: "M-002"})

	assert.Empty(t, en.GetChildren("M-001"))
	assert.Len(t, en.GetChildren("M-002"), 1)

	mustIndex(t, en, &models.Entity{ID: "S-001"})
	assert.Empty(t, en.GetChildren("M-002"))
	_, ok := en.GetParent("S-001")
	assert.False(t, ok)
}

func TestParentReappearsRelinksChildren(t *testing.T) {
	en := NewEngine()
	mustIndex(t, en, &models.Entity{ID: "M-001"})
	mustIndex(t, en, &models.Entity{ID: "S-001", Parent: "M-001"})

	en.RemoveEntity("M-001")
	assert.Empty(t, en.GetRelatedReverse("S-001", models.RelChildOf))

	mustIndex(t, en, &models.Entity{ID: "M-001"})
	assert.Len(t, en.GetChildren("M-001"), 1)
}

func TestRemoveEntityLeavesNoDanglingEdges(t *testing.T) {
	en := NewEngine()
	mustIndex(t, en, &models.Entity{ID: "M-001"})
	mustIndex(t, en, &models.Entity{ID: "S-001", Parent: "M-001", DependsOn: []models.EntityID{"S-002"}})
	mustIndex(t, en, &models.Entity{ID: "S-002", Parent: "M-001", Blocks: []models.EntityID{"S-003"}})
	mustIndex(t, en, &models.Entity{ID: "S-003", DependsOn: []models.EntityID{"S-002"}})

	en.RemoveEntity("S-002")

	assert.False(t, en.graph.References("S-002"))
	assert.Equal(t, []models.EntityID{"S-001"}, en.GetRelated("M-001", models.RelParentOf))
	assert.Empty(t, en.Search("S-002", search.Options{}))
}

func TestEngineAddRelationship(t *testing.T) {
	en := NewEngine()
	mustIndex(t, en, &models.Entity{ID: "T-001"})
	mustIndex(t, en, &models.Entity{ID: "M-001"})
	mustIndex(t, en, &models.Entity{ID: "DOC-001"})

	err := en.AddRelationship("T-001", models.RelBlockedBy, "M-001")
	assert.ErrorIs(t, err, apperr.ErrInvalidRelationship)

	require.NoError(t, en.AddRelationship("T-001", models.RelImplements, "DOC-001"))
	assert.Equal(t, []models.EntityID{"T-001"}, en.GetRelated("DOC-001", models.RelImplementedBy))

	assert.False(t, en.CheckRelationship("Q-1", models.RelBlocks, "T-001").Allowed)

	en.RemoveRelationship("T-001", models.RelImplements, "DOC-001")
	assert.Empty(t, en.GetRelated("DOC-001", models.RelImplementedBy))
}

func TestEngineQuery(t *testing.T) {
	en := NewEngine()
	for _, e := range []*models.Entity{
		{ID: "T-003", Status: models.StatusInProgress, Workstream: "api"},
		{ID: "T-001", Status: models.StatusNotStarted, Workstream: "api"},
		{ID: "T-002", Status: models.StatusInProgress, Workstream: "web", Archived: true},
		{ID: "S-001", Status: models.StatusInProgress, Workstream: "api"},
	} {
		mustIndex(t, en, e)
	}

	yes := true
	tests := []struct {
		name   string
		filter models.Filter
		want   []models.EntityID
	}{
		{"all sorted", models.Filter{}, []models.EntityID{"S-001", "T-001", "T-002", "T-003"}},
		{"type and status", models.Filter{Types: []models.EntityType{models.TypeTask}, Statuses: []models.Status{models.StatusInProgress}}, []models.EntityID{"T-002", "T-003"}},
		{"workstream", models.Filter{Workstream: "api"}, []models.EntityID{"S-001", "T-001", "T-003"}},
		{"archived", models.Filter{Archived: &yes}, []models.EntityID{"T-002"}},
		{"in progress paged", models.Filter{InProgress: &yes, Offset: 1, Limit: 1}, []models.EntityID{"T-002"}},
		{"offset past end", models.Filter{Offset: 10}, []models.EntityID{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := en.Query(tt.filter)
			ids := make([]models.EntityID, 0, len(got))
			for _, m := range got {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestEngineByPath(t *testing.T) {
	en := NewEngine()
	mustIndex(t, en, &models.Entity{ID: "S-001", VaultPath: "stories/S-001.md"})

	id, ok := en.GetIDByPath("stories/S-001.md")
	require.True(t, ok)
	assert.Equal(t, models.EntityID("S-001"), id)

	mustIndex(t, en, &models.Entity{ID: "S-001", VaultPath: "archive/S-001.md"})
	_, ok = en.GetByPath("stories/S-001.md")
	assert.False(t, ok)
	m, ok := en.GetByPath("archive/S-001.md")
	require.True(t, ok)
	assert.Equal(t, mtime, m.FileMtime)
}

func TestEngineSearchAndStats(t *testing.T) {
	en := NewEngine()
	mustIndex(t, en, &models.Entity{ID: "S-001", Title: "Authentication", Status: models.StatusInProgress, Parent: "M-001"})
	mustIndex(t, en, &models.Entity{ID: "M-001", Title: "Launch", Workstream: "core"})
	mustIndex(t, en, &models.Entity{ID: "S-002", Title: "Billing", Status: models.StatusCompleted, Parent: "M-001"})

	hits := en.Search("authentication", search.Options{})
	require.Len(t, hits, 1)
	assert.Equal(t, "Authentication", hits[0].Title)
	assert.Equal(t, models.StatusInProgress, hits[0].Status)

	done, total := en.Progress("M-001")
	assert.Equal(t, 1, done)
	assert.Equal(t, 2, total)

	st := en.GetStats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.ByType[models.TypeStory])
	assert.Equal(t, 1, st.InProgress)
	assert.Equal(t, 2, st.Relationships)
	assert.Equal(t, en.Version(), st.Version)
	assert.Equal(t, []string{"core"}, en.Workstreams())
}

func TestVersionAdvancesOnEveryMutation(t *testing.T) {
	en := NewEngine()
	mustIndex(t, en, &models.Entity{ID: "T-001", Title: "Schema"})
	mustIndex(t, en, &models.Entity{ID: "T-002", Title: "Endpoint"})

	tests := []struct {
		name   string
		mutate func() error
	}{
		{"index new entity", func() error {
			return en.IndexEntity(&models.Entity{ID: "T-003", Title: "Form"}, mtime)
		}},
		{"reindex existing entity", func() error {
			return en.IndexEntity(&models.Entity{ID: "T-003", Title: "Form v2"}, mtime)
		}},
		{"add relationship", func() error {
			return en.AddRelationship("T-002", models.RelBlockedBy, "T-001")
		}},
		{"remove relationship", func() error {
			en.RemoveRelationship("T-002", models.RelBlockedBy, "T-001")
			return nil
		}},
		{"remove entity", func() error {
			en.RemoveEntity("T-003")
			return nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := en.Version()
			require.NoError(t, tt.mutate())
			assert.Greater(t, en.Version(), before)
		})
	}
}

func TestIndexEntityLeavesCallerTypeUnset(t *testing.T) {
	en := NewEngine()
	e := &models.Entity{ID: "S-001", Title: "Login"}
	mustIndex(t, en, e)

	assert.Equal(t, models.EntityType(""), e.Type)
	m, ok := en.Get("S-001")
	require.True(t, ok)
	assert.Equal(t, models.TypeStory, m.Type)
	got := en.Query(models.Filter{Types: []models.EntityType{models.TypeStory}})
	require.Len(t, got, 1)
	assert.Equal(t, models.EntityID("S-001"), got[0].ID)
}
