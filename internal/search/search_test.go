package search

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/waymark/internal/models"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"lowercases", "Authentication System", []string{"authentication", "system"}},
		{"strips punctuation", "auth, login! (oauth)", []string{"auth", "login", "oauth"}},
		{"keeps hyphens", "end-to-end tests", []string{"end-to-end", "tests"}},
		{"drops short tokens", "a b cd e", []string{"cd"}},
		{"empty", "   ", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.in))
		})
	}
}

func TestSearchCaseInsensitive(t *testing.T) {
	ix := New()
	ix.Index("S-001", "Login flow", "Build the Authentication System for users", models.TypeStory, false)

	results := ix.Search("authentication", Options{})
	require.Len(t, results, 1)
	assert.Equal(t, models.EntityID("S-001"), results[0].ID)
	assert.Equal(t, []string{"authentication"}, results[0].Matches)
}

func TestSearchTitleOutranksContent(t *testing.T) {
	ix := New()
	ix.Index("S-001", "Payment gateway", "unrelated body", models.TypeStory, false)
	ix.Index("S-002", "Checkout page", "wire up the payment provider", models.TypeStory, false)

	results := ix.Search("payment", Options{})
	require.Len(t, results, 2)
	assert.Equal(t, models.EntityID("S-001"), results[0].ID)
	assert.Equal(t, models.EntityID("S-002"), results[1].ID)
	assert.InDelta(t, 2*results[1].Score, results[0].Score, 1e-9)
}

func TestSearchScoring(t *testing.T) {
	ix := New()
	ix.Index("T-001", "cache layer", "cache invalidation", models.TypeTask, false)
	ix.Index("T-002", "queue", "worker pool", models.TypeTask, false)

	// df(cache)=1, N=2, so idf = ln 2 + 1. Title and content both match.
	want := (math.Log(2) + 1) * 3
	results := ix.Search("cache cache", Options{})
	require.Len(t, results, 1)
	assert.InDelta(t, want, results[0].Score, 1e-9)
}

func TestSearchFilters(t *testing.T) {
	ix := New()
	ix.Index("S-001", "deploy pipeline", "", models.TypeStory, false)
	ix.Index("T-001", "deploy script", "", models.TypeTask, false)
	ix.Index("T-002", "deploy rollback", "", models.TypeTask, true)

	t.Run("archived excluded by default", func(t *testing.T) {
		results := ix.Search("deploy", Options{})
		assert.Len(t, results, 2)
	})
	t.Run("include archived", func(t *testing.T) {
		results := ix.Search("deploy", Options{IncludeArchived: true})
		assert.Len(t, results, 3)
	})
	t.Run("type filter", func(t *testing.T) {
		results := ix.Search("deploy", Options{Types: []models.EntityType{models.TypeStory}})
		require.Len(t, results, 1)
		assert.Equal(t, models.EntityID("S-001"), results[0].ID)
	})
	t.Run("limit with id tiebreak", func(t *testing.T) {
		results := ix.Search("deploy", Options{Limit: 1})
		require.Len(t, results, 1)
		assert.Equal(t, models.EntityID("S-001"), results[0].ID)
	})
	t.Run("min score", func(t *testing.T) {
		results := ix.Search("deploy", Options{MinScore: 100})
		assert.Empty(t, results)
	})
}

func TestReindexRetractsOldTokens(t *testing.T) {
	ix := New()
	ix.Index("S-001", "old title", "legacy words", models.TypeStory, false)
	ix.Index("S-001", "new title", "fresh words", models.TypeStory, false)

	assert.Equal(t, 1, ix.Len())
	assert.Empty(t, ix.Search("legacy", Options{}))
	assert.Equal(t, 0, ix.DocFreq("old"))
	assert.Equal(t, 1, ix.DocFreq("title"))
	assert.Len(t, ix.Search("fresh", Options{}), 1)
}

func TestRemoveIsInverseOfIndex(t *testing.T) {
	ix := New()
	ix.Index("S-001", "shared term", "", models.TypeStory, false)
	before := ix.Vocabulary()

	ix.Index("S-002", "shared unique", "only here", models.TypeStory, false)
	ix.Remove("S-002")

	assert.Equal(t, 1, ix.Len())
	assert.Equal(t, before, ix.Vocabulary())
	assert.Equal(t, 1, ix.DocFreq("shared"))
	assert.Empty(t, ix.title["unique"])
	_, ok := ix.content["only"]
	assert.False(t, ok)

	ix.Remove("S-404")
	assert.Equal(t, 1, ix.Len())
}

func TestSearchEmpty(t *testing.T) {
	ix := New()
	assert.Empty(t, ix.Search("anything", Options{}))
	ix.Index("S-001", "title", "", models.TypeStory, false)
	assert.Empty(t, ix.Search("!", Options{}))
}
