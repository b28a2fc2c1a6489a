package entityservice

import (
	"context"
	"time"

	"github.com/starford/waymark/internal/index"
	"github.com/starford/waymark/internal/lifecycle"
	"github.com/starford/waymark/internal/models"
	"github.com/starford/waymark/internal/search"
	"github.com/starford/waymark/internal/telemetry"
)

// EntityDetail is a full entity with its graph context.
type EntityDetail struct {
	Entity      *models.Entity                            `json:"entity"`
	Checksum    string                                    `json:"checksum"`
	Relations   map[models.RelationType][]models.EntityID `json:"relations"`
	Progress    int                                       `json:"progress"`
	Children    int                                       `json:"children"`
	Transitions []lifecycle.Available                     `json:"transitions"`
}

// Related groups the neighbours of an entity by relation.
type Related struct {
	ID        models.EntityID                                 `json:"id"`
	Relations map[models.RelationType][]models.EntityMetadata `json:"relations"`
}

// WithSearchDefaults sets the limit and minimum score applied when a
// search call leaves them zero.
func WithSearchDefaults(limit int, minScore float64) Option {
	return func(s *Service) {
		s.searchLimit = limit
		s.searchMinScore = minScore
	}
}

// Get returns the entity with its relations, progress and the transitions
// available from its current status.
func (s *Service) Get(ctx context.Context, id models.EntityID) (*EntityDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.entityLocked(id)
	if err != nil {
		return nil, err
	}
	done, total := s.engine.Progress(id)
	return &EntityDetail{
		Entity:      e.Clone(),
		Checksum:    s.fileChecksum(e),
		Relations:   s.engine.Relations(id),
		Progress:    lifecycle.Progress(done, total),
		Children:    total,
		Transitions: s.lifecycle.AvailableTransitions(ctx, e),
	}, nil
}

// Lookup resolves the entity stored at a vault path.
func (s *Service) Lookup(path string) (models.EntityMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.engine.GetByPath(path)
	if !ok {
		return models.EntityMetadata{}, notFound(path)
	}
	return m, nil
}

// Query returns the entities matching f, sorted by id.
func (s *Service) Query(f models.Filter) []models.EntityMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.Query(f)
}

// Search runs a ranked full-text search.
func (s *Service) Search(query string, opts search.Options) []index.SearchHit {
	if opts.Limit == 0 {
		opts.Limit = s.searchLimit
	}
	if opts.MinScore == 0 {
		opts.MinScore = s.searchMinScore
	}
	start := time.Now()
	defer telemetry.ObserveSince(telemetry.SearchDuration, start)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.Search(query, opts)
}

// Related returns the neighbours of id. An empty rel returns every
// relation.
func (s *Service) Related(id models.EntityID, rel models.RelationType) (*Related, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.engine.Get(id); !ok {
		return nil, notFound(string(id))
	}
	out := &Related{ID: id, Relations: make(map[models.RelationType][]models.EntityMetadata)}
	for r, ids := range s.engine.Relations(id) {
		if rel != "" && r != rel {
			continue
		}
		for _, other := range ids {
			m, ok := s.engine.Get(other)
			if !ok {
				m = models.EntityMetadata{ID: other}
			}
			out.Relations[r] = append(out.Relations[r], m)
		}
	}
	return out, nil
}

// Children returns the children of id, optionally restricted to typ.
func (s *Service) Children(id models.EntityID, typ models.EntityType) ([]models.EntityMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.engine.Get(id); !ok {
		return nil, notFound(string(id))
	}
	children := s.engine.GetChildren(id)
	if typ == "" {
		return children, nil
	}
	out := children[:0:0]
	for _, c := range children {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out, nil
}

// Transitions lists the transitions leaving the current status of id.
func (s *Service) Transitions(ctx context.Context, id models.EntityID) ([]lifecycle.Available, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.entityLocked(id)
	if err != nil {
		return nil, err
	}
	return s.lifecycle.AvailableTransitions(ctx, e), nil
}

// CanTransition reports whether id may move to status to.
func (s *Service) CanTransition(ctx context.Context, id models.EntityID, to models.Status) (models.Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.entityLocked(id)
	if err != nil {
		return models.Verdict{}, err
	}
	return s.lifecycle.CanTransition(ctx, e, to), nil
}

// Stats summarises the index.
func (s *Service) Stats() index.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.GetStats()
}

// Workstreams returns the distinct workstream names.
func (s *Service) Workstreams() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.Workstreams()
}
