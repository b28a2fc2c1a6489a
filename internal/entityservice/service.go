// Package entityservice hosts the project graph engine. It owns the
// reader/writer lock, loads and rebuilds the engine from the vault, writes
// status and dependency changes back to entity files and runs cascades.
package entityservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/waymark/internal/apperr"
	"github.com/starford/waymark/internal/cache"
	"github.com/starford/waymark/internal/checksum"
	"github.com/starford/waymark/internal/index"
	"github.com/starford/waymark/internal/lifecycle"
	"github.com/starford/waymark/internal/models"
	"github.com/starford/waymark/internal/parser"
	"github.com/starford/waymark/internal/storage"
	"github.com/starford/waymark/internal/telemetry"
)

// Event kinds.
const (
	EventIndexed = "indexed"
	EventRemoved = "removed"
	EventStatus  = "status"
)

// Event describes an index change for subscribers.
type Event struct {
	Kind string          `json:"-"`
	ID   models.EntityID `json:"id"`
	Path string          `json:"path,omitempty"`
	From models.Status   `json:"from,omitempty"`
	To   models.Status   `json:"to,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithSnapshot enables the warm-start snapshot.
func WithSnapshot(snap index.Snapshotter) Option {
	return func(s *Service) { s.snap = snap }
}

// WithCascade enables cascades after status changes. A non-empty
// archiveDir also moves completed children there when their parent
// completes.
func WithCascade(archiveDir string, autoArchive bool) Option {
	return func(s *Service) {
		s.cascadeOn = true
		s.archiveDir = archiveDir
		s.autoArchive = autoArchive && archiveDir != ""
	}
}

// WithEvents registers fn to receive index change events.
func WithEvents(fn func(Event)) Option {
	return func(s *Service) { s.onEvent = fn }
}

// WithClock overrides the clock used for updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the single-writer host around index.Engine. Readers share an
// RLock; every mutation and every swap takes the write lock.
type Service struct {
	mu       sync.RWMutex
	engine   *index.Engine
	entities map[models.EntityID]*models.Entity
	lastSync *index.SyncReport

	store       storage.Provider
	snap        index.Snapshotter
	logger      *slog.Logger
	onEvent     func(Event)
	now         func() time.Time
	cascadeOn   bool
	autoArchive bool
	archiveDir  string

	searchLimit    int
	searchMinScore float64

	lifecycle *lifecycle.Engine
	cascade   *lifecycle.CascadeManager
}

// New creates a Service with an empty engine. Call Rebuild to load the
// vault.
func New(store storage.Provider, opts ...Option) *Service {
	s := &Service{
		engine:   index.NewEngine(),
		entities: make(map[models.EntityID]*models.Entity),
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	view := unlocked{s}
	lopts := []lifecycle.Option{lifecycle.WithClock(s.now)}
	s.lifecycle = lifecycle.NewEngine(view, lopts...)
	if s.cascadeOn {
		if s.autoArchive {
			lopts = append(lopts, lifecycle.WithAutoArchive(s.archiveDir))
		}
		s.cascade = lifecycle.NewCascadeManager(view, lopts...)
	}
	return s
}

// Rebuild scans the vault into a fresh engine and swaps it in. Readers keep
// using the old engine until the swap.
func (s *Service) Rebuild(_ context.Context) (*index.SyncReport, error) {
	start := time.Now()
	snap, report, err := index.Sync(s.store, s.snap, s.logger)
	telemetry.IndexOps.WithLabelValues("rebuild", telemetry.Result(err)).Inc()
	if err != nil {
		return nil, err
	}
	telemetry.ObserveSince(telemetry.SyncDuration, start)

	s.mu.Lock()
	s.engine = snap.Engine
	s.entities = snap.Entities
	s.lastSync = report
	telemetry.EntitiesIndexed.Set(float64(s.engine.Len()))
	s.mu.Unlock()

	s.emit(Event{Kind: EventIndexed})
	return report, nil
}

// LastSync returns the report of the most recent Rebuild.
func (s *Service) LastSync() *index.SyncReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// ReindexPath re-reads the entity file at path. A file that now holds a
// different id than before drops the old id. A file claiming an id that
// another existing file already holds is rejected as a duplicate.
func (s *Service) ReindexPath(path string) error {
	e, info, err := index.ReadEntity(s.store, path)
	if err != nil {
		telemetry.IndexOps.WithLabelValues("reindex", "error").Inc()
		return fmt.Errorf("entityservice: reindex %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entities[e.ID]; ok && prev.VaultPath != path {
		if _, statErr := s.store.Stat(prev.VaultPath); statErr == nil {
			telemetry.IndexOps.WithLabelValues("reindex", "duplicate").Inc()
			return fmt.Errorf("entityservice: reindex %s: %w: %s is already defined in %s", path, apperr.ErrAlreadyExists, e.ID, prev.VaultPath)
		}
		s.logger.Debug("entity moved", slog.String("id", string(e.ID)), slog.String("from", prev.VaultPath), slog.String("to", path))
		s.dropSnapshot(prev.VaultPath)
	}
	if oldID, ok := s.engine.GetIDByPath(path); ok && oldID != e.ID {
		s.engine.RemoveEntity(oldID)
		delete(s.entities, oldID)
		s.emit(Event{Kind: EventRemoved, ID: oldID, Path: path})
	}

	if err := s.indexLocked(e, info.ModTime); err != nil {
		return err
	}
	s.emit(Event{Kind: EventIndexed, ID: e.ID, Path: path})
	return nil
}

// RemovePath drops the entity stored at path. Unknown paths are ignored.
func (s *Service) RemovePath(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropSnapshot(path)
	id, ok := s.engine.GetIDByPath(path)
	if !ok {
		return nil
	}
	s.engine.RemoveEntity(id)
	delete(s.entities, id)
	telemetry.IndexOps.WithLabelValues("remove", "ok").Inc()
	telemetry.EntitiesIndexed.Set(float64(s.engine.Len()))
	s.emit(Event{Kind: EventRemoved, ID: id, Path: path})
	return nil
}

// Reconcile compares the engine with the files on disk: entities whose
// file is gone are removed, files not yet indexed or changed since are
// re-read.
func (s *Service) Reconcile() error {
	files, err := s.store.List("")
	if err != nil {
		return fmt.Errorf("entityservice: reconcile: %w", err)
	}
	disk := make(map[string]time.Time, len(files))
	for _, f := range files {
		disk[f.Path] = f.ModTime
	}

	s.mu.RLock()
	var gone, stale []string
	for _, e := range s.entities {
		if _, ok := disk[e.VaultPath]; !ok {
			gone = append(gone, e.VaultPath)
		}
	}
	for p, mtime := range disk {
		m, ok := s.engine.GetByPath(p)
		if !ok || !m.FileMtime.Equal(mtime) {
			stale = append(stale, p)
		}
	}
	s.mu.RUnlock()

	for _, p := range gone {
		_ = s.RemovePath(p)
	}
	for _, p := range stale {
		if err := s.ReindexPath(p); err != nil {
			s.logger.Debug("reconcile: skipped", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
	return nil
}

// indexLocked indexes e and records it in the snapshot. Caller holds the
// write lock.
func (s *Service) indexLocked(e *models.Entity, mtime time.Time) error {
	_, known := s.entities[e.ID]
	if err := s.engine.IndexEntity(e, mtime); err != nil {
		telemetry.IndexOps.WithLabelValues("index", "error").Inc()
		return fmt.Errorf("entityservice: index %s: %w", e.ID, err)
	}
	s.entities[e.ID] = e
	if !known {
		s.relinkLocked(e.ID)
	}
	telemetry.IndexOps.WithLabelValues("index", "ok").Inc()
	telemetry.EntitiesIndexed.Set(float64(s.engine.Len()))
	if s.snap != nil {
		if err := s.snap.Put(cache.Record{Path: e.VaultPath, Mtime: mtime, Entity: e}); err != nil {
			s.logger.Warn("snapshot write failed", slog.String("path", e.VaultPath), slog.String("error", err.Error()))
		}
	}
	return nil
}

// relinkLocked re-indexes every entity that declares an edge to id.
// Removing id stripped those edges from the graph; an id that comes back,
// for instance after a rename, gets them again. Caller holds the write
// lock.
func (s *Service) relinkLocked(id models.EntityID) {
	for otherID, other := range s.entities {
		if otherID == id || !other.Refers(id) {
			continue
		}
		m, _ := s.engine.Get(otherID)
		if err := s.engine.IndexEntity(other, m.FileMtime); err != nil {
			s.logger.Warn("relink failed", slog.String("id", string(otherID)), slog.String("error", err.Error()))
		}
	}
}

func (s *Service) dropSnapshot(path string) {
	if s.snap == nil {
		return
	}
	if err := s.snap.Delete(path); err != nil {
		s.logger.Warn("snapshot delete failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// persistLocked writes e back to its file, keeping unknown frontmatter keys
// and the body, then re-indexes it. Caller holds the write lock.
func (s *Service) persistLocked(e *models.Entity) error {
	raw, err := s.store.Read(e.VaultPath)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("entityservice: write %s: %w", e.ID, err)
	}
	out, err := parser.Patch(raw, e)
	if err != nil {
		return fmt.Errorf("entityservice: write %s: %w", e.ID, err)
	}
	if err := s.store.Write(e.VaultPath, out); err != nil {
		return fmt.Errorf("entityservice: write %s: %w", e.ID, err)
	}
	info, err := s.store.Stat(e.VaultPath)
	if err != nil {
		return fmt.Errorf("entityservice: write %s: %w", e.ID, err)
	}
	return s.indexLocked(e, info.ModTime)
}

// moveLocked moves e's file to dest, marks it archived and re-indexes it
// under the new path. Caller holds the write lock.
func (s *Service) moveLocked(e *models.Entity, dest string) error {
	from := e.VaultPath
	if err := s.store.Move(from, dest); err != nil {
		return fmt.Errorf("entityservice: archive %s: %w", e.ID, err)
	}
	s.dropSnapshot(from)
	e.VaultPath = dest
	e.Archived = true
	e.UpdatedAt = s.now()
	if err := s.persistLocked(e); err != nil {
		return err
	}
	s.emit(Event{Kind: EventIndexed, ID: e.ID, Path: dest})
	return nil
}

// fileChecksum returns the checksum of the raw file behind e.
func (s *Service) fileChecksum(e *models.Entity) string {
	raw, err := s.store.Read(e.VaultPath)
	if err != nil {
		return ""
	}
	return checksum.Sum(raw)
}

func (s *Service) emit(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

func notFound(what string) error {
	return fmt.Errorf("entityservice: %s: %w", what, apperr.ErrNotFound)
}

// entityLocked returns the stored record for id. Caller holds a lock.
func (s *Service) entityLocked(id models.EntityID) (*models.Entity, error) {
	e, ok := s.entities[id]
	if !ok {
		return nil, notFound(string(id))
	}
	return e, nil
}

// unlocked adapts the service to lifecycle.EntityStore for code that
// already holds the service lock.
type unlocked struct{ s *Service }

var _ lifecycle.EntityStore = unlocked{}

func (u unlocked) GetEntity(_ context.Context, id models.EntityID) (*models.Entity, error) {
	e, err := u.s.entityLocked(id)
	if err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

func (u unlocked) GetChildren(_ context.Context, id models.EntityID, typ models.EntityType) ([]*models.Entity, error) {
	var out []*models.Entity
	for _, m := range u.s.engine.GetChildren(id) {
		if typ != "" && m.Type != typ {
			continue
		}
		if e, ok := u.s.entities[m.ID]; ok {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (u unlocked) GetParent(_ context.Context, id models.EntityID) (*models.Entity, error) {
	m, ok := u.s.engine.GetParent(id)
	if !ok {
		return nil, nil
	}
	e, ok := u.s.entities[m.ID]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

func (u unlocked) WriteEntity(_ context.Context, e *models.Entity) error {
	prev, ok := u.s.entities[e.ID]
	var from models.Status
	if ok {
		from = prev.Status
	}
	c := e.Clone()
	if err := u.s.persistLocked(c); err != nil {
		return err
	}
	u.s.emit(Event{Kind: EventStatus, ID: c.ID, Path: c.VaultPath, From: from, To: c.Status})
	return nil
}

func (u unlocked) ArchiveEntity(_ context.Context, id models.EntityID, dest string) error {
	e, err := u.s.entityLocked(id)
	if err != nil {
		return err
	}
	return u.s.moveLocked(e.Clone(), dest)
}
