package index

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/starford/waymark/internal/cache"
	"github.com/starford/waymark/internal/models"
	"github.com/starford/waymark/internal/parser"
	"github.com/starford/waymark/internal/storage"
)

// Snapshotter persists parsed entities between runs. Sync consults it to
// skip files whose mtime has not changed.
type Snapshotter interface {
	Load() (map[string]cache.Record, error)
	Put(recs ...cache.Record) error
	Delete(paths ...string) error
}

var _ Snapshotter = (*cache.DB)(nil)

// Snapshot is a freshly built engine plus the full records it indexed.
type Snapshot struct {
	Engine   *Engine
	Entities map[models.EntityID]*models.Entity
}

// Failure is a file that could not be read, parsed or indexed.
type Failure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Duplicate is an id claimed by more than one file. The first path in
// sorted order is the one indexed.
type Duplicate struct {
	ID    models.EntityID `json:"id"`
	Paths []string        `json:"paths"`
}

// SyncReport summarises a full scan.
type SyncReport struct {
	Files      int           `json:"files"`
	Indexed    int           `json:"indexed"`
	Cached     int           `json:"cached"`
	Failures   []Failure     `json:"failures,omitempty"`
	Duplicates []Duplicate   `json:"duplicates,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Sync walks the vault and builds a new engine from it:
//   - files whose mtime matches the snapshot are taken from the snapshot
//   - new/changed files are parsed and written back to the snapshot
//   - snapshot rows for files no longer on disk are dropped
//
// snap may be nil. Per-file problems are logged and reported, never
// returned as an error.
func Sync(store storage.Provider, snap Snapshotter, logger *slog.Logger) (*Snapshot, *SyncReport, error) {
	start := time.Now()
	files, err := store.List("")
	if err != nil {
		return nil, nil, fmt.Errorf("index: sync: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	var cached map[string]cache.Record
	if snap != nil {
		cached, err = snap.Load()
		if err != nil {
			logger.Warn("sync: snapshot load failed", slog.String("error", err.Error()))
			cached = nil
		}
	}

	out := &Snapshot{Engine: NewEngine(), Entities: make(map[models.EntityID]*models.Entity, len(files))}
	report := &SyncReport{Files: len(files)}
	dupes := make(map[models.EntityID][]string)
	var fresh []cache.Record

	disk := make(map[string]struct{}, len(files))
	for _, f := range files {
		disk[f.Path] = struct{}{}

		var e *models.Entity
		if rec, ok := cached[f.Path]; ok && rec.Mtime.Equal(f.ModTime) {
			e = rec.Entity
			report.Cached++
		} else {
			data, err := store.Read(f.Path)
			if err != nil {
				logger.Warn("sync: read failed", slog.String("path", f.Path), slog.String("error", err.Error()))
				report.Failures = append(report.Failures, Failure{Path: f.Path, Error: err.Error()})
				continue
			}
			e, err = parser.ParseEntity(f.Path, data)
			if err != nil {
				logger.Debug("sync: not an entity", slog.String("path", f.Path), slog.String("error", err.Error()))
				report.Failures = append(report.Failures, Failure{Path: f.Path, Error: err.Error()})
				continue
			}
			fresh = append(fresh, cache.Record{Path: f.Path, Mtime: f.ModTime, Entity: e})
		}
		e.VaultPath = f.Path

		if first, ok := out.Entities[e.ID]; ok {
			if len(dupes[e.ID]) == 0 {
				dupes[e.ID] = []string{first.VaultPath}
			}
			dupes[e.ID] = append(dupes[e.ID], f.Path)
			logger.Warn("sync: duplicate id", slog.String("id", string(e.ID)), slog.String("path", f.Path), slog.String("kept", first.VaultPath))
			continue
		}
		if err := out.Engine.IndexEntity(e, f.ModTime); err != nil {
			logger.Warn("sync: index failed", slog.String("path", f.Path), slog.String("error", err.Error()))
			report.Failures = append(report.Failures, Failure{Path: f.Path, Error: err.Error()})
			continue
		}
		out.Entities[e.ID] = e
		report.Indexed++
	}

	for id, paths := range dupes {
		report.Duplicates = append(report.Duplicates, Duplicate{ID: id, Paths: paths})
	}
	sort.Slice(report.Duplicates, func(i, j int) bool { return report.Duplicates[i].ID < report.Duplicates[j].ID })

	if snap != nil {
		if err := snap.Put(fresh...); err != nil {
			logger.Warn("sync: snapshot write failed", slog.String("error", err.Error()))
		}
		var stale []string
		for p := range cached {
			if _, ok := disk[p]; !ok {
				stale = append(stale, p)
			}
		}
		if err := snap.Delete(stale...); err != nil {
			logger.Warn("sync: snapshot prune failed", slog.String("error", err.Error()))
		}
	}

	report.Duration = time.Since(start)
	logger.Info("sync: done",
		slog.Int("files", report.Files),
		slog.Int("indexed", report.Indexed),
		slog.Int("cached", report.Cached),
		slog.Int("failures", len(report.Failures)),
		slog.Int("duplicates", len(report.Duplicates)),
		slog.Duration("took", report.Duration))
	return out, report, nil
}

// ReadEntity reads and parses the entity stored at path.
func ReadEntity(store storage.Provider, path string) (*models.Entity, models.FileInfo, error) {
	info, err := store.Stat(path)
	if err != nil {
		return nil, models.FileInfo{}, err
	}
	data, err := store.Read(path)
	if err != nil {
		return nil, models.FileInfo{}, err
	}
	e, err := parser.ParseEntity(path, data)
	if err != nil {
		return nil, models.FileInfo{}, err
	}
	e.VaultPath = path
	return e, info, nil
}
