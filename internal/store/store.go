// Package store is the replace-on-success persistence layer for place
// snapshots and photo variants.
//
// Writes follow a three-phase protocol: Stage writes every artifact for an
// item into a fresh generation directory and uncommitted index entries,
// Commit activates the generation in one database transaction and then
// safe-deletes the prior generation's files, Abort discards the staging
// namespace. Readers only ever see fully committed generations.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/db"
	apperrors "github.com/dmgoldstein1/google-maps-timeline-viewer/internal/errors"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/logging"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/models"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/uuid"
)

const snapshotCacheSize = 512

// Store provides staged writes and committed reads over the sqlite index
// and the media directory.
type Store struct {
	repo     *db.Repository
	database *db.DB
	mediaDir string
	ttl      time.Duration

	// commitMu serializes commits; the active namespace is the only state
	// mutated by multiple workers.
	commitMu sync.Mutex

	cache *lru.Cache[string, *models.PlaceSnapshot]
}

// StagingHandle identifies one staged-but-not-committed generation.
type StagingHandle struct {
	placeID    string
	generation string
	dir        string
	snapshot   *models.PlaceSnapshot
	variants   []models.VariantRecord
	closed     bool
}

// PlaceID returns the identifier the handle stages data for.
func (h *StagingHandle) PlaceID() string {
	return h.placeID
}

// New creates a Store rooted at dataDir. Photo bytes live under
// dataDir/media/<place>/<generation>/.
func New(database *db.DB, repo *db.Repository, dataDir string, ttl time.Duration) (*Store, error) {
	mediaDir := filepath.Join(dataDir, "media")
	if err := os.MkdirAll(mediaDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}

	cache, err := lru.New[string, *models.PlaceSnapshot](snapshotCacheSize)
	if err != nil {
		return nil, err
	}

	return &Store{
		repo:     repo,
		database: database,
		mediaDir: mediaDir,
		ttl:      ttl,
		cache:    cache,
	}, nil
}

// =====================================================
// Staged write path
// =====================================================

// Stage writes the snapshot's complete artifact set into a fresh generation
// namespace and verifies every file landed intact. Nothing staged is visible
// to readers until Commit.
func (s *Store) Stage(placeID string, snap *models.PlaceSnapshot, assets []models.AssetSet) (*StagingHandle, error) {
	generation := uuid.New()
	dir := filepath.Join(s.mediaDir, placeID, generation)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStageFailed, "failed to create staging directory", err)
	}

	h := &StagingHandle{
		placeID:    placeID,
		generation: generation,
		dir:        dir,
		snapshot:   snap,
	}

	hasher := sha256.New()
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		s.discard(h)
		return nil, apperrors.Wrap(apperrors.ErrStageFailed, "failed to hash snapshot", err)
	}
	hasher.Write(snapJSON)

	for _, set := range assets {
		for _, v := range set.Variants {
			name := fmt.Sprintf("p%d_w%d%s", set.PhotoIdx, v.Width, v.Encoding.Ext())
			path := filepath.Join(dir, name)

			if err := os.WriteFile(path, v.Data, 0644); err != nil {
				s.discard(h)
				return nil, apperrors.Wrap(apperrors.ErrStageFailed, "failed to write staged variant", err)
			}
			hasher.Write(v.Data)

			h.variants = append(h.variants, models.VariantRecord{
				PlaceID:   placeID,
				PhotoIdx:  set.PhotoIdx,
				Width:     v.Width,
				Height:    v.Height,
				Encoding:  v.Encoding,
				RelPath:   filepath.Join(placeID, generation, name),
				SizeBytes: int64(len(v.Data)),
			})
		}
	}

	// Verify the staged namespace is complete before handing it back.
	if err := s.verifyStaged(h); err != nil {
		s.discard(h)
		return nil, err
	}

	snap.ContentHash = hex.EncodeToString(hasher.Sum(nil))
	snap.Generation = models.UUID(generation)

	logging.Debug("generation staged", map[string]interface{}{
		"place_id":   placeID,
		"generation": generation,
		"variants":   len(h.variants),
	})
	return h, nil
}

// verifyStaged re-stats every staged file against its recorded size.
func (s *Store) verifyStaged(h *StagingHandle) error {
	for _, v := range h.variants {
		info, err := os.Stat(filepath.Join(s.mediaDir, v.RelPath))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrStageFailed, "staged variant missing", err)
		}
		if info.Size() != v.SizeBytes {
			return apperrors.New(apperrors.ErrStageFailed,
				fmt.Sprintf("staged variant truncated: %s", v.RelPath))
		}
	}
	return nil
}

// Commit activates the staged generation. The database transaction is the
// single point of visible mutation; prior files are deleted only after it
// succeeds. A failed commit leaves the previously active data untouched and
// the handle open for Abort.
func (s *Store) Commit(h *StagingHandle) error {
	if h.closed {
		return apperrors.New(apperrors.ErrStagingClosed, "staging handle already committed or aborted")
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	// The staging directory must still be complete; a partial activation
	// would be worse than surfacing the fault.
	if err := s.verifyStaged(h); err != nil {
		return apperrors.Wrap(apperrors.ErrCommitFault, "staged data failed verification", err)
	}

	h.snapshot.FetchedAt = time.Now().Unix()

	prevGeneration, err := s.repo.CommitGeneration(h.snapshot, h.variants)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCommitFault, "failed to activate generation", err)
	}

	h.closed = true
	s.cache.Remove(h.placeID)

	// Safe deletion: the old generation's files go away only now that the
	// new one is active.
	if prevGeneration != "" && prevGeneration != h.generation {
		prevDir := filepath.Join(s.mediaDir, h.placeID, prevGeneration)
		if err := os.RemoveAll(prevDir); err != nil {
			logging.Warn("failed to remove retired generation",
				map[string]interface{}{"dir": prevDir, "error": err.Error()})
		}
	}

	logging.Info("generation committed", map[string]interface{}{
		"place_id":   h.placeID,
		"generation": h.generation,
		"retired":    prevGeneration,
	})
	return nil
}

// Abort discards the staged generation. Prior data is unchanged.
func (s *Store) Abort(h *StagingHandle) error {
	if h.closed {
		return nil
	}
	h.closed = true
	s.discard(h)
	return nil
}

// discard removes a staging directory and, when empty, its parent.
func (s *Store) discard(h *StagingHandle) {
	if err := os.RemoveAll(h.dir); err != nil {
		logging.Warn("failed to remove staging directory",
			map[string]interface{}{"dir": h.dir, "error": err.Error()})
	}
	os.Remove(filepath.Dir(h.dir)) // ignore error: only removes when empty
}

// =====================================================
// Committed read path
// =====================================================

// ActiveSnapshot returns the committed snapshot for a place and whether it
// is stale relative to the configured TTL. Stale snapshots remain servable.
func (s *Store) ActiveSnapshot(placeID string) (*models.PlaceSnapshot, bool, error) {
	if snap, ok := s.cache.Get(placeID); ok {
		return snap, snap.StaleAt(time.Now(), s.ttl), nil
	}

	snap, err := s.repo.GetPlaceSnapshot(placeID)
	if err == sql.ErrNoRows {
		return nil, false, apperrors.New(apperrors.ErrNotFound, "no snapshot for place "+placeID)
	}
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrDatabase, "failed to read snapshot", err)
	}

	s.cache.Add(placeID, snap)
	return snap, snap.StaleAt(time.Now(), s.ttl), nil
}

// ActivePhoto returns the bytes and index entry for an exact
// (place, photo, width, encoding) variant.
func (s *Store) ActivePhoto(placeID string, photoIdx, width int, encoding models.Encoding) ([]byte, *models.VariantRecord, error) {
	rec, err := s.repo.GetVariant(placeID, photoIdx, width, encoding)
	if err == sql.ErrNoRows {
		return nil, nil, apperrors.New(apperrors.ErrNotFound, "no such photo variant")
	}
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read variant index", err)
	}

	data, err := os.ReadFile(filepath.Join(s.mediaDir, rec.RelPath))
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrInternal, "variant file unreadable", err)
	}
	return data, rec, nil
}

// PhotoForWidth picks the smallest committed variant at least wantWidth wide
// (the widest available otherwise) and returns its bytes.
func (s *Store) PhotoForWidth(placeID string, photoIdx, wantWidth int, encoding models.Encoding) ([]byte, *models.VariantRecord, error) {
	all, err := s.repo.ListVariants(placeID)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list variants", err)
	}

	var pick *models.VariantRecord
	for i := range all {
		v := &all[i]
		if v.PhotoIdx != photoIdx || v.Encoding != encoding {
			continue
		}
		if pick == nil {
			pick = v
			continue
		}
		// Variants arrive in ascending width; upgrade while below the target.
		if pick.Width < wantWidth {
			pick = v
		}
	}
	if pick == nil {
		return nil, nil, apperrors.New(apperrors.ErrNotFound, "no such photo variant")
	}

	data, err := os.ReadFile(filepath.Join(s.mediaDir, pick.RelPath))
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrInternal, "variant file unreadable", err)
	}
	return data, pick, nil
}

// ListVariants returns the active variant index for a place.
func (s *Store) ListVariants(placeID string) ([]models.VariantRecord, error) {
	return s.repo.ListVariants(placeID)
}

// StorageBytes returns the total bytes held by the store: active variant
// files plus the sqlite index itself.
func (s *Store) StorageBytes() int64 {
	var total int64
	if n, err := s.repo.VariantBytesTotal(); err == nil {
		total += n
	}
	if n, err := s.database.SizeBytes(); err == nil {
		total += n
	}
	return total
}
