// Package db provides CRUD repository operations for the place cache models.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/models"
)

// Repository provides persistence operations for snapshots, photo variants
// and quota records. Reads go through a prepared statement cache.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// PlaceSnapshot Operations
// =====================================================

// GetPlaceSnapshot retrieves the active snapshot for a place.
// Returns sql.ErrNoRows when no snapshot has ever been committed.
func (r *Repository) GetPlaceSnapshot(placeID string) (*models.PlaceSnapshot, error) {
	query := `
	SELECT place_id, name, address, latitude, longitude, tags, icon_url,
	       captured_at, fetched_at, content_hash, generation, photos_json
	FROM place_snapshots WHERE place_id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var snap models.PlaceSnapshot
	var photosJSON string
	err = stmt.QueryRow(placeID).Scan(
		&snap.PlaceID, &snap.Name, &snap.Address, &snap.Latitude, &snap.Longitude,
		&snap.Tags, &snap.IconURL, &snap.CapturedAt, &snap.FetchedAt,
		&snap.ContentHash, &snap.Generation, &photosJSON,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(photosJSON), &snap.Photos); err != nil {
		return nil, fmt.Errorf("failed to decode photo refs: %w", err)
	}
	return &snap, nil
}

// ListPlaceIDs returns all place identifiers with an active snapshot.
func (r *Repository) ListPlaceIDs() ([]string, error) {
	rows, err := r.db.Query("SELECT place_id FROM place_snapshots ORDER BY place_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListStalePlaceIDs returns identifiers whose snapshots were fetched before
// the cutoff. These are eligible for re-fetch but stay servable meanwhile.
func (r *Repository) ListStalePlaceIDs(cutoff time.Time) ([]string, error) {
	rows, err := r.db.Query(
		"SELECT place_id FROM place_snapshots WHERE fetched_at < ? ORDER BY fetched_at",
		cutoff.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CommitGeneration atomically activates a staged generation: it replaces the
// snapshot row and every variant row for the place in one transaction. The
// transaction is the single point of visible mutation; readers observe either
// the full old generation or the full new one. Returns the generation that
// was active before, so the caller can safe-delete its files afterwards.
func (r *Repository) CommitGeneration(snap *models.PlaceSnapshot, variants []models.VariantRecord) (prevGeneration string, err error) {
	tx, err := r.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin commit: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	err = tx.QueryRow(
		"SELECT generation FROM place_snapshots WHERE place_id = ?", snap.PlaceID,
	).Scan(&prevGeneration)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to read prior generation: %w", err)
	}
	err = nil

	photosJSON, jerr := json.Marshal(snap.Photos)
	if jerr != nil {
		err = fmt.Errorf("failed to encode photo refs: %w", jerr)
		return "", err
	}

	if _, err = tx.Exec(`
	INSERT INTO place_snapshots
		(place_id, name, address, latitude, longitude, tags, icon_url,
		 captured_at, fetched_at, content_hash, generation, photos_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(place_id) DO UPDATE SET
		name = excluded.name,
		address = excluded.address,
		latitude = excluded.latitude,
		longitude = excluded.longitude,
		tags = excluded.tags,
		icon_url = excluded.icon_url,
		captured_at = excluded.captured_at,
		fetched_at = excluded.fetched_at,
		content_hash = excluded.content_hash,
		generation = excluded.generation,
		photos_json = excluded.photos_json
	`, snap.PlaceID, snap.Name, snap.Address, snap.Latitude, snap.Longitude,
		snap.Tags, snap.IconURL, snap.CapturedAt, snap.FetchedAt,
		snap.ContentHash, snap.Generation, string(photosJSON)); err != nil {
		return "", fmt.Errorf("failed to upsert snapshot: %w", err)
	}

	if _, err = tx.Exec("DELETE FROM photo_variants WHERE place_id = ?", snap.PlaceID); err != nil {
		return "", fmt.Errorf("failed to retire prior variants: %w", err)
	}

	for _, v := range variants {
		if _, err = tx.Exec(`
		INSERT INTO photo_variants (place_id, photo_idx, width, height, encoding, rel_path, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		`, v.PlaceID, v.PhotoIdx, v.Width, v.Height, string(v.Encoding), v.RelPath, v.SizeBytes); err != nil {
			return "", fmt.Errorf("failed to insert variant: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit generation: %w", err)
	}
	return prevGeneration, nil
}

// =====================================================
// Photo Variant Operations
// =====================================================

// GetVariant retrieves one active variant index entry.
func (r *Repository) GetVariant(placeID string, photoIdx, width int, encoding models.Encoding) (*models.VariantRecord, error) {
	query := `
	SELECT place_id, photo_idx, width, height, encoding, rel_path, size_bytes
	FROM photo_variants
	WHERE place_id = ? AND photo_idx = ? AND width = ? AND encoding = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var v models.VariantRecord
	var enc string
	err = stmt.QueryRow(placeID, photoIdx, width, string(encoding)).Scan(
		&v.PlaceID, &v.PhotoIdx, &v.Width, &v.Height, &enc, &v.RelPath, &v.SizeBytes,
	)
	if err != nil {
		return nil, err
	}
	v.Encoding = models.Encoding(enc)
	return &v, nil
}

// ListVariants returns all active variant entries for a place, ordered by
// photo index then ascending width.
func (r *Repository) ListVariants(placeID string) ([]models.VariantRecord, error) {
	rows, err := r.db.Query(`
	SELECT place_id, photo_idx, width, height, encoding, rel_path, size_bytes
	FROM photo_variants WHERE place_id = ?
	ORDER BY photo_idx, width, encoding
	`, placeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.VariantRecord
	for rows.Next() {
		var v models.VariantRecord
		var enc string
		if err := rows.Scan(&v.PlaceID, &v.PhotoIdx, &v.Width, &v.Height, &enc, &v.RelPath, &v.SizeBytes); err != nil {
			return nil, err
		}
		v.Encoding = models.Encoding(enc)
		out = append(out, v)
	}
	return out, rows.Err()
}

// VariantBytesTotal returns the total size of all active variant files.
func (r *Repository) VariantBytesTotal() (int64, error) {
	var total sql.NullInt64
	if err := r.db.QueryRow("SELECT SUM(size_bytes) FROM photo_variants").Scan(&total); err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// =====================================================
// Quota Record Operations
// =====================================================

// GetQuotaDay retrieves the quota record for a calendar day.
// Returns sql.ErrNoRows when the day has no record yet.
func (r *Repository) GetQuotaDay(day string) (*models.QuotaRecord, error) {
	query := "SELECT day, used, ceiling FROM quota_days WHERE day = ?"
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var q models.QuotaRecord
	if err := stmt.QueryRow(day).Scan(&q.Day, &q.Used, &q.Ceiling); err != nil {
		return nil, err
	}
	return &q, nil
}

// UpsertQuotaDay writes the quota record for a calendar day.
func (r *Repository) UpsertQuotaDay(rec *models.QuotaRecord) error {
	_, err := r.db.Exec(`
	INSERT INTO quota_days (day, used, ceiling) VALUES (?, ?, ?)
	ON CONFLICT(day) DO UPDATE SET used = excluded.used, ceiling = excluded.ceiling
	`, rec.Day, rec.Used, rec.Ceiling)
	return err
}
