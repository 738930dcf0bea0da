package db

import (
	"database/sql"
	"testing"
	"time"

	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/models"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := Migrate(database.DB); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	repo := NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func snapshot(placeID, generation string, fetchedAt int64) *models.PlaceSnapshot {
	return &models.PlaceSnapshot{
		PlaceID:    placeID,
		Name:       "Ferry Building",
		Address:    "1 Ferry Building",
		Latitude:   37.7956,
		Longitude:  -122.3933,
		Tags:       "landmark",
		CapturedAt: fetchedAt,
		FetchedAt:  fetchedAt,
		Generation: models.UUID(generation),
		Photos:     []models.PhotoRef{{Name: "places/" + placeID + "/photos/a", WidthPx: 800, HeightPx: 600}},
	}
}

func variant(placeID, generation string, width int, enc models.Encoding) models.VariantRecord {
	return models.VariantRecord{
		PlaceID:   placeID,
		PhotoIdx:  0,
		Width:     width,
		Height:    width * 3 / 4,
		Encoding:  enc,
		RelPath:   placeID + "/" + generation + "/p0",
		SizeBytes: 100,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	if err := Migrate(database.DB); err != nil {
		t.Fatalf("first Migrate failed: %v", err)
	}
	if err := Migrate(database.DB); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	version, err := CurrentVersion(database.DB)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("schema version = %d, want 1", version)
	}

	applied, err := AppliedMigrations(database.DB)
	if err != nil {
		t.Fatalf("AppliedMigrations failed: %v", err)
	}
	if len(applied) != 1 {
		t.Errorf("applied %d migrations, want 1", len(applied))
	}
}

func TestCommitGenerationRoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	prev, err := repo.CommitGeneration(snapshot("p1", "gen-a", 100), []models.VariantRecord{
		variant("p1", "gen-a", 320, models.EncodingWebP),
		variant("p1", "gen-a", 320, models.EncodingJPEG),
	})
	if err != nil {
		t.Fatalf("CommitGeneration failed: %v", err)
	}
	if prev != "" {
		t.Errorf("first commit reported prior generation %q", prev)
	}

	snap, err := repo.GetPlaceSnapshot("p1")
	if err != nil {
		t.Fatalf("GetPlaceSnapshot failed: %v", err)
	}
	if snap.Name != "Ferry Building" || string(snap.Generation) != "gen-a" {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Photos) != 1 || snap.Photos[0].WidthPx != 800 {
		t.Errorf("photo refs not round-tripped: %+v", snap.Photos)
	}

	variants, err := repo.ListVariants("p1")
	if err != nil {
		t.Fatalf("ListVariants failed: %v", err)
	}
	if len(variants) != 2 {
		t.Errorf("got %d variants, want 2", len(variants))
	}
}

func TestCommitGenerationReplacesVariants(t *testing.T) {
	repo := newTestRepo(t)

	if _, err := repo.CommitGeneration(snapshot("p1", "gen-a", 100), []models.VariantRecord{
		variant("p1", "gen-a", 320, models.EncodingJPEG),
		variant("p1", "gen-a", 640, models.EncodingJPEG),
	}); err != nil {
		t.Fatalf("first CommitGeneration failed: %v", err)
	}

	prev, err := repo.CommitGeneration(snapshot("p1", "gen-b", 200), []models.VariantRecord{
		variant("p1", "gen-b", 320, models.EncodingJPEG),
	})
	if err != nil {
		t.Fatalf("second CommitGeneration failed: %v", err)
	}
	if prev != "gen-a" {
		t.Errorf("prior generation = %q, want gen-a", prev)
	}

	variants, err := repo.ListVariants("p1")
	if err != nil {
		t.Fatalf("ListVariants failed: %v", err)
	}
	if len(variants) != 1 {
		t.Fatalf("got %d variants after replacement, want 1", len(variants))
	}
	if variants[0].RelPath != "p1/gen-b/p0" {
		t.Errorf("variant path = %q", variants[0].RelPath)
	}

	snap, _ := repo.GetPlaceSnapshot("p1")
	if snap.FetchedAt != 200 {
		t.Errorf("FetchedAt = %d, want 200", snap.FetchedAt)
	}
}

func TestGetPlaceSnapshotMissing(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.GetPlaceSnapshot("nope"); err != sql.ErrNoRows {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestListStalePlaceIDs(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now()

	old := now.Add(-48 * time.Hour).Unix()
	fresh := now.Unix()
	if _, err := repo.CommitGeneration(snapshot("old-1", "g1", old), nil); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if _, err := repo.CommitGeneration(snapshot("old-2", "g2", old), nil); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if _, err := repo.CommitGeneration(snapshot("fresh-1", "g3", fresh), nil); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	stale, err := repo.ListStalePlaceIDs(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("ListStalePlaceIDs failed: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("got %d stale ids, want 2: %v", len(stale), stale)
	}
	for _, id := range stale {
		if id == "fresh-1" {
			t.Error("fresh snapshot listed as stale")
		}
	}
}

func TestQuotaDayRoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	if _, err := repo.GetQuotaDay("2026-08-30"); err != sql.ErrNoRows {
		t.Errorf("missing day err = %v, want sql.ErrNoRows", err)
	}

	rec := &models.QuotaRecord{Day: "2026-08-30", Used: 12, Ceiling: 1000}
	if err := repo.UpsertQuotaDay(rec); err != nil {
		t.Fatalf("UpsertQuotaDay failed: %v", err)
	}

	rec.Used = 13
	if err := repo.UpsertQuotaDay(rec); err != nil {
		t.Fatalf("second UpsertQuotaDay failed: %v", err)
	}

	got, err := repo.GetQuotaDay("2026-08-30")
	if err != nil {
		t.Fatalf("GetQuotaDay failed: %v", err)
	}
	if got.Used != 13 || got.Ceiling != 1000 {
		t.Errorf("record = %+v", got)
	}
}

func TestVariantBytesTotal(t *testing.T) {
	repo := newTestRepo(t)

	if _, err := repo.CommitGeneration(snapshot("p1", "g1", 100), []models.VariantRecord{
		variant("p1", "g1", 320, models.EncodingWebP),
		variant("p1", "g1", 640, models.EncodingWebP),
	}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	total, err := repo.VariantBytesTotal()
	if err != nil {
		t.Fatalf("VariantBytesTotal failed: %v", err)
	}
	if total != 200 {
		t.Errorf("total = %d, want 200", total)
	}
}
