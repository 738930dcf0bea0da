// Package models provides data model definitions for the place cache.
package models

import (
	"database/sql/driver"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// PhotoRef is an upstream reference to one photo of a place.
type PhotoRef struct {
	Name     string `json:"name"`
	WidthPx  int    `json:"width_px"`
	HeightPx int    `json:"height_px"`
}

// PlaceSnapshot is the cached representation of one place record.
// A snapshot is replaced wholesale on refresh, never patched field by field.
type PlaceSnapshot struct {
	PlaceID     string     `db:"place_id" json:"place_id"`
	Name        string     `db:"name" json:"name"`
	Address     string     `db:"address" json:"address"`
	Latitude    float64    `db:"latitude" json:"latitude"`
	Longitude   float64    `db:"longitude" json:"longitude"`
	Tags        string     `db:"tags" json:"tags"` // Comma-separated
	IconURL     string     `db:"icon_url" json:"icon_url,omitempty"`
	CapturedAt  int64      `db:"captured_at" json:"captured_at"`
	FetchedAt   int64      `db:"fetched_at" json:"fetched_at"`
	ContentHash string     `db:"content_hash" json:"content_hash,omitempty"`
	Generation  UUID       `db:"generation" json:"-"`
	Photos      []PhotoRef `json:"photos,omitempty"`
}

// TableName returns the table name for PlaceSnapshot.
func (PlaceSnapshot) TableName() string {
	return "place_snapshots"
}

// FetchedAtTime returns FetchedAt as time.Time.
func (p *PlaceSnapshot) FetchedAtTime() time.Time {
	return time.Unix(p.FetchedAt, 0)
}

// StaleAt reports whether the snapshot is older than ttl at the given instant.
// Stale snapshots remain servable until replaced.
func (p *PlaceSnapshot) StaleAt(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(p.FetchedAtTime()) > ttl
}
