package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	apperrors "github.com/dmgoldstein1/google-maps-timeline-viewer/internal/errors"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/models"
)

// getPlace serves the committed snapshot for one place. Stale entries are
// still served, flagged via the X-Cache-Stale header.
func (s *Server) getPlace(c echo.Context) error {
	placeID := c.Param("id")

	snap, stale, err := s.store.ActiveSnapshot(placeID)
	if err != nil {
		if apperrors.Code(err) == apperrors.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "place not cached")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	c.Response().Header().Set("X-Cache-Stale", strconv.FormatBool(stale))
	return c.JSON(http.StatusOK, snap)
}

// getPhoto serves one photo variant. The encoding is negotiated from the
// Accept header (webp preferred when accepted, jpeg otherwise) and the
// width from the ?width query parameter.
func (s *Server) getPhoto(c echo.Context) error {
	placeID := c.Param("id")
	photoIdx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || photoIdx < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid photo index")
	}

	encoding := models.EncodingJPEG
	if strings.Contains(c.Request().Header.Get("Accept"), "image/webp") {
		encoding = models.EncodingWebP
	}

	wantWidth := 1024
	if q := c.QueryParam("width"); q != "" {
		w, err := strconv.Atoi(q)
		if err != nil || w < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid width")
		}
		wantWidth = w
	}

	data, rec, err := s.store.PhotoForWidth(placeID, photoIdx, wantWidth, encoding)
	if err != nil {
		if apperrors.Code(err) == apperrors.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "photo not cached")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	c.Response().Header().Set("Cache-Control", "public, max-age=86400")
	c.Response().Header().Set("X-Variant-Width", strconv.Itoa(rec.Width))
	contentType := "image/jpeg"
	if rec.Encoding == models.EncodingWebP {
		contentType = "image/webp"
	}
	return c.Blob(http.StatusOK, contentType, data)
}

// getQuota reports the ledger's daily budget.
func (s *Server) getQuota(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"used":      s.ledger.Used(),
		"remaining": s.ledger.Remaining(),
	})
}

// getStats reports cache-wide storage and run state.
func (s *Server) getStats(c echo.Context) error {
	running, paused := s.engine.Status()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"storage_bytes":   s.store.StorageBytes(),
		"sync_running":    running,
		"sync_paused":     paused,
		"quota_used":      s.ledger.Used(),
		"quota_remaining": s.ledger.Remaining(),
	})
}

type runRequest struct {
	PlaceIDs    []string `json:"place_ids"`
	Concurrency int      `json:"concurrency"`
}

// startSync launches a sync run over the requested identifiers. The
// outcome stream is consumed server-side; clients follow along over the
// progress socket.
func (s *Server) startSync(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.PlaceIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "place_ids is required")
	}

	concurrency := req.Concurrency
	if concurrency < 1 {
		concurrency = s.defaultConcurrency
	}

	outcomes, err := s.engine.Run(context.Background(), req.PlaceIDs, concurrency)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	// Drain in the background so workers never block on the channel.
	go func() {
		for range outcomes {
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"items":       len(req.PlaceIDs),
		"concurrency": concurrency,
	})
}

func (s *Server) pauseSync(c echo.Context) error {
	s.engine.Pause()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) resumeSync(c echo.Context) error {
	s.engine.Resume()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) cancelSync(c echo.Context) error {
	s.engine.Cancel()
	return c.NoContent(http.StatusNoContent)
}
