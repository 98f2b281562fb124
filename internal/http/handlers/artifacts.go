package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"mediagen/internal/projection"
	"mediagen/internal/storage"
	"mediagen/pkg/zip"
)

type artifactItem struct {
	projection.ArtifactRow
	URL string `json:"url"`
}

// ListArtifacts serves the projected artifacts of a generation. Without a
// projection it falls back to the success outputs held by the actor.
func (a *App) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var rows []projection.ArtifactRow
	if a.Artifacts != nil {
		var err error
		rows, err = a.Artifacts.ListArtifacts(r.Context(), id)
		if err != nil {
			a.Logger.Error().Err(err).Str("request_id", id).Msg("list artifacts failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to load artifacts")
			return
		}
	}
	if len(rows) == 0 {
		state, ok := a.loadState(w, r)
		if !ok {
			return
		}
		for _, out := range state.Outputs {
			if !out.IsSuccess() {
				continue
			}
			art := out.Artifact
			rows = append(rows, projection.ArtifactRow{
				ID:          art.ArtifactID,
				Key:         art.Key,
				ContentType: art.ContentType,
				Index:       art.Index,
				Seed:        art.Seed,
				Cost:        art.Cost,
				Metadata:    art.Metadata,
				CreatedAt:   out.Timestamp,
			})
		}
	}
	items := make([]artifactItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, artifactItem{ArtifactRow: row, URL: "/v1/artifacts/" + row.Key})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

// DownloadArtifact streams one stored object by key.
func (a *App) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if key == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "artifact key is required")
		return
	}
	obj, err := a.Store.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "artifact not found")
			return
		}
		a.Logger.Error().Err(err).Str("key", key).Msg("artifact read failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read artifact")
		return
	}
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Data)
}

// DownloadArchive zips every stored artifact of a generation.
func (a *App) DownloadArchive(w http.ResponseWriter, r *http.Request) {
	state, ok := a.loadState(w, r)
	if !ok {
		return
	}
	var assets []zip.Asset
	for _, out := range state.Outputs {
		if !out.IsSuccess() {
			continue
		}
		obj, err := a.Store.Get(r.Context(), out.Artifact.Key)
		if err != nil {
			a.Logger.Warn().Err(err).Str("key", out.Artifact.Key).Msg("archive entry skipped")
			continue
		}
		assets = append(assets, zip.Asset{
			Filename: fmt.Sprintf("%02d-%s", out.Artifact.Index, path.Base(out.Artifact.Key)),
			MIME:     out.Artifact.ContentType,
			Data:     obj.Data,
			Modified: out.Timestamp,
		})
	}
	if len(assets) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "no stored artifacts")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", state.Meta.ID+".zip"))
	w.WriteHeader(http.StatusOK)
	if err := zip.WriteAssets(w, assets); err != nil {
		a.Logger.Error().Err(err).Str("request_id", state.Meta.ID).Msg("archive write failed")
	}
}
