package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dunamismax/photobooth/internal/domain"
	"github.com/dunamismax/photobooth/internal/id"
	"github.com/dunamismax/photobooth/internal/storage"
	"github.com/dunamismax/photobooth/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// handleImage serves processed bytes. Ids are immutable so the response may
// be cached for a year.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lookup(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	data, err := s.objects.Get(r.Context(), rec.ObjectKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		s.writeError(w, r, errNotFound("Image not found"))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", rec.Format.MIME())
	h.Set("Content-Length", strconv.Itoa(len(data)))
	h.Set("Cache-Control", "public, max-age=31536000")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, r, errValidation("limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxListLimit)
	}

	records, err := s.records.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	images := make([]domain.ImageSummary, 0, len(records))
	for _, rec := range records {
		images = append(images, rec.Summary())
	}
	writeJSON(w, http.StatusOK, domain.ImageListResponse{Success: true, Images: images})
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lookup(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.ImageResponse{Success: true, Image: rec.Summary()})
}

func (s *Server) lookup(r *http.Request) (domain.ProcessedImageRecord, error) {
	imageID := r.PathValue("id")
	if !id.Valid(imageID) {
		return domain.ProcessedImageRecord{}, errNotFound("Image not found")
	}
	rec, err := s.records.Get(r.Context(), imageID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return domain.ProcessedImageRecord{}, errNotFound("Image not found")
	}
	return rec, err
}
