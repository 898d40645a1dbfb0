package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/dunamismax/photobooth/internal/domain"
	"github.com/dunamismax/photobooth/internal/id"
	"github.com/dunamismax/photobooth/internal/pipeline"
	"github.com/dunamismax/photobooth/internal/storage"
	"github.com/gabriel-vasile/mimetype"
)

// multipartOverhead leaves room for boundaries and part headers on top of
// the file size limit.
const multipartOverhead = 64 << 10

const allowedTypesMessage = "Invalid file type. Allowed types: jpeg, png"

type upload struct {
	data     []byte
	declared string
	name     string
}

// handleProcess accepts multipart uploads only.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	up, err := s.readMultipart(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.process(w, r, up)
}

// handleProcessImage accepts multipart uploads or a JSON body carrying a
// base64 data URL.
func (s *Server) handleProcessImage(w http.ResponseWriter, r *http.Request) {
	var (
		up  upload
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		up, err = s.readMultipart(w, r)
	} else {
		up, err = s.readDataURL(w, r)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.process(w, r, up)
}

func (s *Server) readMultipart(w http.ResponseWriter, r *http.Request) (upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		return upload{}, errValidation("Expected a multipart/form-data body with an 'image' field")
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return upload{}, errValidation("No image file provided")
		}
		if err != nil {
			return upload{}, fmt.Errorf("read multipart body: %w", s.bodyError(err))
		}
		if part.FormName() != domain.FieldImage {
			_ = part.Close()
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, s.maxUpload+1))
		_ = part.Close()
		if err != nil {
			return upload{}, fmt.Errorf("read image part: %w", s.bodyError(err))
		}
		if int64(len(data)) > s.maxUpload {
			return upload{}, errTooLarge(s.maxUpload)
		}
		return upload{data: data, declared: part.Header.Get("Content-Type"), name: part.FileName()}, nil
	}
}

func (s *Server) readDataURL(w http.ResponseWriter, r *http.Request) (upload, error) {
	// base64 inflates by 4/3.
	limit := s.maxUpload*4/3 + multipartOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var req domain.ProcessImageJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return upload{}, errTooLarge(s.maxUpload)
		}
		return upload{}, errValidation("Invalid JSON provided")
	}
	if strings.TrimSpace(req.Image) == "" {
		return upload{}, errValidation("No image file provided")
	}

	header, payload, ok := strings.Cut(req.Image, ",")
	if !ok || !strings.HasPrefix(header, "data:image/") || !strings.HasSuffix(header, ";base64") {
		return upload{}, errUnsupported("Invalid image format. Must be a valid image data URL")
	}
	declared := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	if _, err := domain.FormatFromMIME(declared); err != nil {
		return upload{}, errUnsupported(allowedTypesMessage)
	}
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > s.maxUpload+2 {
		return upload{}, errTooLarge(s.maxUpload)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return upload{}, errValidation("Invalid image data format")
	}
	if int64(len(data)) > s.maxUpload {
		return upload{}, errTooLarge(s.maxUpload)
	}
	return upload{data: data, declared: declared}, nil
}

func (s *Server) bodyError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return errTooLarge(s.maxUpload)
	}
	return errValidation("Malformed upload body")
}

// sourceFormat checks the declared type and then the bytes themselves. A
// declared type that disagrees with the content is tolerated as long as
// the content is JPEG or PNG.
func sourceFormat(up upload) (domain.Format, error) {
	declared := strings.TrimSpace(up.declared)
	if declared != "" && declared != "application/octet-stream" {
		if _, err := domain.FormatFromMIME(declared); err != nil {
			return "", errUnsupported(allowedTypesMessage)
		}
	}
	if len(up.data) == 0 {
		return "", errValidation("No image file provided")
	}

	detected := mimetype.Detect(up.data)
	format, err := domain.FormatFromMIME(detected.String())
	if err != nil {
		if strings.HasPrefix(detected.String(), "image/") {
			return "", errUnsupported(allowedTypesMessage)
		}
		return "", fmt.Errorf("%w: content is %s", pipeline.ErrInvalidImageFormat, detected.String())
	}
	return format, nil
}

func (s *Server) process(w http.ResponseWriter, r *http.Request, up upload) {
	ctx := r.Context()

	output, err := domain.ParseFormat(queryDefault(r, "output", string(domain.FormatJPEG)))
	if err != nil {
		s.writeError(w, r, errValidation("Unsupported output format. Use jpeg or png"))
		return
	}
	source, err := sourceFormat(up)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.uploadBytes.Observe(float64(len(up.data)))

	res, err := s.pipeline.Process(ctx, up.data, source, output)
	if err != nil {
		s.metrics.imagesProcessed.WithLabelValues(string(output), "failed").Inc()
		s.writeError(w, r, err)
		return
	}

	rec := domain.ProcessedImageRecord{
		ID:                id.New(),
		OriginalByteSize:  res.OriginalSize,
		ProcessedByteSize: res.ProcessedSize,
		Format:            res.Format,
		CreatedAt:         s.now().UTC(),
	}
	rec.ObjectKey = storage.ProcessedKey(rec.ID, rec.Format)
	rec.OutputLocator = s.locator(rec.ID)

	if err := s.objects.Put(ctx, rec.ObjectKey, res.Processed, rec.Format.MIME()); err != nil {
		s.writeError(w, r, fmt.Errorf("store processed image: %w", err))
		return
	}
	if err := s.records.Put(ctx, rec); err != nil {
		if delErr := s.objects.Delete(ctx, rec.ObjectKey); delErr != nil {
			s.logger.Warn("orphaned object", "key", rec.ObjectKey, "err", delErr)
		}
		s.writeError(w, r, fmt.Errorf("store record: %w", err))
		return
	}
	if s.expiry != nil {
		if err := s.expiry.ScheduleExpiry(ctx, rec); err != nil {
			s.logger.Warn("expiry not scheduled; sweep will collect it", "id", rec.ID, "err", err)
		}
	}

	s.metrics.imagesProcessed.WithLabelValues(string(rec.Format), "succeeded").Inc()
	s.logger.Info("image processed",
		"id", rec.ID,
		"name", up.name,
		"source", source,
		"format", rec.Format,
		"original_bytes", rec.OriginalByteSize,
		"processed_bytes", rec.ProcessedByteSize,
	)

	w.Header().Set("X-Image-Id", rec.ID)
	if r.URL.Query().Get("format") == "raw" {
		w.Header().Set("Content-Type", rec.Format.MIME())
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="processed_%s.%s"`, rec.ID, rec.Format.Extension()))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Processed)
		return
	}

	writeJSON(w, http.StatusOK, domain.ProcessResponse{
		Success: true,
		Message: "Image processed successfully",
		Result:  &domain.ProcessResult{ID: rec.ID, ProcessedURL: rec.OutputLocator},
	})
}

func queryDefault(r *http.Request, key, fallback string) string {
	if v := strings.TrimSpace(r.URL.Query().Get(key)); v != "" {
		return v
	}
	return fallback
}
