package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/photobooth/internal/config"
	"github.com/dunamismax/photobooth/internal/domain"
	"github.com/dunamismax/photobooth/internal/id"
	"github.com/dunamismax/photobooth/internal/pipeline"
	"github.com/dunamismax/photobooth/internal/ratelimit"
	"github.com/dunamismax/photobooth/internal/storage"
	"github.com/dunamismax/photobooth/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExpiry struct {
	mu  sync.Mutex
	ids []string
}

func (e *recordingExpiry) ScheduleExpiry(_ context.Context, rec domain.ProcessedImageRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, rec.ID)
	return nil
}

type testEnv struct {
	server  *Server
	handler http.Handler
	records *store.MemoryRecordStore
	objects *storage.LocalStore
	expiry  *recordingExpiry
}

func newTestEnv(t *testing.T, cfg config.APIConfig, mutate func(*Deps)) *testEnv {
	t.Helper()
	objects, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{
		records: store.NewMemoryRecordStore(),
		objects: objects,
		expiry:  &recordingExpiry{},
	}
	deps := Deps{Records: env.records, Objects: env.objects, Expiry: env.expiry}
	if mutate != nil {
		mutate(&deps)
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	env.server = NewServer(cfg, deps)
	env.handler = env.server.Handler()
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func testImage() image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 48, 32))
	for y := range 32 {
		for x := range 48 {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 5), G: uint8(y * 7), B: 120, A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage()))
	return buf.Bytes()
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(), &jpeg.Options{Quality: 85}))
	return buf.Bytes()
}

func gifBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, testImage(), nil))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, target, field, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename="photo"`, field))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(t *testing.T, target, image string) *http.Request {
	t.Helper()
	body, err := json.Marshal(domain.ProcessImageJSONRequest{Image: image})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) domain.ProcessResponse {
	t.Helper()
	var env domain.ProcessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func requireFailure(t *testing.T, rec *httptest.ResponseRecorder, status int, errType string) domain.ProcessResponse {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, errType, env.Error.Type)
	assert.NotEmpty(t, env.Error.Message)
	return env
}

func TestProcessStoresAndServesImage(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{}, nil)

	rec := env.do(multipartRequest(t, "/api/process", domain.FieldImage, domain.MIMEPNG, pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeEnvelope(t, rec)
	require.True(t, resp.Success)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "Image processed successfully", resp.Message)
	assert.True(t, id.Valid(resp.Result.ID))
	assert.Equal(t, "/api/image/"+resp.Result.ID, resp.Result.ProcessedURL)
	assert.Equal(t, []string{resp.Result.ID}, env.expiry.ids)

	stored, err := env.records.Get(context.Background(), resp.Result.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FormatJPEG, stored.Format)
	assert.Equal(t, len(pngBytes(t)), stored.OriginalByteSize)

	img := env.do(httptest.NewRequest(http.MethodGet, resp.Result.ProcessedURL, nil))
	require.Equal(t, http.StatusOK, img.Code)
	assert.Equal(t, domain.MIMEJPEG, img.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=31536000", img.Header().Get("Cache-Control"))
	assert.Equal(t, stored.ProcessedByteSize, img.Body.Len())

	decoded, err := jpeg.Decode(bytes.NewReader(img.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(48, 32), decoded.Bounds().Size())
}

func TestProcessPNGOutput(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{PublicBaseURL: "https://booth.example/"}, nil)

	rec := env.do(multipartRequest(t, "/api/process?output=png", domain.FieldImage, domain.MIMEJPEG, jpegBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, "https://booth.example/api/image/"+resp.Result.ID, resp.Result.ProcessedURL)

	img := env.do(httptest.NewRequest(http.MethodGet, "/api/image/"+resp.Result.ID, nil))
	require.Equal(t, http.StatusOK, img.Code)
	assert.Equal(t, domain.MIMEPNG, img.Header().Get("Content-Type"))
	_, err := png.Decode(bytes.NewReader(img.Body.Bytes()))
	require.NoError(t, err)
}

func TestProcessRawFormatReturnsBytes(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{}, nil)

	rec := env.do(multipartRequest(t, "/api/process?format=raw", domain.FieldImage, domain.MIMEJPEG, jpegBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.MIMEJPEG, rec.Header().Get("Content-Type"))
	imageID := rec.Header().Get("X-Image-Id")
	assert.True(t, id.Valid(imageID))
	assert.Equal(t, fmt.Sprintf(`attachment; filename="processed_%s.jpg"`, imageID), rec.Header().Get("Content-Disposition"))

	_, err := jpeg.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
}

func TestProcessImageAcceptsDataURLAndMultipart(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{}, nil)

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t))
	rec := env.do(jsonRequest(t, "/api/process-image", dataURL))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeEnvelope(t, rec).Success)

	rec = env.do(multipartRequest(t, "/api/process-image", domain.FieldImage, domain.MIMEJPEG, jpegBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeEnvelope(t, rec).Success)

	list, err := env.records.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestProcessRejections(t *testing.T) {
	cases := []struct {
		name    string
		req     func(t *testing.T) *http.Request
		status  int
		errType string
	}{
		{
			name: "declared gif",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/api/process", "image", "image/gif", gifBytes(t))
			},
			status:  http.StatusUnsupportedMediaType,
			errType: domain.ErrorTypeUnsupportedMedia,
		},
		{
			name: "gif content declared png",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/api/process", "image", domain.MIMEPNG, gifBytes(t))
			},
			status:  http.StatusUnsupportedMediaType,
			errType: domain.ErrorTypeUnsupportedMedia,
		},
		{
			name: "text declared png",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/api/process", "image", domain.MIMEPNG, []byte("definitely not an image"))
			},
			status:  http.StatusBadRequest,
			errType: domain.ErrorTypeInvalidImage,
		},
		{
			name: "truncated png",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/api/process", "image", domain.MIMEPNG, pngBytes(t)[:64])
			},
			status:  http.StatusBadRequest,
			errType: domain.ErrorTypeInvalidImage,
		},
		{
			name: "wrong field",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/api/process", "photo", domain.MIMEPNG, pngBytes(t))
			},
			status:  http.StatusBadRequest,
			errType: domain.ErrorTypeValidation,
		},
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				return jsonRequest(t, "/api/process", "data:image/png;base64,AAAA")
			},
			status:  http.StatusBadRequest,
			errType: domain.ErrorTypeValidation,
		},
		{
			name: "bad output",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/api/process?output=webp", "image", domain.MIMEPNG, pngBytes(t))
			},
			status:  http.StatusBadRequest,
			errType: domain.ErrorTypeValidation,
		},
		{
			name: "json not a data url",
			req: func(t *testing.T) *http.Request {
				return jsonRequest(t, "/api/process-image", "https://example.com/a.png")
			},
			status:  http.StatusUnsupportedMediaType,
			errType: domain.ErrorTypeUnsupportedMedia,
		},
		{
			name: "json gif data url",
			req: func(t *testing.T) *http.Request {
				return jsonRequest(t, "/api/process-image", "data:image/gif;base64,"+base64.StdEncoding.EncodeToString(gifBytes(t)))
			},
			status:  http.StatusUnsupportedMediaType,
			errType: domain.ErrorTypeUnsupportedMedia,
		},
		{
			name: "json empty",
			req: func(t *testing.T) *http.Request {
				return jsonRequest(t, "/api/process-image", "")
			},
			status:  http.StatusBadRequest,
			errType: domain.ErrorTypeValidation,
		},
		{
			name: "json malformed",
			req: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/process-image", strings.NewReader("{"))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			status:  http.StatusBadRequest,
			errType: domain.ErrorTypeValidation,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, config.APIConfig{}, nil)
			requireFailure(t, env.do(tc.req(t)), tc.status, tc.errType)

			list, err := env.records.List(context.Background(), 0)
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestProcessRejectsOversizedUploads(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{MaxUploadBytes: 1 << 20}, nil)
	big := append(pngBytes(t), bytes.Repeat([]byte{0}, 1<<20)...)

	rec := env.do(multipartRequest(t, "/api/process", domain.FieldImage, domain.MIMEPNG, big))
	resp := requireFailure(t, rec, http.StatusRequestEntityTooLarge, domain.ErrorTypeTooLarge)
	assert.Equal(t, "File too large. Maximum size: 1MB", resp.Error.Message)

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(big)
	requireFailure(t, env.do(jsonRequest(t, "/api/process-image", dataURL)), http.StatusRequestEntityTooLarge, domain.ErrorTypeTooLarge)
}

func TestProcessRejectsOversizedDimensions(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{MaxInputPixels: 2_000_000}, nil)
	img := image.NewGray(image.Rect(0, 0, 2000, 1001))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	rec := env.do(multipartRequest(t, "/api/process", domain.FieldImage, domain.MIMEPNG, buf.Bytes()))
	resp := requireFailure(t, rec, http.StatusRequestEntityTooLarge, domain.ErrorTypeTooLarge)
	assert.Equal(t, "Image dimensions too large. Maximum: 2 megapixels", resp.Error.Message)

	list, err := env.records.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

type failingProcessor struct{}

func (failingProcessor) Process(context.Context, []byte, domain.Format, domain.Format) (pipeline.Result, error) {
	return pipeline.Result{}, &pipeline.ProcessingError{Stage: "clarity", Err: context.DeadlineExceeded}
}

func TestProcessingFailureIsServerError(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{}, func(d *Deps) { d.Pipeline = failingProcessor{} })

	rec := env.do(multipartRequest(t, "/api/process", domain.FieldImage, domain.MIMEPNG, pngBytes(t)))
	resp := requireFailure(t, rec, http.StatusInternalServerError, domain.ErrorTypeServer)
	assert.Equal(t, "Failed to process image", resp.Error.Message)
	assert.Empty(t, env.expiry.ids)
}

func TestImageEndpointsNotFound(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{}, nil)

	for _, path := range []string{"/api/image/" + id.New(), "/api/image/not-an-id", "/api/images/" + id.New()} {
		requireFailure(t, env.do(httptest.NewRequest(http.MethodGet, path, nil)), http.StatusNotFound, domain.ErrorTypeNotFound)
	}
}

func TestGalleryListsNewestFirst(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{}, nil)
	clock := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	env.server.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	var ids []string
	for range 3 {
		rec := env.do(multipartRequest(t, "/api/process", domain.FieldImage, domain.MIMEPNG, pngBytes(t)))
		require.Equal(t, http.StatusOK, rec.Code)
		ids = append(ids, decodeEnvelope(t, rec).Result.ID)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/images?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list domain.ImageListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.True(t, list.Success)
	require.Len(t, list.Images, 2)
	assert.Equal(t, ids[2], list.Images[0].ID)
	assert.Equal(t, ids[1], list.Images[1].ID)
	assert.Equal(t, "/api/image/"+ids[2], list.Images[0].URL)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/images/"+ids[0], nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var one domain.ImageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, ids[0], one.Image.ID)

	requireFailure(t, env.do(httptest.NewRequest(http.MethodGet, "/api/images?limit=-1", nil)), http.StatusBadRequest, domain.ErrorTypeValidation)
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, Limit: 5, RetryAfter: 1500 * time.Millisecond}, nil
}

func TestRateLimitRejectsUploadsOnly(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{}, func(d *Deps) { d.RateLimiter = denyAll{} })

	rec := env.do(multipartRequest(t, "/api/process", domain.FieldImage, domain.MIMEPNG, pngBytes(t)))
	requireFailure(t, rec, http.StatusTooManyRequests, domain.ErrorTypeRateLimited)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/images", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{CORSOrigin: "https://booth.example"}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/process", nil)
	req.Header.Set("Origin", "https://booth.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := env.do(req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://booth.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestMetricsExposeStageTimings(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{}, nil)
	rec := env.do(multipartRequest(t, "/api/process", domain.FieldImage, domain.MIMEPNG, pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code)

	metrics := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, metrics.Code)
	body := metrics.Body.String()
	assert.Contains(t, body, `photobooth_pipeline_stage_duration_seconds_count{stage="vignette",status="ok"} 1`)
	assert.Contains(t, body, `photobooth_images_processed_total{format="jpeg",status="succeeded"} 1`)
	assert.Contains(t, body, `photobooth_api_requests_total{method="POST",route="/api/process",status="200"} 1`)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{}, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/api/image/{id}", routeLabel("/api/image/abc"))
	assert.Equal(t, "/api/images/{id}", routeLabel("/api/images/abc"))
	assert.Equal(t, "/api/images", routeLabel("/api/images"))
	assert.Equal(t, "/api/process", routeLabel("/api/process"))
	assert.Equal(t, "other", routeLabel("/wp-admin"))
}
