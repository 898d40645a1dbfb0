package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/dunamismax/photobooth/internal/domain"
)

type TransportKind string

const (
	TransportStreamed TransportKind = "STREAMED"
	TransportBuffered TransportKind = "BUFFERED"
	TransportEncoded  TransportKind = "ENCODED"
)

const (
	ProcessPath      = "/api/process"
	ProcessImagePath = "/api/process-image"

	DefaultAttemptTimeout = 60 * time.Second

	maxResponseBytes = 1 << 20
)

// ProgressFunc receives upload progress as a percentage in [0, 100].
type ProgressFunc func(percent int)

// Transport sends one attempt of a file to the processing server.
type Transport interface {
	Kind() TransportKind
	Send(ctx context.Context, file File, progress ProgressFunc) (*domain.ProcessResponse, error)
}

// RetryPolicy bounds the attempts made with one transport.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Strategy pairs a transport with its retry policy. The orchestrator walks
// an ordered list of strategies.
type Strategy struct {
	Transport Transport
	Policy    RetryPolicy
}

// DefaultChain returns the streamed, buffered and encoded transports against
// baseURL, in escalation order.
func DefaultChain(baseURL string, client *http.Client) []Strategy {
	if client == nil {
		client = &http.Client{}
	}
	base := strings.TrimRight(baseURL, "/")
	return []Strategy{
		{
			Transport: &StreamedTransport{endpoint: base + ProcessPath, client: client, timeout: DefaultAttemptTimeout},
			Policy:    RetryPolicy{MaxAttempts: 3, BaseDelay: 1000 * time.Millisecond},
		},
		{
			Transport: &BufferedTransport{endpoint: base + ProcessPath, client: client, timeout: DefaultAttemptTimeout},
			Policy:    RetryPolicy{MaxAttempts: 2, BaseDelay: 1500 * time.Millisecond},
		},
		{
			Transport: &EncodedTransport{endpoint: base + ProcessImagePath, client: client, timeout: DefaultAttemptTimeout},
			Policy:    RetryPolicy{MaxAttempts: 1, BaseDelay: 2000 * time.Millisecond},
		},
	}
}

// StreamedTransport writes the multipart body through a pipe so progress
// follows the bytes actually consumed by the connection.
type StreamedTransport struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
}

func (t *StreamedTransport) Kind() TransportKind { return TransportStreamed }

func (t *StreamedTransport) Send(ctx context.Context, file File, progress ProgressFunc) (*domain.ProcessResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	done := make(chan struct{})
	go func() {
		defer close(done)
		part, err := createImagePart(mw, file)
		if err == nil {
			src := &progressReader{r: bytes.NewReader(file.Data), total: int64(len(file.Data)), report: progress}
			_, err = io.Copy(part, src)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()
	// The server may answer before consuming the body. Closing the reader
	// unblocks the writer so no progress is reported after Send returns.
	defer func() {
		_ = pr.Close()
		<-done
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, pr)
	if err != nil {
		return nil, &FatalTransportError{transportFailure{Transport: t.Kind(), Message: genericFailureMessage, Err: err}}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return do(t.client, req, t.Kind())
}

// BufferedTransport assembles the whole multipart body before sending.
type BufferedTransport struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
}

func (t *BufferedTransport) Kind() TransportKind { return TransportBuffered }

func (t *BufferedTransport) Send(ctx context.Context, file File, _ ProgressFunc) (*domain.ProcessResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := createImagePart(mw, file)
	if err == nil {
		_, err = part.Write(file.Data)
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		return nil, &FatalTransportError{transportFailure{Transport: t.Kind(), Message: genericFailureMessage, Err: err}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, &body)
	if err != nil {
		return nil, &FatalTransportError{transportFailure{Transport: t.Kind(), Message: genericFailureMessage, Err: err}}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return do(t.client, req, t.Kind())
}

// EncodedTransport posts the image as a base64 data URL inside JSON. It is
// the last resort for environments that mangle multipart bodies.
type EncodedTransport struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
}

func (t *EncodedTransport) Kind() TransportKind { return TransportEncoded }

func (t *EncodedTransport) Send(ctx context.Context, file File, _ ProgressFunc) (*domain.ProcessResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	payload, err := json.Marshal(domain.ProcessImageJSONRequest{Image: DataURL(file.MIMEType, file.Data)})
	if err != nil {
		return nil, &FatalTransportError{transportFailure{Transport: t.Kind(), Message: genericFailureMessage, Err: err}}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &FatalTransportError{transportFailure{Transport: t.Kind(), Message: genericFailureMessage, Err: err}}
	}
	req.Header.Set("Content-Type", "application/json")
	return do(t.client, req, t.Kind())
}

func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func createImagePart(mw *multipart.Writer, file File) (io.Writer, error) {
	name := file.Name
	if name == "" {
		name = "upload"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, domain.FieldImage, name))
	h.Set("Content-Type", file.MIMEType)
	return mw.CreatePart(h)
}

// do executes req and classifies the outcome. A decoded envelope is returned
// only for 2xx responses.
func do(client *http.Client, req *http.Request, kind TransportKind) (*domain.ProcessResponse, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyNetworkError(kind, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyNetworkError(kind, err)
	}

	var envelope domain.ProcessResponse
	decodeErr := json.Unmarshal(raw, &envelope)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := ""
		if decodeErr == nil && envelope.Error != nil {
			message = envelope.Error.Message
		}
		return nil, classifyStatus(kind, resp.StatusCode, message)
	}
	if decodeErr != nil {
		return nil, &RetryableTransportError{transportFailure{
			Transport:  kind,
			StatusCode: resp.StatusCode,
			Message:    "Failed to parse server response",
			Err:        decodeErr,
		}}
	}
	return &envelope, nil
}

type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.report != nil && p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct > p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}
