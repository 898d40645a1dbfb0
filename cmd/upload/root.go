package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dunamismax/photobooth/internal/ingest"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"
)

type options struct {
	server  string
	output  string
	timeout time.Duration
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "upload <photo>",
		Short: "Style a photo on a photobooth server",
		Long: `Upload sends a JPEG or PNG to the photobooth API. It tries a streamed
multipart upload first, falls back to a buffered one, and finally to a
base64 JSON body, retrying each with exponential backoff.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.NewWithOptions(cmd.ErrOrStderr(), log.Options{
				Prefix:          "upload",
				ReportTimestamp: true,
			})
			if opts.verbose {
				logger.SetLevel(log.DebugLevel)
			}
			err := runUpload(cmd.Context(), logger, opts, args[0])
			if err != nil {
				logger.Error("upload failed", "err", err)
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.server, "server", "s", "http://localhost:8080", "photobooth API base URL")
	flags.StringVarP(&opts.output, "output", "o", "", "where to save the styled image (default processed_<id>.<ext>)")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "overall deadline for upload and download")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log every attempt and progress step")
	return cmd
}

func runUpload(ctx context.Context, logger *log.Logger, opts options, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	mimeType := mimetype.Detect(data).String()
	file := ingest.NewFile(filepath.Base(path), mimeType, data)

	client := &http.Client{}
	orch := ingest.NewOrchestrator(ingest.Config{
		Chain:    ingest.DefaultChain(opts.server, client),
		Listener: &logListener{logger: logger},
		Logger:   logger,
	})

	result, err := orch.Submit(ctx, file)
	if err != nil {
		return fmt.Errorf("%s: %w", ingest.FailureMessage(err), err)
	}
	logger.Info("processed", "id", result.ID, "transport", result.Transport, "attempts", len(result.Attempts))

	target, err := resolve(opts.server, result.URL)
	if err != nil {
		return err
	}
	img, contentType, err := download(ctx, client, target)
	if err != nil {
		return err
	}

	out := opts.output
	if out == "" {
		out = fmt.Sprintf("processed_%s.%s", result.ID, extensionFor(contentType))
	}
	if err := os.WriteFile(out, img, 0o644); err != nil {
		return err
	}
	logger.Info("saved", "path", out, "bytes", len(img))
	return nil
}

// resolve turns a root-relative locator into an absolute URL on server.
func resolve(server, locator string) (string, error) {
	base, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	ref, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("parse image url: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func download(ctx context.Context, client *http.Client, target string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download %s: status %d", target, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func extensionFor(contentType string) string {
	if strings.HasPrefix(contentType, "image/png") {
		return "png"
	}
	return "jpg"
}

type logListener struct {
	logger *log.Logger
	last   int
}

func (l *logListener) StateChanged(from, to ingest.UploadState) {
	l.logger.Debug("state", "from", from, "to", to)
}

func (l *logListener) Progress(percent int) {
	if percent == 0 || percent == 100 || percent-l.last >= 25 {
		l.logger.Debug("progress", "percent", percent)
		l.last = percent
	}
}

func (l *logListener) Attempt(a ingest.UploadAttempt) {
	if a.Outcome == ingest.OutcomePending {
		l.logger.Info("attempt", "transport", a.Transport, "n", a.AttemptNumber)
		return
	}
	if a.Err != nil {
		l.logger.Warn("attempt failed", "transport", a.Transport, "n", a.AttemptNumber, "outcome", a.Outcome, "err", a.Err)
	}
}
