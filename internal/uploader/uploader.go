// Package uploader ships crash reports to a remote collector over HTTP. One
// report becomes one multipart POST: annotations as form fields, attachments
// and the minidump as file parts, plus the snapshot archive when one exists.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/vsrinivas/crashd/internal/domain"
	"github.com/vsrinivas/crashd/internal/snapshot"
)

// Part names expected by the collector.
const (
	partMinidump = "uploadFileMinidump"
	partSnapshot = "snapshot"
)

// Config holds the transport settings.
type Config struct {
	// URL is the collector endpoint reports are POSTed to.
	URL string
	// Client is the HTTP client; http.DefaultClient when nil. The queue
	// bounds each attempt with a context deadline.
	Client *http.Client
	Logger *slog.Logger
}

// Uploader is an HTTP crash-report transport.
type Uploader struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

// New constructs an Uploader for the given collector.
func New(cfg Config) *Uploader {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Uploader{
		url:    cfg.URL,
		client: cfg.Client,
		log:    cfg.Logger.With("domain", "uploader"),
	}
}

// Upload performs one attempt. A 2xx answer is success and yields the
// collector-assigned report id; 429 means the collector is throttling this
// report and it must not be retried; anything else is a retriable failure.
func (u *Uploader) Upload(ctx context.Context, r *domain.Report, snap snapshot.Snapshot) (domain.UploadOutcome, string, error) {
	body, contentType, err := encodeReport(r, snap)
	if err != nil {
		return domain.UploadFailure, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, body)
	if err != nil {
		return domain.UploadFailure, "", fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return domain.UploadFailure, "", fmt.Errorf("posting report: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return domain.UploadSuccess, parseServerID(resp.Body), nil
	case resp.StatusCode == http.StatusTooManyRequests:
		u.log.Info("collector throttled report", "program", r.ProgramName)
		return domain.UploadThrottled, "", nil
	default:
		return domain.UploadFailure, "", fmt.Errorf("collector answered %s", resp.Status)
	}
}

// encodeReport builds the multipart body. Annotations keep their insertion
// order; snapshot annotations follow the report's own so producer-supplied
// values win on the collector side.
func encodeReport(r *domain.Report, snap snapshot.Snapshot) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	writeAnnotations := func(ann *domain.Annotations) error {
		if ann == nil {
			return nil
		}
		for _, k := range ann.Keys() {
			v, _ := ann.Get(k)
			if err := w.WriteField(k, v); err != nil {
				return fmt.Errorf("encoding annotation %q: %w", k, err)
			}
		}
		return nil
	}
	if err := writeAnnotations(r.Annotations); err != nil {
		return nil, "", err
	}
	if err := writeAnnotations(snap.Annotations); err != nil {
		return nil, "", err
	}

	for key, data := range r.Attachments {
		part, err := w.CreateFormFile(key, key)
		if err != nil {
			return nil, "", fmt.Errorf("encoding attachment %q: %w", key, err)
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", fmt.Errorf("encoding attachment %q: %w", key, err)
		}
	}
	if len(r.Minidump) > 0 {
		part, err := w.CreateFormFile(partMinidump, domain.MinidumpFilename)
		if err != nil {
			return nil, "", fmt.Errorf("encoding minidump: %w", err)
		}
		if _, err := part.Write(r.Minidump); err != nil {
			return nil, "", fmt.Errorf("encoding minidump: %w", err)
		}
	}
	if snap.HasArchive() {
		part, err := w.CreateFormFile(partSnapshot, snapshot.ArchiveKey)
		if err != nil {
			return nil, "", fmt.Errorf("encoding snapshot: %w", err)
		}
		if _, err := part.Write(snap.Archive); err != nil {
			return nil, "", fmt.Errorf("encoding snapshot: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("finalizing upload body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// parseServerID extracts the collector's report id. Collectors answer either
// a JSON object {"report_id": "..."} or the bare id; an unparseable body is
// not an error, just an empty id.
func parseServerID(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var parsed struct {
		ReportID string `json:"report_id"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.ReportID != "" {
		return parsed.ReportID
	}
	return string(bytes.TrimSpace(data))
}
