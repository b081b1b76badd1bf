package httpx

import (
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/vsrinivas/crashd/internal/domain"
)

// Multipart field names recognized by the ingestion endpoint. Every other
// form value becomes an annotation and every other file part an attachment.
const (
	fieldProgram  = "program"
	fieldMinidump = "minidump"
)

// handleFileReport implements POST /api/report. The body is a multipart form:
// a required "program" value, arbitrary annotation values, an optional
// "minidump" file part, and arbitrary attachment file parts. Accepted reports
// are processed asynchronously; 202 only promises the report entered the
// pipeline.
func (h *Handler) handleFileReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body := r.Body
	if h.MaxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.MaxBody)
	}
	defer body.Close()
	mr, err := multipartReader(r, body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "multipart body required")
		return
	}

	report := &domain.Report{
		Annotations: domain.NewAnnotations(),
		Attachments: make(map[string][]byte),
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			h.writeError(w, http.StatusRequestEntityTooLarge, "size exceeded")
			return
		}
		name := part.FormName()
		switch {
		case name == fieldMinidump || part.FileName() != "":
			if name == fieldMinidump {
				report.Minidump = data
			} else {
				report.Attachments[name] = data
			}
		case name == fieldProgram:
			report.ProgramName = string(data)
		default:
			report.Annotations.Set(name, string(data))
		}
	}

	h.attachProduct(report)
	if err := h.Filer.Add(report); err != nil {
		h.mapServiceError(w, r, err)
		return
	}
	cid, _ := GetCorrelationID(r.Context())
	slog.Info("report accepted", "cid", cid, "program", report.ProgramName)
	w.WriteHeader(http.StatusAccepted)
}

// attachProduct merges the registered product identity for the crashing
// program into the report's annotations. Producer-supplied annotations win.
func (h *Handler) attachProduct(report *domain.Report) {
	if h.Products == nil || report.ProgramName == "" {
		return
	}
	p, err := h.Products.Get(report.ProgramName)
	if err != nil {
		return
	}
	merged := p.Annotations()
	merged.Merge(report.Annotations)
	report.Annotations = merged
}

// multipartReader returns a part reader for the request using the wrapped
// (size-limited) body.
func multipartReader(r *http.Request, body io.Reader) (*multipart.Reader, error) {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "multipart/") {
		return nil, http.ErrNotMultipart
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil, err
	}
	boundary, ok := params["boundary"]
	if !ok {
		return nil, http.ErrMissingBoundary
	}
	return multipart.NewReader(body, boundary), nil
}
