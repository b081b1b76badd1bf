package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/vsrinivas/crashd/internal/domain"
)

// SystemProvider is the default Provider. It collects local system state into
// a single JSON archive. Real deployments swap in a platform-specific
// collector; the contract is the same either way.
type SystemProvider struct {
	startedAt time.Time
}

var _ Provider = (*SystemProvider)(nil)

// NewSystemProvider returns a provider whose uptime annotation is measured
// from now.
func NewSystemProvider() *SystemProvider {
	return &SystemProvider{startedAt: time.Now()}
}

// CaptureSnapshot gathers annotations and renders them, with a capture
// timestamp, into the archive.
func (p *SystemProvider) CaptureSnapshot(ctx context.Context) (*domain.Annotations, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ann := domain.NewAnnotations()
	if host, err := os.Hostname(); err == nil {
		ann.Set("system.hostname", host)
	}
	ann.Set("system.os", runtime.GOOS)
	ann.Set("system.arch", runtime.GOARCH)
	ann.Set("system.num_cpu", strconv.Itoa(runtime.NumCPU()))
	ann.Set("system.uptime", time.Since(p.startedAt).Truncate(time.Second).String())

	payload := struct {
		CollectedAt time.Time           `json:"collected_at"`
		Annotations *domain.Annotations `json:"annotations"`
	}{CollectedAt: time.Now().UTC(), Annotations: ann}
	archive, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	return ann, archive, nil
}
