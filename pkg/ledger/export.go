package ledger

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wrentheai/trust-infra/pkg/archive"
	"github.com/wrentheai/trust-infra/pkg/canonical"
	"github.com/wrentheai/trust-infra/pkg/contracts"
)

// Exporter packages agent chains into verifiable evidence bundles and stores
// them content-addressed in the archive.
type Exporter struct {
	ledger *Service
	blobs  archive.Store
	now    func() time.Time
}

// NewExporter builds an exporter over a ledger and an archive backend.
func NewExporter(ledger *Service, blobs archive.Store) *Exporter {
	return &Exporter{ledger: ledger, blobs: blobs, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (e *Exporter) WithClock(now func() time.Time) *Exporter {
	e.now = now
	return e
}

// ExportResult describes a stored evidence bundle. Checksum is the SHA-256
// of the zip bytes, which is also the digest inside Ref.
type ExportResult struct {
	Checksum    string `json:"checksum"`
	Ref         string `json:"ref"`
	TotalEvents int    `json:"totalEvents"`
	Valid       bool   `json:"valid"`
}

// exportManifest is the manifest.json inside a bundle: the verification
// verdict frozen at export time.
type exportManifest struct {
	AgentID     string   `json:"agent_id"`
	GeneratedAt string   `json:"generated_at"`
	TotalEvents int      `json:"total_events"`
	ChainValid  bool     `json:"chain_valid"`
	ChainHead   *string  `json:"chain_head"`
	Errors      []string `json:"errors"`
}

// Export verifies the agent's chain, zips the events with a verification
// manifest, and stores the bundle. An invalid chain still exports; the
// manifest records the violations.
func (e *Exporter) Export(ctx context.Context, agentID string) (*ExportResult, error) {
	agent, events, err := e.ledger.chainWithAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	report := verifyEvents(agent, events)

	var head *string
	if len(events) > 0 {
		head = &events[len(events)-1].Hash
	}

	bundle, err := buildBundle(agentID, events, report, head, e.now())
	if err != nil {
		return nil, err
	}

	ref, err := e.blobs.Store(ctx, bundle)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindInternal, err, "failed to archive evidence bundle")
	}

	e.ledger.logger.InfoContext(ctx, "evidence bundle exported",
		"agent_id", agentID,
		"ref", ref,
		"total_events", report.TotalEvents,
		"chain_valid", report.Valid,
	)
	return &ExportResult{
		Checksum:    canonical.HashBytes(bundle),
		Ref:         ref,
		TotalEvents: report.TotalEvents,
		Valid:       report.Valid,
	}, nil
}

func buildBundle(agentID string, events []*contracts.Event, report *contracts.ChainReport, head *string, at time.Time) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, contracts.WrapError(contracts.KindInternal, err, "failed to encode events")
	}
	if err := addBundleFile(zw, "events.json", eventsJSON); err != nil {
		return nil, err
	}

	manifest := exportManifest{
		AgentID:     agentID,
		GeneratedAt: contracts.FormatTimestamp(at),
		TotalEvents: report.TotalEvents,
		ChainValid:  report.Valid,
		ChainHead:   head,
		Errors:      report.Errors,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, contracts.WrapError(contracts.KindInternal, err, "failed to encode manifest")
	}
	if err := addBundleFile(zw, "manifest.json", manifestJSON); err != nil {
		return nil, err
	}

	var readme bytes.Buffer
	fmt.Fprintf(&readme, "Evidence bundle for agent %s\n", agentID)
	fmt.Fprintf(&readme, "Generated at %s\n\n", contracts.FormatTimestamp(at))
	fmt.Fprintf(&readme, "events.json   - full event chain, oldest first (%d events)\n", report.TotalEvents)
	fmt.Fprintf(&readme, "manifest.json - chain verification verdict at export time\n\n")
	fmt.Fprintf(&readme, "Each event hash is the SHA-256 of its RFC 8785 canonical pre-image.\n")
	fmt.Fprintf(&readme, "Signatures are Ed25519 over the same bytes under the agent's key.\n")
	if err := addBundleFile(zw, "README.txt", readme.Bytes()); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, contracts.WrapError(contracts.KindInternal, err, "failed to finalize bundle")
	}
	return buf.Bytes(), nil
}

func addBundleFile(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return contracts.WrapError(contracts.KindInternal, err, "failed to add %s to bundle", name)
	}
	if _, err := w.Write(data); err != nil {
		return contracts.WrapError(contracts.KindInternal, err, "failed to write %s", name)
	}
	return nil
}
