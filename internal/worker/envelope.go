package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/packlane/packlane/internal/money"
	"github.com/packlane/packlane/internal/run"
)

// EnvelopeSchemaVersion is stamped into every result envelope.
const EnvelopeSchemaVersion = "1.0"

// Envelope is the result artifact written to the object store. Money fields
// are 4-decimal wire strings, never floats.
type Envelope struct {
	SchemaVersion string            `json:"schema_version"`
	RunID         string            `json:"run_id"`
	PackType      string            `json:"pack_type"`
	Status        string            `json:"status"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Cost          EnvelopeCost      `json:"cost"`
	Data          json.RawMessage   `json:"data,omitempty"`
	Artifacts     map[string]string `json:"artifacts,omitempty"`
}

// EnvelopeCost is the money section of the envelope.
type EnvelopeCost struct {
	Reserved   string `json:"reserved"`
	Used       string `json:"used"`
	MinimumFee string `json:"minimum_fee"`
}

// BuildEnvelope renders the result envelope for a completed execution and
// returns the JSON body with its SHA-256 hex digest.
func BuildEnvelope(r *run.Run, packType string, out Output, actual money.Micros) ([]byte, string, error) {
	env := Envelope{
		SchemaVersion: EnvelopeSchemaVersion,
		RunID:         r.ID,
		PackType:      packType,
		Status:        string(run.StatusCompleted),
		GeneratedAt:   time.Now().UTC(),
		Cost: EnvelopeCost{
			Reserved:   money.Format(r.ReservationMaxCost),
			Used:       money.Format(actual),
			MinimumFee: money.Format(r.MinimumFee),
		},
		Data:      out.Data,
		Artifacts: out.Artifacts,
	}

	body, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("marshal envelope: %w", err)
	}
	sum := sha256.Sum256(body)
	return body, "sha256:" + hex.EncodeToString(sum[:]), nil
}
