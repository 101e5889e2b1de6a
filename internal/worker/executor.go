package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/packlane/packlane/internal/money"
)

// PackSpec is the executor input carried opaquely through submission and
// dispatch. Only the worker parses it.
type PackSpec struct {
	PackType   string          `json:"pack_type"`
	Inputs     json.RawMessage `json:"inputs,omitempty"`
	TimeboxSec int64           `json:"timebox_sec,omitempty"`
}

// ParsePackSpec decodes and checks a pack spec string.
func ParsePackSpec(raw string) (PackSpec, error) {
	var spec PackSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return PackSpec{}, fmt.Errorf("parse pack spec: %w", err)
	}
	if spec.PackType == "" {
		return PackSpec{}, fmt.Errorf("parse pack spec: pack_type required")
	}
	return spec, nil
}

// Output is what an executor produces: the envelope payload plus what the
// execution actually cost. The cost is clamped to the reservation downstream,
// executors only estimate it.
type Output struct {
	Data       json.RawMessage
	Artifacts  map[string]string
	ActualCost money.Micros
}

// Executor runs one pack type. Implementations must respect ctx; the worker
// cancels it when the timebox or lease runs out.
type Executor interface {
	Execute(ctx context.Context, runID string, spec PackSpec, maxCost money.Micros) (Output, error)
}

// StubExecutor is the placeholder decision executor: echoes the question
// with a canned answer at a fixed cost. Real reasoning backends register
// alongside it.
type StubExecutor struct {
	// Cost is the flat per-run cost. Zero means the default 0.0500.
	Cost money.Micros
}

type stubInputs struct {
	Question string `json:"question"`
	Mode     string `json:"mode"`
}

type stubAnswer struct {
	AnswerText string  `json:"answer_text"`
	Confidence float64 `json:"confidence"`
	Question   string  `json:"question"`
	Mode       string  `json:"mode"`
}

func (e StubExecutor) Execute(ctx context.Context, runID string, spec PackSpec, maxCost money.Micros) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	var in stubInputs
	if len(spec.Inputs) > 0 {
		if err := json.Unmarshal(spec.Inputs, &in); err != nil {
			return Output{}, fmt.Errorf("decode inputs: %w", err)
		}
	}
	if in.Mode == "" {
		in.Mode = "brief"
	}

	cost := e.Cost
	if cost == 0 {
		cost = 50_000
	}

	data, err := json.Marshal(stubAnswer{
		AnswerText: fmt.Sprintf("[stub] decision for %q (mode %s)", in.Question, in.Mode),
		Confidence: 0.85,
		Question:   in.Question,
		Mode:       in.Mode,
	})
	if err != nil {
		return Output{}, err
	}

	return Output{
		Data:       data,
		ActualCost: money.Min(cost, maxCost),
	}, nil
}

// Registry maps pack types to executors.
type Registry map[string]Executor

// DefaultRegistry returns the built-in executors.
func DefaultRegistry() Registry {
	return Registry{
		"decision": StubExecutor{},
		"fetch":    FetchExecutor{},
	}
}
