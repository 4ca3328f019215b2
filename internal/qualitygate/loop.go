package qualitygate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/geovera/agentd/internal/diffusion"
)

const (
	// Seed scheme: unit i gets baseSeed + i*seedStride, so neighbouring
	// units never collide even after a retry bump.
	seedStride    = 100
	retrySeedBump = 1000

	strengthBump = 0.10
	maxStrength  = 0.90

	maxAttempts = 2

	// Fail-open markers recorded when the check never ran.
	ReasonSkipped     = "qc_skipped"
	reasonErrorPrefix = "qc_error:"
)

// Generator runs one generation call. Satisfied by *diffusion.Client.
type Generator interface {
	Generate(ctx context.Context, req diffusion.GenerateRequest) (diffusion.GenerateResult, error)
}

// BudgetGate admits or declines one metered call.
type BudgetGate interface {
	Consume(capability string) bool
}

// UnitSpec describes one unit of quality-gated work: a single target
// viewpoint rendered from a prompt, optionally seeded by a source image.
type UnitSpec struct {
	Index    int
	Angle    string // viewpoint key, e.g. "front", "left profile"
	Prompt   string // full generation prompt
	Expected string // what the checker should see
	BaseSeed int64
	Strength float64
	Source   string // base64 source image; empty means text-to-image
	Width    int
	Height   int
}

// UnitResult is the deliverable for one unit. OK is false only when the
// generation backend itself failed; a failed quality check still delivers
// the best available image with QCPassed false.
type UnitResult struct {
	Angle        string  `json:"angle"`
	Index        int     `json:"angle_idx"`
	OK           bool    `json:"ok"`
	Error        string  `json:"error,omitempty"`
	Image        string  `json:"image,omitempty"`
	QCPassed     bool    `json:"qc_passed"`
	QCReason     string  `json:"qc_reason,omitempty"`
	Seed         int64   `json:"seed"`
	Strength     float64 `json:"strength"`
	Attempts     int     `json:"attempts"`
	DurationSecs float64 `json:"duration_secs"`
	Cost         float64 `json:"cost"`
}

// Loop produces quality-gated units: generate, check, and retry once with a
// bumped seed and strength when the check fails. The checker is advisory —
// any path where it cannot run accepts the image as-is.
type Loop struct {
	generator Generator
	checker   Checker // nil disables checking
	gate      BudgetGate
	unitCost  float64 // estimated cost per generation call
	capacity  string  // budget capability consumed per generation call
	qcCap     string  // budget capability consumed per check
}

func NewLoop(generator Generator, checker Checker, gate BudgetGate, unitCost float64) *Loop {
	return &Loop{
		generator: generator,
		checker:   checker,
		gate:      gate,
		unitCost:  unitCost,
		capacity:  "image_generate",
		qcCap:     "vision_qc",
	}
}

// QCEnabled reports whether units will actually be checked.
func (l *Loop) QCEnabled() bool {
	return l.checker != nil && l.checker.Available()
}

// ProduceUnit runs the full generate-check-retry cycle for one unit and
// always returns a result; it never panics the batch.
func (l *Loop) ProduceUnit(ctx context.Context, spec UnitSpec) UnitResult {
	start := time.Now()

	result := UnitResult{
		Angle: spec.Angle,
		Index: spec.Index,
	}

	seed := spec.BaseSeed + int64(spec.Index)*seedStride
	strength := spec.Strength

	var lastReason string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// The budget gate is advisory for generation: an exhausted day is
		// logged but never turned into a missing deliverable.
		if l.gate != nil && !l.gate.Consume(l.capacity) {
			slog.Warn("generation budget exhausted, proceeding", "angle", spec.Angle, "attempt", attempt)
		}

		gen, err := l.generator.Generate(ctx, diffusion.GenerateRequest{
			Prompt:    spec.Prompt,
			Width:     spec.Width,
			Height:    spec.Height,
			NumImages: 1,
			Seed:      seed,
			SourceB64: spec.Source,
			Strength:  strength,
		})
		if err == nil && len(gen.Images) == 0 {
			err = fmt.Errorf("generator returned no images")
		}
		if err != nil {
			if attempt > 1 && result.Image != "" {
				// Retry generation failed; ship the first attempt's image.
				result.QCPassed = false
				result.QCReason = lastReason
				break
			}
			result.OK = false
			result.Error = err.Error()
			result.Attempts = attempt
			result.DurationSecs = time.Since(start).Seconds()
			result.Cost = float64(attempt) * l.unitCost
			return result
		}

		result.OK = true
		result.Image = gen.Images[0]
		result.Seed = seed
		result.Strength = strength
		result.Attempts = attempt
		result.Cost = float64(attempt) * l.unitCost

		verdict, checked := l.check(ctx, result.Image, spec.Expected)
		if !checked {
			result.QCPassed = true
			result.QCReason = verdict.Reason
			if result.QCReason == "" {
				result.QCReason = ReasonSkipped
			}
			break
		}
		if verdict.Passed() {
			result.QCPassed = true
			result.QCReason = ""
			break
		}

		lastReason = verdict.Reason
		if lastReason == "" {
			lastReason = "viewpoint check failed"
		}
		if attempt == maxAttempts {
			// Out of attempts: the last image ships anyway.
			result.QCPassed = false
			result.QCReason = lastReason
			break
		}

		slog.Info("quality check failed, retrying",
			"angle", spec.Angle, "reason", lastReason, "seed", seed)
		seed += retrySeedBump
		strength = min(strength+strengthBump, maxStrength)
	}

	result.DurationSecs = time.Since(start).Seconds()
	return result
}

// check runs the quality check when possible. The second return is false
// when the check did not run at all; checker errors are folded into the
// result reason by the caller via ProduceUnit's fail-open path.
func (l *Loop) check(ctx context.Context, imageB64, expected string) (Verdict, bool) {
	if l.checker == nil || !l.checker.Available() {
		return Verdict{}, false
	}
	if l.gate != nil && !l.gate.Consume(l.qcCap) {
		slog.Warn("quality check budget exhausted, skipping check")
		return Verdict{}, false
	}
	verdict, err := l.checker.Check(ctx, imageB64, expected)
	if err != nil {
		slog.Warn("quality check errored, accepting image", "error", err)
		return Verdict{Reason: reasonErrorPrefix + " " + err.Error()}, false
	}
	return verdict, true
}
