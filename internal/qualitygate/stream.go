package qualitygate

import (
	"context"
	"log/slog"
)

// Stream event payloads. Every stream opens with InitEvent, carries one
// AngleEvent per unit in spec order, and closes with exactly one DoneEvent.
type InitEvent struct {
	Event     string `json:"event"`
	Total     int    `json:"total"`
	QCEnabled bool   `json:"qc_enabled"`
}

type AngleEvent struct {
	Event        string  `json:"event"`
	Angle        string  `json:"angle"`
	AngleIdx     int     `json:"angle_idx"`
	OK           bool    `json:"ok"`
	Error        string  `json:"error,omitempty"`
	Image        string  `json:"image,omitempty"`
	QCPassed     bool    `json:"qc_passed"`
	QCReason     string  `json:"qc_reason,omitempty"`
	Seed         int64   `json:"seed"`
	Strength     float64 `json:"strength"`
	Attempts     int     `json:"attempts"`
	DurationSecs float64 `json:"duration_secs"`
}

type DoneEvent struct {
	Event     string `json:"event"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	QCEnabled bool   `json:"qc_enabled"`
}

// Stream produces the units strictly in order, handing each event to emit as
// soon as it is ready. Emit failures are logged and production continues: a
// vanished consumer does not stop paid work already under way.
func (l *Loop) Stream(ctx context.Context, specs []UnitSpec, emit func(event any) error) {
	send := func(event any) {
		if err := emit(event); err != nil {
			slog.Warn("stream emit failed, continuing", "error", err)
		}
	}

	send(InitEvent{Event: "init", Total: len(specs), QCEnabled: l.QCEnabled()})

	succeeded := 0
	for _, spec := range specs {
		result := l.ProduceUnit(ctx, spec)
		if result.OK {
			succeeded++
		}
		send(AngleEvent{
			Event:        "angle",
			Angle:        result.Angle,
			AngleIdx:     result.Index,
			OK:           result.OK,
			Error:        result.Error,
			Image:        result.Image,
			QCPassed:     result.QCPassed,
			QCReason:     result.QCReason,
			Seed:         result.Seed,
			Strength:     result.Strength,
			Attempts:     result.Attempts,
			DurationSecs: result.DurationSecs,
		})
	}

	send(DoneEvent{Event: "done", Total: len(specs), Succeeded: succeeded, QCEnabled: l.QCEnabled()})
}
