package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/geovera/agentd/internal/jobs"
	"github.com/geovera/agentd/internal/qualitygate"
	"github.com/geovera/agentd/internal/storage"
)

// defaultAngles is the canonical character-training viewpoint set. Its size
// matches the batch cap, so a default request fills the whole budget.
var defaultAngles = []string{"front view", "left side profile", "right side profile", "back view"}

const (
	defaultBaseSeed = 42
	defaultStrength = 0.55
	defaultWidth    = 768
	defaultHeight   = 1344
)

type anglesRequest struct {
	SubjectDescription string   `json:"subject_description"`
	Angles             []string `json:"angles,omitempty"`
	SourceImage        string   `json:"source_image,omitempty"` // base64, enables img2img
	BaseSeed           *int64   `json:"base_seed,omitempty"`
	Strength           float64  `json:"strength,omitempty"`
	Width              int      `json:"width,omitempty"`
	Height             int      `json:"height,omitempty"`
}

func (req *anglesRequest) validate() error {
	if req.SubjectDescription == "" {
		return errors.New("subject_description is required")
	}
	return nil
}

// specs expands the request into one unit per angle.
func (req *anglesRequest) specs() []qualitygate.UnitSpec {
	angles := req.Angles
	if len(angles) == 0 {
		angles = defaultAngles
	}

	baseSeed := int64(defaultBaseSeed)
	if req.BaseSeed != nil {
		baseSeed = *req.BaseSeed
	}
	strength := req.Strength
	if strength == 0 {
		strength = defaultStrength
	}
	width, height := req.Width, req.Height
	if width == 0 {
		width = defaultWidth
	}
	if height == 0 {
		height = defaultHeight
	}

	specs := make([]qualitygate.UnitSpec, len(angles))
	for i, angle := range angles {
		specs[i] = qualitygate.UnitSpec{
			Index:    i,
			Angle:    angle,
			Prompt:   fmt.Sprintf("%s, %s, consistent identity and appearance, high detail", req.SubjectDescription, angle),
			Expected: fmt.Sprintf("%s seen from the %s", req.SubjectDescription, angle),
			BaseSeed: baseSeed,
			Strength: strength,
			Source:   req.SourceImage,
			Width:    width,
			Height:   height,
		}
	}
	return specs
}

func handleSubmitAngles(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImageBodySize)
		defer r.Body.Close()

		var req anglesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := req.validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		snap := deps.Jobs.Submit(req.specs())
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id": snap.ID,
			"status": snap.Status,
			"angles": snap.Angles,
		})
	}
}

func handlePollAngles(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")

		snap, err := deps.Jobs.Poll(jobID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "unknown job %q", jobID)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// handleStreamAngles produces the batch sequentially, pushing one SSE event
// per angle as it completes. A bad request shape is the only thing that
// yields a terminal error event with no unit events.
func handleStreamAngles(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImageBodySize)
		defer r.Body.Close()

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		emit := func(event any) error {
			payload, err := json.Marshal(event)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}

		var req anglesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			emit(map[string]any{"event": "error", "message": "invalid request body: " + err.Error()})
			return
		}
		if err := req.validate(); err != nil {
			emit(map[string]any{"event": "error", "message": err.Error()})
			return
		}

		specs := req.specs()
		if len(specs) > jobs.MaxItems {
			specs = specs[:jobs.MaxItems]
		}

		deps.Loop.Stream(r.Context(), specs, emit)
	}
}
