// Package api exposes the HTTP surface: character chat and conversations,
// reflection, angle batch jobs with polling and streaming, and budget
// reporting. All routes except /health require an API key.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/geovera/agentd/internal/budget"
	"github.com/geovera/agentd/internal/character"
	"github.com/geovera/agentd/internal/dialogue"
	"github.com/geovera/agentd/internal/evolution"
	"github.com/geovera/agentd/internal/jobs"
	"github.com/geovera/agentd/internal/provider"
	"github.com/geovera/agentd/internal/qualitygate"
	"github.com/geovera/agentd/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxImageBodySize = 16 << 20  // 16MB, angle requests may carry a source image

// AppDeps holds everything the handlers need.
type AppDeps struct {
	Characters *character.Manager
	Dialogue   *dialogue.Service
	Reflector  *evolution.Reflector
	Governor   *budget.Governor
	Jobs       *jobs.Store
	Loop       *qualitygate.Loop
	Keys       KeyStore
}

// NewHandler builds the full router.
func NewHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(KeyAuth(deps.Keys))

		r.Post("/chat", handleChat(deps))
		r.Post("/conversation", handleConversation(deps))
		r.Post("/reflect", handleReflect(deps))
		r.Get("/characters", handleListCharacters(deps))
		r.Get("/budget", handleBudget(deps))
		r.Post("/angles", handleSubmitAngles(deps))
		r.Get("/angles/{jobID}", handlePollAngles(deps))
		r.Post("/angles/stream", handleStreamAngles(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok","service":"agentd"}`))
}

type chatRequest struct {
	CharacterID    string           `json:"character_id"`
	Message        string           `json:"message"`
	ConversationID string           `json:"conversation_id,omitempty"`
	LLM            *provider.Config `json:"llm,omitempty"`
	SaveToDB       *bool            `json:"save_to_db,omitempty"`
}

func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.CharacterID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "character_id is required")
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		save := true
		if req.SaveToDB != nil {
			save = *req.SaveToDB
		}

		result, err := deps.Dialogue.Chat(r.Context(), dialogue.ChatParams{
			CharacterID:    req.CharacterID,
			Message:        req.Message,
			ConversationID: req.ConversationID,
			Override:       req.LLM,
			Save:           save,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type conversationRequest struct {
	CharacterIDs []string         `json:"character_ids"`
	Topic        string           `json:"topic,omitempty"`
	UserMessage  string           `json:"user_message,omitempty"`
	MaxRounds    int              `json:"max_rounds"`
	LLM          *provider.Config `json:"llm,omitempty"`
	SaveToDB     *bool            `json:"save_to_db,omitempty"`
}

func handleConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req conversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.MaxRounds == 0 {
			req.MaxRounds = 3
		}

		save := true
		if req.SaveToDB != nil {
			save = *req.SaveToDB
		}

		result, err := deps.Dialogue.Conversation(r.Context(), dialogue.ConversationParams{
			CharacterIDs: req.CharacterIDs,
			Topic:        req.Topic,
			UserMessage:  req.UserMessage,
			MaxRounds:    req.MaxRounds,
			Override:     req.LLM,
			Save:         save,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type reflectRequest struct {
	CharacterID    string           `json:"character_id"`
	ConversationID string           `json:"conversation_id,omitempty"`
	LastNMessages  int              `json:"last_n_messages,omitempty"`
	LLM            *provider.Config `json:"llm,omitempty"`
}

func handleReflect(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req reflectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.CharacterID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "character_id is required")
			return
		}

		result, err := deps.Reflector.Reflect(r.Context(), req.CharacterID, req.ConversationID, req.LastNMessages, req.LLM)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleListCharacters(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chars, err := deps.Characters.List(100)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing characters: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"characters": chars})
	}
}

func handleBudget(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Governor.Report()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "building budget report: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// writeDomainError maps domain errors onto the HTTP taxonomy: validation
// errors are 400, missing records are 404, everything else is a 502 from a
// backend we do not own.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dialogue.ErrTooFewParticipants),
		errors.Is(err, dialogue.ErrTooManyParticipants),
		errors.Is(err, dialogue.ErrBadRounds):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, evolution.ErrNoTranscript):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	default:
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
