package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/zettel/internal/attach"
	"github.com/kalambet/zettel/internal/note"
	"github.com/kalambet/zettel/internal/session"
	"github.com/kalambet/zettel/internal/storage"
)

// Base64 of the largest attachment plus the JSON envelope.
const maxNoteBodySize = attach.MaxSize*4/3 + 1<<20

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds what the HTTP API needs.
type Deps struct {
	Sessions *session.Manager
	Token    string
}

// NewHandler returns the ingress API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/v1/sessions/{user}", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(withSession(deps.Sessions))

		r.Post("/notes", handleAddNote)
		r.Post("/answers", handleAnswer)
		r.Post("/questions/{replyTarget}/delivery", handleDelivery)
		r.Get("/mode", handleGetMode)
		r.Put("/mode", handleSetMode)
		r.Get("/status", handleStatus)
		r.Post("/process", handleProcess)
		r.Delete("/queue", handleClear)
		r.Get("/runs", handleRuns)
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// AttachmentRequest carries base64-encoded attachment bytes.
type AttachmentRequest struct {
	MediaType string `json:"media_type,omitempty"`
	DataB64   string `json:"data_b64"`
}

// NoteRequest is the body of POST /notes. Exactly one of Text, Image,
// or Document is expected.
type NoteRequest struct {
	Text     string             `json:"text,omitempty"`
	Image    *AttachmentRequest `json:"image,omitempty"`
	Document *AttachmentRequest `json:"document,omitempty"`
	Caption  string             `json:"caption,omitempty"`
}

// NoteResponse acknowledges a queued note.
type NoteResponse struct {
	Seq         int64          `json:"seq"`
	Partition   note.Partition `json:"partition"`
	Question    string         `json:"question,omitempty"`
	ReplyTarget string         `json:"reply_target,omitempty"`
}

func (req NoteRequest) payload() (note.Payload, error) {
	decode := func(a *AttachmentRequest) ([]byte, error) {
		data, err := base64.StdEncoding.DecodeString(a.DataB64)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 attachment data: %w", err)
		}
		return data, nil
	}
	switch {
	case req.Image != nil:
		data, err := decode(req.Image)
		if err != nil {
			return note.Payload{}, err
		}
		return attach.Image(data, req.Image.MediaType, req.Caption)
	case req.Document != nil:
		data, err := decode(req.Document)
		if err != nil {
			return note.Payload{}, err
		}
		return attach.Document(data, req.Caption)
	}
	return note.Payload{Kind: note.KindText, Text: req.Text}, nil
}

func handleAddNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxNoteBodySize)
	defer r.Body.Close()

	var req NoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	p, err := req.payload()
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}

	res, err := sessionFrom(r).Enqueue(r.Context(), p)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := NoteResponse{Seq: res.Item.Seq, Partition: res.Item.Partition}
	if res.Question != nil {
		out.Question = res.Question.Question
		out.ReplyTarget = res.Question.ReplyTarget
	}
	writeJSON(w, http.StatusCreated, out)
}

// AnswerRequest is the body of POST /answers. ReplyTarget may also be a
// delivery reference bound to the question.
type AnswerRequest struct {
	ReplyTarget string `json:"reply_target"`
	Text        string `json:"text"`
}

func handleAnswer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if req.ReplyTarget == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "reply_target is required")
		return
	}

	it, err := sessionFrom(r).Answer(r.Context(), req.ReplyTarget, req.Text)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"seq": it.Seq, "clarification": it.Clarification})
}

func handleDelivery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req struct {
		DeliveryRef string `json:"delivery_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if err := sessionFrom(r).BindDelivery(r.Context(), chi.URLParam(r, "replyTarget"), req.DeliveryRef); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "bound"})
}

type modeBody struct {
	Mode note.Partition `json:"mode"`
}

func handleGetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modeBody{Mode: sessionFrom(r).Mode()})
}

func handleSetMode(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req modeBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	s := sessionFrom(r)
	if err := s.SetMode(r.Context(), req.Mode); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modeBody{Mode: s.Mode()})
}

func handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := sessionFrom(r).Status(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func handleProcess(w http.ResponseWriter, r *http.Request) {
	res, err := sessionFrom(r).Process(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func handleClear(w http.ResponseWriter, r *http.Request) {
	res, err := sessionFrom(r).Clear(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 20, 100)
	runs, err := sessionFrom(r).Runs(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
