// Package server is the public HTTP surface of the API process: chat,
// material upload and listing, semantic search, health, and metrics.
// Identity verification is external; this layer only extracts the bearer
// principal through a pluggable seam.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"studymate/internal/chat"
	"studymate/internal/config"
	"studymate/internal/logging"
	"studymate/internal/metrics"
	"studymate/internal/queue"
	"studymate/internal/search"
	"studymate/internal/store"
	"studymate/internal/types"
)

// PrincipalFunc resolves a bearer token to a user ID. Verification happens
// upstream; the default treats the token as an already-verified principal.
type PrincipalFunc func(token string) (string, error)

// BrainGate reports whether the Brain is available for AI routes.
type BrainGate interface {
	Healthy() bool
}

// Embedder is the slice of the brain client the search route needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Server wires the HTTP routes to the pipelines.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	pipeline  *chat.Pipeline
	searcher  *search.Searcher
	embedder  Embedder
	queue     *queue.Queue
	gate      BrainGate
	principal PrincipalFunc
}

// New builds the server. A nil principal uses the pass-through seam.
func New(cfg *config.Config, st *store.Store, pipeline *chat.Pipeline, searcher *search.Searcher,
	embedder Embedder, q *queue.Queue, gate BrainGate, principal PrincipalFunc) *Server {
	if principal == nil {
		principal = func(token string) (string, error) { return token, nil }
	}
	return &Server{
		cfg:       cfg,
		store:     st,
		pipeline:  pipeline,
		searcher:  searcher,
		embedder:  embedder,
		queue:     q,
		gate:      gate,
		principal: principal,
	}
}

// Handler returns the route mux with metrics instrumentation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /chat", s.route("chat", s.requireBrain(s.handleChat)))
	mux.Handle("GET /courses/{id}/materials", s.route("materials_list", s.handleListMaterials))
	mux.Handle("POST /courses/{id}/materials", s.route("materials_upload", s.handleUpload))
	mux.Handle("POST /courses/{id}/materials/search", s.route("materials_search", s.requireBrain(s.handleSearch)))
	mux.Handle("GET /health", s.route("health", s.handleHealth))
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// route wraps a handler with latency observation.
func (s *Server) route(name string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		metrics.RequestDuration.
			WithLabelValues(name, strconv.Itoa(sw.status)).
			Observe(time.Since(start).Seconds())
	})
}

// requireBrain rejects AI routes while the Brain is down, before any work
// is done on the request.
func (s *Server) requireBrain(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.gate != nil && !s.gate.Healthy() {
			writeError(w, types.E(types.KindAIUnavailable, "AI service is not available"))
			return
		}
		h(w, r)
	}
}

// userID extracts the bearer principal. An absent header yields an empty
// principal: personalization is simply skipped.
func (s *Server) userID(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", nil
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return "", types.E(types.KindAuth, "malformed authorization header")
	}
	return s.principal(strings.TrimSpace(token))
}

// chatRequest is the JSON body of POST /chat. Attachment bytes travel
// base64-encoded in the standard encoding/json []byte convention. The wire
// shape is a list, but a turn carries at most one attachment.
type chatRequest struct {
	Message     string           `json:"message"`
	CourseID    string           `json:"course_id,omitempty"`
	TurnToken   string           `json:"turn_token,omitempty"`
	Attachments []chatAttachment `json:"attachments,omitempty"`
}

type chatAttachment struct {
	Kind      string `json:"kind"`
	MediaType string `json:"media_type"`
	Name      string `json:"name,omitempty"`
	Bytes     []byte `json:"bytes"`
}

type chatResponse struct {
	Response  string `json:"response"`
	Model     string `json:"model"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.Processing.MaxUploadBytes)).Decode(&body); err != nil {
		writeError(w, types.Wrap(types.KindValidation, "invalid JSON body", err))
		return
	}

	req := chat.Request{
		UserID:    userID,
		CourseID:  body.CourseID,
		Message:   body.Message,
		TurnToken: body.TurnToken,
	}
	if len(body.Attachments) > 1 {
		writeError(w, types.E(types.KindValidation, "at most one attachment per turn"))
		return
	}
	if len(body.Attachments) == 1 {
		att := body.Attachments[0]
		req.Attachment = &types.Attachment{
			Kind:      types.AttachmentKind(att.Kind),
			Bytes:     att.Bytes,
			MediaType: att.MediaType,
			Name:      att.Name,
		}
	}

	resp, err := s.pipeline.Respond(r.Context(), req)
	if err != nil {
		// A partial completion still carries the generated response.
		if resp != nil && types.IsKind(err, types.KindPartialCompletion) {
			writeJSON(w, http.StatusMultiStatus, chatResponse{
				Response:  resp.Text,
				Model:     resp.Model,
				Error:     "response generated but could not be saved",
				Kind:      string(types.KindPartialCompletion),
				Retryable: true,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Response: resp.Text, Model: resp.Model})
}

func (s *Server) handleListMaterials(w http.ResponseWriter, r *http.Request) {
	materials, err := s.store.ListMaterials(r.PathValue("id"))
	if err != nil {
		writeError(w, types.Internal("failed to list materials", err))
		return
	}

	type item struct {
		ID           string     `json:"id"`
		Name         string     `json:"name"`
		MediaType    string     `json:"media_type"`
		SizeBytes    int64      `json:"size_bytes"`
		Status       string     `json:"processing_status"`
		ProcessedAt  *time.Time `json:"processed_at,omitempty"`
		ErrorMessage string     `json:"error_message,omitempty"`
		HasEmbedding bool       `json:"has_embedding"`
		CreatedAt    time.Time  `json:"created_at"`
	}
	out := make([]item, 0, len(materials))
	for _, m := range materials {
		out = append(out, item{
			ID:           m.ID,
			Name:         m.Name,
			MediaType:    m.MediaType,
			SizeBytes:    m.SizeBytes,
			Status:       string(m.Status),
			ProcessedAt:  m.ProcessedAt,
			ErrorMessage: m.ErrorMessage,
			HasEmbedding: m.Embedding != nil,
			CreatedAt:    m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"materials": out})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	courseID := r.PathValue("id")
	log := logging.Get(logging.CategoryServer)

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Processing.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.Processing.MaxUploadBytes); err != nil {
		writeError(w, types.Wrap(types.KindValidation, "upload too large or malformed", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, types.Wrap(types.KindValidation, "file part is required", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, types.Wrap(types.KindValidation, "failed to read upload", err))
		return
	}

	mediaType := header.Header.Get("Content-Type")
	if mediaType == "" || mediaType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(header.Filename)); byExt != "" {
			mediaType, _, _ = mime.ParseMediaType(byExt)
		}
	}
	if !s.cfg.MediaTypeAllowed(mediaType) {
		writeError(w, types.E(types.KindValidation,
			fmt.Sprintf("media type %q is not allowed", mediaType)))
		return
	}

	m := &types.Material{
		ID:        uuid.NewString(),
		CourseID:  courseID,
		Name:      header.Filename,
		MediaType: mediaType,
		SizeBytes: int64(len(data)),
	}
	if err := s.store.CreateMaterial(m, data); err != nil {
		writeError(w, types.Internal("failed to store material", err))
		return
	}

	// Backpressure leaves the material pending; the boot replay or an admin
	// reset picks it up later.
	if err := s.queue.Enqueue(m.ID); err != nil {
		log.Warnw("material not enqueued", "material_id", m.ID, "error", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":                m.ID,
		"processing_status": string(types.StatusPending),
	})
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	courseID := r.PathValue("id")

	var body searchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, types.Wrap(types.KindValidation, "invalid JSON body", err))
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		writeError(w, types.E(types.KindValidation, "query must not be empty"))
		return
	}

	vec, err := s.embedder.Embed(r.Context(), body.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	results, err := s.searcher.Search(r.Context(), courseID, vec, body.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	brainStatus := "unavailable"
	if s.gate == nil || s.gate.Healthy() {
		brainStatus = "healthy"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"brain":  brainStatus,
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	payload := map[string]any{
		"error":     err.Error(),
		"kind":      string(kind),
		"retryable": types.Retryable(kind),
	}
	var typed *types.Error
	if errors.As(err, &typed) && typed.CorrelationID != "" {
		payload["correlation_id"] = typed.CorrelationID
	}
	logging.Get(logging.CategoryServer).Warnw("request failed", "kind", kind, "error", err)
	writeJSON(w, types.HTTPStatus(kind), payload)
}
