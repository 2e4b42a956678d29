// Package brain implements the model-orchestration service: a localhost
// HTTP front over the model runtime and the residency manager. It is run as
// its own process (`studymate brain`) and supervised by the API server.
package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"

	"studymate/internal/config"
	"studymate/internal/logging"
	"studymate/internal/residency"
	"studymate/internal/runtime"
	"studymate/internal/types"
)

// maxRouterBytes caps one multipart /router request.
const maxRouterBytes = 64 << 20

// Service routes requests to the core model or a specialist.
type Service struct {
	rt      runtime.Runtime
	res     *residency.Manager
	models  config.ModelsConfig
	pdfDPI  int
	audioOK bool

	// ready is flipped by Start while the HTTP handlers are already
	// serving the supervisor's health polls.
	ready atomic.Bool
}

// NewService builds the Brain service. Audio availability is declared at
// construction from config and never changes afterwards.
func NewService(rt runtime.Runtime, res *residency.Manager, models config.ModelsConfig, pdfDPI int) *Service {
	if pdfDPI <= 0 {
		pdfDPI = 150
	}
	return &Service{
		rt:      rt,
		res:     res,
		models:  models,
		pdfDPI:  pdfDPI,
		audioOK: models.Audio != "",
	}
}

// Start makes the core model resident. The service reports ready only after
// this succeeds.
func (s *Service) Start(ctx context.Context) error {
	if err := s.res.Start(ctx); err != nil {
		return err
	}
	s.ready.Store(true)
	logging.Get(logging.CategoryBrain).Infow("brain ready",
		"core_model", s.models.Core, "audio_available", s.audioOK)
	return nil
}

// Shutdown releases the core model.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.res.Shutdown(ctx)
}

// Handler returns the HTTP mux for the service.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /router", s.handleRouter)
	mux.HandleFunc("POST /utility/embed", s.handleEmbed)
	return mux
}

// healthResponse is the readiness report clients poll.
type healthResponse struct {
	Status         string `json:"status"`
	CoreModel      string `json:"core_model"`
	Mode           string `json:"mode"`
	AudioAvailable bool   `json:"audio_available"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "Active"
	code := http.StatusOK
	if !s.ready.Load() || s.rt.Health(r.Context()) != nil {
		status = "Unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{
		Status:         status,
		CoreModel:      s.models.Core,
		Mode:           "Persistent Core",
		AudioAvailable: s.audioOK,
	})
}

// routerResponse reports the completion and which model produced it.
type routerResponse struct {
	Response string `json:"response"`
	Model    string `json:"model"`
}

func (s *Service) handleRouter(w http.ResponseWriter, r *http.Request) {
	log := logging.Get(logging.CategoryBrain)

	if err := r.ParseMultipartForm(maxRouterBytes); err != nil {
		writeError(w, types.Wrap(types.KindValidation, "invalid multipart body", err))
		return
	}
	prompt := r.FormValue("prompt")
	if strings.TrimSpace(prompt) == "" {
		writeError(w, types.E(types.KindValidation, "prompt is required"))
		return
	}

	image, imageType, err := formFile(r, "image")
	if err != nil {
		writeError(w, err)
		return
	}
	audio, _, err := formFile(r, "audio")
	if err != nil {
		writeError(w, err)
		return
	}

	// Image wins when both are supplied; the audio part is dropped.
	if image != nil && audio != nil {
		log.Warnw("router request carried both image and audio; audio dropped")
		audio = nil
	}

	switch {
	case image != nil:
		text, err := s.extractFromImage(r.Context(), image, imageType, prompt)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, routerResponse{Response: text, Model: s.models.Vision})

	case audio != nil:
		if !s.audioOK {
			writeError(w, types.E(types.KindAIUnavailable, "audio transcription is not available"))
			return
		}
		var transcript string
		err := s.res.WithSpecialist(r.Context(), s.models.Audio, func(ctx context.Context) error {
			var terr error
			transcript, terr = s.rt.Transcribe(ctx, s.models.Audio, audio)
			return terr
		})
		if err != nil {
			writeError(w, err)
			return
		}
		answer, err := s.rt.Generate(r.Context(), s.models.Core, transcript)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, routerResponse{Response: answer, Model: s.models.Audio})

	default:
		answer, err := s.rt.Generate(r.Context(), s.models.Core, prompt)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, routerResponse{Response: answer, Model: s.models.Core})
	}
}

// extractFromImage OCRs a single image, or page-splits a PDF and OCRs each
// page, all under one vision-specialist residency window.
func (s *Service) extractFromImage(ctx context.Context, data []byte, mediaType, instruction string) (string, error) {
	var out string
	err := s.res.WithSpecialist(ctx, s.models.Vision, func(ctx context.Context) error {
		if types.IsPDFMediaType(mediaType) {
			pages, err := renderPDFPages(data, s.pdfDPI)
			if err != nil {
				return err
			}
			parts := make([]string, 0, len(pages))
			for i, page := range pages {
				text, err := s.rt.VisionExtract(ctx, s.models.Vision, page, "image/png", instruction)
				if err != nil {
					return fmt.Errorf("page %d: %w", i+1, err)
				}
				parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", i+1, text))
			}
			out = strings.Join(parts, "\n\n")
			return nil
		}

		text, err := s.rt.VisionExtract(ctx, s.models.Vision, data, mediaType, instruction)
		if err != nil {
			return err
		}
		out = text
		return nil
	})
	return out, err
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (s *Service) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.Wrap(types.KindValidation, "invalid JSON body", err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, types.E(types.KindValidation, "text is required"))
		return
	}

	var vec []float32
	err := s.res.WithSpecialist(r.Context(), s.models.Embed, func(ctx context.Context) error {
		var eerr error
		vec, eerr = s.rt.Embed(ctx, s.models.Embed, req.Text)
		return eerr
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if len(vec) != s.models.EmbedDim {
		writeError(w, types.E(types.KindDimensionMismatch,
			fmt.Sprintf("embedding dimension %d, expected %d", len(vec), s.models.EmbedDim)))
		return
	}
	writeJSON(w, http.StatusOK, embedResponse{Embedding: vec})
}

// formFile reads an optional multipart file field. The media type comes
// from the part header, falling back to the filename extension.
func formFile(r *http.Request, field string) ([]byte, string, error) {
	file, header, err := r.FormFile(field)
	if err == http.ErrMissingFile {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", types.Wrap(types.KindValidation, "invalid "+field+" part", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", types.Wrap(types.KindValidation, "failed to read "+field+" part", err)
	}

	mediaType := header.Header.Get("Content-Type")
	if mediaType == "" || mediaType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(header.Filename)); byExt != "" {
			mediaType, _, _ = mime.ParseMediaType(byExt)
		}
	}
	return data, mediaType, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	logging.Get(logging.CategoryBrain).Warnw("request failed", "kind", kind, "error", err)
	writeJSON(w, types.HTTPStatus(kind), map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}
