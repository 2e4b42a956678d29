package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"studymate/internal/logging"
	"studymate/internal/types"
)

// OllamaRuntime talks to a local Ollama server. Residency is controlled via
// the keep_alive field: a load request with an empty prompt makes the model
// resident, keep_alive 0 evicts it.
type OllamaRuntime struct {
	endpoint string
	client   *http.Client
}

// NewOllamaRuntime creates a runtime adapter for the Ollama server at
// endpoint. Per-call deadlines come from the caller's context; the client
// itself carries no timeout so long OCR calls are not cut short.
func NewOllamaRuntime(endpoint string) *OllamaRuntime {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &OllamaRuntime{
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

type ollamaGenerateRequest struct {
	Model     string   `json:"model"`
	Prompt    string   `json:"prompt,omitempty"`
	Images    []string `json:"images,omitempty"`
	Stream    bool     `json:"stream"`
	KeepAlive *string  `json:"keep_alive,omitempty"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Generate produces a completion from model.
func (r *OllamaRuntime) Generate(ctx context.Context, model, prompt string) (string, error) {
	if prompt == "" {
		return "", types.E(types.KindValidation, "empty prompt")
	}
	resp, err := r.generate(ctx, ollamaGenerateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", err
	}
	return resp.Response, nil
}

// VisionExtract runs instruction against one image via the generate API's
// images field.
func (r *OllamaRuntime) VisionExtract(ctx context.Context, model string, image []byte, mediaType, instruction string) (string, error) {
	if len(image) == 0 {
		return "", types.E(types.KindValidation, "empty image")
	}
	resp, err := r.generate(ctx, ollamaGenerateRequest{
		Model:  model,
		Prompt: instruction,
		Images: []string{base64.StdEncoding.EncodeToString(image)},
		Stream: false,
	})
	if err != nil {
		return "", err
	}
	return resp.Response, nil
}

// Embed returns the embedding for text.
func (r *OllamaRuntime) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if text == "" {
		return nil, types.E(types.KindValidation, "empty text")
	}
	body, err := json.Marshal(ollamaEmbedRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, types.Internal("failed to marshal embed request", err)
	}

	data, err := r.post(ctx, "/api/embeddings", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, classifyErr("embed", err)
	}

	var result ollamaEmbedResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, types.Internal("failed to decode embed response", err)
	}
	if len(result.Embedding) == 0 {
		return nil, types.E(types.KindInternal, "runtime returned empty embedding")
	}
	return result.Embedding, nil
}

// Transcribe sends audio to the OpenAI-compatible transcription endpoint.
// Deployments without a whisper-class server behind the runtime endpoint get
// an AIUnavailable error here, which the Brain reports as audio disabled.
func (r *OllamaRuntime) Transcribe(ctx context.Context, model string, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", types.E(types.KindValidation, "empty audio")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", types.Internal("failed to build transcription request", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", types.Internal("failed to build transcription request", err)
	}
	if err := mw.WriteField("model", model); err != nil {
		return "", types.Internal("failed to build transcription request", err)
	}
	if err := mw.Close(); err != nil {
		return "", types.Internal("failed to build transcription request", err)
	}

	data, err := r.post(ctx, "/v1/audio/transcriptions", mw.FormDataContentType(), &buf)
	if err != nil {
		return "", classifyErr("transcribe", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", types.Internal("failed to decode transcription response", err)
	}
	return result.Text, nil
}

// Load makes model resident for keepAlive. A zero keepAlive evicts the
// model; KeepForever pins it until an explicit eviction.
func (r *OllamaRuntime) Load(ctx context.Context, model string, keepAlive time.Duration) error {
	ka := keepAliveValue(keepAlive)
	_, err := r.generate(ctx, ollamaGenerateRequest{
		Model:     model,
		Stream:    false,
		KeepAlive: &ka,
	})
	if err != nil {
		return fmt.Errorf("load %s (keep_alive=%s): %w", model, ka, err)
	}
	logging.Get(logging.CategoryRuntime).Debugw("model load request",
		"model", model, "keep_alive", ka)
	return nil
}

// Reclaim is a no-op for Ollama: eviction via keep_alive 0 already releases
// the weights and Ollama exposes no separate cache-clear endpoint.
func (r *OllamaRuntime) Reclaim(ctx context.Context) error { return nil }

// Health checks that the server answers /api/tags.
func (r *OllamaRuntime) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/api/tags", nil)
	if err != nil {
		return types.Internal("failed to create health request", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return classifyErr("health", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.E(types.KindAIUnavailable, "runtime health returned "+strconv.Itoa(resp.StatusCode))
	}
	return nil
}

func (r *OllamaRuntime) generate(ctx context.Context, req ollamaGenerateRequest) (*ollamaGenerateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, types.Internal("failed to marshal generate request", err)
	}

	data, err := r.post(ctx, "/api/generate", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, classifyErr("generate", err)
	}

	var result ollamaGenerateResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, types.Internal("failed to decode generate response", err)
	}
	return &result, nil
}

func (r *OllamaRuntime) post(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusBadRequest {
		return nil, types.E(types.KindValidation, "runtime rejected request: "+truncate(string(data), 200))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.E(types.KindInternal,
			fmt.Sprintf("runtime returned status %d: %s", resp.StatusCode, truncate(string(data), 200)))
	}
	return data, nil
}

// keepAliveValue renders a duration in the form Ollama accepts: "-1" pins
// forever, "0s" evicts, anything else is a Go duration string.
func keepAliveValue(d time.Duration) string {
	if d < 0 {
		return "-1"
	}
	return d.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
