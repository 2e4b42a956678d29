package runtime

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"studymate/internal/types"
)

// GenAIRuntime is the cloud alternate backed by Google's Gemini API. There
// is no accelerator to manage, so Load and Reclaim are no-ops; audio
// transcription is not offered and fails closed.
type GenAIRuntime struct {
	client *genai.Client
}

// NewGenAIRuntime creates the cloud runtime adapter.
func NewGenAIRuntime(ctx context.Context, apiKey string) (*GenAIRuntime, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GenAIRuntime{client: client}, nil
}

// Generate produces a completion from model.
func (r *GenAIRuntime) Generate(ctx context.Context, model, prompt string) (string, error) {
	if prompt == "" {
		return "", types.E(types.KindValidation, "empty prompt")
	}
	result, err := r.client.Models.GenerateContent(ctx, model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, nil)
	if err != nil {
		return "", classifyErr("generate", err)
	}
	return result.Text(), nil
}

// Embed returns the embedding for text.
func (r *GenAIRuntime) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if text == "" {
		return nil, types.E(types.KindValidation, "empty text")
	}
	result, err := r.client.Models.EmbedContent(ctx, model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"},
	)
	if err != nil {
		return nil, classifyErr("embed", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, types.E(types.KindInternal, "no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// VisionExtract runs instruction against one image.
func (r *GenAIRuntime) VisionExtract(ctx context.Context, model string, image []byte, mediaType, instruction string) (string, error) {
	if len(image) == 0 {
		return "", types.E(types.KindValidation, "empty image")
	}
	content := genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(image, mediaType),
		genai.NewPartFromText(instruction),
	}, genai.RoleUser)

	result, err := r.client.Models.GenerateContent(ctx, model, []*genai.Content{content}, nil)
	if err != nil {
		return "", classifyErr("vision extract", err)
	}
	return result.Text(), nil
}

// Transcribe is not offered by this runtime.
func (r *GenAIRuntime) Transcribe(ctx context.Context, model string, audio []byte) (string, error) {
	return "", types.E(types.KindAIUnavailable, "audio transcription is not available on the genai runtime")
}

// Load is a no-op: cloud models have no residency.
func (r *GenAIRuntime) Load(ctx context.Context, model string, keepAlive time.Duration) error {
	return nil
}

// Reclaim is a no-op.
func (r *GenAIRuntime) Reclaim(ctx context.Context) error { return nil }

// Health is a no-op beyond client construction; failures show up per call.
func (r *GenAIRuntime) Health(ctx context.Context) error { return nil }
