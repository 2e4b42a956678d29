// Package processing turns uploaded materials into searchable text and
// vectors. Each material moves through a strict status machine: pending →
// processing → completed | failed, with exactly one terminal write per
// attempt.
package processing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"studymate/internal/brainclient"
	"studymate/internal/logging"
	"studymate/internal/metrics"
	"studymate/internal/store"
	"studymate/internal/types"
)

// ocrInstruction is the extraction prompt sent with every image and
// document attachment.
const ocrInstruction = "Extract all text from this material verbatim. " +
	"Preserve headings, lists and formulas. Output only the extracted text."

// Brain is the slice of the brain client the processor needs.
type Brain interface {
	Generate(ctx context.Context, prompt string, att *types.Attachment) (*brainclient.Response, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Processor runs one material through extraction and embedding.
type Processor struct {
	store    *store.Store
	brain    Brain
	embedDim int
	timeout  time.Duration
}

// New creates a Processor. timeout bounds a full attempt (extraction plus
// embedding) for one material.
func New(st *store.Store, brain Brain, embedDim int, timeout time.Duration) *Processor {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Processor{store: st, brain: brain, embedDim: embedDim, timeout: timeout}
}

// Process claims and processes one material. A material that is not in
// pending state is skipped without error, which makes duplicate enqueues
// harmless. Any failure after the claim lands exactly one terminal write.
func (p *Processor) Process(ctx context.Context, materialID string) error {
	log := logging.Get(logging.CategoryProcessing)

	claimed, err := p.store.ClaimMaterial(materialID)
	if err != nil {
		return fmt.Errorf("failed to claim material %s: %w", materialID, err)
	}
	if !claimed {
		log.Debugw("material not claimable, skipping", "material_id", materialID)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	text, vec, perr := p.run(ctx, materialID)
	if perr != nil {
		return p.fail(materialID, perr)
	}

	if err := p.store.CompleteMaterial(materialID, text, vec); err != nil {
		return fmt.Errorf("failed to complete material %s: %w", materialID, err)
	}
	metrics.MaterialsProcessed.WithLabelValues("completed").Inc()
	log.Infow("material processed",
		"material_id", materialID,
		"chars", len(text),
		"embedded", vec != nil,
		"elapsed", time.Since(start))
	return nil
}

// run produces the extracted text and its vector. An empty extraction is a
// legitimate completion without a vector: the material holds no text.
func (p *Processor) run(ctx context.Context, materialID string) (string, []float32, error) {
	m, err := p.store.GetMaterial(materialID)
	if err != nil {
		return "", nil, types.Wrap(types.KindNotFound, "material not found", err)
	}
	data, err := p.store.MaterialFile(materialID)
	if err != nil {
		return "", nil, types.Wrap(types.KindNotFound, "material not found", err)
	}

	text, err := p.extract(ctx, m, data)
	if err != nil {
		return "", nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil, nil
	}

	vec, err := p.brain.Embed(ctx, text)
	if err != nil {
		return "", nil, err
	}
	if len(vec) != p.embedDim {
		return "", nil, types.E(types.KindDimensionMismatch,
			fmt.Sprintf("embedding dimension mismatch: got %d, expected %d", len(vec), p.embedDim))
	}
	return text, vec, nil
}

// extract picks the strategy by media type. PDFs and raster images both go
// through the Brain's vision path; the Brain page-splits PDFs itself.
func (p *Processor) extract(ctx context.Context, m *types.Material, data []byte) (string, error) {
	switch {
	case types.IsImageMediaType(m.MediaType), types.IsPDFMediaType(m.MediaType):
		resp, err := p.brain.Generate(ctx, ocrInstruction, &types.Attachment{
			Kind:      types.AttachmentImage,
			Bytes:     data,
			MediaType: m.MediaType,
			Name:      m.Name,
		})
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	default:
		return "", types.E(types.KindBadMaterial,
			fmt.Sprintf("unsupported media type %q", m.MediaType))
	}
}

// fail records the terminal failed state. A cancelled attempt is recorded
// as such so an operator can tell shutdown casualties from real failures.
func (p *Processor) fail(materialID string, cause error) error {
	message := cause.Error()
	if errors.Is(cause, context.Canceled) {
		message = "cancelled"
	}
	if err := p.store.FailMaterial(materialID, message); err != nil {
		return fmt.Errorf("failed to record failure for %s: %w", materialID, err)
	}
	metrics.MaterialsProcessed.WithLabelValues("failed").Inc()
	logging.Get(logging.CategoryProcessing).Warnw("material failed",
		"material_id", materialID, "kind", types.KindOf(cause), "error", cause)
	return cause
}
