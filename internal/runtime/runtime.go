// Package runtime adapts a model-serving runtime to the narrow capability
// set the Brain needs: generate, embed, vision-extract, transcribe, plus
// residency control (load/unload with keep-alive) for runtimes that hold
// model weights in accelerator memory.
package runtime

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"studymate/internal/types"
)

// KeepForever requests an unbounded keep-alive for a loaded model.
const KeepForever = time.Duration(-1)

// Runtime is the capability interface over a concrete model server. Each
// operation is independent; serialization of specialist use is the residency
// manager's job, not the runtime's.
type Runtime interface {
	// Generate produces a single-shot completion from model.
	Generate(ctx context.Context, model, prompt string) (string, error)

	// Embed returns the embedding vector for text. Dimension checking is
	// the caller's responsibility.
	Embed(ctx context.Context, model, text string) ([]float32, error)

	// VisionExtract runs an instruction against a single image.
	VisionExtract(ctx context.Context, model string, image []byte, mediaType, instruction string) (string, error)

	// Transcribe converts audio to text. Runtimes without an audio stack
	// return an AIUnavailable error.
	Transcribe(ctx context.Context, model string, audio []byte) (string, error)

	// Load asks the runtime to make model resident for keepAlive
	// (KeepForever for unbounded). Zero keepAlive requests eviction.
	Load(ctx context.Context, model string, keepAlive time.Duration) error

	// Reclaim triggers the runtime's accelerator-memory cleanup hook, if
	// it has one. Runtimes where eviction already frees memory no-op.
	Reclaim(ctx context.Context) error

	// Health reports whether the runtime is reachable.
	Health(ctx context.Context) error
}

// classifyErr maps transport-level failures onto the shared taxonomy so
// every runtime reports Unavailable/Timeout/BadInput/Internal uniformly.
func classifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *types.Error
	if errors.As(err, &typed) {
		// Already classified closer to the failure.
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.Wrap(types.KindTimeout, op+" deadline exceeded", err)
	}
	if errors.Is(err, context.Canceled) {
		return types.Wrap(types.KindTimeout, op+" cancelled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.Wrap(types.KindTimeout, op+" timed out", err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return types.Wrap(types.KindAIUnavailable, "model runtime unreachable", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return types.Wrap(types.KindAIUnavailable, "model runtime unreachable", err)
	}
	return types.Wrap(types.KindInternal, op+" failed", err)
}
