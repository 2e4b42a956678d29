// Package brainclient is the API server's HTTP client for the Brain
// service. It is stateless: every call carries its own context, and
// per-operation deadlines come from configuration.
package brainclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"studymate/internal/logging"
	"studymate/internal/types"
)

// Timeouts are per-operation-class deadlines. OCR covers image and
// document attachments, which page-split and run multiple vision passes.
type Timeouts struct {
	Generate time.Duration
	Embed    time.Duration
	OCR      time.Duration
}

// Response is a completed generation and the model that produced it.
type Response struct {
	Text  string `json:"response"`
	Model string `json:"model"`
}

// HealthInfo mirrors the Brain's readiness report.
type HealthInfo struct {
	Status         string `json:"status"`
	CoreModel      string `json:"core_model"`
	Mode           string `json:"mode"`
	AudioAvailable bool   `json:"audio_available"`
}

// Client talks to one Brain endpoint.
type Client struct {
	endpoint string
	timeouts Timeouts
	client   *http.Client
}

// New creates a client for the Brain at endpoint. Zero timeout fields
// disable the corresponding default deadline.
func New(endpoint string, timeouts Timeouts) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		timeouts: timeouts,
		// Deadlines are per-call via context, not a blanket client timeout.
		client: &http.Client{},
	}
}

// Generate runs a prompt through the Brain router, with an optional
// attachment. The Brain decides which model serves the request.
func (c *Client) Generate(ctx context.Context, prompt string, att *types.Attachment) (*Response, error) {
	timeout := c.timeouts.Generate
	if att != nil && att.Kind != types.AttachmentAudio {
		timeout = c.timeouts.OCR
	}
	ctx, cancel := c.withDefaultDeadline(ctx, timeout)
	defer cancel()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("prompt", prompt); err != nil {
		return nil, types.Internal("failed to encode prompt", err)
	}
	if att != nil {
		field := "image"
		if att.Kind == types.AttachmentAudio {
			field = "audio"
		}
		name := att.Name
		if name == "" {
			name = "attachment"
		}
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
		if att.MediaType != "" {
			header.Set("Content-Type", att.MediaType)
		}
		part, err := form.CreatePart(header)
		if err != nil {
			return nil, types.Internal("failed to encode attachment", err)
		}
		if _, err := part.Write(att.Bytes); err != nil {
			return nil, types.Internal("failed to encode attachment", err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, types.Internal("failed to finalize request body", err)
	}

	var resp Response
	if err := c.do(ctx, http.MethodPost, "/router", form.FormDataContentType(), &body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Embed converts text to a vector via the Brain's embedding utility.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := c.withDefaultDeadline(ctx, c.timeouts.Embed)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, types.Internal("failed to encode embed request", err)
	}

	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := c.do(ctx, http.MethodPost, "/utility/embed", "application/json", bytes.NewReader(payload), &resp); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

// Health fetches the Brain's readiness report. An unreachable Brain is
// AIUnavailable, same as any other call.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	ctx, cancel := c.withDefaultDeadline(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return nil, types.Internal("failed to build health request", err)
	}
	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer httpResp.Body.Close()

	var info HealthInfo
	if err := json.NewDecoder(httpResp.Body).Decode(&info); err != nil {
		return nil, types.Wrap(types.KindAIUnavailable, "malformed health response", err)
	}
	return &info, nil
}

func (c *Client) withDefaultDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	if _, has := ctx.Deadline(); has {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return types.Internal("failed to build request", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.Wrap(types.KindAIUnavailable, "malformed brain response", err)
	}
	return nil
}

// decodeError reconstructs a typed error from the Brain's {error, kind}
// body, so the kind survives the process boundary.
func decodeError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &payload) == nil && payload.Kind != "" {
		return types.E(types.Kind(payload.Kind), payload.Error)
	}
	logging.Get(logging.CategoryClient).Warnw("untyped brain error",
		"status", resp.StatusCode, "body_prefix", truncate(string(raw), 200))
	return types.E(types.KindAIUnavailable,
		fmt.Sprintf("brain returned status %d", resp.StatusCode))
}

// classify maps transport failures to the error taxonomy: deadlines are
// Timeout, everything else that never reached the Brain is AIUnavailable.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.Wrap(types.KindTimeout, "brain request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return types.Wrap(types.KindTimeout, "brain request cancelled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.Wrap(types.KindTimeout, "brain request timed out", err)
	}
	return types.Wrap(types.KindAIUnavailable, "brain unreachable", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
