package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studymate/internal/config"
	"studymate/internal/residency"
)

// fakeRuntime is an in-memory runtime with scripted responses.
type fakeRuntime struct {
	mu          sync.Mutex
	generated   []string
	visionCalls int
	transcripts int
	embedDim    int
	loads       []string
	healthy     bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{embedDim: 8, healthy: true}
}

func (f *fakeRuntime) Generate(ctx context.Context, model, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generated = append(f.generated, prompt)
	return "answer to: " + prompt, nil
}

func (f *fakeRuntime) Embed(ctx context.Context, model, text string) ([]float32, error) {
	vec := make([]float32, f.embedDim)
	vec[0] = 1
	return vec, nil
}

func (f *fakeRuntime) VisionExtract(ctx context.Context, model string, image []byte, mediaType, instruction string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visionCalls++
	return "extracted text", nil
}

func (f *fakeRuntime) Transcribe(ctx context.Context, model string, audio []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts++
	return "transcribed words", nil
}

func (f *fakeRuntime) Load(ctx context.Context, model string, keepAlive time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, model)
	return nil
}

func (f *fakeRuntime) Reclaim(ctx context.Context) error { return nil }

func (f *fakeRuntime) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return assert.AnError
	}
	return nil
}

func (f *fakeRuntime) setHealthy(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = v
}

func testModels() config.ModelsConfig {
	return config.ModelsConfig{
		Core:     "core-model",
		Vision:   "vision-model",
		Embed:    "embed-model",
		Audio:    "audio-model",
		EmbedDim: 8,
	}
}

func newTestService(t *testing.T, rt *fakeRuntime) (*Service, *httptest.Server) {
	t.Helper()
	svc := NewService(rt, residency.NewManager(rt, "core-model"), testModels(), 150)
	require.NoError(t, svc.Start(context.Background()))
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return svc, srv
}

func TestHealthReportsCoreAndAudio(t *testing.T) {
	_, srv := newTestService(t, newFakeRuntime())

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "Active", health.Status)
	assert.Equal(t, "core-model", health.CoreModel)
	assert.Equal(t, "Persistent Core", health.Mode)
	assert.True(t, health.AudioAvailable)
}

func TestHealthUnavailableBeforeStart(t *testing.T) {
	rt := newFakeRuntime()
	svc := NewService(rt, residency.NewManager(rt, "core-model"), testModels(), 150)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthConcurrentWithStart(t *testing.T) {
	// The brain command serves health before Start returns, so the
	// readiness flag is read while Start is still writing it.
	rt := newFakeRuntime()
	svc := NewService(rt, residency.NewManager(rt, "core-model"), testModels(), 150)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			resp, err := http.Get(srv.URL + "/health")
			if err == nil {
				resp.Body.Close()
			}
		}
	}()

	require.NoError(t, svc.Start(context.Background()))
	<-done

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthUnavailableWhenRuntimeDown(t *testing.T) {
	rt := newFakeRuntime()
	_, srv := newTestService(t, rt)
	rt.setHealthy(false)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func multipartBody(t *testing.T, prompt string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("prompt", prompt))
	for field, data := range files {
		part, err := mw.CreateFormFile(field, field+".png")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func postRouter(t *testing.T, srv *httptest.Server, prompt string, files map[string][]byte) (*http.Response, routerResponse) {
	t.Helper()
	body, contentType := multipartBody(t, prompt, files)
	resp, err := http.Post(srv.URL+"/router", contentType, body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var out routerResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestRouterTextOnlyUsesCoreModel(t *testing.T) {
	rt := newFakeRuntime()
	_, srv := newTestService(t, rt)

	resp, out := postRouter(t, srv, "What is 2+2?", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "core-model", out.Model)
	assert.Equal(t, "answer to: What is 2+2?", out.Response)
	// The core path never touches specialist residency.
	assert.NotContains(t, rt.loads[1:], "vision-model")
}

func TestRouterImageUsesVisionSpecialist(t *testing.T) {
	rt := newFakeRuntime()
	_, srv := newTestService(t, rt)

	resp, out := postRouter(t, srv, "Transcribe", map[string][]byte{"image": {0x89, 0x50}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "vision-model", out.Model)
	assert.Equal(t, "extracted text", out.Response)
	assert.Equal(t, 1, rt.visionCalls)
	assert.Contains(t, rt.loads, "vision-model")
}

func TestRouterImageWinsOverAudio(t *testing.T) {
	rt := newFakeRuntime()
	_, srv := newTestService(t, rt)

	resp, out := postRouter(t, srv, "Transcribe", map[string][]byte{
		"image": {0x1},
		"audio": {0x2},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "vision-model", out.Model)
	assert.Equal(t, 0, rt.transcripts)
}

func TestRouterAudioTranscribesThenGenerates(t *testing.T) {
	rt := newFakeRuntime()
	_, srv := newTestService(t, rt)

	resp, out := postRouter(t, srv, "ignored prompt", map[string][]byte{"audio": {0x2}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio-model", out.Model)
	assert.Equal(t, "answer to: transcribed words", out.Response)
	assert.Equal(t, 1, rt.transcripts)
}

func TestRouterAudioUnavailableFailsClosed(t *testing.T) {
	rt := newFakeRuntime()
	models := testModels()
	models.Audio = "" // audio not declared at startup
	svc := NewService(rt, residency.NewManager(rt, "core-model"), models, 150)
	require.NoError(t, svc.Start(context.Background()))
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, _ := postRouter(t, srv, "hello", map[string][]byte{"audio": {0x2}})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, rt.transcripts)
}

func TestRouterMissingPromptIsBadRequest(t *testing.T) {
	_, srv := newTestService(t, newFakeRuntime())

	resp, _ := postRouter(t, srv, "   ", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEmbedEndpoint(t *testing.T) {
	_, srv := newTestService(t, newFakeRuntime())

	body, _ := json.Marshal(embedRequest{Text: "mitosis"})
	resp, err := http.Post(srv.URL+"/utility/embed", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out embedResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out.Embedding, 8)
}

func TestEmbedEmptyTextIsBadRequest(t *testing.T) {
	_, srv := newTestService(t, newFakeRuntime())

	resp, err := http.Post(srv.URL+"/utility/embed", "application/json",
		bytes.NewReader([]byte(`{"text":"  "}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEmbedDimensionMismatchIs500(t *testing.T) {
	rt := newFakeRuntime()
	rt.embedDim = 5 // runtime disagrees with the configured dimension
	_, srv := newTestService(t, rt)

	resp, err := http.Post(srv.URL+"/utility/embed", "application/json",
		bytes.NewReader([]byte(`{"text":"hello"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
