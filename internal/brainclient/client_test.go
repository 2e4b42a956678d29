package brainclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studymate/internal/types"
)

type routerCapture struct {
	prompt    string
	imageType string
	imageData []byte
	audioType string
}

func newFakeBrain(t *testing.T, capture *routerCapture) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /router", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(16<<20))
		capture.prompt = r.FormValue("prompt")
		if f, h, err := r.FormFile("image"); err == nil {
			capture.imageType = h.Header.Get("Content-Type")
			capture.imageData, _ = io.ReadAll(f)
			f.Close()
		}
		if _, h, err := r.FormFile("audio"); err == nil {
			capture.audioType = h.Header.Get("Content-Type")
		}
		json.NewEncoder(w).Encode(map[string]string{"response": "answer", "model": "core-model"})
	})
	mux.HandleFunc("POST /utility/embed", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][]float32{"embedding": {0.1, 0.2, 0.3, 0.4}})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HealthInfo{Status: "Active", CoreModel: "core-model", AudioAvailable: true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateTextOnly(t *testing.T) {
	var capture routerCapture
	srv := newFakeBrain(t, &capture)
	c := New(srv.URL, Timeouts{Generate: 5 * time.Second})

	resp, err := c.Generate(context.Background(), "explain osmosis", nil)
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Text)
	assert.Equal(t, "core-model", resp.Model)
	assert.Equal(t, "explain osmosis", capture.prompt)
	assert.Empty(t, capture.imageType)
}

func TestGenerateForwardsAttachmentWithMediaType(t *testing.T) {
	var capture routerCapture
	srv := newFakeBrain(t, &capture)
	c := New(srv.URL, Timeouts{OCR: 5 * time.Second})

	_, err := c.Generate(context.Background(), "what is on this slide", &types.Attachment{
		Kind:      types.AttachmentImage,
		Bytes:     []byte{0x89, 'P', 'N', 'G'},
		MediaType: "image/png",
		Name:      "slide.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "image/png", capture.imageType)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, capture.imageData)

	_, err = c.Generate(context.Background(), "summarize this recording", &types.Attachment{
		Kind:      types.AttachmentAudio,
		Bytes:     []byte("riff"),
		MediaType: "audio/wav",
	})
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", capture.audioType)
}

func TestEmbed(t *testing.T) {
	srv := newFakeBrain(t, &routerCapture{})
	c := New(srv.URL, Timeouts{Embed: 5 * time.Second})

	vec, err := c.Embed(context.Background(), "photosynthesis notes")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, vec)
}

func TestHealth(t *testing.T) {
	srv := newFakeBrain(t, &routerCapture{})
	c := New(srv.URL, Timeouts{})

	info, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Active", info.Status)
	assert.True(t, info.AudioAvailable)
}

func TestErrorKindSurvivesProcessBoundary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "ai_unavailable: model runtime is down",
			"kind":  string(types.KindAIUnavailable),
		})
	}))
	t.Cleanup(srv.Close)
	c := New(srv.URL, Timeouts{Generate: 5 * time.Second})

	_, err := c.Generate(context.Background(), "hello", nil)
	assert.True(t, types.IsKind(err, types.KindAIUnavailable))
}

func TestUntypedErrorBecomesUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "panic in handler", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	c := New(srv.URL, Timeouts{Embed: 5 * time.Second})

	_, err := c.Embed(context.Background(), "text")
	assert.True(t, types.IsKind(err, types.KindAIUnavailable))
}

func TestUnreachableBrainIsUnavailable(t *testing.T) {
	c := New("http://127.0.0.1:1", Timeouts{Generate: 2 * time.Second})
	_, err := c.Generate(context.Background(), "hello", nil)
	assert.True(t, types.IsKind(err, types.KindAIUnavailable))
}

func TestDeadlineMapsToTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c := New(srv.URL, Timeouts{Generate: 50 * time.Millisecond})

	_, err := c.Generate(context.Background(), "hello", nil)
	assert.True(t, types.IsKind(err, types.KindTimeout))
}

func TestCallerDeadlineWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	// Config timeout is generous; the caller's context is tight.
	c := New(srv.URL, Timeouts{Generate: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Generate(ctx, "hello", nil)
	assert.True(t, types.IsKind(err, types.KindTimeout))
}
