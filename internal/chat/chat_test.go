package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studymate/internal/brainclient"
	"studymate/internal/config"
	"studymate/internal/search"
	"studymate/internal/store"
	"studymate/internal/types"
)

const testDim = 4

type fakeBrain struct {
	mu         sync.Mutex
	replyText  string
	ocrText    string
	embedVec   []float32
	genErr     error
	ocrErr     error
	embedErr   error
	prompts    []string
	ocrCalls   int
	embedCalls int
	block      chan struct{}
	inFlight   int
	maxSeen    int
}

func (f *fakeBrain) Generate(ctx context.Context, prompt string, att *types.Attachment) (*brainclient.Response, error) {
	if att != nil {
		f.mu.Lock()
		f.ocrCalls++
		f.mu.Unlock()
		if f.ocrErr != nil {
			return nil, f.ocrErr
		}
		return &brainclient.Response{Text: f.ocrText, Model: "vision-model"}, nil
	}

	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.genErr != nil {
		return nil, f.genErr
	}
	return &brainclient.Response{Text: f.replyText, Model: "core-model"}, nil
}

func (f *fakeBrain) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.embedCalls++
	f.mu.Unlock()
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.embedVec, nil
}

func (f *fakeBrain) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func testConfig() config.ChatConfig {
	return config.ChatConfig{
		HistoryTurns:     10,
		RetrievalTopK:    3,
		PromptCharBudget: 10000,
		MinQueryLen:      3,
		SystemDirective:  "You are a study assistant.",
	}
}

func newFixture(t *testing.T, brain *fakeBrain, cfg config.ChatConfig) (*store.Store, *Pipeline) {
	t.Helper()
	st, err := store.Open(":memory:", testDim)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, New(st, brain, search.New(st), cfg)
}

func addCompleted(t *testing.T, st *store.Store, courseID, name string, vec []float32) {
	t.Helper()
	m := &types.Material{ID: uuid.NewString(), CourseID: courseID, Name: name, MediaType: "application/pdf"}
	require.NoError(t, st.CreateMaterial(m, nil))
	claimed, err := st.ClaimMaterial(m.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, st.CompleteMaterial(m.ID, name+" body text", vec))
}

func TestGlobalChatNoRetrievalNoPersistence(t *testing.T) {
	brain := &fakeBrain{replyText: "4"}
	st, p := newFixture(t, brain, testConfig())

	resp, err := p.Respond(context.Background(), Request{Message: "What is 2+2?"})
	require.NoError(t, err)
	assert.Equal(t, "4", resp.Text)
	assert.Equal(t, "core-model", resp.Model)
	assert.Zero(t, brain.embedCalls)

	turns, err := st.RecentHistory(globalKey, 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestGlobalChatPersistsWhenConfigured(t *testing.T) {
	brain := &fakeBrain{replyText: "hello"}
	cfg := testConfig()
	cfg.PersistGlobal = true
	st, p := newFixture(t, brain, cfg)

	_, err := p.Respond(context.Background(), Request{Message: "say hello"})
	require.NoError(t, err)

	turns, err := st.RecentHistory(globalKey, 10)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestProfileLoadedUnderTimeout(t *testing.T) {
	brain := &fakeBrain{replyText: "ok"}
	cfg := testConfig()
	cfg.ProfileTimeout = config.Duration(2 * time.Second)
	st, p := newFixture(t, brain, cfg)

	require.NoError(t, st.PutAcademic("u1", types.AcademicProfile{
		SemesterType:   "fall",
		SemesterNumber: 3,
		Subjects:       []string{"biology"},
	}))

	_, err := p.Respond(context.Background(), Request{UserID: "u1", Message: "Explain osmosis please"})
	require.NoError(t, err)
	assert.Contains(t, brain.lastPrompt(), "Student profile:")
	assert.Contains(t, brain.lastPrompt(), "biology")
}

func TestCourseChatNoMaterials(t *testing.T) {
	brain := &fakeBrain{replyText: "summary", embedVec: []float32{1, 0, 0, 0}}
	st, p := newFixture(t, brain, testConfig())

	resp, err := p.Respond(context.Background(), Request{CourseID: "c1", Message: "Summarize lecture 1"})
	require.NoError(t, err)
	assert.Equal(t, "summary", resp.Text)
	assert.Equal(t, 1, brain.embedCalls)
	assert.NotContains(t, brain.lastPrompt(), "Relevant course materials")

	turns, err := st.RecentHistory("c1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "Summarize lecture 1", turns[0].Content)
	assert.Equal(t, "summary", turns[1].Content)
}

func TestCourseChatWithMaterials(t *testing.T) {
	brain := &fakeBrain{replyText: "explanation", embedVec: []float32{1, 0, 0, 0}}
	st, p := newFixture(t, brain, testConfig())

	addCompleted(t, st, "c1", "mitosis", []float32{1, 0, 0, 0})
	addCompleted(t, st, "c1", "meiosis", []float32{1, 1, 0, 0})
	addCompleted(t, st, "c1", "osmosis", []float32{0, 1, 0, 0})

	_, err := p.Respond(context.Background(), Request{CourseID: "c1", Message: "Explain mitosis"})
	require.NoError(t, err)
	assert.Equal(t, 1, brain.embedCalls)

	prompt := brain.lastPrompt()
	assert.Contains(t, prompt, "Relevant course materials:")
	// All three, in descending similarity order.
	iMitosis := strings.Index(prompt, "[mitosis]")
	iMeiosis := strings.Index(prompt, "[meiosis]")
	iOsmosis := strings.Index(prompt, "[osmosis]")
	require.True(t, iMitosis >= 0 && iMeiosis >= 0 && iOsmosis >= 0)
	assert.Less(t, iMitosis, iMeiosis)
	assert.Less(t, iMeiosis, iOsmosis)
	assert.True(t, strings.HasSuffix(prompt, "Explain mitosis"))
}

func TestShortQuerySkipsRetrieval(t *testing.T) {
	brain := &fakeBrain{replyText: "hi"}
	_, p := newFixture(t, brain, testConfig())

	_, err := p.Respond(context.Background(), Request{CourseID: "c1", Message: "hi"})
	require.NoError(t, err)
	assert.Zero(t, brain.embedCalls)
}

func TestExactMinQueryLengthRetrieves(t *testing.T) {
	brain := &fakeBrain{replyText: "ok", embedVec: []float32{1, 0, 0, 0}}
	_, p := newFixture(t, brain, testConfig())

	_, err := p.Respond(context.Background(), Request{CourseID: "c1", Message: "dna"})
	require.NoError(t, err)
	assert.Equal(t, 1, brain.embedCalls)
}

func TestGenerateFailureWritesNoHistory(t *testing.T) {
	brain := &fakeBrain{genErr: types.E(types.KindAIUnavailable, "brain unreachable"), embedVec: []float32{1, 0, 0, 0}}
	st, p := newFixture(t, brain, testConfig())

	_, err := p.Respond(context.Background(), Request{CourseID: "c1", Message: "Explain mitosis"})
	assert.True(t, types.IsKind(err, types.KindAIUnavailable))

	turns, herr := st.RecentHistory("c1", 10)
	require.NoError(t, herr)
	assert.Empty(t, turns)
}

func TestRetrievalFailureDegrades(t *testing.T) {
	brain := &fakeBrain{replyText: "still works", embedErr: types.E(types.KindAIUnavailable, "embed down")}
	st, p := newFixture(t, brain, testConfig())

	resp, err := p.Respond(context.Background(), Request{CourseID: "c1", Message: "Explain mitosis"})
	require.NoError(t, err)
	assert.Equal(t, "still works", resp.Text)
	assert.NotContains(t, brain.lastPrompt(), "Relevant course materials")

	turns, herr := st.RecentHistory("c1", 10)
	require.NoError(t, herr)
	assert.Len(t, turns, 2)
}

func TestAttachmentReplacesEffectiveMessage(t *testing.T) {
	brain := &fakeBrain{replyText: "done", ocrText: "text from the slide"}
	st, p := newFixture(t, brain, testConfig())

	resp, err := p.Respond(context.Background(), Request{
		CourseID: "c1",
		Message:  "Transcribe",
		Attachment: &types.Attachment{
			Kind:      types.AttachmentImage,
			Bytes:     []byte("png"),
			MediaType: "image/png",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, 1, brain.ocrCalls)
	assert.True(t, strings.HasSuffix(brain.lastPrompt(), "text from the slide"))

	turns, herr := st.RecentHistory("c1", 10)
	require.NoError(t, herr)
	require.Len(t, turns, 2)
	assert.Equal(t, "text from the slide", turns[0].Content)
}

func TestAttachmentOnlyFailureSurfaces(t *testing.T) {
	brain := &fakeBrain{ocrErr: types.E(types.KindTimeout, "ocr timed out")}
	_, p := newFixture(t, brain, testConfig())

	_, err := p.Respond(context.Background(), Request{
		CourseID: "c1",
		Attachment: &types.Attachment{
			Kind:      types.AttachmentImage,
			Bytes:     []byte("png"),
			MediaType: "image/png",
		},
	})
	assert.True(t, types.IsKind(err, types.KindAttachmentFailed))
}

func TestAttachmentFailureWithTextDegrades(t *testing.T) {
	brain := &fakeBrain{replyText: "answered anyway", ocrErr: types.E(types.KindTimeout, "ocr timed out")}
	_, p := newFixture(t, brain, testConfig())

	resp, err := p.Respond(context.Background(), Request{
		CourseID: "c1",
		Message:  "What does this say?",
		Attachment: &types.Attachment{
			Kind:      types.AttachmentImage,
			Bytes:     []byte("png"),
			MediaType: "image/png",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "answered anyway", resp.Text)
	assert.True(t, strings.HasSuffix(brain.lastPrompt(), "What does this say?"))
}

func TestValidation(t *testing.T) {
	brain := &fakeBrain{}
	_, p := newFixture(t, brain, testConfig())

	_, err := p.Respond(context.Background(), Request{Message: "   "})
	assert.True(t, types.IsKind(err, types.KindValidation))

	_, err = p.Respond(context.Background(), Request{
		Message: "look",
		Attachment: &types.Attachment{
			Kind:      types.AttachmentImage,
			Bytes:     []byte("x"),
			MediaType: "video/mp4",
		},
	})
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestHistoryBoundInPrompt(t *testing.T) {
	brain := &fakeBrain{replyText: "ok"}
	cfg := testConfig()
	cfg.HistoryTurns = 2
	st, p := newFixture(t, brain, cfg)

	for i := 0; i < 4; i++ {
		require.NoError(t, st.AppendTurns("c1",
			types.ChatTurn{Role: types.RoleUser, Content: "old question"},
			types.ChatTurn{Role: types.RoleModel, Content: "old answer"},
		))
	}

	_, err := p.Respond(context.Background(), Request{CourseID: "c1", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(brain.lastPrompt(), "old"))
}

func TestTurnsSerializedPerCourse(t *testing.T) {
	brain := &fakeBrain{replyText: "ok", block: make(chan struct{})}
	_, p := newFixture(t, brain, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Respond(context.Background(), Request{CourseID: "c1", Message: "hello there"})
			assert.NoError(t, err)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(brain.block)
	wg.Wait()

	brain.mu.Lock()
	defer brain.mu.Unlock()
	assert.Equal(t, 1, brain.maxSeen)
	assert.Len(t, brain.prompts, 4)
}

func TestPersistenceFailureIsPartialCompletion(t *testing.T) {
	brain := &fakeBrain{replyText: "generated fine"}
	st, p := newFixture(t, brain, testConfig())
	require.NoError(t, st.Close())

	resp, err := p.Respond(context.Background(), Request{CourseID: "c1", Message: "hello there"})
	assert.True(t, types.IsKind(err, types.KindPartialCompletion))
	require.NotNil(t, resp)
	assert.Equal(t, "generated fine", resp.Text)
}

func TestTurnTokenDeduplicates(t *testing.T) {
	brain := &fakeBrain{replyText: "once"}
	st, p := newFixture(t, brain, testConfig())

	req := Request{CourseID: "c1", Message: "hello there", TurnToken: "tok-1"}
	first, err := p.Respond(context.Background(), req)
	require.NoError(t, err)

	second, err := p.Respond(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	brain.mu.Lock()
	generateCalls := len(brain.prompts)
	brain.mu.Unlock()
	assert.Equal(t, 1, generateCalls)

	turns, herr := st.RecentHistory("c1", 10)
	require.NoError(t, herr)
	assert.Len(t, turns, 2)
}
