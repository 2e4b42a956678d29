// Package chat implements one retrieval-augmented chat turn end-to-end:
// validate, preprocess attachments, gather context, compose, generate,
// persist. Turns within a course are strictly serialized.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"studymate/internal/brainclient"
	"studymate/internal/composer"
	"studymate/internal/config"
	"studymate/internal/logging"
	"studymate/internal/metrics"
	"studymate/internal/search"
	"studymate/internal/store"
	"studymate/internal/types"
)

// globalKey is the pseudo-course for chat without a course context.
const globalKey = "global"

// attachmentInstruction is used when an attachment arrives without text.
const attachmentInstruction = "Transcribe the content of this attachment."

// Brain is the slice of the brain client the pipeline needs.
type Brain interface {
	Generate(ctx context.Context, prompt string, att *types.Attachment) (*brainclient.Response, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Request is one user turn.
type Request struct {
	UserID     string
	CourseID   string // empty means global chat
	Message    string
	Attachment *types.Attachment // at most one
	TurnToken  string            // optional client idempotency token
}

// Response is the completed turn.
type Response struct {
	Text  string `json:"response"`
	Model string `json:"model"`
}

// Pipeline runs chat turns.
type Pipeline struct {
	store    *store.Store
	brain    Brain
	searcher *search.Searcher
	cfg      config.ChatConfig

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	tokens map[string]tokenEntry // per course-key, most recent turn token
}

type tokenEntry struct {
	token string
	resp  *Response
}

// New builds the pipeline.
func New(st *store.Store, brain Brain, searcher *search.Searcher, cfg config.ChatConfig) *Pipeline {
	return &Pipeline{
		store:    st,
		brain:    brain,
		searcher: searcher,
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
		tokens:   make(map[string]tokenEntry),
	}
}

// Respond executes one turn. A turn for a course starts only after the
// previous turn's persistence has returned. On a persistence failure after a
// successful generation, the response is returned together with a
// PartialCompletion error.
func (p *Pipeline) Respond(ctx context.Context, req Request) (*Response, error) {
	key := req.CourseID
	if key == "" {
		key = globalKey
	}

	lock := p.courseLock(key)
	lock.Lock()
	defer lock.Unlock()

	if resp := p.replayToken(key, req.TurnToken); resp != nil {
		return resp, nil
	}

	resp, err := p.respondLocked(ctx, key, req)
	if err == nil && resp != nil {
		p.rememberToken(key, req.TurnToken, resp)
	}
	return resp, err
}

func (p *Pipeline) respondLocked(ctx context.Context, key string, req Request) (*Response, error) {
	log := logging.Get(logging.CategoryChat)

	if err := validate(req); err != nil {
		metrics.ChatTurns.WithLabelValues("rejected").Inc()
		return nil, err
	}

	message := strings.TrimSpace(req.Message)
	degraded := false

	// Attachment preprocessing: the extracted text replaces the user
	// message. With accompanying text the attachment is droppable; alone it
	// is the whole turn and its failure surfaces.
	if req.Attachment != nil {
		extracted, err := p.preprocess(ctx, message, req.Attachment)
		switch {
		case err == nil:
			message = extracted
		case message == "":
			metrics.ChatTurns.WithLabelValues("rejected").Inc()
			return nil, types.Wrap(types.KindAttachmentFailed, "attachment processing failed", err)
		default:
			log.Warnw("attachment dropped after preprocessing failure",
				"course_id", req.CourseID, "error", err)
			degraded = true
		}
	}

	persist := req.CourseID != "" || p.cfg.PersistGlobal

	input := composer.Input{
		SystemDirective: p.cfg.SystemDirective,
		Message:         message,
	}
	if persist {
		history, err := p.store.RecentHistory(key, p.cfg.HistoryTurns)
		if err != nil {
			log.Warnw("history unavailable, degrading", "course_id", key, "error", err)
			degraded = true
		}
		input.History = history
	}
	input.Profile, input.Preferences = p.profile(ctx, req.UserID, &degraded)

	if composer.ShouldRetrieve(message, req.CourseID, p.cfg.MinQueryLen) {
		results, err := p.retrieve(ctx, req.CourseID, message)
		if err != nil {
			log.Warnw("retrieval failed, degrading", "course_id", req.CourseID, "error", err)
			degraded = true
		}
		input.Materials = results
	}

	prompt, err := composer.Compose(input, p.cfg.PromptCharBudget)
	if err != nil {
		metrics.ChatTurns.WithLabelValues("rejected").Inc()
		return nil, err
	}

	gen, err := p.brain.Generate(ctx, prompt, nil)
	if err != nil {
		metrics.ChatTurns.WithLabelValues("error").Inc()
		return nil, err
	}
	resp := &Response{Text: gen.Text, Model: gen.Model}

	if persist {
		if err := p.store.AppendTurns(key,
			types.ChatTurn{Role: types.RoleUser, Content: message},
			types.ChatTurn{Role: types.RoleModel, Content: resp.Text},
		); err != nil {
			metrics.ChatTurns.WithLabelValues("partial").Inc()
			log.Errorw("turn persistence failed after generation", "course_id", key, "error", err)
			return resp, types.Wrap(types.KindPartialCompletion,
				"response generated but could not be saved", err)
		}
	}

	outcome := "ok"
	if degraded {
		outcome = "degraded"
		log.Warnw("turn completed degraded", "course_id", key)
	}
	metrics.ChatTurns.WithLabelValues(outcome).Inc()
	return resp, nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.Message) == "" && req.Attachment == nil {
		return types.E(types.KindValidation, "message must not be empty")
	}
	if att := req.Attachment; att != nil {
		switch att.Kind {
		case types.AttachmentImage, types.AttachmentDocument:
			if !types.IsImageMediaType(att.MediaType) && !types.IsPDFMediaType(att.MediaType) {
				return types.E(types.KindValidation,
					fmt.Sprintf("unsupported attachment media type %q", att.MediaType))
			}
		case types.AttachmentAudio:
			if !strings.HasPrefix(att.MediaType, "audio/") {
				return types.E(types.KindValidation,
					fmt.Sprintf("unsupported audio media type %q", att.MediaType))
			}
		default:
			return types.E(types.KindValidation,
				fmt.Sprintf("unknown attachment kind %q", att.Kind))
		}
	}
	return nil
}

// preprocess routes the attachment through the Brain specialist path and
// returns the extracted text.
func (p *Pipeline) preprocess(ctx context.Context, message string, att *types.Attachment) (string, error) {
	instruction := message
	if instruction == "" {
		instruction = attachmentInstruction
	}
	resp, err := p.brain.Generate(ctx, instruction, att)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", types.E(types.KindAttachmentFailed, "attachment produced no text")
	}
	return text, nil
}

// profile loads personalization under a strict per-call timeout; a missing
// profile is normal, anything else degrades the prompt.
func (p *Pipeline) profile(ctx context.Context, userID string, degraded *bool) (*types.AcademicProfile, *types.Preferences) {
	if userID == "" {
		return nil, nil
	}
	log := logging.Get(logging.CategoryChat)

	if t := p.cfg.ProfileTimeout.Std(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	academic, err := p.store.Academic(ctx, userID)
	if err != nil && !types.IsKind(err, types.KindNotFound) {
		log.Warnw("academic profile unavailable, degrading", "user_id", userID, "error", err)
		*degraded = true
	}
	prefs, err := p.store.Preferences(ctx, userID)
	if err != nil && !types.IsKind(err, types.KindNotFound) {
		log.Warnw("preferences unavailable, degrading", "user_id", userID, "error", err)
		*degraded = true
	}
	return academic, prefs
}

func (p *Pipeline) retrieve(ctx context.Context, courseID, message string) ([]search.Result, error) {
	vec, err := p.brain.Embed(ctx, message)
	if err != nil {
		return nil, err
	}
	return p.searcher.Search(ctx, courseID, vec, p.cfg.RetrievalTopK)
}

func (p *Pipeline) courseLock(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[key] = lock
	}
	return lock
}

// replayToken returns the cached response when the client re-submits the
// same turn token, so persistence retries do not duplicate turns.
func (p *Pipeline) replayToken(key, token string) *Response {
	if token == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.tokens[key]; ok && entry.token == token {
		return entry.resp
	}
	return nil
}

func (p *Pipeline) rememberToken(key, token string, resp *Response) {
	if token == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[key] = tokenEntry{token: token, resp: resp}
}
