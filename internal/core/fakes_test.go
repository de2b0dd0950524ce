package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"soulkyn.app/character-chat/internal/core"
	"soulkyn.app/character-chat/internal/metrics"
	"soulkyn.app/character-chat/internal/store"
)

// memPersister keeps encoded collections in memory, like the real store.
type memPersister struct {
	mu   sync.Mutex
	data map[string][]byte
	sets map[string]int
}

func newMemPersister() *memPersister {
	return &memPersister{data: make(map[string][]byte), sets: make(map[string]int)}
}

func (p *memPersister) Load(_ context.Context, key string, out any) (bool, error) {
	p.mu.Lock()
	raw, ok := p.data[key]
	p.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (p *memPersister) Set(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key] = raw
	p.sets[key]++
	return nil
}

func (p *memPersister) seed(t *testing.T, key string, value any) {
	t.Helper()
	require.NoError(t, p.Set(context.Background(), key, value))
	p.mu.Lock()
	p.sets[key] = 0
	p.mu.Unlock()
}

func (p *memPersister) setCount(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sets[key]
}

func (p *memPersister) chats(t *testing.T) []store.ChatSession {
	t.Helper()
	var out []store.ChatSession
	_, err := p.Load(context.Background(), store.ChatsKey, &out)
	require.NoError(t, err)
	return out
}

func (p *memPersister) characters(t *testing.T) []store.Character {
	t.Helper()
	var out []store.Character
	_, err := p.Load(context.Background(), store.CharactersKey, &out)
	require.NoError(t, err)
	return out
}

// script is what the fake generator does for one character.
type script struct {
	snapshots []string
	err       error
}

type fakeGenerator struct {
	mu       sync.Mutex
	scripts  map[string]script
	requests []core.TurnRequest
}

func (g *fakeGenerator) GenerateTurn(_ context.Context, req core.TurnRequest) iter.Seq2[string, error] {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	s := g.scripts[req.CharacterName]
	g.mu.Unlock()
	return func(yield func(string, error) bool) {
		for _, snap := range s.snapshots {
			if !yield(snap, nil) {
				return
			}
		}
		if s.err != nil {
			yield("", s.err)
		}
	}
}

func (g *fakeGenerator) requestFor(name string) (core.TurnRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.requests {
		if r.CharacterName == name {
			return r, true
		}
	}
	return core.TurnRequest{}, false
}

type fakeImages struct {
	mu       sync.Mutex
	url      string
	err      error
	requests []core.ImageRequest
}

func (f *fakeImages) GenerateImage(_ context.Context, req core.ImageRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.url, f.err
}

type fakeSummarizer struct {
	mu           sync.Mutex
	descriptions []string
}

func (f *fakeSummarizer) SummarizeScene(_ context.Context, _ []core.ContextLine, descriptions []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.descriptions = descriptions
	return "two friends at a cafe"
}

// fakeVideos reports pending a fixed number of times before finishing.
type fakeVideos struct {
	mu        sync.Mutex
	pending   int
	ref       string
	submitErr []error // Consumed one per submit
	submits   int
	polls     int
}

func (f *fakeVideos) SubmitVideo(_ context.Context, _ string) (core.VideoJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if len(f.submitErr) > 0 {
		err := f.submitErr[0]
		f.submitErr = f.submitErr[1:]
		if err != nil {
			return core.VideoJob{}, err
		}
	}
	return core.VideoJob{Name: "operations/1"}, nil
}

func (f *fakeVideos) PollVideo(_ context.Context, _ core.VideoJob) (core.VideoStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls <= f.pending {
		return core.VideoStatus{}, nil
	}
	return core.VideoStatus{Done: true, URI: f.ref}, nil
}

type fakeCredentials struct {
	calls int
}

func (f *fakeCredentials) SelectCredentials(context.Context) error {
	f.calls++
	return nil
}

// fakeReviser returns a fixed memory, optionally after being released.
type fakeReviser struct {
	mu      sync.Mutex
	result  string
	release chan struct{}
	calls   int
}

func (f *fakeReviser) ReviseMemory(_ context.Context, _, _, memory string, _ []core.ContextLine) string {
	f.mu.Lock()
	f.calls++
	release, result := f.release, f.result
	f.mu.Unlock()
	if release != nil {
		<-release
	}
	if result == "" {
		return memory
	}
	return result
}

type fakeSpeech struct {
	text, voice string
}

func (f *fakeSpeech) SynthesizeSpeech(_ context.Context, text, voice string) []byte {
	f.text, f.voice = text, voice
	return []byte("RIFF")
}

type harness struct {
	persist *memPersister
	state   *core.StateStore
	gen     *fakeGenerator
	images  *fakeImages
	videos  *fakeVideos
	creds   *fakeCredentials
	reviser *fakeReviser
	speech  *fakeSpeech
	scenes  *fakeSummarizer
	sleeps  int
	svc     *core.ChatService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		persist: newMemPersister(),
		gen:     &fakeGenerator{scripts: map[string]script{}},
		images:  &fakeImages{url: "data:image/png;base64,AAAA"},
		videos:  &fakeVideos{ref: "data:video/mp4;base64,BBBB"},
		creds:   &fakeCredentials{},
		reviser: &fakeReviser{},
		speech:  &fakeSpeech{},
		scenes:  &fakeSummarizer{},
	}
	logger := zaptest.NewLogger(t)
	m := metrics.NewNop()

	h.state = core.NewStateStore(h.persist, logger)
	t.Cleanup(h.state.Close)
	require.NoError(t, h.state.Load(context.Background()))

	evo := core.NewEvolutionUpdater(h.state, h.reviser, m, logger)
	t.Cleanup(evo.Wait)

	turns := core.NewTurnScheduler(core.TurnSchedulerConfig{
		State:     h.state,
		Generator: h.gen,
		Images:    h.images,
		Evolution: evo,
		Metrics:   m,
		Logger:    logger,
		UserName:  "You",
	})
	media := core.NewMediaJob(core.MediaJobConfig{
		State:        h.state,
		Summarizer:   h.scenes,
		Images:       h.images,
		Videos:       h.videos,
		Credentials:  h.creds,
		Metrics:      m,
		Logger:       logger,
		PollInterval: time.Second,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			h.sleeps++
			return ctx.Err()
		},
	})
	h.svc = core.NewChatService(core.ChatServiceConfig{
		State:     h.state,
		Turns:     turns,
		Media:     media,
		Evolution: evo,
		Images:    h.images,
		Speech:    h.speech,
		Logger:    logger,
		UserName:  "You",
	})
	return h
}

func (h *harness) character(t *testing.T, name string) store.Character {
	t.Helper()
	c, err := h.svc.CreateCharacter(store.Character{Name: name, Description: name + " persona", Avatar: "data:image/png;base64,QUJD"})
	require.NoError(t, err)
	return c
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.state.Sync(ctx))
}

var errBoom = errors.New("boom")
