package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ensaigpt/internal/apperr"
	"ensaigpt/internal/crypto"
	"ensaigpt/internal/llm"
	"ensaigpt/internal/ratelimit"
	"ensaigpt/internal/storage"
)

type fakeGenerator struct {
	mu      sync.Mutex
	reply   llm.Reply
	history [][]llm.Message
}

func (f *fakeGenerator) Generate(_ context.Context, history []llm.Message, _ llm.Params) llm.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]llm.Message, len(history))
	copy(cp, history)
	f.history = append(f.history, cp)
	return f.reply
}

func (f *fakeGenerator) last() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.history) == 0 {
		return nil
	}
	return f.history[len(f.history)-1]
}

// monotonicClock follows the wall clock but never returns the same instant
// twice, so feed and listing order stay deterministic.
type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}

type fixture struct {
	store *storage.Store
	svc   *Service
	gen   *fakeGenerator
	alice storage.User
	bob   storage.User
}

func newFixture(t *testing.T, mutate ...func(*Config)) fixture {
	t.Helper()
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "ensaigpt.db") + "?_pragma=foreign_keys(1)"
	clock := &monotonicClock{}
	st, err := storage.Open(ctx, "sqlite", dsn, true, storage.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	alice, err := st.CreateUser(ctx, "alice", "hash")
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err := st.CreateUser(ctx, "bob", "hash")
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}

	gen := &fakeGenerator{reply: llm.Reply{Role: llm.RoleAssistant, Text: "Bonjour"}}
	cfg := Config{Store: st, LLM: gen, Logger: zerolog.Nop()}
	for _, m := range mutate {
		m(&cfg)
	}
	return fixture{store: st, svc: New(cfg), gen: gen, alice: alice, bob: bob}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := []struct {
		name  string
		owner int64
		title string
	}{
		{"blank title", f.alice.ID, "   "},
		{"long title", f.alice.ID, strings.Repeat("é", storage.MaxTitleLength+1)},
		{"missing owner", 0, "Titre"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Create(ctx, tc.owner, tc.title, ""); !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	if _, err := f.svc.Create(ctx, f.alice.ID, "Titre", "inconnu"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("unknown personalization must fail validation, got %v", err)
	}

	before := time.Now().UTC()
	c, err := f.svc.Create(ctx, f.alice.ID, strings.Repeat("a", storage.MaxTitleLength), "  ")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ID == 0 || c.CreatedAt.Before(before) || c.PromptID != nil {
		t.Fatalf("unexpected conversation %+v", c)
	}

	got, err := f.svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Participants) != 1 || got.Participants[0].Role != storage.ParticipantOwner {
		t.Fatalf("expected owner participant, got %+v", got.Participants)
	}
}

func TestRenameDeleteNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.svc.Rename(ctx, 999, "x"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found on rename, got %v", err)
	}
	if err := f.svc.Delete(ctx, 999); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found on delete, got %v", err)
	}
	if _, err := f.svc.Get(ctx, 0); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation for id 0, got %v", err)
	}

	c, err := f.svc.Create(ctx, f.alice.ID, "Avant", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.svc.Rename(ctx, c.ID, "Après"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, err := f.svc.Get(ctx, c.ID)
	if err != nil || got.Title != "Après" {
		t.Fatalf("rename not applied: %+v %v", got, err)
	}
	if err := f.svc.Delete(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.Get(ctx, c.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestSearchRouting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sqlConv, err := f.svc.Create(ctx, f.alice.ID, "SQL", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	gop, err := f.svc.Create(ctx, f.alice.ID, "Go", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := f.svc.SendMessage(ctx, sqlConv.ID, f.alice.ID, "Explique les JOINTURES", f.svc.Params())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := f.svc.SendMessage(ctx, gop.ID, f.alice.ID, "Les goroutines", f.svc.Params()); err != nil {
		t.Fatalf("send: %v", err)
	}

	byKeyword, err := f.svc.Search(ctx, f.alice.ID, Criteria{Keyword: "jointures"})
	if err != nil {
		t.Fatalf("keyword search: %v", err)
	}
	if len(byKeyword) != 1 || byKeyword[0].ID != sqlConv.ID {
		t.Fatalf("unexpected keyword result %+v", byKeyword)
	}

	today := first.Question.CreatedAt
	byDate, err := f.svc.Search(ctx, f.alice.ID, Criteria{Date: &today})
	if err != nil {
		t.Fatalf("date search: %v", err)
	}
	if len(byDate) != 2 {
		t.Fatalf("expected both conversations for today, got %d", len(byDate))
	}

	both, err := f.svc.Search(ctx, f.alice.ID, Criteria{Keyword: "goroutines", Date: &today})
	if err != nil {
		t.Fatalf("combined search: %v", err)
	}
	if len(both) != 1 || both[0].ID != gop.ID {
		t.Fatalf("unexpected combined result %+v", both)
	}

	yesterday := today.Add(-24 * time.Hour)
	none, err := f.svc.Search(ctx, f.alice.ID, Criteria{Keyword: "goroutines", Date: &yesterday})
	if err != nil {
		t.Fatalf("no-match search must not fail: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", none)
	}

	all, err := f.svc.Search(ctx, f.alice.ID, Criteria{})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(all) != 2 || all[0].ID != gop.ID {
		t.Fatalf("expected listing with latest activity first, got %+v", all)
	}

	empty, err := f.svc.List(ctx, f.bob.ID, 10)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty listing for bob, got %v %v", empty, err)
	}
}

func TestReadFeedRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.Create(ctx, f.alice.ID, "Feed", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := f.svc.SendMessage(ctx, c.ID, f.alice.ID, "Premier message", f.svc.Params())
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	feed, err := f.svc.ReadFeed(ctx, c.ID, 0, 100)
	if err != nil {
		t.Fatalf("read feed: %v", err)
	}
	found := false
	for i, e := range feed {
		if e.ID == res.Question.ID {
			found = true
		}
		if i > 0 && e.CreatedAt.Before(feed[i-1].CreatedAt) {
			t.Fatalf("feed not in timestamp order at %d", i)
		}
	}
	if !found {
		t.Fatalf("appended exchange missing from feed")
	}

	page, err := f.svc.ReadFeed(ctx, c.ID, 1, 1)
	if err != nil {
		t.Fatalf("paged read: %v", err)
	}
	if len(page) != 1 || page[0].ID != res.Answer.ID {
		t.Fatalf("expected the answer on page 2, got %+v", page)
	}

	past, err := f.svc.ReadFeed(ctx, c.ID, 10, 5)
	if err != nil || len(past) != 0 {
		t.Fatalf("expected empty page past the end, got %v %v", past, err)
	}

	if _, err := f.svc.ReadFeed(ctx, c.ID, -1, 5); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation for negative offset, got %v", err)
	}
	if _, err := f.svc.ReadFeed(ctx, c.ID, 0, 0); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation for zero limit, got %v", err)
	}
	if _, err := f.svc.ReadFeed(ctx, 12345, 0, 5); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for unknown conversation, got %v", err)
	}
}

func TestSendMessageHistoryAndMembership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.store.CreatePrompt(ctx, storage.Prompt{Name: "tuteur", Content: "Tu es un tuteur patient."}); err != nil {
		t.Fatalf("create prompt: %v", err)
	}
	c, err := f.svc.Create(ctx, f.alice.ID, "Cours", "tuteur")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := f.svc.SendMessage(ctx, c.ID, f.bob.ID, "intrus", f.svc.Params()); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("non-member must be rejected, got %v", err)
	}
	if _, err := f.svc.SendMessage(ctx, c.ID, f.alice.ID, "  ", f.svc.Params()); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("blank content must be rejected, got %v", err)
	}

	if _, err := f.svc.SendMessage(ctx, c.ID, f.alice.ID, "Question 1", f.svc.Params()); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	res, err := f.svc.SendMessage(ctx, c.ID, f.alice.ID, "Question 2", f.svc.Params())
	if err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if res.Answer.Role != storage.RoleAssistant || res.Answer.Content != "Bonjour" || res.Degraded {
		t.Fatalf("unexpected answer %+v", res)
	}

	h := f.gen.last()
	if len(h) != 4 {
		t.Fatalf("expected prompt + 3 messages, got %d: %+v", len(h), h)
	}
	if h[0].Role != llm.RoleSystem || h[0].Content != "Tu es un tuteur patient." {
		t.Fatalf("personalization must lead the history, got %+v", h[0])
	}
	if h[2].Role != llm.RoleAssistant || h[3].Content != "Question 2" {
		t.Fatalf("unexpected history tail %+v", h[1:])
	}
}

func TestSendMessageStoresDegradedReply(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"Validation Error"}`))
	}))
	defer srv.Close()

	f := newFixture(t, func(c *Config) {
		c.LLM = llm.New(llm.Config{BaseURL: srv.URL, Logger: zerolog.Nop()})
	})
	c, err := f.svc.Create(ctx, f.alice.ID, "Panne", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := f.svc.SendMessage(ctx, c.ID, f.alice.ID, "Tu es là ?", f.svc.Params())
	if err != nil {
		t.Fatalf("degraded reply must not be an error: %v", err)
	}
	if !res.Degraded || !strings.Contains(res.Answer.Content, "422") {
		t.Fatalf("unexpected degraded answer %+v", res)
	}

	feed, err := f.svc.ReadFeed(ctx, c.ID, 0, 10)
	if err != nil || len(feed) != 2 {
		t.Fatalf("expected both messages stored, got %d %v", len(feed), err)
	}
}

func TestSendMessageRateLimited(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t, func(c *Config) {
		c.Limiter = ratelimit.New(rdb, 1)
	})
	c, err := f.svc.Create(ctx, f.alice.ID, "Limite", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.SendMessage(ctx, c.ID, f.alice.ID, "un", f.svc.Params()); err != nil {
		t.Fatalf("first send: %v", err)
	}
	_, err = f.svc.SendMessage(ctx, c.ID, f.alice.ID, "deux", f.svc.Params())
	if !errors.Is(err, ErrRateLimited) || !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected rate limit conflict, got %v", err)
	}
	if !strings.Contains(err.Error(), "limite de 1 messages par heure") {
		t.Fatalf("refusal must state the hourly limit, got %q", err.Error())
	}

	feed, err := f.svc.ReadFeed(ctx, c.ID, 0, 10)
	if err != nil || len(feed) != 2 {
		t.Fatalf("refused message must not be stored, got %d %v", len(feed), err)
	}
}

func TestParticipantsByHandle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.Create(ctx, f.alice.ID, "Projet", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.AddParticipant(ctx, c.ID, "inconnu", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown handle must be not found, got %v", err)
	}
	if _, err := f.svc.AddParticipant(ctx, c.ID, "bob", "admin"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("bad role must fail validation, got %v", err)
	}
	p, err := f.svc.AddParticipant(ctx, c.ID, "bob", "")
	if err != nil {
		t.Fatalf("add bob: %v", err)
	}
	if p.Role != storage.ParticipantMember || p.Handle != "bob" {
		t.Fatalf("unexpected participant %+v", p)
	}
	if _, err := f.svc.AddParticipant(ctx, c.ID, "bob", ""); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("duplicate must conflict, got %v", err)
	}

	if err := f.svc.RemoveParticipant(ctx, c.ID, f.alice.ID); err != nil {
		t.Fatalf("remove alice: %v", err)
	}
	members, err := f.svc.Participants(ctx, c.ID)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	if len(members) != 1 || members[0].UserID != f.bob.ID {
		t.Fatalf("expected only bob left, got %+v", members)
	}
	if err := f.svc.RemoveParticipant(ctx, c.ID, f.bob.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("removing the last participant must conflict, got %v", err)
	}
}

func TestSetPersonalization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.store.CreatePrompt(ctx, storage.Prompt{Name: "concis", Content: "Réponds brièvement."})
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}
	c, err := f.svc.Create(ctx, f.alice.ID, "Perso", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := f.svc.SetPersonalization(ctx, c.ID, "concis"); err != nil {
		t.Fatalf("set by name: %v", err)
	}
	got, err := f.svc.Get(ctx, c.ID)
	if err != nil || got.PromptID == nil || *got.PromptID != p.ID {
		t.Fatalf("personalization not set: %+v %v", got, err)
	}
	if err := f.svc.SetPersonalization(ctx, c.ID, "9999"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("unknown id must fail validation, got %v", err)
	}
	if err := f.svc.SetPersonalization(ctx, c.ID, ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, err = f.svc.Get(ctx, c.ID)
	if err != nil || got.PromptID != nil {
		t.Fatalf("personalization not cleared: %+v %v", got, err)
	}
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.Create(ctx, f.alice.ID, "Export", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.SendMessage(ctx, c.ID, f.alice.ID, "Bonjour ?", f.svc.Params()); err != nil {
		t.Fatalf("send: %v", err)
	}

	dir := t.TempDir()
	path, err := f.svc.Export(ctx, c.ID, dir)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if filepath.Base(path) != ExportFileName(c.ID) {
		t.Fatalf("unexpected export name %q", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var records []exportRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		t.Fatalf("export must be a JSON array: %v", err)
	}
	if len(records) != 2 || records[0].Author != "alice" || records[1].Role != storage.RoleAssistant {
		t.Fatalf("unexpected records %+v", records)
	}

	if _, err := f.svc.Export(ctx, 4242, dir); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for unknown conversation, got %v", err)
	}
}

func TestExportSealed(t *testing.T) {
	ctx := context.Background()
	sealer, err := crypto.NewSealer("default", map[string][]byte{"default": make([]byte, 32)})
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	f := newFixture(t, func(c *Config) { c.Sealer = sealer })

	c, err := f.svc.Create(ctx, f.alice.ID, "Secret", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.SendMessage(ctx, c.ID, f.alice.ID, "mot de passe 1234", f.svc.Params()); err != nil {
		t.Fatalf("send: %v", err)
	}
	path, err := f.svc.Export(ctx, c.ID, t.TempDir())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if strings.Contains(string(raw), "1234") {
		t.Fatalf("sealed export leaks content")
	}
	var records []exportRecord
	if err := sealer.OpenJSON(raw, &records); err != nil {
		t.Fatalf("open sealed export: %v", err)
	}
	if len(records) != 2 || records[0].Content != "mot de passe 1234" {
		t.Fatalf("unexpected records %+v", records)
	}
}
