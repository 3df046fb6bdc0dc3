package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-agent-backend/internal/domain"
	"github.com/tbourn/go-agent-backend/internal/repo"
)

// ---------- test helpers ----------

func newKnowDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:knowsvc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := db.AutoMigrate(&domain.Agent{}, &domain.QaSource{}, &domain.QaSourceChunk{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeEmbedder produces deterministic vectors (one per input) and can be
// told to fail after a number of successful calls.
type fakeEmbedder struct {
	dims      int
	calls     int
	failAfter int // fail when calls > failAfter; 0 means never fail
	batches   [][]string
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.batches = append(f.batches, append([]string(nil), texts...))
	if f.failAfter > 0 && f.calls > f.failAfter {
		return nil, errors.New("provider unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dims)
		v[0] = float32(len(texts[i])) // content-dependent but deterministic
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }

func newKnowService(db *gorm.DB) (*KnowledgeService, *fakeEmbedder) {
	emb := &fakeEmbedder{dims: 4}
	return &KnowledgeService{DB: db, Embedder: emb}, emb
}

func seedAgent(t *testing.T, db *gorm.DB, userID string) *domain.Agent {
	t.Helper()
	a, err := repo.CreateAgent(context.Background(), db, userID, "bot")
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return a
}

// ---------- Create ----------

func TestKnowledgeService_Create_Validation(t *testing.T) {
	db := newKnowDB(t)
	s, emb := newKnowService(db)
	ctx := context.Background()
	a := seedAgent(t, db, "u1")

	cases := []struct {
		name      string
		questions []string
		answer    string
		want      error
	}{
		{"no questions", nil, "fine", ErrNoQuestions},
		{"blank question", []string{"ok", "   "}, "fine", ErrBlankQuestion},
		{"blank answer", []string{"ok"}, "   ", ErrBlankAnswer},
		{"markup-only answer", []string{"ok"}, "<p>  </p>", ErrBlankAnswer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := s.Create(ctx, "u1", a.ID, tc.questions, tc.answer)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
	// Validation failures must not reach the provider.
	if emb.calls != 0 {
		t.Fatalf("embedder called %d times on invalid input", emb.calls)
	}
}

func TestKnowledgeService_Create_LengthLimits(t *testing.T) {
	db := newKnowDB(t)
	s, _ := newKnowService(db)
	s.MaxQuestionRunes = 5
	s.MaxAnswerRunes = 10
	ctx := context.Background()
	a := seedAgent(t, db, "u1")

	if _, _, err := s.Create(ctx, "u1", a.ID, []string{"too long question"}, "a"); !errors.Is(err, ErrQuestionTooLong) {
		t.Fatalf("expected ErrQuestionTooLong, got %v", err)
	}
	if _, _, err := s.Create(ctx, "u1", a.ID, []string{"q"}, strings.Repeat("x", 11)); !errors.Is(err, ErrAnswerTooLong) {
		t.Fatalf("expected ErrAnswerTooLong, got %v", err)
	}
}

func TestKnowledgeService_Create_AgentOwnership(t *testing.T) {
	db := newKnowDB(t)
	s, emb := newKnowService(db)
	ctx := context.Background()
	a := seedAgent(t, db, "owner")

	// Missing agent and foreign agent are indistinguishable.
	if _, _, err := s.Create(ctx, "u1", "missing", []string{"q"}, "a"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("missing agent: got %v", err)
	}
	if _, _, err := s.Create(ctx, "intruder", a.ID, []string{"q"}, "a"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("foreign agent: got %v", err)
	}
	// The ownership gate runs before any provider call.
	if emb.calls != 0 {
		t.Fatalf("embedder called %d times for unauthorized create", emb.calls)
	}
}

func TestKnowledgeService_Create_ChunkPipeline(t *testing.T) {
	db := newKnowDB(t)
	s, emb := newKnowService(db)
	ctx := context.Background()
	a := seedAgent(t, db, "u1")

	questions := []string{"What are your hours?", "  When are you open?  ", "Days?"}
	answer := "<b>9&ndash;5</b>   Monday &amp; Friday"

	src, n, err := s.Create(ctx, "u1", a.ID, questions, answer)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n != 3 {
		t.Fatalf("chunk count = %d, want 3", n)
	}
	// Raw answer is stored verbatim; normalization only feeds the chunks.
	if src.Answer != answer {
		t.Fatalf("stored answer mutated: %q", src.Answer)
	}

	// Exactly one provider call with one input per question, in order.
	if emb.calls != 1 {
		t.Fatalf("expected single batched Embed call, got %d", emb.calls)
	}
	if len(emb.batches[0]) != 3 {
		t.Fatalf("batch size = %d, want 3", len(emb.batches[0]))
	}

	chunks, err := repo.ListChunks(ctx, db, src.ID)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("persisted chunks = %d, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Fatalf("chunk %d has index %d", i, c.ChunkIndex)
		}
		// Question i pairs with chunk i; trimming applied.
		wantQ := strings.TrimSpace(questions[i])
		if c.Question != wantQ {
			t.Fatalf("chunk %d question %q, want %q", i, c.Question, wantQ)
		}
		// Content is reproducible from question + normalized answer.
		if !strings.HasPrefix(c.Content, "Q: "+wantQ+"\nA: ") {
			t.Fatalf("chunk %d content malformed: %q", i, c.Content)
		}
		if strings.Contains(c.Content, "<b>") || strings.Contains(c.Content, "&amp;") {
			t.Fatalf("chunk %d content not normalized: %q", i, c.Content)
		}
		if len(c.Embedding) != 4 {
			t.Fatalf("chunk %d embedding dims = %d", i, len(c.Embedding))
		}
	}
}

func TestKnowledgeService_Create_EmbedFailure_WritesNothing(t *testing.T) {
	db := newKnowDB(t)
	s, _ := newKnowService(db)
	s.Embedder = alwaysFailEmbedder{}
	ctx := context.Background()
	a := seedAgent(t, db, "u1")

	_, _, err := s.Create(ctx, "u1", a.ID, []string{"q"}, "a")
	if !errors.Is(err, ErrEmbeddingFailed) {
		t.Fatalf("expected ErrEmbeddingFailed, got %v", err)
	}

	n, err := repo.CountQaSources(ctx, db, a.ID)
	if err != nil || n != 0 {
		t.Fatalf("expected no source rows after failure, count=%d err=%v", n, err)
	}
}

type alwaysFailEmbedder struct{}

func (alwaysFailEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("boom")
}
func (alwaysFailEmbedder) Dimensions() int { return 4 }

// ---------- Update ----------

func TestKnowledgeService_Update_NoFields(t *testing.T) {
	db := newKnowDB(t)
	s, _ := newKnowService(db)
	if _, err := s.Update(context.Background(), "u1", "s1", nil, nil); !errors.Is(err, ErrNoFields) {
		t.Fatalf("expected ErrNoFields, got %v", err)
	}
}

func TestKnowledgeService_Update_MergesAndReplacesChunks(t *testing.T) {
	db := newKnowDB(t)
	s, _ := newKnowService(db)
	ctx := context.Background()
	a := seedAgent(t, db, "u1")

	src, _, err := s.Create(ctx, "u1", a.ID, []string{"q1", "q2"}, "old answer")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Answer-only update must keep the stored questions and still rebuild
	// every chunk from the new answer.
	newAnswer := "brand new answer"
	got, err := s.Update(ctx, "u1", src.ID, nil, &newAnswer)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Answer != newAnswer {
		t.Fatalf("answer not updated: %q", got.Answer)
	}
	if len(got.Questions) != 2 {
		t.Fatalf("questions not preserved: %v", got.Questions)
	}

	chunks, err := repo.ListChunks(ctx, db, src.ID)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunk count after update = %d, want 2", len(chunks))
	}
	for i, c := range chunks {
		if !strings.Contains(c.Content, newAnswer) {
			t.Fatalf("chunk %d still carries old answer: %q", i, c.Content)
		}
	}

	// Questions-only update shrinks the chunk set to match.
	if _, err := s.Update(ctx, "u1", src.ID, []string{"only one"}, nil); err != nil {
		t.Fatalf("Update questions: %v", err)
	}
	chunks, _ = repo.ListChunks(ctx, db, src.ID)
	if len(chunks) != 1 || chunks[0].Question != "only one" {
		t.Fatalf("chunk set not shrunk: %v", chunks)
	}
	if !strings.Contains(chunks[0].Content, newAnswer) {
		t.Fatalf("kept answer not reflected in chunk: %q", chunks[0].Content)
	}
}

func TestKnowledgeService_Update_EmbedFailure_KeepsOldRows(t *testing.T) {
	db := newKnowDB(t)
	s, emb := newKnowService(db)
	ctx := context.Background()
	a := seedAgent(t, db, "u1")

	src, _, err := s.Create(ctx, "u1", a.ID, []string{"q1", "q2"}, "stable answer")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	before, _ := repo.ListChunks(ctx, db, src.ID)

	emb.failAfter = 1 // create consumed call 1; the update call fails
	bad := "will not land"
	_, err = s.Update(ctx, "u1", src.ID, nil, &bad)
	if !errors.Is(err, ErrEmbeddingFailed) {
		t.Fatalf("expected ErrEmbeddingFailed, got %v", err)
	}

	// Stored source and chunks are untouched.
	got, err := repo.GetQaSource(ctx, db, src.ID)
	if err != nil || got.Answer != "stable answer" {
		t.Fatalf("source mutated after failed update: %+v err=%v", got, err)
	}
	after, _ := repo.ListChunks(ctx, db, src.ID)
	if len(after) != len(before) {
		t.Fatalf("chunks changed after failed update: %d -> %d", len(before), len(after))
	}
	for i := range after {
		if after[i].ID != before[i].ID {
			t.Fatalf("chunk row %d replaced after failed update", i)
		}
	}
}

func TestKnowledgeService_Update_SourceOwnership(t *testing.T) {
	db := newKnowDB(t)
	s, _ := newKnowService(db)
	ctx := context.Background()
	a := seedAgent(t, db, "owner")

	src, _, err := s.Create(ctx, "owner", a.ID, []string{"q"}, "a")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ans := "hijack"
	if _, err := s.Update(ctx, "intruder", src.ID, nil, &ans); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("foreign source: got %v", err)
	}
	if _, err := s.Update(ctx, "owner", "missing", nil, &ans); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("missing source: got %v", err)
	}
}

// ---------- Get / ListPage / Delete ----------

func TestKnowledgeService_Get(t *testing.T) {
	db := newKnowDB(t)
	s, _ := newKnowService(db)
	ctx := context.Background()
	a := seedAgent(t, db, "u1")

	src, _, _ := s.Create(ctx, "u1", a.ID, []string{"q"}, "a")

	got, err := s.Get(ctx, "u1", src.ID)
	if err != nil || got.ID != src.ID {
		t.Fatalf("Get: %+v err=%v", got, err)
	}
	if _, err := s.Get(ctx, "other", src.ID); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("foreign get: %v", err)
	}
	if _, err := s.Get(ctx, "u1", "missing"); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("missing get: %v", err)
	}
}

func TestKnowledgeService_ListPage(t *testing.T) {
	db := newKnowDB(t)
	s, _ := newKnowService(db)
	ctx := context.Background()
	a := seedAgent(t, db, "u1")

	for i := 0; i < 5; i++ {
		if _, _, err := s.Create(ctx, "u1", a.ID, []string{fmt.Sprintf("question number %d", i)}, "a"); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	items, total, err := s.ListPage(ctx, "u1", a.ID, 1, 3)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if total != 5 || len(items) != 3 {
		t.Fatalf("page 1: total=%d len=%d", total, len(items))
	}
	// Summaries carry a cased display title derived from the first question.
	if items[0].Title == "" || !strings.HasPrefix(items[0].Title, "Question Number") {
		t.Fatalf("unexpected title: %q", items[0].Title)
	}

	rest, total, err := s.ListPage(ctx, "u1", a.ID, 2, 3)
	if err != nil || total != 5 || len(rest) != 2 {
		t.Fatalf("page 2: total=%d len=%d err=%v", total, len(rest), err)
	}

	// Foreign agent lists nothing, and says so with not-found.
	if _, _, err := s.ListPage(ctx, "other", a.ID, 1, 3); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("foreign list: %v", err)
	}
}

func TestKnowledgeService_ListPage_TitleClipped(t *testing.T) {
	db := newKnowDB(t)
	s, _ := newKnowService(db)
	s.TitleMaxLen = 10
	ctx := context.Background()
	a := seedAgent(t, db, "u1")

	long := strings.Repeat("word ", 10)
	if _, _, err := s.Create(ctx, "u1", a.ID, []string{long}, "a"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	items, _, err := s.ListPage(ctx, "u1", a.ID, 1, 10)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if got := len([]rune(items[0].Title)); got > 10 {
		t.Fatalf("title not clipped: %d runes", got)
	}
}

func TestKnowledgeService_Delete(t *testing.T) {
	db := newKnowDB(t)
	s, _ := newKnowService(db)
	ctx := context.Background()
	a := seedAgent(t, db, "u1")

	src, _, _ := s.Create(ctx, "u1", a.ID, []string{"q1", "q2"}, "a")

	if err := s.Delete(ctx, "intruder", src.ID); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("foreign delete: %v", err)
	}
	if err := s.Delete(ctx, "u1", src.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "u1", src.ID); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("source still resolvable after delete")
	}
	n, _ := repo.CountChunks(ctx, db, src.ID)
	if n != 0 {
		t.Fatalf("chunks survived delete: %d", n)
	}
	if err := s.Delete(ctx, "u1", src.ID); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("second delete should be not-found, got %v", err)
	}
}

// ---------- full lifecycle ----------

func TestKnowledgeService_Lifecycle(t *testing.T) {
	db := newKnowDB(t)
	s, _ := newKnowService(db)
	ctx := context.Background()
	a := seedAgent(t, db, "u1")

	src, n, err := s.Create(ctx, "u1", a.ID,
		[]string{"What are your opening hours?", "When are you open?"},
		"<p>We are open <b>9&ndash;5</b>, Monday to Friday.</p>")
	if err != nil || n != 2 {
		t.Fatalf("Create: n=%d err=%v", n, err)
	}

	// Update replaces one phrasing and re-derives both chunks.
	if _, err := s.Update(ctx, "u1", src.ID, []string{"Opening hours?"}, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	chunks, _ := repo.ListChunks(ctx, db, src.ID)
	if len(chunks) != 1 || chunks[0].Question != "Opening hours?" {
		t.Fatalf("post-update chunks: %v", chunks)
	}
	// Normalized answer flows into the rebuilt chunk.
	if !strings.Contains(chunks[0].Content, "Monday to Friday.") || strings.Contains(chunks[0].Content, "<p>") {
		t.Fatalf("chunk content not normalized: %q", chunks[0].Content)
	}

	if err := s.Delete(ctx, "u1", src.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	total, _ := repo.CountQaSources(ctx, db, a.ID)
	if total != 0 {
		t.Fatalf("sources remaining after delete: %d", total)
	}
}
