package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-agent-backend/internal/domain"
	"github.com/tbourn/go-agent-backend/internal/repo"
	"github.com/tbourn/go-agent-backend/internal/services"
)

const testAgentID = "6f1f7c3a-2d4b-4a5e-9c8d-1e2f3a4b5c6d"

// ---------- fakes ----------

type fakeKnowledgeService struct {
	createFn func(ctx context.Context, userID, agentID string, questions []string, answer string) (*domain.QaSource, int, error)
	updateFn func(ctx context.Context, userID, sourceID string, questions []string, answer *string) (*domain.QaSource, error)
	getFn    func(ctx context.Context, userID, sourceID string) (*domain.QaSource, error)
	listFn   func(ctx context.Context, userID, agentID string, page, pageSize int) ([]services.SourceSummary, int64, error)
	deleteFn func(ctx context.Context, userID, sourceID string) error
}

func (f *fakeKnowledgeService) Create(ctx context.Context, userID, agentID string, questions []string, answer string) (*domain.QaSource, int, error) {
	return f.createFn(ctx, userID, agentID, questions, answer)
}
func (f *fakeKnowledgeService) Update(ctx context.Context, userID, sourceID string, questions []string, answer *string) (*domain.QaSource, error) {
	return f.updateFn(ctx, userID, sourceID, questions, answer)
}
func (f *fakeKnowledgeService) Get(ctx context.Context, userID, sourceID string) (*domain.QaSource, error) {
	return f.getFn(ctx, userID, sourceID)
}
func (f *fakeKnowledgeService) ListPage(ctx context.Context, userID, agentID string, page, pageSize int) ([]services.SourceSummary, int64, error) {
	return f.listFn(ctx, userID, agentID, page, pageSize)
}
func (f *fakeKnowledgeService) Delete(ctx context.Context, userID, sourceID string) error {
	return f.deleteFn(ctx, userID, sourceID)
}

type fakeFeedbackService struct {
	submitFn func(ctx context.Context, messageID, value string, sessionID *string) (bool, error)
	tallyFn  func(ctx context.Context, messageID string) (repo.FeedbackTally, error)
}

func (f *fakeFeedbackService) Submit(ctx context.Context, messageID, value string, sessionID *string) (bool, error) {
	return f.submitFn(ctx, messageID, value, sessionID)
}
func (f *fakeFeedbackService) Tally(ctx context.Context, messageID string) (repo.FeedbackTally, error) {
	return f.tallyFn(ctx, messageID)
}

func newRouter(know KnowledgeService, fb FeedbackService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := New(know, fb)
	r.POST("/agents/:id/sources", h.CreateSource)
	r.GET("/agents/:id/sources", h.ListSources)
	r.GET("/sources/:id", h.GetSource)
	r.PUT("/sources/:id", h.UpdateSource)
	r.DELETE("/sources/:id", h.DeleteSource)
	r.POST("/messages/:id/feedback", h.SubmitFeedback)
	r.GET("/messages/:id/feedback", h.GetFeedbackTally)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body, user string) *httptest.ResponseRecorder {
	t.Helper()
	var buf *bytes.Buffer
	if body != "" {
		buf = bytes.NewBufferString(body)
	} else {
		buf = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func sampleSource() *domain.QaSource {
	now := time.Now().UTC()
	return &domain.QaSource{
		ID:        "src-1",
		AgentID:   testAgentID,
		Questions: []string{"What are your hours?"},
		Answer:    "9 to 5",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ---------- CreateSource ----------

func TestCreateSource_Success(t *testing.T) {
	know := &fakeKnowledgeService{
		createFn: func(_ context.Context, userID, agentID string, questions []string, answer string) (*domain.QaSource, int, error) {
			if userID != "u1" || agentID != testAgentID {
				t.Fatalf("service got user=%q agent=%q", userID, agentID)
			}
			if len(questions) != 1 || answer != "9 to 5" {
				t.Fatalf("service got questions=%v answer=%q", questions, answer)
			}
			return sampleSource(), 1, nil
		},
	}
	r := newRouter(know, &fakeFeedbackService{})

	w := doJSON(t, r, http.MethodPost, "/agents/"+testAgentID+"/sources",
		`{"questions":["What are your hours?"],"answer":"9 to 5"}`, "u1")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}

	var resp SourceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if resp.Source == nil || resp.Source.ID != "src-1" || resp.ChunkCount != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreateSource_MissingIdentity(t *testing.T) {
	r := newRouter(&fakeKnowledgeService{}, &fakeFeedbackService{})
	w := doJSON(t, r, http.MethodPost, "/agents/"+testAgentID+"/sources",
		`{"questions":["q"],"answer":"a"}`, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCreateSource_BadAgentID(t *testing.T) {
	r := newRouter(&fakeKnowledgeService{}, &fakeFeedbackService{})
	w := doJSON(t, r, http.MethodPost, "/agents/not-a-uuid/sources",
		`{"questions":["q"],"answer":"a"}`, "u1")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCreateSource_BadBody(t *testing.T) {
	r := newRouter(&fakeKnowledgeService{}, &fakeFeedbackService{})
	for _, body := range []string{``, `{}`, `{"questions":[]}`, `{"answer":"a"}`, `not json`} {
		w := doJSON(t, r, http.MethodPost, "/agents/"+testAgentID+"/sources", body, "u1")
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d", body, w.Code)
		}
	}
}

func TestCreateSource_ServiceErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{services.ErrNoQuestions, http.StatusBadRequest},
		{services.ErrBlankQuestion, http.StatusBadRequest},
		{services.ErrBlankAnswer, http.StatusBadRequest},
		{services.ErrQuestionTooLong, http.StatusBadRequest},
		{services.ErrAnswerTooLong, http.StatusBadRequest},
		{services.ErrAgentNotFound, http.StatusNotFound},
		{services.ErrEmbeddingFailed, http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		know := &fakeKnowledgeService{
			createFn: func(context.Context, string, string, []string, string) (*domain.QaSource, int, error) {
				return nil, 0, tc.err
			},
		}
		r := newRouter(know, &fakeFeedbackService{})
		w := doJSON(t, r, http.MethodPost, "/agents/"+testAgentID+"/sources",
			`{"questions":["q"],"answer":"a"}`, "u1")
		if w.Code != tc.want {
			t.Fatalf("err %v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}

func TestCreateSource_WrappedEmbeddingError(t *testing.T) {
	know := &fakeKnowledgeService{
		createFn: func(context.Context, string, string, []string, string) (*domain.QaSource, int, error) {
			return nil, 0, errors.Join(services.ErrEmbeddingFailed, errors.New("timeout"))
		},
	}
	r := newRouter(know, &fakeFeedbackService{})
	w := doJSON(t, r, http.MethodPost, "/agents/"+testAgentID+"/sources",
		`{"questions":["q"],"answer":"a"}`, "u1")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if resp.Code != ErrCodeEmbeddingFailed {
		t.Fatalf("code = %q", resp.Code)
	}
}

// ---------- ListSources ----------

func TestListSources_PaginationAndDefaults(t *testing.T) {
	var gotPage, gotSize int
	know := &fakeKnowledgeService{
		listFn: func(_ context.Context, _, _ string, page, pageSize int) ([]services.SourceSummary, int64, error) {
			gotPage, gotSize = page, pageSize
			return []services.SourceSummary{{ID: "s1", Title: "Hours"}}, 41, nil
		},
	}
	r := newRouter(know, &fakeFeedbackService{})

	w := doJSON(t, r, http.MethodGet, "/agents/"+testAgentID+"/sources", "", "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotPage != 1 || gotSize != 20 {
		t.Fatalf("defaults: page=%d size=%d", gotPage, gotSize)
	}

	var resp ListSourcesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if resp.Pagination.Total != 41 || resp.Pagination.TotalPages != 3 || !resp.Pagination.HasNext {
		t.Fatalf("pagination: %+v", resp.Pagination)
	}

	// Explicit params are clamped.
	w = doJSON(t, r, http.MethodGet, "/agents/"+testAgentID+"/sources?page=0&page_size=9999", "", "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotPage != 1 || gotSize != 100 {
		t.Fatalf("clamping: page=%d size=%d", gotPage, gotSize)
	}
}

func TestListSources_AgentNotFound(t *testing.T) {
	know := &fakeKnowledgeService{
		listFn: func(context.Context, string, string, int, int) ([]services.SourceSummary, int64, error) {
			return nil, 0, services.ErrAgentNotFound
		},
	}
	r := newRouter(know, &fakeFeedbackService{})
	w := doJSON(t, r, http.MethodGet, "/agents/"+testAgentID+"/sources", "", "u1")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

// ---------- GetSource ----------

func TestGetSource(t *testing.T) {
	know := &fakeKnowledgeService{
		getFn: func(_ context.Context, userID, sourceID string) (*domain.QaSource, error) {
			if userID != "u1" || sourceID != "src-1" {
				t.Fatalf("service got user=%q source=%q", userID, sourceID)
			}
			return sampleSource(), nil
		},
	}
	r := newRouter(know, &fakeFeedbackService{})

	w := doJSON(t, r, http.MethodGet, "/sources/src-1", "", "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got domain.QaSource
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if got.ID != "src-1" || got.Answer != "9 to 5" {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestGetSource_NotFound(t *testing.T) {
	know := &fakeKnowledgeService{
		getFn: func(context.Context, string, string) (*domain.QaSource, error) {
			return nil, services.ErrSourceNotFound
		},
	}
	r := newRouter(know, &fakeFeedbackService{})
	w := doJSON(t, r, http.MethodGet, "/sources/nope", "", "u1")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

// ---------- UpdateSource ----------

func TestUpdateSource_PartialBody(t *testing.T) {
	var gotQuestions []string
	var gotAnswer *string
	know := &fakeKnowledgeService{
		updateFn: func(_ context.Context, _, _ string, questions []string, answer *string) (*domain.QaSource, error) {
			gotQuestions, gotAnswer = questions, answer
			return sampleSource(), nil
		},
	}
	r := newRouter(know, &fakeFeedbackService{})

	// Answer only: questions stays nil (field absent, not empty).
	w := doJSON(t, r, http.MethodPut, "/sources/src-1", `{"answer":"new"}`, "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotQuestions != nil || gotAnswer == nil || *gotAnswer != "new" {
		t.Fatalf("merge fields: questions=%v answer=%v", gotQuestions, gotAnswer)
	}

	// Questions only.
	w = doJSON(t, r, http.MethodPut, "/sources/src-1", `{"questions":["a","b"]}`, "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(gotQuestions) != 2 || gotAnswer != nil {
		t.Fatalf("merge fields: questions=%v answer=%v", gotQuestions, gotAnswer)
	}
}

func TestUpdateSource_ServiceErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{services.ErrNoFields, http.StatusBadRequest},
		{services.ErrSourceNotFound, http.StatusNotFound},
		{services.ErrEmbeddingFailed, http.StatusBadGateway},
	}
	for _, tc := range cases {
		know := &fakeKnowledgeService{
			updateFn: func(context.Context, string, string, []string, *string) (*domain.QaSource, error) {
				return nil, tc.err
			},
		}
		r := newRouter(know, &fakeFeedbackService{})
		w := doJSON(t, r, http.MethodPut, "/sources/src-1", `{"answer":"x"}`, "u1")
		if w.Code != tc.want {
			t.Fatalf("err %v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}

// ---------- DeleteSource ----------

func TestDeleteSource(t *testing.T) {
	deleted := false
	know := &fakeKnowledgeService{
		deleteFn: func(_ context.Context, userID, sourceID string) error {
			deleted = userID == "u1" && sourceID == "src-1"
			return nil
		},
	}
	r := newRouter(know, &fakeFeedbackService{})

	w := doJSON(t, r, http.MethodDelete, "/sources/src-1", "", "u1")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if !deleted {
		t.Fatalf("service not called with expected args")
	}
}

func TestDeleteSource_NotFound(t *testing.T) {
	know := &fakeKnowledgeService{
		deleteFn: func(context.Context, string, string) error { return services.ErrSourceNotFound },
	}
	r := newRouter(know, &fakeFeedbackService{})
	w := doJSON(t, r, http.MethodDelete, "/sources/src-1", "", "u1")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

// ---------- identity resolution ----------

func Test_userID_ContextBeatsHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	if got := userID(c); got != "" {
		t.Fatalf("expected empty identity, got %q", got)
	}
	c.Request.Header.Set("X-User-ID", "from-header")
	if got := userID(c); got != "from-header" {
		t.Fatalf("header identity: %q", got)
	}
	c.Set("userID", "from-ctx")
	if got := userID(c); got != "from-ctx" {
		t.Fatalf("context identity should win: %q", got)
	}
}
