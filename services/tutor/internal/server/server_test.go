package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"amplified/internal/ratelimit"
	"amplified/internal/usertoken"
	"amplified/internal/util"
	"amplified/pkg/ai"
	"amplified/pkg/domain"
	"amplified/pkg/events"
	"amplified/pkg/queue"
	"amplified/pkg/store"
	"amplified/services/tutor/internal/app"
)

type stubVerifier map[string]usertoken.Principal

func (v stubVerifier) Verify(_ context.Context, token string) (usertoken.Principal, error) {
	p, ok := v[token]
	if !ok {
		return usertoken.Principal{}, errors.New("bad token")
	}
	return p, nil
}

var tokens = stubVerifier{
	"student": {Subject: "u-student", Role: usertoken.RoleStudent},
	"tutor":   {Subject: "u-tutor", Role: usertoken.RoleTutor},
	"admin":   {Subject: "u-admin", Role: usertoken.RoleAdmin},
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedText(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

type fakeGenerator struct {
	err error
}

func (g *fakeGenerator) GenerateText(context.Context, string, string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return "Limits describe behaviour near a point [1].", nil
}

type fixture struct {
	handler http.Handler
	store   *store.MemoryStore
	queue   *queue.MemoryQueue
	gen     *fakeGenerator
}

func newFixture(t *testing.T, limiter ratelimit.Limiter, opts ...func(*Config)) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue(queue.Config{})
	gen := &fakeGenerator{}
	a, err := app.New(app.Config{
		Store:     st,
		Queue:     q,
		Provider:  &ai.Provider{Embedder: fakeEmbedder{}, Generator: gen},
		Publisher: events.Nop{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg := Config{App: a, TokenVerifier: tokens, ChatLimiter: limiter}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := New(cfg)
	return &fixture{handler: srv.Router(), store: st, queue: q, gen: gen}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func (f *fixture) seedSession(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := f.store.SaveSession(ctx, domain.Session{ID: "s1", CourseID: "c1", Title: "Limits", VideoSourceURL: "https://cdn.test/s1.mp4", Status: domain.SessionDraft, CreatedAt: now}); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if err := f.store.SaveTranscript(ctx, domain.Transcript{ID: "tr_1", SessionID: "s1", FullText: "limits", DurationMs: 20_000, CreatedAt: now}); err != nil {
		t.Fatalf("save transcript: %v", err)
	}
	if err := f.store.ReplaceChunks(ctx, "tr_1", []domain.TranscriptChunk{
		{ID: "c0", TranscriptID: "tr_1", SessionID: "s1", Seq: 0, StartMs: 0, EndMs: 10_000, Text: "limits near a point", Embedding: []float32{1, 0}, CreatedAt: now},
		{ID: "c1", TranscriptID: "tr_1", SessionID: "s1", Seq: 1, StartMs: 10_000, EndMs: 20_000, Text: "unrelated", Embedding: []float32{0, 1}, CreatedAt: now},
	}); err != nil {
		t.Fatalf("replace chunks: %v", err)
	}
	if err := f.store.SaveMaterial(ctx, domain.StudyMaterial{ID: "m1", SessionID: "s1", Type: domain.MaterialSummary, Title: "Summary", Content: "x", Status: domain.MaterialDraft, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("save material: %v", err)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestAuthAndRoles(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSession(t)

	expectStatus(t, f.do(t, http.MethodGet, "/sessions/s1", "", nil), http.StatusUnauthorized)
	expectStatus(t, f.do(t, http.MethodGet, "/sessions/s1", "forged", nil), http.StatusUnauthorized)
	expectStatus(t, f.do(t, http.MethodGet, "/sessions/s1", "student", nil), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodPost, "/sessions/s1/transcribe", "student", nil), http.StatusForbidden)
	expectStatus(t, f.do(t, http.MethodPost, "/materials/m1/submit", "student", nil), http.StatusForbidden)
	expectStatus(t, f.do(t, http.MethodGet, "/admin/jobs", "tutor", nil), http.StatusForbidden)
	expectStatus(t, f.do(t, http.MethodGet, "/rag/health", "tutor", nil), http.StatusForbidden)
}

func TestCreateSessionAndJobAdmin(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/sessions", "tutor", map[string]any{"course_id": "c1", "title": " "})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = f.do(t, http.MethodPost, "/sessions", "tutor", map[string]any{
		"course_id": "c1", "title": "Derivatives", "video_source_url": "https://cdn.test/d.mp4",
	})
	expectStatus(t, rec, http.StatusCreated)
	created := decode[struct {
		Session domain.Session       `json:"session"`
		Job     domain.ProcessingJob `json:"job"`
	}](t, rec)
	if created.Job.Type != domain.JobTranscribe || created.Job.Status != domain.JobQueued || created.Job.SessionID != created.Session.ID {
		t.Fatalf("unexpected create response: %+v", created)
	}

	expectStatus(t, f.do(t, http.MethodGet, "/admin/jobs?status=processing", "admin", nil), http.StatusBadRequest)
	rec = f.do(t, http.MethodGet, "/admin/jobs?status=queued&type=transcribe&sessionId="+created.Session.ID, "admin", nil)
	expectStatus(t, rec, http.StatusOK)
	list := decode[struct {
		Items []domain.ProcessingJob `json:"items"`
	}](t, rec)
	if len(list.Items) != 1 || list.Items[0].ID != created.Job.ID {
		t.Fatalf("unexpected jobs: %+v", list.Items)
	}

	jobPath := "/admin/jobs/" + created.Job.ID
	rec = f.do(t, http.MethodPost, jobPath+"/cancel", "admin", nil)
	expectStatus(t, rec, http.StatusOK)
	if job := decode[domain.ProcessingJob](t, rec); job.Status != domain.JobCanceled {
		t.Fatalf("expected canceled job, got %s", job.Status)
	}
	expectStatus(t, f.do(t, http.MethodPost, jobPath+"/cancel", "admin", nil), http.StatusConflict)
	rec = f.do(t, http.MethodPost, jobPath+"/retry", "admin", nil)
	expectStatus(t, rec, http.StatusOK)
	if job := decode[domain.ProcessingJob](t, rec); job.Status != domain.JobQueued || job.AttemptCount != 0 {
		t.Fatalf("unexpected retried job: %+v", job)
	}

	rec = f.do(t, http.MethodGet, jobPath+"/events", "admin", nil)
	expectStatus(t, rec, http.StatusOK)
	timeline := decode[struct {
		Items []domain.JobEvent `json:"items"`
	}](t, rec)
	if len(timeline.Items) != 3 {
		t.Fatalf("expected queued, canceled, queued events, got %+v", timeline.Items)
	}
	expectStatus(t, f.do(t, http.MethodGet, "/admin/jobs/nope/events", "admin", nil), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodPost, "/sessions/nope/transcribe", "tutor", nil), http.StatusNotFound)
}

func TestMaterialReviewRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSession(t)

	expectStatus(t, f.do(t, http.MethodPost, "/materials/m1/approve", "tutor", nil), http.StatusConflict)
	expectStatus(t, f.do(t, http.MethodPost, "/materials/m1/submit", "tutor", nil), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodPost, "/materials/m1/reject", "tutor", map[string]string{"comment": ""}), http.StatusBadRequest)
	rec := f.do(t, http.MethodPost, "/materials/m1/reject", "tutor", map[string]string{"comment": "add examples"})
	expectStatus(t, rec, http.StatusOK)
	m := decode[domain.StudyMaterial](t, rec)
	if m.Status != domain.MaterialDraft || m.ReviewComment == nil || *m.ReviewComment != "add examples" {
		t.Fatalf("unexpected rejected material: %+v", m)
	}
	expectStatus(t, f.do(t, http.MethodPost, "/materials/m1/publish", "admin", nil), http.StatusConflict)
	expectStatus(t, f.do(t, http.MethodPost, "/materials/missing/submit", "tutor", nil), http.StatusNotFound)

	rec = f.do(t, http.MethodGet, "/sessions/s1/materials", "student", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[struct {
		Count int `json:"count"`
	}](t, rec); got.Count != 1 {
		t.Fatalf("expected one material, got %d", got.Count)
	}

	rec = f.do(t, http.MethodGet, "/sessions/s1/transcript", "student", nil)
	expectStatus(t, rec, http.StatusOK)
	if tr := decode[domain.TranscriptWithChunks](t, rec); len(tr.Chunks) != 2 || tr.Transcript.ID != "tr_1" {
		t.Fatalf("unexpected transcript: %+v", tr)
	}
}

func TestChatRoutes(t *testing.T) {
	limiter, err := ratelimit.NewMemoryLimiter(2, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	f := newFixture(t, limiter)
	f.seedSession(t)

	rec := f.do(t, http.MethodPost, "/chat/ask", "student", map[string]string{"question": "what is a limit?", "session_id": "s1"})
	expectStatus(t, rec, http.StatusOK)
	resp := decode[domain.ChatResponse](t, rec)
	if !resp.Grounded || len(resp.Citations) != 1 || resp.Citations[0].ChunkID != "c0" {
		t.Fatalf("unexpected answer: %+v", resp)
	}

	f.gen.err = errors.New("upstream down")
	expectStatus(t, f.do(t, http.MethodPost, "/chat/ask", "student", map[string]string{"question": "again?"}), http.StatusBadGateway)
	expectStatus(t, f.do(t, http.MethodPost, "/chat/ask", "student", map[string]string{"question": "third?"}), http.StatusTooManyRequests)
	// Quotas are per caller.
	expectStatus(t, f.do(t, http.MethodPost, "/chat/ask", "tutor", map[string]string{"question": " "}), http.StatusBadRequest)

	expectStatus(t, f.do(t, http.MethodPost, "/chat/feedback", "student", map[string]any{"question": "q", "answer": "a", "helpful": true}), http.StatusNoContent)
	expectStatus(t, f.do(t, http.MethodPost, "/chat/feedback", "student", map[string]any{"helpful": true}), http.StatusBadRequest)

	rec = f.do(t, http.MethodGet, "/rag/health", "admin", nil)
	expectStatus(t, rec, http.StatusOK)
	if stats := decode[domain.ChunkStats](t, rec); stats.ChunkCount != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAskSessionIDPresence(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSession(t)

	rec := f.do(t, http.MethodPost, "/chat/ask", "student", map[string]any{"question": "what is a limit?", "session_id": ""})
	expectStatus(t, rec, http.StatusBadRequest)
	if !strings.Contains(rec.Body.String(), "session_id") {
		t.Fatalf("error should name session_id: %s", rec.Body.String())
	}
	expectStatus(t, f.do(t, http.MethodPost, "/chat/ask", "student", map[string]any{"question": "what is a limit?", "session_id": nil}), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodPost, "/chat/ask", "student", map[string]any{"question": "what is a limit?", "session_id": "nope"}), http.StatusNotFound)
}

func TestChatLimiterIgnoresSpoofedForwardedFor(t *testing.T) {
	limiter, err := ratelimit.NewMemoryLimiter(1, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	proxies, err := util.NewTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("proxies: %v", err)
	}
	f := newFixture(t, limiter, func(c *Config) {
		c.TokenVerifier = nil
		c.TrustedProxies = proxies
	})
	ask := func(remote, forwardedFor string) int {
		req := httptest.NewRequest(http.MethodPost, "/chat/ask", strings.NewReader(`{"question":" "}`))
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := ask("198.51.100.7:1000", "203.0.113.1"); code != http.StatusBadRequest {
		t.Fatalf("first request: got %d", code)
	}
	if code := ask("198.51.100.7:1000", "203.0.113.2"); code != http.StatusTooManyRequests {
		t.Fatalf("rotating X-Forwarded-For must not reset the quota, got %d", code)
	}

	if code := ask("10.0.0.5:80", "203.0.113.3"); code != http.StatusBadRequest {
		t.Fatalf("proxied client: got %d", code)
	}
	if code := ask("10.0.0.5:80", "203.0.113.4"); code != http.StatusBadRequest {
		t.Fatalf("second proxied client has its own quota, got %d", code)
	}
	if code := ask("10.0.0.5:80", "203.0.113.3"); code != http.StatusTooManyRequests {
		t.Fatalf("repeat proxied client should be limited, got %d", code)
	}
}
