package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"corpuschat/internal/auth"
	"corpuschat/internal/config"
	"corpuschat/internal/lock"
	"corpuschat/internal/models"
	"corpuschat/internal/registry"
	"corpuschat/internal/retrieval"
	"corpuschat/internal/service/ai"
	"corpuschat/internal/service/assistant"
	"corpuschat/internal/storage"
	"corpuschat/internal/worker"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret  = "handler-secret"
	modelAnswer = `{"message":"Employees get 25 days.","usedSourceIndexes":[0]}`
)

type stubRetriever struct {
	chunks []retrieval.Chunk
	err    error
}

func (r *stubRetriever) Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Result, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &retrieval.Result{ScoredChunks: r.chunks}, nil
}

type stubChatModel struct {
	mu     sync.Mutex
	answer string
}

func (m *stubChatModel) setAnswer(answer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answer = answer
}

func (m *stubChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return schema.AssistantMessage(m.answer, nil), nil
}

func (m *stubChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	answer := m.answer
	m.mu.Unlock()
	half := len(answer) / 2
	return schema.StreamReaderFromArray([]*schema.Message{
		schema.AssistantMessage(answer[:half], nil),
		schema.AssistantMessage(answer[half:], nil),
	}), nil
}

type erroringStarter struct{ err error }

func (s erroringStarter) Start(context.Context, assistant.TurnRequest) (*assistant.Turn, error) {
	return nil, s.err
}

type testServer struct {
	router    *gin.Engine
	store     *storage.Store
	retriever *stubRetriever
	chat      *stubChatModel
}

type serverOption func(*Dependencies)

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db, err := storage.Open(config.DatabaseConfig{Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	cipher, err := storage.NewTokenCipher(strings.Repeat("c", 32))
	require.NoError(t, err)
	store := storage.NewStore(db, storage.WithTokenCipher(cipher))
	require.NoError(t, store.UpsertTenant(ctx, models.Tenant{ID: 1, Name: "Acme", Partition: "acme"}))

	reg := registry.Default()
	chat := &stubChatModel{answer: modelAnswer}
	factory := func(context.Context, string, string) (model.BaseChatModel, error) { return chat, nil }
	dispatcher, err := ai.NewDispatcher(reg,
		ai.NewEinoAdapter(reg, registry.ProviderOpenAI, "", false, factory),
		ai.NewEinoAdapter(reg, registry.ProviderAnthropic, "", true, factory),
		ai.NewEinoAdapter(reg, registry.ProviderGoogle, "", true, factory),
		ai.NewGroqAdapter(reg, config.ProviderConfig{}),
		ai.NewMistralAdapter(reg),
	)
	require.NoError(t, err)

	scheduler := worker.NewDispatcher(worker.Options{MinWorkers: 1, MaxWorkers: 2, QueueSize: 8, Logger: zerolog.Nop()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = scheduler.Close(ctx)
	})

	retriever := &stubRetriever{chunks: []retrieval.Chunk{
		{DocumentID: "doc-1", DocumentName: "Handbook", Score: 0.9, Text: "Employees get 25 vacation days."},
	}}
	orch := assistant.New(assistant.Dependencies{
		Registry:   reg,
		Dispatcher: dispatcher,
		Store:      store,
		Retriever:  retriever,
		Locker:     lock.NewLocalLocker(),
		Scheduler:  scheduler,
		Logger:     zerolog.Nop(),
	}, assistant.Options{Timeout: 5 * time.Second})

	authService, err := auth.NewService(ctx, config.AuthConfig{JWTSecret: testSecret}, store, zerolog.Nop())
	require.NoError(t, err)

	deps := Dependencies{
		Store:    store,
		Turns:    orch,
		Registry: reg,
		Auth:     authService,
		Logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &testServer{router: NewRouter(NewHandler(deps)), store: store, retriever: retriever, chat: chat}
}

func bearer(t *testing.T, subject, role string) map[string]string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		TenantID: 1,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) newConversation(t *testing.T, headers map[string]string) int64 {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/conversations", map[string]string{"title": "Vacation"}, headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var conv models.Conversation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))
	return conv.ID
}

func TestPostMessagePlainText(t *testing.T) {
	srv := newTestServer(t)
	alice := bearer(t, "alice", "")
	convID := srv.newConversation(t, alice)

	w := srv.do(t, http.MethodPost, fmt.Sprintf("/api/conversations/%d/messages", convID),
		map[string]any{"content": "How many vacation days?", "model": "gpt-4o"}, alice)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Employees get 25 days.", w.Body.String())
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	assert.Empty(t, w.Result().Trailer.Get(generationErrorTrailer))
	messageID, err := strconv.ParseInt(w.Header().Get(messageIDHeader), 10, 64)
	require.NoError(t, err)

	w = srv.do(t, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages/%d", convID, messageID), nil, alice)
	require.Equal(t, http.StatusOK, w.Code)
	var single struct {
		Message models.Message `json:"message"`
		Pending bool           `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &single))
	assert.False(t, single.Pending)
	assert.Equal(t, "Employees get 25 days.", single.Message.Text())
	assert.Equal(t, []models.Source{{DocumentID: "doc-1", DocumentName: "Handbook"}}, single.Message.Sources)

	w = srv.do(t, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", convID), nil, alice)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Messages, 2)
	assert.Equal(t, models.RoleUser, list.Messages[0].Role)
	assert.Equal(t, models.RoleAssistant, list.Messages[1].Role)
}

func TestPostMessagePlainTextFailureSetsTrailer(t *testing.T) {
	srv := newTestServer(t)
	srv.chat.setAnswer(`{"message":"Employees get`)
	alice := bearer(t, "alice", "")
	convID := srv.newConversation(t, alice)

	w := srv.do(t, http.MethodPost, fmt.Sprintf("/api/conversations/%d/messages", convID),
		map[string]any{"content": "How many vacation days?", "model": "gpt-4o"}, alice)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, generationErrorTrailer, w.Header().Get("Trailer"))
	assert.Equal(t, "generation failed", w.Result().Trailer.Get(generationErrorTrailer))
}

func TestPostMessageSSEFailure(t *testing.T) {
	srv := newTestServer(t)
	srv.chat.setAnswer(`{"message":"Employees get`)
	alice := bearer(t, "alice", "")
	convID := srv.newConversation(t, alice)

	headers := map[string]string{"Accept": "text/event-stream"}
	for k, v := range alice {
		headers[k] = v
	}
	w := srv.do(t, http.MethodPost, fmt.Sprintf("/api/conversations/%d/messages", convID),
		map[string]any{"content": "How many vacation days?", "model": "gpt-4o"}, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event: error\ndata: {\"message\":\"generation failed\"}")
	assert.NotContains(t, w.Body.String(), "event: done")
}

func TestPrefixTracker(t *testing.T) {
	var tr prefixTracker
	d, diverged := tr.next("Employees")
	assert.False(t, diverged)
	assert.Equal(t, "Employees", d)

	d, diverged = tr.next("Employees get")
	assert.False(t, diverged)
	assert.Equal(t, " get", d)

	d, diverged = tr.next("Staff get 25 days.")
	assert.True(t, diverged)
	assert.Empty(t, d)
	assert.Equal(t, "Employees get", tr.sent)

	d, diverged = tr.next("Employees get 25 days.")
	assert.False(t, diverged)
	assert.Equal(t, " 25 days.", d)
}

func TestPostMessageSSE(t *testing.T) {
	srv := newTestServer(t)
	alice := bearer(t, "alice", "")
	convID := srv.newConversation(t, alice)

	headers := map[string]string{"Accept": "text/event-stream"}
	for k, v := range alice {
		headers[k] = v
	}
	w := srv.do(t, http.MethodPost, fmt.Sprintf("/api/conversations/%d/messages", convID),
		map[string]any{"content": "How many vacation days?", "model": "gpt-4o", "mode": "depth"}, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get(messageIDHeader))

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: ack\n"))
	assert.Contains(t, body, "event: stream\n")
	assert.Contains(t, body, `"usedSourceIndexes":[0]`)
	assert.Contains(t, body, `"document_name":"Handbook"`)
	assert.True(t, strings.Index(body, "event: done") > strings.LastIndex(body, "event: stream"))
}

func TestPostMessageErrors(t *testing.T) {
	srv := newTestServer(t)
	alice := bearer(t, "alice", "")
	convID := srv.newConversation(t, alice)
	path := fmt.Sprintf("/api/conversations/%d/messages", convID)

	w := srv.do(t, http.MethodPost, path, map[string]any{"content": "hi", "model": "gpt-99"}, alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, http.MethodPost, path, map[string]any{"content": "hi", "model": "gpt-4o", "mode": "sideways"}, alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, http.MethodPost, path, map[string]any{"content": "  ", "model": "gpt-4o"}, alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, http.MethodPost, "/api/conversations/9999/messages", map[string]any{"content": "hi", "model": "gpt-4o"}, alice)
	assert.Equal(t, http.StatusNotFound, w.Code)

	bob := bearer(t, "bob", "")
	w = srv.do(t, http.MethodPost, path, map[string]any{"content": "hi", "model": "gpt-4o"}, bob)
	assert.Equal(t, http.StatusNotFound, w.Code, "conversations are private to their profile")

	srv.retriever.err = errors.New("index offline")
	w = srv.do(t, http.MethodPost, path, map[string]any{"content": "hi", "model": "gpt-4o"}, alice)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	srv.retriever.err = nil
	w = srv.do(t, http.MethodPost, path, map[string]any{"content": "hi", "model": "mistral-large-latest"}, alice)
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w = srv.do(t, http.MethodPost, path, map[string]any{"content": "hi", "model": "gpt-4o"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPostMessageBusy(t *testing.T) {
	srv := newTestServer(t, func(d *Dependencies) { d.Turns = erroringStarter{err: worker.ErrDispatcherBusy} })
	alice := bearer(t, "alice", "")
	convID := srv.newConversation(t, alice)
	w := srv.do(t, http.MethodPost, fmt.Sprintf("/api/conversations/%d/messages", convID),
		map[string]any{"content": "hi", "model": "gpt-4o"}, alice)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestPostMessageRateLimited(t *testing.T) {
	srv := newTestServer(t, func(d *Dependencies) { d.TurnsPerMinute = 1 })
	alice := bearer(t, "alice", "")
	convID := srv.newConversation(t, alice)
	path := fmt.Sprintf("/api/conversations/%d/messages", convID)

	w := srv.do(t, http.MethodPost, path, map[string]any{"content": "hi", "model": "gpt-4o"}, alice)
	require.Equal(t, http.StatusOK, w.Code)
	w = srv.do(t, http.MethodPost, path, map[string]any{"content": "again", "model": "gpt-4o"}, alice)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestConversationLifecycle(t *testing.T) {
	srv := newTestServer(t)
	alice := bearer(t, "alice", "")
	convID := srv.newConversation(t, alice)

	w := srv.do(t, http.MethodGet, "/api/conversations", nil, alice)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"title":"Vacation"`)

	w = srv.do(t, http.MethodGet, "/api/conversations", nil, bearer(t, "bob", ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"conversations":[]}`, w.Body.String())

	w = srv.do(t, http.MethodDelete, fmt.Sprintf("/api/conversations/%d", convID), nil, alice)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = srv.do(t, http.MethodDelete, fmt.Sprintf("/api/conversations/%d", convID), nil, alice)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = srv.do(t, http.MethodGet, "/api/conversations/abc/messages", nil, alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTenantAdminRoutes(t *testing.T) {
	srv := newTestServer(t)
	member := bearer(t, "alice", auth.RoleMember)
	admin := bearer(t, "root", auth.RoleAdmin)

	w := srv.do(t, http.MethodPut, "/api/tenant/prompt", map[string]string{"system_prompt": "Be brief."}, member)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = srv.do(t, http.MethodPut, "/api/tenant/prompt", map[string]string{"system_prompt": "Be brief."}, admin)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = srv.do(t, http.MethodGet, "/api/tenant", nil, member)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"system_prompt":"Be brief."`)
	assert.NotContains(t, w.Body.String(), "partition")

	w = srv.do(t, http.MethodPut, "/api/tenant/keys", map[string]string{"provider": "nope", "key": "k"}, admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = srv.do(t, http.MethodPut, "/api/tenant/keys", map[string]string{"provider": "openai", "key": "sk-tenant"}, admin)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = srv.do(t, http.MethodGet, "/api/tenant/keys", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"provider":"openai"`)
	assert.NotContains(t, w.Body.String(), "sk-tenant")

	w = srv.do(t, http.MethodDelete, "/api/tenant/keys", map[string]string{"provider": "openai"}, admin)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = srv.do(t, http.MethodDelete, "/api/tenant/keys", map[string]string{"provider": "openai"}, admin)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPublicRoutes(t *testing.T) {
	srv := newTestServer(t)
	w := srv.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	w = srv.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "corpuschat_http_requests_total")

	w = srv.do(t, http.MethodGet, "/api/models", nil, bearer(t, "alice", ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"gpt-4o"`)
	assert.NotContains(t, w.Body.String(), "system_prompt")
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", ai.ErrUnsupportedModel), http.StatusBadRequest},
		{assistant.ErrEmptyContent, http.StatusBadRequest},
		{assistant.ErrConversationNotFound, http.StatusNotFound},
		{worker.ErrDispatcherBusy, http.StatusTooManyRequests},
		{errRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("%w: timeout", assistant.ErrRetrieval), http.StatusBadGateway},
		{fmt.Errorf("%w: mistral", ai.ErrNotImplemented), http.StatusNotImplemented},
		{storage.ErrCredentialsDisabled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got, _ := statusFor(tc.err)
		assert.Equal(t, tc.want, got, tc.err.Error())
	}
}
