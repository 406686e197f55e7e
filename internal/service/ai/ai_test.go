package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"corpuschat/internal/config"
	"corpuschat/internal/models"
	"corpuschat/internal/registry"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatModel struct {
	chunks []string
	err    error
	seen   []*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage(strings.Join(f.chunks, ""), nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.seen = input
	if f.err != nil {
		return nil, f.err
	}
	msgs := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func fakeAdapter(p registry.Provider, systemFirst bool, fake *fakeChatModel) Adapter {
	return NewEinoAdapter(registry.Default(), p, "test-key", systemFirst,
		func(ctx context.Context, modelID, apiKey string) (model.BaseChatModel, error) {
			return fake, nil
		})
}

func fakeDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	reg := registry.Default()
	d, err := NewDispatcher(reg,
		fakeAdapter(registry.ProviderOpenAI, false, &fakeChatModel{}),
		fakeAdapter(registry.ProviderAnthropic, true, &fakeChatModel{}),
		fakeAdapter(registry.ProviderGoogle, true, &fakeChatModel{}),
		NewGroqAdapter(reg, config.ProviderConfig{}),
		NewMistralAdapter(reg),
	)
	require.NoError(t, err)
	return d
}

func TestDispatchRoundTrip(t *testing.T) {
	d := fakeDispatcher(t)
	for _, m := range registry.Default().All() {
		adapter, err := d.Dispatch(m.ID)
		require.NoError(t, err, m.ID)
		assert.Equal(t, m.Provider, adapter.Provider())
		assert.Contains(t, adapter.SupportedModels(), m.ID)
	}
}

func TestDispatchUnknownModel(t *testing.T) {
	d := fakeDispatcher(t)
	adapter, err := d.Dispatch("gpt-5-imaginary")
	assert.Nil(t, adapter)
	assert.ErrorIs(t, err, ErrNoProviderForModel)
}

func TestDispatchCrossValidation(t *testing.T) {
	d := fakeDispatcher(t)
	oa, err := d.Dispatch("gpt-4o")
	require.NoError(t, err)
	an, err := d.Dispatch("claude-3-7-sonnet-latest")
	require.NoError(t, err)

	assert.NoError(t, oa.ValidateModel("gpt-4o"))
	assert.ErrorIs(t, oa.ValidateModel("claude-3-7-sonnet-latest"), ErrUnsupportedModel)
	assert.NoError(t, an.ValidateModel("claude-3-7-sonnet-latest"))
	assert.ErrorIs(t, an.ValidateModel("gpt-4o"), ErrUnsupportedModel)
}

func TestNewDispatcherRequiresEveryProvider(t *testing.T) {
	reg := registry.Default()
	_, err := NewDispatcher(reg, NewMistralAdapter(reg))
	require.Error(t, err)

	_, err = NewDispatcher(reg,
		NewMistralAdapter(reg),
		NewMistralAdapter(reg),
	)
	assert.ErrorContains(t, err, "duplicate")
}

func TestReorderSystemFirst(t *testing.T) {
	in := []Message{
		{Role: models.RoleUser, Content: "u1"},
		{Role: models.RoleSystem, Content: "s1"},
		{Role: models.RoleAssistant, Content: "a1"},
		{Role: models.RoleSystem, Content: "s2"},
		{Role: models.RoleUser, Content: "u2"},
		{Role: models.RoleSystem, Content: "s3"},
	}
	out := ReorderSystemFirst(in)
	require.Len(t, out, len(in))
	got := make([]string, 0, len(out))
	for _, m := range out {
		got = append(got, m.Content)
	}
	assert.Equal(t, []string{"s1", "s2", "s3", "u1", "a1", "u2"}, got)
	assert.Equal(t, "u1", in[0].Content)
}

func TestReorderSystemFirstEmpty(t *testing.T) {
	assert.Empty(t, ReorderSystemFirst(nil))
}

func TestParsePartial(t *testing.T) {
	cases := []struct {
		in      string
		message string
		indexes []int
		ok      bool
	}{
		{in: `{"mess`, ok: false},
		{in: `{"message": "Hel`, message: "Hel", ok: true},
		{in: "```json\n{\"message\": \"Hi", message: "Hi", ok: true},
		{in: `{"message": "a\`, message: "a", ok: true},
		{in: `{"message": "caf\u00`, message: "caf", ok: true},
		{in: `{"message": "done", "used`, message: "done", ok: true},
		{in: `{"message": "done", "usedSourceIndexes": [0, 2`, message: "done", indexes: []int{0, 2}, ok: true},
		{in: `{"message": "done", "usedSourceIndexes": [0,`, message: "done", indexes: []int{0}, ok: true},
		{in: `{"message":`, message: "", ok: true},
	}
	for _, tc := range cases {
		obj, ok := parsePartial(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.Equal(t, tc.message, obj.Message, tc.in)
			assert.Equal(t, tc.indexes, obj.UsedSourceIndexes, tc.in)
		}
	}
}

func TestParseFinalValidates(t *testing.T) {
	obj, err := parseFinal("```json\n{\"message\":\"ok\",\"usedSourceIndexes\":[1]}\n```")
	require.NoError(t, err)
	assert.Equal(t, "ok", obj.Message)

	_, err = parseFinal(`{"message":"","usedSourceIndexes":[]}`)
	assert.Error(t, err)
	_, err = parseFinal(`{"message":"x","usedSourceIndexes":[-1]}`)
	assert.Error(t, err)
	_, err = parseFinal(`not json`)
	assert.Error(t, err)
}

func TestSchemaInstructionMentionsFields(t *testing.T) {
	instr := SchemaInstruction()
	assert.Contains(t, instr, `"message"`)
	assert.Contains(t, instr, `"usedSourceIndexes"`)
	assert.Contains(t, instr, `"additionalProperties": false`)
}

func TestGenerateStreamCallsOnFinishOnce(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{`{"mess`, `age": "Hello`, ` world", "usedSo`, `urceIndexes": [0]}`}}
	adapter := fakeAdapter(registry.ProviderOpenAI, false, fake)

	var calls int32
	var finished Object
	stream, err := adapter.GenerateStream(context.Background(), GenerateRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: models.RoleUser, Content: "hi"}},
		OnFinish: func(obj Object) {
			atomic.AddInt32(&calls, 1)
			finished = obj
		},
	})
	require.NoError(t, err)

	var partials []Object
	for p := range stream.Partials() {
		partials = append(partials, p)
	}
	final, err := stream.Wait()
	require.NoError(t, err)
	assert.Equal(t, "Hello world", final.Message)
	assert.Equal(t, []int{0}, final.UsedSourceIndexes)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, *final, finished)
	require.NotEmpty(t, partials)
	assert.True(t, strings.HasPrefix("Hello world", partials[len(partials)-1].Message))

	last := fake.seen[len(fake.seen)-1]
	assert.Equal(t, schema.System, last.Role)
	assert.Equal(t, SchemaInstruction(), last.Content)
}

func TestGenerateStreamInvalidOutputSkipsOnFinish(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{`{"message": "trunc`}}
	adapter := fakeAdapter(registry.ProviderOpenAI, false, fake)

	called := false
	stream, err := adapter.GenerateStream(context.Background(), GenerateRequest{
		Model:    "gpt-4o",
		OnFinish: func(Object) { called = true },
	})
	require.NoError(t, err)
	_, err = stream.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerationFailed)
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, registry.ProviderOpenAI, genErr.Provider)
	assert.False(t, called)
}

func TestGenerateStreamUpstreamError(t *testing.T) {
	boom := errors.New("rate limited")
	adapter := fakeAdapter(registry.ProviderOpenAI, false, &fakeChatModel{err: boom})
	_, err := adapter.GenerateStream(context.Background(), GenerateRequest{Model: "gpt-4o"})
	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, boom)
}

type panickingSource struct{ sent bool }

func (s *panickingSource) Recv() (string, error) {
	if !s.sent {
		s.sent = true
		return `{"message":"half`, nil
	}
	panic("connection reset inside sdk")
}

func (s *panickingSource) Close() {}

func TestStreamRecoversFromSourcePanic(t *testing.T) {
	stream := newStream(registry.ProviderOpenAI, "gpt-4o", &panickingSource{}, func(Object) {
		t.Error("OnFinish must not run for a failed stream")
	})
	for range stream.Partials() {
	}
	final, err := stream.Wait()
	assert.Nil(t, final)
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.Contains(t, err.Error(), "connection reset inside sdk")
}

func TestGenerateStreamRejectsForeignModel(t *testing.T) {
	adapter := fakeAdapter(registry.ProviderAnthropic, true, &fakeChatModel{})
	_, err := adapter.GenerateStream(context.Background(), GenerateRequest{Model: "gpt-4o"})
	assert.ErrorIs(t, err, ErrUnsupportedModel)
}

func TestSystemFirstAdapterReorders(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{`{"message":"ok","usedSourceIndexes":[]}`}}
	adapter := fakeAdapter(registry.ProviderAnthropic, true, fake)
	stream, err := adapter.GenerateStream(context.Background(), GenerateRequest{
		Model: "claude-3-7-sonnet-latest",
		Messages: []Message{
			{Role: models.RoleSystem, Content: "grounding"},
			{Role: models.RoleUser, Content: "q1"},
			{Role: models.RoleAssistant, Content: "a1"},
			{Role: models.RoleSystem, Content: "retrieval"},
			{Role: models.RoleUser, Content: "q2"},
		},
	})
	require.NoError(t, err)
	_, err = stream.Wait()
	require.NoError(t, err)

	roles := make([]schema.RoleType, 0, len(fake.seen))
	for _, m := range fake.seen {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []schema.RoleType{schema.System, schema.System, schema.System, schema.User, schema.Assistant, schema.User}, roles)
	assert.Equal(t, "retrieval", fake.seen[1].Content)
}

func TestMistralPlaceholderFailsFast(t *testing.T) {
	adapter := NewMistralAdapter(registry.Default())
	assert.ErrorIs(t, adapter.Ready(), ErrNotImplemented)
	require.NoError(t, NewGroqAdapter(registry.Default(), config.ProviderConfig{}).Ready())
	_, err := adapter.GenerateStream(context.Background(), GenerateRequest{Model: "mistral-large-latest"})
	assert.ErrorIs(t, err, ErrNotImplemented)
	_, err = adapter.GenerateStream(context.Background(), GenerateRequest{Model: "gpt-4o"})
	assert.ErrorIs(t, err, ErrUnsupportedModel)
}

func TestGroqAdapterStreamsJSONMode(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		body = string(raw)
		assert.Equal(t, "Bearer tenant-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{`{\"message\":`, `\"fast\",`, `\"usedSourceIndexes\":[]}`} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"%s\"}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	adapter := NewGroqAdapter(registry.Default(), config.ProviderConfig{BaseURL: srv.URL, APIKey: "default-key"})
	stream, err := adapter.GenerateStream(context.Background(), GenerateRequest{
		Model:    "llama-3.3-70b-versatile",
		APIKey:   "tenant-key",
		Messages: []Message{{Role: models.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	final, err := stream.Wait()
	require.NoError(t, err)
	assert.Equal(t, "fast", final.Message)
	assert.Contains(t, body, `"json_object"`)
}
