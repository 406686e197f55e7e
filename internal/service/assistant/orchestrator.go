// Package assistant drives assistant turns: it grounds the conversation,
// retrieves sources, persists the turn's messages and schedules the
// generation that fills in the assistant reply.
package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"corpuschat/internal/lock"
	"corpuschat/internal/metrics"
	"corpuschat/internal/models"
	"corpuschat/internal/registry"
	"corpuschat/internal/retrieval"
	"corpuschat/internal/service/ai"
	"corpuschat/internal/worker"

	"github.com/rs/zerolog"
)

var (
	ErrEmptyContent         = errors.New("message content is empty")
	ErrInvalidMode          = errors.New("invalid retrieval mode")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrTenantNotFound       = errors.New("tenant not found")
	ErrRetrieval            = errors.New("retrieval failed")
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetTenant(ctx context.Context, id int64) (*models.Tenant, error)
	GetConversation(ctx context.Context, tenantID, profileID, conversationID int64) (*models.Conversation, error)
	HasMessages(ctx context.Context, tenantID, conversationID int64) (bool, error)
	CreateGroundingMessage(ctx context.Context, tenantID, conversationID int64, content string) (*models.Message, bool, error)
	CreateMessage(ctx context.Context, tenantID, conversationID int64, msg models.NewMessage) (*models.Message, error)
	UpdateMessageContent(ctx context.Context, tenantID, profileID, conversationID, messageID int64, content, model string) error
	ListMessages(ctx context.Context, tenantID, profileID, conversationID int64) ([]*models.Message, error)
	TenantAPIKey(ctx context.Context, tenantID int64, provider string) (string, error)
}

// ProviderDispatcher resolves the adapter serving a model.
type ProviderDispatcher interface {
	Dispatch(modelID string) (ai.Adapter, error)
}

// Scheduler runs generation jobs off the request goroutine.
type Scheduler interface {
	Submit(job worker.Job) error
}

type Options struct {
	BreadthTopK int
	DepthTopK   int
	// SoftFail continues a turn with no sources when retrieval errors.
	SoftFail bool
	// Timeout bounds one generation, measured from when a worker picks it up.
	Timeout time.Duration
}

type Dependencies struct {
	Registry   *registry.Registry
	Dispatcher ProviderDispatcher
	Store      Store
	Retriever  retrieval.Retriever
	Locker     lock.Locker
	Scheduler  Scheduler
	Logger     zerolog.Logger
}

type Orchestrator struct {
	registry   *registry.Registry
	dispatcher ProviderDispatcher
	store      Store
	retriever  retrieval.Retriever
	locker     lock.Locker
	scheduler  Scheduler
	logger     zerolog.Logger
	opts       Options
	now        func() time.Time
}

func New(deps Dependencies, opts Options) *Orchestrator {
	if opts.BreadthTopK <= 0 {
		opts.BreadthTopK = 10
	}
	if opts.DepthTopK <= 0 {
		opts.DepthTopK = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	return &Orchestrator{
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		store:      deps.Store,
		retriever:  deps.Retriever,
		locker:     deps.Locker,
		scheduler:  deps.Scheduler,
		logger:     deps.Logger,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// TurnRequest is one user message posted to a conversation.
type TurnRequest struct {
	TenantID       int64
	ProfileID      int64
	ConversationID int64
	Content        string
	Model          string
	Flags          models.RetrievalFlags
}

// Start persists the turn's messages and schedules its generation. The
// returned Turn already carries the assistant message id; the generation
// itself is not tied to ctx.
func (o *Orchestrator) Start(ctx context.Context, req TurnRequest) (*Turn, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	mdl, err := o.registry.Lookup(req.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ai.ErrUnsupportedModel, req.Model)
	}
	adapter, err := o.dispatcher.Dispatch(mdl.ID)
	if err != nil {
		return nil, err
	}
	if err := adapter.ValidateModel(mdl.ID); err != nil {
		return nil, err
	}
	if err := adapter.Ready(); err != nil {
		return nil, err
	}
	flags, err := normalizeFlags(req.Flags)
	if err != nil {
		return nil, err
	}

	tenant, err := o.store.GetTenant(ctx, req.TenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	if _, err := o.store.GetConversation(ctx, req.TenantID, req.ProfileID, req.ConversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	var placeholder *models.Message
	lockKey := fmt.Sprintf("conversation:%d", req.ConversationID)
	err = o.locker.WithLock(ctx, lockKey, func() error {
		var err error
		placeholder, err = o.persistTurn(ctx, tenant, mdl, req.ConversationID, content, flags)
		return err
	})
	if err != nil {
		return nil, err
	}

	history, err := o.history(ctx, req)
	if err != nil {
		return nil, err
	}

	apiKey, err := o.store.TenantAPIKey(ctx, tenant.ID, string(mdl.Provider))
	if err != nil {
		o.logger.Warn().Err(err).Int64("tenant_id", tenant.ID).Str("provider", string(mdl.Provider)).
			Msg("tenant api key unusable, falling back to configured key")
		apiKey = ""
	}

	turn := newTurn(req.ConversationID, placeholder)
	job := worker.Job{
		TenantID: tenant.ID,
		Name:     fmt.Sprintf("generate:%d", placeholder.ID),
		Run: func(jobCtx context.Context) {
			defer func() {
				if r := recover(); r != nil {
					log := o.logger.With().Int64("message_id", placeholder.ID).Str("model", mdl.ID).Logger()
					o.fail(log, turn, string(mdl.Provider), mdl.ID, fmt.Errorf("%w: generation panicked: %v", ai.ErrGenerationFailed, r))
				}
			}()
			o.generate(jobCtx, turn, adapter, mdl, req, history, apiKey)
		},
	}
	if err := o.scheduler.Submit(job); err != nil {
		o.logger.Warn().Err(err).Int64("message_id", placeholder.ID).Msg("generation not scheduled, placeholder left pending")
		return nil, err
	}
	return turn, nil
}

// persistTurn writes grounding (first turn only), retrieval, user and
// placeholder messages in that order. It runs under the conversation lock.
func (o *Orchestrator) persistTurn(ctx context.Context, tenant *models.Tenant, mdl registry.Model, conversationID int64, content string, flags models.RetrievalFlags) (*models.Message, error) {
	hasMessages, err := o.store.HasMessages(ctx, tenant.ID, conversationID)
	if err != nil {
		return nil, err
	}
	if !hasMessages {
		grounding, err := renderGrounding(ctx, tenant.Name, o.now())
		if err != nil {
			return nil, err
		}
		if _, created, err := o.store.CreateGroundingMessage(ctx, tenant.ID, conversationID, grounding); err != nil {
			return nil, err
		} else if !created {
			o.logger.Debug().Int64("conversation_id", conversationID).Msg("grounding message already present")
		}
	}

	chunks, err := o.retrieve(ctx, tenant, content, flags)
	if err != nil {
		return nil, err
	}
	responseTemplate := tenant.SystemPrompt
	if responseTemplate == "" {
		responseTemplate = mdl.SystemPrompt
	}
	if responseTemplate == "" {
		responseTemplate = defaultResponseTemplate
	}
	sourcesPrompt, err := renderRetrieval(ctx, responseTemplate, chunks)
	if err != nil {
		return nil, err
	}
	if _, err := o.store.CreateMessage(ctx, tenant.ID, conversationID, models.NewMessage{
		Role:    models.RoleSystem,
		Kind:    models.KindRetrieval,
		Content: &sourcesPrompt,
	}); err != nil {
		return nil, err
	}

	if _, err := o.store.CreateMessage(ctx, tenant.ID, conversationID, models.NewMessage{
		Role:    models.RoleUser,
		Content: &content,
		Flags:   flags,
	}); err != nil {
		return nil, err
	}

	return o.store.CreateMessage(ctx, tenant.ID, conversationID, models.NewMessage{
		Role:    models.RoleAssistant,
		Sources: sourcesOf(chunks),
		Model:   mdl.ID,
		Flags:   flags,
	})
}

func (o *Orchestrator) retrieve(ctx context.Context, tenant *models.Tenant, content string, flags models.RetrievalFlags) ([]retrieval.Chunk, error) {
	topK := o.opts.BreadthTopK
	if flags.Mode == models.ModeDepth {
		topK = o.opts.DepthTopK
	}
	res, err := o.retriever.Retrieve(ctx, retrieval.Query{
		Partition:   tenant.Partition,
		Text:        content,
		TopK:        topK,
		Rerank:      flags.Rerank,
		RecencyBias: flags.PrioritizeRecent,
	})
	if err != nil {
		metrics.RetrievalFailuresTotal.WithLabelValues(string(flags.Mode)).Inc()
		if o.opts.SoftFail {
			o.logger.Warn().Err(err).Int64("tenant_id", tenant.ID).Msg("retrieval failed, continuing without sources")
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRetrieval, err)
	}
	return res.ScoredChunks, nil
}

func (o *Orchestrator) history(ctx context.Context, req TurnRequest) ([]ai.Message, error) {
	rows, err := o.store.ListMessages(ctx, req.TenantID, req.ProfileID, req.ConversationID)
	if err != nil {
		return nil, err
	}
	history := make([]ai.Message, 0, len(rows))
	for _, m := range rows {
		if m.Content == nil {
			continue
		}
		history = append(history, ai.Message{Role: m.Role, Content: *m.Content})
	}
	return history, nil
}

func (o *Orchestrator) generate(ctx context.Context, turn *Turn, adapter ai.Adapter, mdl registry.Model, req TurnRequest, history []ai.Message, apiKey string) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	provider := string(mdl.Provider)
	log := o.logger.With().
		Int64("tenant_id", req.TenantID).
		Int64("conversation_id", req.ConversationID).
		Int64("message_id", turn.MessageID).
		Str("model", mdl.ID).
		Logger()

	started := time.Now()
	stream, err := adapter.GenerateStream(ctx, ai.GenerateRequest{
		Model:       mdl.ID,
		Messages:    history,
		Temperature: mdl.Temperature,
		APIKey:      apiKey,
		OnFinish: func(ai.Object) {
			metrics.GenerationDuration.WithLabelValues(provider).Observe(time.Since(started).Seconds())
		},
	})
	if err != nil {
		o.fail(log, turn, provider, mdl.ID, err)
		return
	}
	for partial := range stream.Partials() {
		turn.publish(partial)
	}
	final, err := stream.Wait()
	if err != nil {
		o.fail(log, turn, provider, mdl.ID, err)
		return
	}

	if err := o.store.UpdateMessageContent(ctx, req.TenantID, req.ProfileID, req.ConversationID, turn.MessageID, final.Message, mdl.ID); err != nil {
		o.fail(log, turn, provider, mdl.ID, fmt.Errorf("persist assistant message: %w", err))
		return
	}
	metrics.GenerationsTotal.WithLabelValues(provider, mdl.ID, metrics.OutcomeSuccess).Inc()
	log.Info().Dur("elapsed", time.Since(started)).Ints("used_source_indexes", final.UsedSourceIndexes).Msg("assistant message completed")
	turn.finish(final, nil)
}

func (o *Orchestrator) fail(log zerolog.Logger, turn *Turn, provider, model string, err error) {
	metrics.GenerationsTotal.WithLabelValues(provider, model, metrics.OutcomeFailure).Inc()
	log.Error().Err(err).Msg("assistant generation failed")
	turn.finish(nil, err)
}

func normalizeFlags(flags models.RetrievalFlags) (models.RetrievalFlags, error) {
	switch flags.Mode {
	case "":
		flags.Mode = models.ModeBreadth
	case models.ModeBreadth, models.ModeDepth:
	default:
		return flags, fmt.Errorf("%w: %q", ErrInvalidMode, flags.Mode)
	}
	return flags, nil
}

// sourcesOf lists the retrieved documents once each, in retrieval order.
func sourcesOf(chunks []retrieval.Chunk) []models.Source {
	sources := make([]models.Source, 0, len(chunks))
	seen := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		if _, ok := seen[c.DocumentID]; ok {
			continue
		}
		seen[c.DocumentID] = struct{}{}
		sources = append(sources, models.Source{DocumentID: c.DocumentID, DocumentName: c.DocumentName})
	}
	return sources
}
