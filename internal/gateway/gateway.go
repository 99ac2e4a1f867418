package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/suPer8Hu/convcache/internal/ai"
	"github.com/suPer8Hu/convcache/internal/chat"
	"github.com/suPer8Hu/convcache/internal/common"
	"github.com/suPer8Hu/convcache/internal/dedup"
	"github.com/suPer8Hu/convcache/internal/identity"
	"github.com/suPer8Hu/convcache/internal/migration"
	"github.com/suPer8Hu/convcache/internal/store/redisstore"
	"github.com/suPer8Hu/convcache/internal/usage"
)

// Deps are the stores and collaborators a Gateway works over. Hot and Embedder may
// be nil.
type Deps struct {
	Hot           *redisstore.Store
	Cold          *chat.Repo
	Authoritative *chat.Repo
	Index         *dedup.Index
	Ledger        *usage.Ledger
	Migrations    *migration.Coordinator
	Generator     ai.Provider
	Embedder      ai.Embedder
	Logger        logrus.FieldLogger
}

type Options struct {
	HotTTL          time.Duration
	GenerateTimeout time.Duration
	// ContextWindow is how many recent messages are sent with a prompt.
	ContextWindow   int
	ConflictRetries int
	ConflictBackoff time.Duration
}

// Gateway is the single entry point for session traffic. It routes each request across
// the HotStore, the SQL tiers and the generation cache, and accounts it in the ledger.
type Gateway struct {
	hot        *redisstore.Store
	cold       *chat.Repo
	auth       *chat.Repo
	index      *dedup.Index
	ledger     *usage.Ledger
	migrations *migration.Coordinator
	gen        ai.Provider
	embedder   ai.Embedder
	log        logrus.FieldLogger
	opts       Options
	flight     singleflight.Group
}

func New(deps Deps, opts Options) *Gateway {
	if opts.HotTTL <= 0 {
		opts.HotTTL = 24 * time.Hour
	}
	if opts.GenerateTimeout <= 0 {
		opts.GenerateTimeout = 60 * time.Second
	}
	if opts.ContextWindow <= 0 || opts.ContextWindow > 100 {
		opts.ContextWindow = 20
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = 3
	}
	if opts.ConflictBackoff <= 0 {
		opts.ConflictBackoff = 50 * time.Millisecond
	}
	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Gateway{
		hot:        deps.Hot,
		cold:       deps.Cold,
		auth:       deps.Authoritative,
		index:      deps.Index,
		ledger:     deps.Ledger,
		migrations: deps.Migrations,
		gen:        deps.Generator,
		embedder:   deps.Embedder,
		log:        log.WithField("component", "gateway"),
		opts:       opts,
	}
}

type AppendResult struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Sequence       int64  `json:"sequence"`
}

type HistoryEntry struct {
	Sequence  int64     `json:"sequence"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type GenerateResult struct {
	Text           string `json:"text"`
	TokenCount     int64  `json:"token_count"`
	LatencyMs      int64  `json:"latency_ms"`
	Model          string `json:"model,omitempty"`
	Cached         bool   `json:"cached"`
	HitCount       int64  `json:"hit_count"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// scopeFor pins an anonymous caller to its own session; authenticated callers may
// hold one conversation per scope.
func scopeFor(caller identity.Identity, scope string) string {
	if caller.IsAnonymous() || scope == "" {
		return caller.ID
	}
	return scope
}

// admit reserves quota and returns a release func for requests that fail before
// doing any work.
func (g *Gateway) admit(ctx context.Context, caller identity.Identity) (release func(), err error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if err := g.ledger.Admit(ctx, caller); err != nil {
		return nil, err
	}
	return func() {
		if err := g.ledger.Release(context.WithoutCancel(ctx), caller); err != nil {
			g.log.WithError(err).WithField("identity", caller.String()).Warn("release quota")
		}
	}, nil
}

func (g *Gateway) account(ctx context.Context, caller identity.Identity, outcome usage.Outcome, tokens int64) {
	if err := g.ledger.RecordRequest(ctx, caller, outcome, tokens); err != nil {
		g.log.WithError(err).WithField("identity", caller.String()).Warn("record usage")
	}
}

// Append stores one message in the caller's session.
func (g *Gateway) Append(ctx context.Context, caller identity.Identity, scope string, role chat.Role, content string) (*AppendResult, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	release, err := g.admit(ctx, caller)
	if err != nil {
		return nil, err
	}
	scope = scopeFor(caller, scope)

	m, err := g.appendMessage(ctx, caller, scope, chat.NewMessage{
		Role:       role,
		Content:    content,
		TokenCount: ai.EstimateTokens(content),
	})
	if err != nil {
		release()
		return nil, err
	}
	g.account(ctx, caller, usage.OutcomeNone, 0)
	return &AppendResult{MessageID: m.ID, ConversationID: m.ConversationID, Sequence: m.Sequence}, nil
}

// appendMessage writes through the append protocol, then mirrors the message into the
// HotStore.
func (g *Gateway) appendMessage(ctx context.Context, caller identity.Identity, scope string, msg chat.NewMessage) (*chat.Message, error) {
	var m *chat.Message
	for attempt := 0; ; attempt++ {
		conv, repo, err := g.resolve(ctx, caller, scope, true)
		if err != nil {
			return nil, err
		}
		m, err = repo.AppendMessage(ctx, caller, conv.ID, msg)
		if errors.Is(err, chat.ErrOwnerChanged) && attempt == 0 {
			// migrated underneath us; the session continues in a fresh conversation
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	g.hotAppend(ctx, redisstore.Key(caller, scope), m)
	return m, nil
}

func (g *Gateway) hotAppend(ctx context.Context, key string, m *chat.Message) {
	if g.hot == nil {
		return
	}
	n, err := g.hot.Append(ctx, key, toEntry(m), g.opts.HotTTL)
	if err == nil && n == m.Sequence+1 {
		return
	}
	if err != nil {
		g.log.WithError(err).WithField("key", key).Debug("hotstore append")
	}
	// the list no longer mirrors the conversation; the next read repopulates it
	if err := g.hot.Expire(ctx, key); err != nil {
		g.log.WithError(err).WithField("key", key).Debug("hotstore expire")
	}
}

// resolve finds the caller's conversation for scope and the store that holds it.
// Anonymous sessions live in the ColdStore. Authenticated ones live in the
// AuthoritativeStore; a migrated conversation still awaiting replication is replicated
// first, and if that fails it is readable from the ColdStore but not writable.
func (g *Gateway) resolve(ctx context.Context, caller identity.Identity, scope string, create bool) (*chat.Conversation, *chat.Repo, error) {
	if caller.IsAnonymous() {
		if create {
			conv, err := g.cold.UpsertConversation(ctx, caller, scope, chat.ConversationPatch{})
			return conv, g.cold, err
		}
		conv, err := g.cold.FindByScope(ctx, caller, scope)
		return conv, g.cold, err
	}

	conv, err := g.auth.FindByScope(ctx, caller, scope)
	if err == nil {
		return conv, g.auth, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, nil, err
	}

	pending, err := g.cold.FindByScope(ctx, caller, scope)
	switch {
	case errors.Is(err, common.ErrNotFound):
		if !create {
			return nil, nil, err
		}
		conv, err := g.auth.UpsertConversation(ctx, caller, scope, chat.ConversationPatch{})
		return conv, g.auth, err
	case err != nil:
		return nil, nil, err
	}

	if g.resumeReplication(ctx, pending, caller) {
		if conv, err := g.auth.FindByScope(ctx, caller, scope); err == nil {
			return conv, g.auth, nil
		}
	}
	if create {
		return nil, nil, common.Transient("append", fmt.Errorf("conversation %s awaits replication", pending.ID))
	}
	return pending, g.cold, nil
}

func (g *Gateway) resumeReplication(ctx context.Context, conv *chat.Conversation, to identity.Identity) bool {
	if g.migrations == nil || conv.MigratedFrom == "" {
		return false
	}
	from, err := identity.Parse(conv.MigratedFrom)
	if err != nil {
		g.log.WithError(err).WithField("conversation", conv.ID).Warn("bad migrated_from")
		return false
	}
	res, err := g.migrations.Resume(ctx, from, to)
	if err != nil {
		g.log.WithError(err).WithField("from", conv.MigratedFrom).Info("resume replication")
		return false
	}
	return res.Status == migration.StatusCompleted
}

// History returns the caller's session in sequence order.
func (g *Gateway) History(ctx context.Context, caller identity.Identity, scope string) ([]HistoryEntry, error) {
	release, err := g.admit(ctx, caller)
	if err != nil {
		return nil, err
	}
	scope = scopeFor(caller, scope)
	key := redisstore.Key(caller, scope)

	if g.hot != nil {
		entries, err := g.hot.ReadAll(ctx, key)
		switch {
		case err != nil:
			g.log.WithError(err).WithField("key", key).Debug("hotstore read, falling back")
		case len(entries) > 0 && gapless(entries):
			g.account(ctx, caller, usage.OutcomeHit, 0)
			return fromEntries(entries), nil
		}
	}

	conv, repo, err := g.resolve(ctx, caller, scope, false)
	if errors.Is(err, common.ErrNotFound) {
		g.account(ctx, caller, usage.OutcomeMiss, 0)
		return []HistoryEntry{}, nil
	}
	if err != nil {
		release()
		return nil, err
	}
	msgs, err := repo.ListMessages(ctx, conv.ID)
	if err != nil {
		release()
		return nil, err
	}
	if err := repo.Touch(ctx, conv.ID); err != nil {
		g.log.WithError(err).WithField("conversation", conv.ID).Debug("touch")
	}
	g.account(ctx, caller, usage.OutcomeMiss, 0)

	if g.hot != nil && len(msgs) > 0 {
		entries := make([]redisstore.Entry, len(msgs))
		for i := range msgs {
			entries[i] = toEntry(&msgs[i])
		}
		if err := g.hot.Replace(ctx, key, entries, g.opts.HotTTL); err != nil {
			g.log.WithError(err).WithField("key", key).Debug("hotstore repopulate")
		}
	}
	return fromMessages(msgs), nil
}

// Generate answers prompt in the caller's session. The answer comes from the generation
// cache when an equivalent prompt was answered before. Nothing is written to the
// conversation until an answer is in hand; then the prompt and the answer are appended.
func (g *Gateway) Generate(ctx context.Context, caller identity.Identity, scope, prompt string) (*GenerateResult, error) {
	release, err := g.admit(ctx, caller)
	if err != nil {
		return nil, err
	}
	scope = scopeFor(caller, scope)

	messages, err := g.recentContext(ctx, caller, scope)
	if err != nil {
		release()
		return nil, err
	}
	messages = append(messages, ai.Message{Role: string(chat.RoleUser), Content: prompt})

	hash := dedup.PromptHash(prompt)
	entry, ok, err := g.index.Lookup(ctx, hash)
	if err != nil {
		release()
		return nil, err
	}
	led := false
	if !ok {
		entry, led, err = g.shared(ctx, caller, hash, prompt, messages)
		if err != nil {
			release()
			return nil, err
		}
	}

	userMsg, err := g.appendMessage(ctx, caller, scope, chat.NewMessage{
		Role:       chat.RoleUser,
		Content:    prompt,
		TokenCount: ai.EstimateTokens(prompt),
	})
	if err != nil {
		release()
		return nil, err
	}
	reply, err := g.appendMessage(ctx, caller, scope, chat.NewMessage{
		Role:       chat.RoleAssistant,
		Content:    entry.ResponseText,
		TokenCount: ai.EstimateTokens(entry.ResponseText),
	})
	if err != nil {
		// the prompt is committed, so the unit stays spent
		return nil, err
	}

	out := &GenerateResult{
		Text:           entry.ResponseText,
		TokenCount:     entry.TokenCount,
		Model:          entry.ModelID,
		MessageID:      reply.ID,
		ConversationID: userMsg.ConversationID,
	}
	if led {
		out.LatencyMs = entry.GenerationLatencyMs
		out.HitCount = entry.HitCount
		if err := g.index.AttachSource(ctx, hash, reply.ID); err != nil {
			g.log.WithError(err).Debug("attach cache source")
		}
		g.account(ctx, caller, usage.OutcomeMiss, entry.TokenCount)
		return out, nil
	}

	out.Cached = true
	out.HitCount = entry.HitCount + 1
	if touched, err := g.index.TouchHit(ctx, hash); err != nil {
		g.log.WithError(err).WithField("hash", hash).Warn("touch cache hit")
	} else {
		out.HitCount = touched.HitCount
	}
	g.account(ctx, caller, usage.OutcomeHit, 0)
	return out, nil
}

// recentContext returns the tail of the caller's conversation that is sent along with
// a prompt. A conversation still awaiting replication cannot take the answer, so it
// fails before anything is generated.
func (g *Gateway) recentContext(ctx context.Context, caller identity.Identity, scope string) ([]ai.Message, error) {
	conv, repo, err := g.resolve(ctx, caller, scope, false)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if caller.IsAuthenticated() && repo == g.cold {
		return nil, common.Transient("generate", fmt.Errorf("conversation %s awaits replication", conv.ID))
	}
	// one slot of the window is the prompt itself
	limit := g.opts.ContextWindow - 1
	if limit <= 0 {
		return nil, nil
	}
	recent, err := repo.ListRecentMessages(ctx, conv.ID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ai.Message, 0, len(recent)+1)
	for _, m := range recent {
		out = append(out, ai.Message{Role: string(m.Role), Content: m.Content})
	}
	return out, nil
}

// shared runs at most one generation per prompt hash. The flight is detached from the
// caller that started it and bounded by GenerateTimeout; every caller stops waiting
// when its own context ends. led reports whether this caller's flight produced the
// entry.
func (g *Gateway) shared(ctx context.Context, caller identity.Identity, hash, prompt string, messages []ai.Message) (*dedup.Entry, bool, error) {
	// written by the flight goroutine, read only after its result arrives
	var led bool
	ch := g.flight.DoChan(hash, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.GenerateTimeout)
		defer cancel()
		// a flight that just landed may have filled the entry
		if e, ok, err := g.index.Lookup(fctx, hash); err != nil || ok {
			return e, err
		}
		led = true
		return g.produce(fctx, caller, hash, prompt, messages)
	})

	select {
	case <-ctx.Done():
		return nil, false, common.Transient("generate", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, false, r.Err
		}
		return r.Val.(*dedup.Entry), led, nil
	}
}

// produce calls the collaborators for a cache miss and records the result. It holds
// no database connection while the generator runs.
func (g *Gateway) produce(ctx context.Context, caller identity.Identity, hash, prompt string, messages []ai.Message) (*dedup.Entry, error) {
	var embedding []float32
	if g.embedder != nil {
		v, err := g.embedder.Embed(ctx, prompt)
		if err != nil {
			return nil, common.Transient("embed", err)
		}
		embedding = v
	}

	start := time.Now()
	c, err := g.gen.Chat(ctx, messages)
	if err != nil {
		return nil, common.Transient("generate", err)
	}
	latency := c.Latency
	if latency <= 0 {
		latency = time.Since(start)
	}

	g.log.WithFields(logrus.Fields{
		"model":   c.Model,
		"tokens":  c.TokenCount(),
		"latency": latency.String(),
	}).Debug("generated")

	return g.index.Record(ctx, dedup.RecordParams{
		PromptHash:   hash,
		PromptText:   prompt,
		ResponseText: c.Text,
		ModelID:      c.Model,
		Latency:      latency,
		TokenCount:   c.TokenCount(),
		Embedding:    embedding,
		SourceOwner:  caller,
	})
}

// Migrate moves an anonymous session to an authenticated identity, retrying while
// another migration of the same session is in flight.
func (g *Gateway) Migrate(ctx context.Context, anon, user identity.Identity) (*migration.Result, error) {
	var lastErr error
	for attempt := 0; attempt < g.opts.ConflictRetries; attempt++ {
		res, err := g.migrations.Migrate(ctx, anon, user)
		if err == nil {
			if res.Status == migration.StatusCompleted && g.hot != nil {
				if err := g.hot.Expire(ctx, redisstore.Key(anon, anon.ID)); err != nil {
					g.log.WithError(err).Debug("expire migrated session")
				}
			}
			return res, nil
		}
		if !errors.Is(err, common.ErrMigrationConflict) {
			return nil, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(common.Backoff(g.opts.ConflictBackoff, attempt)):
		}
	}
	return nil, lastErr
}

// MigrationStatus reports the migration of anon into user.
func (g *Gateway) MigrationStatus(ctx context.Context, anon, user identity.Identity) (*migration.Record, error) {
	return g.migrations.Get(ctx, anon, user)
}

type DeleteResult struct {
	Conversations int64 `json:"conversations"`
	Messages      int64 `json:"messages"`
}

// DeleteSession purges an anonymous session from the HotStore and the ColdStore.
func (g *Gateway) DeleteSession(ctx context.Context, anonymousID string) (*DeleteResult, error) {
	anon := identity.Anonymous(anonymousID)
	if err := anon.Validate(); err != nil {
		return nil, err
	}
	if g.hot != nil {
		if err := g.hot.Expire(ctx, redisstore.Key(anon, anonymousID)); err != nil {
			g.log.WithError(err).Debug("hotstore delete")
		}
	}
	convs, msgs, err := g.cold.DeleteByOwner(ctx, anon)
	if err != nil {
		return nil, err
	}
	return &DeleteResult{Conversations: convs, Messages: msgs}, nil
}

// Usage reports the caller's ledger entry and remaining quota.
func (g *Gateway) Usage(ctx context.Context, caller identity.Identity) (*usage.Snapshot, error) {
	return g.ledger.Snapshot(ctx, caller)
}

func gapless(entries []redisstore.Entry) bool {
	for i, e := range entries {
		if e.Sequence != int64(i) {
			return false
		}
	}
	return true
}

func toEntry(m *chat.Message) redisstore.Entry {
	return redisstore.Entry{
		Sequence:  m.Sequence,
		Role:      string(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func fromEntries(entries []redisstore.Entry) []HistoryEntry {
	out := make([]HistoryEntry, len(entries))
	for i, e := range entries {
		out[i] = HistoryEntry{Sequence: e.Sequence, Role: e.Role, Content: e.Content, Timestamp: e.CreatedAt}
	}
	return out
}

func fromMessages(msgs []chat.Message) []HistoryEntry {
	out := make([]HistoryEntry, len(msgs))
	for i, m := range msgs {
		out[i] = HistoryEntry{Sequence: m.Sequence, Role: string(m.Role), Content: m.Content, Timestamp: m.CreatedAt}
	}
	return out
}
