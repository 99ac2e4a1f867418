package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/convcache/internal/ai"
	"github.com/suPer8Hu/convcache/internal/chat"
	"github.com/suPer8Hu/convcache/internal/common"
	"github.com/suPer8Hu/convcache/internal/dedup"
	"github.com/suPer8Hu/convcache/internal/identity"
	"github.com/suPer8Hu/convcache/internal/migration"
	"github.com/suPer8Hu/convcache/internal/store/redisstore"
	"github.com/suPer8Hu/convcache/internal/testutil"
	"github.com/suPer8Hu/convcache/internal/usage"
)

type fakeProvider struct {
	calls atomic.Int64
	delay time.Duration
	err   error
	last  []ai.Message
	mu    sync.Mutex
}

func (p *fakeProvider) Chat(ctx context.Context, messages []ai.Message) (*ai.Completion, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.last = append([]ai.Message(nil), messages...)
	p.mu.Unlock()
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &ai.Completion{
		Text:             "answer to: " + messages[len(messages)-1].Content,
		Model:            "fake",
		PromptTokens:     10,
		CompletionTokens: 5,
		Latency:          1500 * time.Millisecond,
	}, nil
}

type fakeEmbedder struct{ err error }

func (e fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{float32(len(text)), 1}, nil
}

type harness struct {
	gw     *Gateway
	mr     *miniredis.Miniredis
	coldDB *gorm.DB
	authDB *gorm.DB
	cold   *chat.Repo
	auth   *chat.Repo
	index  *dedup.Index
	ledger *usage.Ledger
	prov   *fakeProvider
}

type harnessOpt func(*Deps, *Options, *usage.Options)

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	coldModels := append(append(append(chat.Models(), dedup.Models()...), migration.Models()...), usage.Models()...)
	h := &harness{
		mr:     miniredis.RunT(t),
		coldDB: testutil.OpenSQLite(t, coldModels...),
		authDB: testutil.OpenSQLite(t, chat.Models()...),
		prov:   &fakeProvider{},
	}
	rdb := redis.NewClient(&redis.Options{Addr: h.mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	h.cold = chat.NewRepo(h.coldDB, chat.TierCold)
	h.auth = chat.NewRepo(h.authDB, chat.TierAuthoritative)
	h.index = dedup.NewIndex(h.coldDB, 0)

	deps := Deps{
		Hot:           redisstore.NewWithClient(rdb, 200*time.Millisecond),
		Cold:          h.cold,
		Authoritative: h.auth,
		Index:         h.index,
		Generator:     h.prov,
		Logger:        log,
	}
	gopts := Options{HotTTL: time.Hour, ConflictRetries: 3, ConflictBackoff: time.Millisecond}
	uopts := usage.Options{Limits: usage.Limits{Anonymous: 100, Free: 100}, CostPer1KTokens: 0.002}
	for _, o := range opts {
		o(&deps, &gopts, &uopts)
	}

	h.ledger = usage.NewLedger(h.coldDB, uopts)
	deps.Ledger = h.ledger
	deps.Migrations = migration.New(migration.Deps{Cold: h.cold, Authoritative: h.auth, Logger: log}, migration.Options{ClaimTTL: time.Minute})
	h.gw = New(deps, gopts)
	return h
}

func (h *harness) usage(t *testing.T, id identity.Identity) *usage.Record {
	t.Helper()
	rec, err := h.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func contents(entries []HistoryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Content
	}
	return out
}

var (
	anonA1 = identity.Anonymous("A1")
	userU1 = identity.Authenticated("U1")
)

func TestSessionLifecycle_AppendHistoryMigrate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	turns := []struct {
		role    chat.Role
		content string
	}{
		{chat.RoleUser, "hi"},
		{chat.RoleAssistant, "hello!"},
		{chat.RoleUser, "what is go?"},
		{chat.RoleAssistant, "a language"},
	}
	for i, turn := range turns {
		res, err := h.gw.Append(ctx, anonA1, "", turn.role, turn.content)
		require.NoError(t, err)
		assert.Equal(t, int64(i), res.Sequence)
		assert.NotEmpty(t, res.MessageID)
	}

	hist, err := h.gw.History(ctx, anonA1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"hi", "hello!", "what is go?", "a language"}, contents(hist))
	assert.Equal(t, "assistant", hist[3].Role)
	assert.Equal(t, int64(1), h.usage(t, anonA1).CacheHits, "appends keep the hot list warm")

	res, err := h.gw.Migrate(ctx, anonA1, userU1)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusCompleted, res.Status)
	assert.Equal(t, int64(1), res.ConversationsMigrated)
	assert.Equal(t, int64(4), res.MessagesMigrated)
	assert.False(t, h.mr.Exists("session:A1"))

	hist, err = h.gw.History(ctx, userU1, "A1")
	require.NoError(t, err)
	assert.Equal(t, []string{"hi", "hello!", "what is go?", "a language"}, contents(hist))

	_, err = h.gw.Append(ctx, userU1, "A1", chat.RoleUser, "and now?")
	require.NoError(t, err)
	hist, err = h.gw.History(ctx, userU1, "A1")
	require.NoError(t, err)
	require.Len(t, hist, 5)
	assert.Equal(t, int64(4), hist[4].Sequence)

	again, err := h.gw.Migrate(ctx, anonA1, userU1)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, int64(4), again.MessagesMigrated)
}

func TestHistory_FallsBackWhenHotStoreIsDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.gw.Append(ctx, anonA1, "", chat.RoleUser, "one")
	require.NoError(t, err)
	h.mr.Close()

	_, err = h.gw.Append(ctx, anonA1, "", chat.RoleAssistant, "two")
	require.NoError(t, err, "hotstore failures never reach the caller")

	hist, err := h.gw.History(ctx, anonA1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, contents(hist))
	assert.Equal(t, int64(1), h.usage(t, anonA1).CacheMisses)
}

func TestHistory_RepopulatesAfterMiss(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, c := range []string{"a", "b", "c"} {
		_, err := h.gw.Append(ctx, anonA1, "", chat.RoleUser, c)
		require.NoError(t, err)
	}
	h.mr.Del("session:A1")

	_, err := h.gw.History(ctx, anonA1, "")
	require.NoError(t, err)
	list, err := h.mr.List("session:A1")
	require.NoError(t, err)
	assert.Len(t, list, 3)

	_, err = h.gw.History(ctx, anonA1, "")
	require.NoError(t, err)

	rec := h.usage(t, anonA1)
	assert.Equal(t, int64(1), rec.CacheMisses)
	assert.Equal(t, int64(1), rec.CacheHits)
}

func TestHistory_IgnoresHotListWithGaps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.gw.Append(ctx, anonA1, "", chat.RoleUser, "real")
	require.NoError(t, err)
	_, err = h.mr.RPush("session:A1", `{"seq":7,"role":"user","content":"bogus"}`)
	require.NoError(t, err)

	hist, err := h.gw.History(ctx, anonA1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"real"}, contents(hist))
}

func TestAppend_InvalidatesHotListOutOfStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.gw.Append(ctx, anonA1, "", chat.RoleUser, "first")
	require.NoError(t, err)
	h.mr.Del("session:A1")

	// the hot list would start at sequence 1, so it is dropped instead
	_, err = h.gw.Append(ctx, anonA1, "", chat.RoleUser, "second")
	require.NoError(t, err)
	assert.False(t, h.mr.Exists("session:A1"))

	hist, err := h.gw.History(ctx, anonA1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, contents(hist))
}

func TestGenerate_RepeatedPromptCallsGeneratorOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.gw.Generate(ctx, anonA1, "", "Write about AI")
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, int64(1), first.HitCount)
	assert.Equal(t, int64(1500), first.LatencyMs)
	assert.Equal(t, int64(15), first.TokenCount)

	second, err := h.gw.Generate(ctx, identity.Anonymous("A2"), "", "  write ABOUT ai ")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, int64(2), second.HitCount)
	assert.Equal(t, int64(0), second.LatencyMs)
	assert.Equal(t, first.Text, second.Text)

	assert.Equal(t, int64(1), h.prov.calls.Load())

	hist, err := h.gw.History(ctx, identity.Anonymous("A2"), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"  write ABOUT ai ", first.Text}, contents(hist))

	assert.Equal(t, int64(1), h.usage(t, anonA1).CacheMisses)
	assert.Equal(t, int64(15), h.usage(t, anonA1).TotalTokens)
	a2 := h.usage(t, identity.Anonymous("A2"))
	assert.Equal(t, int64(0), a2.TotalTokens)

	entry, ok, err := h.index.Lookup(ctx, dedup.PromptHash("write about ai"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.MessageID, entry.SourceMessageID)
	assert.Equal(t, "anon:A1", entry.SourceOwner)
}

func TestGenerate_ConcurrentMissesShareOneCall(t *testing.T) {
	h := newHarness(t)
	h.prov.delay = 50 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	var cached atomic.Int64
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.gw.Generate(ctx, identity.Anonymous(fmt.Sprintf("C%d", i)), "", "same question")
			if err != nil {
				t.Errorf("generate: %v", err)
				return
			}
			if res.Cached {
				cached.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), h.prov.calls.Load())
	assert.Equal(t, int64(4), cached.Load())

	entry, ok, err := h.index.Lookup(ctx, dedup.PromptHash("same question"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), entry.HitCount)
}

func TestGenerate_SendsRecentHistory(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options, _ *usage.Options) { o.ContextWindow = 2 })
	ctx := context.Background()

	for _, c := range []string{"old", "older", "recent"} {
		_, err := h.gw.Append(ctx, anonA1, "", chat.RoleUser, c)
		require.NoError(t, err)
	}
	_, err := h.gw.Generate(ctx, anonA1, "", "question")
	require.NoError(t, err)

	require.Len(t, h.prov.last, 2)
	assert.Equal(t, "recent", h.prov.last[0].Content)
	assert.Equal(t, "question", h.prov.last[1].Content)
}

func TestGenerate_FailureIsRetryableAndRefundsQuota(t *testing.T) {
	h := newHarness(t, func(_ *Deps, _ *Options, u *usage.Options) { u.Limits.Anonymous = 3 })
	h.prov.err = errors.New("model overloaded")
	ctx := context.Background()

	_, err := h.gw.Generate(ctx, anonA1, "", "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrTransientStore))

	snap, err := h.gw.Usage(ctx, anonA1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Remaining)

	_, ok, err := h.index.Lookup(ctx, dedup.PromptHash("hello"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.cold.FindByScope(ctx, anonA1, anonA1.ID)
	assert.True(t, errors.Is(err, common.ErrNotFound), "a failed generation writes nothing")

	h.prov.err = nil
	res, err := h.gw.Generate(ctx, anonA1, "", "hello")
	require.NoError(t, err)
	assert.False(t, res.Cached)

	hist, err := h.gw.History(ctx, anonA1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "answer to: hello"}, contents(hist))
	for i, e := range hist {
		assert.Equal(t, int64(i), e.Sequence)
	}
}

func TestGenerate_WaitersOutliveCancelledLeader(t *testing.T) {
	h := newHarness(t)
	h.prov.delay = 200 * time.Millisecond

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := h.gw.Generate(leaderCtx, anonA1, "", "shared prompt")
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return h.prov.calls.Load() == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		res *GenerateResult
		err error
	}
	waiter := make(chan outcome, 1)
	go func() {
		res, err := h.gw.Generate(context.Background(), identity.Anonymous("A2"), "", "shared prompt")
		waiter <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-leaderErr
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, errors.Is(err, common.ErrTransientStore))

	got := <-waiter
	require.NoError(t, got.err)
	assert.Equal(t, "answer to: shared prompt", got.res.Text)
	assert.Equal(t, int64(1), h.prov.calls.Load())

	_, err = h.cold.FindByScope(context.Background(), anonA1, anonA1.ID)
	assert.True(t, errors.Is(err, common.ErrNotFound), "the cancelled caller wrote nothing")
	snap, err := h.gw.Usage(context.Background(), anonA1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.Remaining)
}

func TestGenerate_PendingReplicationFailsBeforeGenerating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.gw.Append(ctx, anonA1, "", chat.RoleUser, "q1")
	require.NoError(t, err)

	const cb = "test:fail_replica"
	require.NoError(t, h.authDB.Callback().Create().Before("gorm:create").Register(cb, func(db *gorm.DB) {
		if db.Statement.Table == "conversations" {
			_ = db.AddError(errors.New("replica offline"))
		}
	}))
	t.Cleanup(func() { _ = h.authDB.Callback().Create().Remove(cb) })

	res, err := h.gw.Migrate(ctx, anonA1, userU1)
	require.NoError(t, err)
	require.Equal(t, migration.StatusFailed, res.Status)

	_, err = h.gw.Generate(ctx, userU1, "A1", "question")
	assert.True(t, errors.Is(err, common.ErrTransientStore))
	assert.Equal(t, int64(0), h.prov.calls.Load())
}

func TestAnonymousIDCannotReachUserHotList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.gw.Append(ctx, userU1, "s", chat.RoleUser, "user secret")
	require.NoError(t, err)

	intruder := identity.Anonymous("U1:s")
	_, err = h.gw.History(ctx, intruder, "")
	assert.True(t, errors.Is(err, identity.ErrInvalid))
	_, err = h.gw.Append(ctx, intruder, "", chat.RoleUser, "planted")
	assert.True(t, errors.Is(err, identity.ErrInvalid))
	_, err = h.gw.Generate(ctx, intruder, "", "anything")
	assert.True(t, errors.Is(err, identity.ErrInvalid))

	assert.False(t, h.mr.Exists("session:U1:s"))
	list, err := h.mr.List(redisstore.Key(userU1, "s"))
	require.NoError(t, err)
	require.Len(t, list, 1)

	hist, err := h.gw.History(ctx, userU1, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"user secret"}, contents(hist))
}

func TestGenerate_EmbedsOnMiss(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Options, _ *usage.Options) { d.Embedder = fakeEmbedder{} })
	ctx := context.Background()

	_, err := h.gw.Generate(ctx, anonA1, "", "abc")
	require.NoError(t, err)

	entry, ok, err := h.index.Lookup(ctx, dedup.PromptHash("abc"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{3, 1}, entry.Embedding)
}

func TestGenerate_EmbedFailureIsRetryable(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Options, _ *usage.Options) {
		d.Embedder = fakeEmbedder{err: errors.New("embedder down")}
	})
	_, err := h.gw.Generate(context.Background(), anonA1, "", "abc")
	assert.True(t, errors.Is(err, common.ErrTransientStore))
	assert.Equal(t, int64(0), h.prov.calls.Load())
}

func TestQuota_SixthRequestRejected(t *testing.T) {
	h := newHarness(t, func(_ *Deps, _ *Options, u *usage.Options) { u.Limits.Anonymous = 5 })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.gw.Append(ctx, anonA1, "", chat.RoleUser, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	_, err := h.gw.Append(ctx, anonA1, "", chat.RoleUser, "one too many")

	var qe *common.QuotaError
	require.True(t, errors.As(err, &qe), "got %v", err)
	assert.Equal(t, int64(0), qe.Remaining())

	_, err = h.gw.History(ctx, anonA1, "")
	assert.True(t, common.IsQuotaExceeded(err))

	msgs, err := h.cold.ListByOwner(ctx, anonA1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(5), msgs[0].MessageCount)
}

func TestMigrate_NothingToMigrateIsNotAnError(t *testing.T) {
	h := newHarness(t)
	res, err := h.gw.Migrate(context.Background(), identity.Anonymous("nobody"), userU1)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusCompleted, res.Status)
	assert.Equal(t, int64(0), res.ConversationsMigrated)
}

func TestMigrate_GivesUpAfterConflictRetries(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	require.NoError(t, h.coldDB.Create(&migration.Record{
		ID:           uuid.NewString(),
		FromIdentity: "anon:A1",
		ToIdentity:   "user:U9",
		Stage:        migration.StageInitiated,
		Status:       migration.StatusPending,
		StartedAt:    now,
		ClaimedAt:    now,
	}).Error)

	_, err := h.gw.Migrate(context.Background(), anonA1, userU1)
	assert.True(t, errors.Is(err, common.ErrMigrationConflict))
}

func TestAuthenticatedSession_PendingReplication(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, c := range []string{"q1", "a1"} {
		_, err := h.gw.Append(ctx, anonA1, "", chat.RoleUser, c)
		require.NoError(t, err)
	}

	const cb = "test:fail_replica"
	require.NoError(t, h.authDB.Callback().Create().Before("gorm:create").Register(cb, func(db *gorm.DB) {
		if db.Statement.Table == "conversations" {
			_ = db.AddError(errors.New("replica offline"))
		}
	}))

	res, err := h.gw.Migrate(ctx, anonA1, userU1)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusFailed, res.Status)
	assert.Equal(t, int64(2), res.MessagesMigrated)

	hist, err := h.gw.History(ctx, userU1, "A1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "a1"}, contents(hist), "the transferred copy stays readable")

	_, err = h.gw.Append(ctx, userU1, "A1", chat.RoleUser, "blocked")
	assert.True(t, errors.Is(err, common.ErrTransientStore))

	require.NoError(t, h.authDB.Callback().Create().Remove(cb))

	_, err = h.gw.Append(ctx, userU1, "A1", chat.RoleUser, "q2")
	require.NoError(t, err)
	hist, err = h.gw.History(ctx, userU1, "A1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "a1", "q2"}, contents(hist))

	rec, err := h.gw.MigrationStatus(ctx, anonA1, userU1)
	require.NoError(t, err)
	assert.Equal(t, migration.StatusCompleted, rec.Status)
}

func TestAnonymousSessionContinuesAfterMigration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.gw.Append(ctx, anonA1, "", chat.RoleUser, "before")
	require.NoError(t, err)
	_, err = h.gw.Migrate(ctx, anonA1, userU1)
	require.NoError(t, err)

	res, err := h.gw.Append(ctx, anonA1, "", chat.RoleUser, "after")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Sequence, "a fresh anonymous conversation")
}

func TestDeleteSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, c := range []string{"x", "y"} {
		_, err := h.gw.Append(ctx, anonA1, "", chat.RoleUser, c)
		require.NoError(t, err)
	}
	res, err := h.gw.DeleteSession(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Conversations)
	assert.Equal(t, int64(2), res.Messages)
	assert.False(t, h.mr.Exists("session:A1"))

	hist, err := h.gw.History(ctx, anonA1, "")
	require.NoError(t, err)
	assert.Empty(t, hist)

	_, err = h.gw.DeleteSession(ctx, "")
	assert.True(t, errors.Is(err, identity.ErrInvalid))
}

func TestUsage_ReportsRemainingQuota(t *testing.T) {
	h := newHarness(t, func(_ *Deps, _ *Options, u *usage.Options) { u.Limits.Free = 10 })
	ctx := context.Background()

	_, err := h.gw.Append(ctx, userU1, "s1", chat.RoleUser, "x")
	require.NoError(t, err)

	snap, err := h.gw.Usage(ctx, userU1)
	require.NoError(t, err)
	assert.Equal(t, int64(9), snap.Remaining)
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, usage.TierFree, snap.Tier)
}
