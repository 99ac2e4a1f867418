package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/convcache/internal/chat"
	"github.com/suPer8Hu/convcache/internal/common"
	"github.com/suPer8Hu/convcache/internal/dedup"
	"github.com/suPer8Hu/convcache/internal/identity"
	"github.com/suPer8Hu/convcache/internal/testutil"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeEnqueuer) EnqueueReplication(ctx context.Context, from, to identity.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, from.String()+"->"+to.String())
	return nil
}

type env struct {
	coldDB *gorm.DB
	authDB *gorm.DB
	cold   *chat.Repo
	auth   *chat.Repo
	index  *dedup.Index
	enq    *fakeEnqueuer
	co     *Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	coldModels := append(append(chat.Models(), dedup.Models()...), Models()...)
	e := &env{
		coldDB: testutil.OpenSQLite(t, coldModels...),
		authDB: testutil.OpenSQLite(t, chat.Models()...),
		enq:    &fakeEnqueuer{},
	}
	e.cold = chat.NewRepo(e.coldDB, chat.TierCold)
	e.auth = chat.NewRepo(e.authDB, chat.TierAuthoritative)
	e.index = dedup.NewIndex(e.coldDB, 0)

	log := logrus.New()
	log.SetOutput(io.Discard)
	e.co = New(Deps{Cold: e.cold, Authoritative: e.auth, Enqueuer: e.enq, Logger: log}, Options{ClaimTTL: time.Minute})
	return e
}

// seed writes n alternating user/assistant messages into anon's session.
func (e *env) seed(t *testing.T, anon identity.Identity, n int) (*chat.Conversation, []chat.Message) {
	t.Helper()
	ctx := context.Background()
	conv, err := e.cold.UpsertConversation(ctx, anon, anon.ID, chat.ConversationPatch{})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		_, err := e.cold.AppendMessage(ctx, anon, conv.ID, chat.NewMessage{Role: role, Content: fmt.Sprintf("message %d", i), TokenCount: 3})
		require.NoError(t, err)
	}
	msgs, err := e.cold.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	return conv, msgs
}

func (e *env) recordCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.coldDB.Model(&Record{}).Count(&n).Error)
	return n
}

var (
	anonA1 = identity.Anonymous("A1")
	userU1 = identity.Authenticated("U1")
)

func TestMigrate_MovesAndReplicatesEverything(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	conv, before := e.seed(t, anonA1, 4)

	_, err := e.index.Record(ctx, dedup.RecordParams{
		PromptHash: dedup.PromptHash("hi"), PromptText: "hi", ResponseText: "hello", SourceOwner: anonA1,
	})
	require.NoError(t, err)

	res, err := e.co.Migrate(ctx, anonA1, userU1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, StageAuditLogged, res.Stage)
	assert.Equal(t, int64(1), res.ConversationsMigrated)
	assert.Equal(t, int64(4), res.MessagesMigrated)
	assert.False(t, res.Replayed)
	assert.NotNil(t, res.CompletedAt)

	moved, err := e.cold.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, userU1, moved.Owner())
	assert.Equal(t, "anon:A1", moved.MigratedFrom)

	replica, err := e.auth.FindByScope(ctx, userU1, anonA1.ID)
	require.NoError(t, err)
	after, err := e.auth.ListMessages(ctx, replica.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Sequence, after[i].Sequence)
		assert.Equal(t, before[i].Content, after[i].Content)
		assert.Equal(t, before[i].Role, after[i].Role)
		assert.True(t, before[i].CreatedAt.Equal(after[i].CreatedAt))
	}

	entry, ok, err := e.index.Lookup(ctx, dedup.PromptHash("hi"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user:U1", entry.SourceOwner)

	_, err = e.cold.FindByOwner(ctx, anonA1)
	assert.True(t, errors.Is(err, common.ErrNotFound), "anonymous identity should own nothing")
}

func TestMigrate_SecondCallReplaysResult(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, anonA1, 4)

	first, err := e.co.Migrate(ctx, anonA1, userU1)
	require.NoError(t, err)
	second, err := e.co.Migrate(ctx, anonA1, userU1)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.MigrationID, second.MigrationID)
	assert.Equal(t, first.ConversationsMigrated, second.ConversationsMigrated)
	assert.Equal(t, first.MessagesMigrated, second.MessagesMigrated)
	assert.Equal(t, int64(1), e.recordCount(t))

	rec, err := e.co.Get(ctx, anonA1, userU1)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
}

func TestMigrate_NothingToMigrate(t *testing.T) {
	e := newEnv(t)

	res, err := e.co.Migrate(context.Background(), identity.Anonymous("empty"), userU1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(0), res.ConversationsMigrated)
	assert.Equal(t, int64(0), res.MessagesMigrated)
	assert.Empty(t, e.enq.calls)
}

func TestMigrate_FailedTransferChangesNoOwner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	conv, _ := e.seed(t, anonA1, 4)

	const cb = "test:fail_message_update"
	require.NoError(t, e.coldDB.Callback().Update().Before("gorm:update").Register(cb, func(db *gorm.DB) {
		if db.Statement.Table == "conversation_messages" {
			_ = db.AddError(errors.New("injected update failure"))
		}
	}))

	res, err := e.co.Migrate(ctx, anonA1, userU1)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, int64(0), res.ConversationsMigrated)
	assert.Contains(t, res.Detail, "injected update failure")

	still, err := e.cold.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, anonA1, still.Owner())
	assert.Empty(t, still.MigratedFrom)

	var anonMsgs int64
	require.NoError(t, e.coldDB.Model(&chat.Message{}).
		Where("owner_kind = ? AND owner_id = ?", identity.KindAnonymous, "A1").
		Count(&anonMsgs).Error)
	assert.Equal(t, int64(4), anonMsgs)

	convs, err := e.auth.ListByOwner(ctx, userU1)
	require.NoError(t, err)
	assert.Empty(t, convs)
	assert.Empty(t, e.enq.calls, "nothing to replicate after a rolled back transfer")

	require.NoError(t, e.coldDB.Callback().Update().Remove(cb))

	res, err = e.co.Migrate(ctx, anonA1, userU1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(4), res.MessagesMigrated)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int64(1), e.recordCount(t))
}

func TestMigrate_ReplicationFailureKeepsTransferAndRetries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	conv, _ := e.seed(t, anonA1, 4)

	const cb = "test:fail_replica_create"
	require.NoError(t, e.authDB.Callback().Create().Before("gorm:create").Register(cb, func(db *gorm.DB) {
		if db.Statement.Table == "conversations" {
			_ = db.AddError(errors.New("authoritative store unavailable"))
		}
	}))

	res, err := e.co.Migrate(ctx, anonA1, userU1)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, int64(1), res.ConversationsMigrated)
	assert.Equal(t, int64(4), res.MessagesMigrated)
	assert.Equal(t, []string{"anon:A1->user:U1"}, e.enq.calls)

	moved, err := e.cold.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, userU1, moved.Owner(), "transfer is not rolled back by a replication failure")

	require.NoError(t, e.authDB.Callback().Create().Remove(cb))

	res, err = e.co.Resume(ctx, anonA1, userU1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(1), res.ConversationsMigrated)
	assert.Equal(t, int64(4), res.MessagesMigrated)

	msgs, err := e.auth.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)

	again, err := e.co.Resume(ctx, anonA1, userU1)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
}

func TestMigrate_ConflictWhileAnotherClaimIsFresh(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, anonA1, 2)

	now := time.Now().UTC()
	other := &Record{
		ID:           uuid.NewString(),
		FromIdentity: anonA1.String(),
		ToIdentity:   "user:U2",
		Stage:        StageInitiated,
		Status:       StatusPending,
		Attempts:     1,
		StartedAt:    now,
		ClaimedAt:    now,
	}
	require.NoError(t, e.coldDB.Create(other).Error)

	_, err := e.co.Migrate(ctx, anonA1, userU1)
	assert.True(t, errors.Is(err, common.ErrMigrationConflict), "got %v", err)

	// an abandoned claim stops blocking once it is older than the TTL
	require.NoError(t, e.coldDB.Model(&Record{}).Where("id = ?", other.ID).
		Update("claimed_at", now.Add(-time.Hour)).Error)

	res, err := e.co.Migrate(ctx, anonA1, userU1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(2), res.MessagesMigrated)
}

func TestMigrate_ConcurrentCallsCreditOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, anonA1, 4)

	var wg sync.WaitGroup
	results := make(chan *Result, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.co.Migrate(ctx, anonA1, userU1)
			if err != nil {
				t.Errorf("migrate: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	fresh := 0
	for res := range results {
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, int64(4), res.MessagesMigrated)
		if !res.Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, int64(1), e.recordCount(t))

	convs, err := e.auth.ListByOwner(ctx, userU1)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, int64(4), convs[0].MessageCount)
}

func TestMigrate_KeepsExistingAuthoritativeConversation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, anonA1, 2)

	native, err := e.auth.UpsertConversation(ctx, userU1, anonA1.ID, chat.ConversationPatch{})
	require.NoError(t, err)

	res, err := e.co.Migrate(ctx, anonA1, userU1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	convs, err := e.auth.ListByOwner(ctx, userU1)
	require.NoError(t, err)
	require.Len(t, convs, 2)

	current, err := e.auth.FindByScope(ctx, userU1, anonA1.ID)
	require.NoError(t, err)
	assert.Equal(t, native.ID, current.ID)
}

func TestMigrate_NoAuthoritativeQueryInsideColdTransaction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, anonA1, 2)
	_, err := e.auth.UpsertConversation(ctx, userU1, anonA1.ID, chat.ConversationPatch{})
	require.NoError(t, err)

	coldSQL, err := e.coldDB.DB()
	require.NoError(t, err)
	var mu sync.Mutex
	var queries, heldCold int
	cb := "test:cold_in_use"
	require.NoError(t, e.authDB.Callback().Query().Before("gorm:query").Register(cb, func(db *gorm.DB) {
		mu.Lock()
		defer mu.Unlock()
		queries++
		if coldSQL.Stats().InUse > 0 {
			heldCold++
		}
	}))
	t.Cleanup(func() { _ = e.authDB.Callback().Query().Remove(cb) })

	res, err := e.co.Migrate(ctx, anonA1, userU1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, queries)
	assert.Zero(t, heldCold, "authoritative store queried while a cold connection was checked out")

	migrated, err := e.cold.ListMigratedFrom(ctx, anonA1, userU1)
	require.NoError(t, err)
	require.Len(t, migrated, 1)
	assert.NotEqual(t, identity.ConversationHash(userU1, anonA1.ID), migrated[0].ContentHash)
}

func TestMigrate_RejectsWrongKinds(t *testing.T) {
	e := newEnv(t)
	_, err := e.co.Migrate(context.Background(), userU1, anonA1)
	assert.True(t, errors.Is(err, identity.ErrInvalid))
	_, err = e.co.Migrate(context.Background(), identity.Anonymous(""), userU1)
	assert.True(t, errors.Is(err, identity.ErrInvalid))
}

func TestResume_WithoutRecord(t *testing.T) {
	e := newEnv(t)
	_, err := e.co.Resume(context.Background(), anonA1, userU1)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestStageStatus(t *testing.T) {
	assert.Equal(t, StatusPending, StageInitiated.Status())
	assert.Equal(t, StatusPending, StageReplicated.Status())
	assert.Equal(t, StatusCompleted, StageAuditLogged.Status())
	assert.Equal(t, StatusFailed, StageFailed.Status())
}
