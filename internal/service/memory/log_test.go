package memory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-lab/internal/model/identity"
	model "github.com/zhouzirui/z-lab/internal/model/memory"
	"github.com/zhouzirui/z-lab/internal/model/turn"
	"github.com/zhouzirui/z-lab/internal/service/memory"
	"github.com/zhouzirui/z-lab/internal/store"
	"github.com/zhouzirui/z-lab/internal/turnstate"
)

type fakeArchive struct {
	batches [][]model.Exchange
	err     error
}

func (a *fakeArchive) Archive(_ context.Context, exchanges []model.Exchange) error {
	a.batches = append(a.batches, exchanges)
	return a.err
}

func newLog(t *testing.T, cfg memory.Config, opts ...store.Option) (*memory.Log, *store.FileStore) {
	t.Helper()
	profile := identity.Seed()
	st, err := store.Open(t.TempDir(), profile.DocumentIdentity(), opts...)
	require.NoError(t, err)
	return memory.NewLog(st, profile, cfg, nil), st
}

func ask(t *testing.T, m *turnstate.Machine, question, reply string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.OperatorRequestsResponder(ctx, question))
	require.NoError(t, m.ResponderReplies(ctx, reply))
}

func TestExchangeIsDurableWhenReplyReturns(t *testing.T) {
	log, st := newLog(t, memory.Config{SyncWrites: true})
	m := turnstate.New(log)

	ask(t, m, "what's next?", "try X")

	assert.False(t, st.Dirty())
	reopened, err := store.Open(st.Dir(), model.Identity{Name: "Z"})
	require.NoError(t, err)
	doc := reopened.Snapshot()
	require.Len(t, doc.Exchanges, 1)
	assert.Equal(t, "what's next?", doc.Exchanges[0].OperatorRequest)
	assert.Equal(t, "try X", doc.Exchanges[0].ResponderReply)
}

func TestRecentContextReturnsLatestOldestFirst(t *testing.T) {
	log, _ := newLog(t, memory.Config{})
	m := turnstate.New(log)

	assert.Empty(t, log.RecentContext(5))

	for i := 1; i <= 7; i++ {
		ask(t, m, fmt.Sprintf("q%d", i), fmt.Sprintf("r%d", i))
	}

	recent := log.RecentContext(3)
	require.Len(t, recent, 3)
	assert.Equal(t, "q5", recent[0].OperatorRequest)
	assert.Equal(t, "q7", recent[2].OperatorRequest)

	assert.Len(t, log.RecentContext(50), 7)
	assert.Empty(t, log.RecentContext(0))
}

func TestFormatContextUsesPartyNames(t *testing.T) {
	log, _ := newLog(t, memory.Config{})
	m := turnstate.New(log)
	ask(t, m, "hello", "hi Q")

	assert.Equal(t, "Q: hello\nZ: hi Q", log.FormatContext(5))
}

func TestRetentionDropsOldestOnHundredAndFirst(t *testing.T) {
	archive := &fakeArchive{}
	log, st := newLog(t, memory.Config{MaxExchanges: 100, Archive: archive})
	m := turnstate.New(log)

	for i := 1; i <= 101; i++ {
		ask(t, m, fmt.Sprintf("q%d", i), fmt.Sprintf("r%d", i))
	}

	doc := st.Snapshot()
	require.Len(t, doc.Exchanges, 100)
	assert.Equal(t, "q2", doc.Exchanges[0].OperatorRequest)
	assert.Equal(t, "q101", doc.Exchanges[99].OperatorRequest)
	for i, ex := range doc.Exchanges {
		assert.Equal(t, fmt.Sprintf("q%d", i+2), ex.OperatorRequest)
	}

	require.Len(t, archive.batches, 1)
	require.Len(t, archive.batches[0], 1)
	assert.Equal(t, "q1", archive.batches[0][0].OperatorRequest)
}

func TestRetentionTrimExplicit(t *testing.T) {
	log, st := newLog(t, memory.Config{})
	m := turnstate.New(log)
	for i := 1; i <= 5; i++ {
		ask(t, m, fmt.Sprintf("q%d", i), "r")
	}

	trimmed, err := log.RetentionTrim(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, trimmed, 3)
	assert.Equal(t, "q1", trimmed[0].OperatorRequest)

	doc := st.Snapshot()
	require.Len(t, doc.Exchanges, 2)
	assert.Equal(t, "q4", doc.Exchanges[0].OperatorRequest)

	trimmed, err = log.RetentionTrim(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, trimmed)
}

func TestArchiveFailureDoesNotFailRecord(t *testing.T) {
	archive := &fakeArchive{err: errors.New("db locked")}
	log, st := newLog(t, memory.Config{MaxExchanges: 1, Archive: archive})
	m := turnstate.New(log)

	ask(t, m, "q1", "r1")
	ask(t, m, "q2", "r2")

	assert.Len(t, st.Snapshot().Exchanges, 1)
	assert.Len(t, archive.batches, 1)
}

func TestPersistenceFailureKeepsSessionRecord(t *testing.T) {
	ctx := context.Background()
	log, _ := newLog(t, memory.Config{}, store.WithWriter(func(string, []byte) error {
		return errors.New("permission denied")
	}))
	m := turnstate.New(log)

	require.NoError(t, m.OperatorRequestsResponder(ctx, "q"))
	err := m.ResponderReplies(ctx, "r")
	require.Error(t, err)
	assert.True(t, store.IsPersistence(err))

	assert.Equal(t, 1, log.Summary().Exchanges)
	require.Len(t, log.RecentContext(1), 1)
	assert.False(t, m.CanResponderSpeak())
}

func TestObservationsFollowWriteMode(t *testing.T) {
	ctx := context.Background()

	syncLog, syncStore := newLog(t, memory.Config{SyncWrites: true})
	require.NoError(t, turnstate.New(syncLog).ExternalSpeaks(ctx, "ping"))
	assert.False(t, syncStore.Dirty())

	asyncLog, asyncStore := newLog(t, memory.Config{SyncWrites: false})
	m := turnstate.New(asyncLog)
	require.NoError(t, m.OperatorToExternal(ctx, "hello there"))
	assert.True(t, asyncStore.Dirty())

	require.NoError(t, asyncLog.Close(ctx))
	assert.False(t, asyncStore.Dirty())

	doc := asyncStore.Snapshot()
	require.Len(t, doc.Observations, 1)
	assert.Equal(t, model.SourceOperatorToExternal, doc.Observations[0].Source)
}

func TestPlainOperatorTurnsStayInSession(t *testing.T) {
	ctx := context.Background()
	log, st := newLog(t, memory.Config{SyncWrites: true})
	m := turnstate.New(log)

	require.NoError(t, m.OperatorActs(ctx, "just thinking out loud"))

	assert.Empty(t, st.Snapshot().Observations)
	snap := log.Snapshot()
	require.Len(t, snap.Observations, 1)
	assert.Equal(t, model.SourceOperator, snap.Observations[0].Source)
	assert.Equal(t, 1, log.Summary().Turns)
}

func TestLearnLastWriteWins(t *testing.T) {
	ctx := context.Background()
	log, _ := newLog(t, memory.Config{})

	require.NoError(t, log.Learn(ctx, "editor", "nano"))
	require.NoError(t, log.Learn(ctx, "editor", "vim"))
	require.ErrorIs(t, log.Learn(ctx, "  ", "x"), memory.ErrKeyRequired)

	fact, ok := log.Learned("editor")
	require.True(t, ok)
	assert.Equal(t, "vim", fact.Value)

	_, ok = log.Learned("missing")
	assert.False(t, ok)
	assert.Len(t, log.AllLearned(), 1)
}

func TestLearnedFactsSurviveTrim(t *testing.T) {
	ctx := context.Background()
	log, st := newLog(t, memory.Config{MaxExchanges: 1})
	m := turnstate.New(log)

	require.NoError(t, log.Learn(ctx, "name", "Quix"))
	ask(t, m, "a", "b")
	ask(t, m, "c", "d")

	assert.Len(t, st.Snapshot().Learned, 1)
}

func TestPreferences(t *testing.T) {
	ctx := context.Background()
	log, _ := newLog(t, memory.Config{})

	require.NoError(t, log.SetPreference(ctx, "bionic", "on"))
	v, ok := log.Preference("bionic")
	require.True(t, ok)
	assert.Equal(t, "on", v)
}

func TestCloseWritesSessionSnapshot(t *testing.T) {
	ctx := context.Background()
	log, st := newLog(t, memory.Config{})
	m := turnstate.New(log)

	require.NoError(t, m.OperatorActs(ctx, "hello"))
	ask(t, m, "what's next?", "try X")
	require.NoError(t, m.ExternalSpeaks(ctx, "ping"))

	require.NoError(t, log.Close(ctx))

	snap, err := st.LoadSession()
	require.NoError(t, err)
	assert.Equal(t, log.SessionID(), snap.SessionID)
	assert.Len(t, snap.Exchanges, 1)
	assert.Len(t, snap.Observations, 2)
	assert.False(t, snap.EndTime.Before(snap.StartTime))
}

func TestRecordRejectsUnknownSpeaker(t *testing.T) {
	log, _ := newLog(t, memory.Config{})
	err := log.Record(context.Background(), turn.Turn{Speaker: "ghost"})
	require.Error(t, err)
}
