package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-lab/internal/model/memory"
)

var testIdentity = memory.Identity{Name: "Z", Creator: "Q", Role: "AI Assistant"}

func fixedTime(sec int) time.Time {
	return time.Date(2026, 10, 17, 9, 0, sec, 0, time.UTC)
}

func TestOpenCreatesFreshDocument(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testIdentity, WithClock(func() time.Time { return fixedTime(0) }))
	require.NoError(t, err)

	doc := s.Snapshot()
	assert.Equal(t, testIdentity, doc.Identity)
	assert.Equal(t, fixedTime(0), doc.Created)
	assert.Empty(t, doc.Exchanges)
	assert.NotNil(t, doc.Learned)

	_, statErr := os.Stat(filepath.Join(dir, MemoryFileName))
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "nothing is written until the first update")
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir, testIdentity)
	require.NoError(t, err)

	err = s.Update(ctx, func(doc *memory.Document) error {
		doc.Exchanges = append(doc.Exchanges,
			memory.Exchange{Time: fixedTime(1), OperatorRequest: "what's next?", ResponderReply: "try X"},
			memory.Exchange{Time: fixedTime(2), OperatorRequest: "and then?", ResponderReply: "try Y"},
		)
		doc.Observations = append(doc.Observations,
			memory.Observation{Time: fixedTime(3), Source: memory.SourceExternal, Content: "ping"})
		doc.Learned["editor"] = memory.LearnedFact{Value: "vim", LearnedAt: fixedTime(4)}
		doc.Preferences = map[string]string{"bionic": "off"}
		return nil
	})
	require.NoError(t, err)
	want := s.Snapshot()
	require.NoError(t, s.Close(ctx))

	reopened, err := Open(dir, memory.Identity{Name: "ignored"})
	require.NoError(t, err)

	if diff := cmp.Diff(want, reopened.Snapshot()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCorruptDocumentIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, MemoryFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"created": 12, "exchanges": "nope"}`), 0o600))

	s, err := Open(dir, testIdentity, WithClock(func() time.Time { return fixedTime(0) }))
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot().Exchanges)

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestUpdateWriteFailureKeepsChange(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("read-only file system")
	failing := true
	writer := func(path string, data []byte) error {
		if failing {
			return boom
		}
		return writeFileAtomic(path, data)
	}

	s, err := Open(t.TempDir(), testIdentity, WithWriter(writer))
	require.NoError(t, err)

	err = s.Update(ctx, func(doc *memory.Document) error {
		doc.Exchanges = append(doc.Exchanges, memory.Exchange{Time: fixedTime(1), OperatorRequest: "q", ResponderReply: "r"})
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsPersistence(err))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, s.Snapshot().Exchanges, 1)
	assert.True(t, s.Dirty())

	failing = false
	require.NoError(t, s.Flush(ctx))
	assert.False(t, s.Dirty())
}

func TestUpdateCallbackErrorSkipsWrite(t *testing.T) {
	ctx := context.Background()
	writes := 0
	s, err := Open(t.TempDir(), testIdentity, WithWriter(func(string, []byte) error { writes++; return nil }))
	require.NoError(t, err)

	sentinel := errors.New("rejected")
	err = s.Update(ctx, func(*memory.Document) error { return sentinel })
	require.ErrorIs(t, err, sentinel)
	assert.Zero(t, writes)
}

func TestMutateDefersWriteUntilFlush(t *testing.T) {
	ctx := context.Background()
	writes := 0
	s, err := Open(t.TempDir(), testIdentity, WithWriter(func(string, []byte) error { writes++; return nil }))
	require.NoError(t, err)

	require.NoError(t, s.Mutate(func(doc *memory.Document) error {
		doc.Observations = append(doc.Observations, memory.Observation{Time: fixedTime(1), Source: "external", Content: "hi"})
		return nil
	}))
	assert.Zero(t, writes)
	assert.True(t, s.Dirty())

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 1, writes)

	assert.ErrorIs(t, s.Mutate(func(*memory.Document) error { return nil }), ErrClosed)
}

func TestSessionSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir(), testIdentity)
	require.NoError(t, err)

	snap := memory.SessionSnapshot{
		SessionID: "abc",
		StartTime: fixedTime(0),
		EndTime:   fixedTime(9),
		Exchanges: []memory.Exchange{{Time: fixedTime(1), OperatorRequest: "q", ResponderReply: "r"}},
		Observations: []memory.Observation{
			{Time: fixedTime(2), Source: memory.SourceOperator, Content: "typing"},
		},
	}
	require.NoError(t, s.SaveSession(ctx, snap))

	got, err := s.LoadSession()
	require.NoError(t, err)
	if diff := cmp.Diff(&snap, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}
