package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
	"github.com/mihaimyh/creditgate/storage/storagetest"
)

func newTestStorage(t *testing.T, ttl time.Duration) *Storage {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "creditgate_test.db"), RecordTTL: ttl})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) creditgate.Storage { return newTestStorage(t, 0) })
}

func TestStorage_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := New(Config{Path: path})
	require.NoError(t, err)
	acct := storagetest.Account("user1")
	require.NoError(t, s.SaveAccount(ctx, acct))
	require.NoError(t, s.SaveBudget(ctx, storagetest.Budget(12.5, 100)))
	require.NoError(t, s.Close())

	s, err = New(Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetAccount(ctx, "user1")
	require.NoError(t, err)
	storagetest.AssertAccountEqual(t, acct, got)

	b, err := s.GetBudget(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, b.MonthlySpentUSD, 1e-9)
}

func TestStorage_RecordFieldsRoundTrip(t *testing.T) {
	s := newTestStorage(t, 0)
	ctx := context.Background()

	rec := &creditgate.ConsumptionRecord{
		RequestID:     "req-grace",
		UserID:        "user1",
		Action:        creditgate.ActionExport,
		Grace:         creditgate.GraceFailOpen,
		Degraded:      true,
		PolicyVersion: creditgate.GracePolicyVersion,
		Timestamp:     time.Date(2025, 3, 14, 9, 0, 0, 123, time.UTC),
	}
	require.NoError(t, s.CommitConsumption(ctx, storagetest.Account("user1"), rec))

	got, err := s.GetConsumptionRecord(ctx, "req-grace")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, creditgate.GraceFailOpen, got.Grace)
	assert.True(t, got.Degraded)
	assert.True(t, got.Timestamp.Equal(rec.Timestamp))
}

func TestStorage_Cleanup(t *testing.T) {
	s := newTestStorage(t, time.Hour)
	ctx := context.Background()
	acct := storagetest.Account("user1")

	old := &creditgate.ConsumptionRecord{RequestID: "old", UserID: "user1", Action: creditgate.ActionGeneration, Timestamp: time.Now().Add(-2 * time.Hour)}
	fresh := &creditgate.ConsumptionRecord{RequestID: "fresh", UserID: "user1", Action: creditgate.ActionGeneration, Timestamp: time.Now()}
	require.NoError(t, s.CommitConsumption(ctx, acct, old))
	require.NoError(t, s.CommitConsumption(ctx, acct, fresh))

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, err := s.GetConsumptionRecord(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, rec)
	rec, err = s.GetConsumptionRecord(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, rec)

	keepAll := newTestStorage(t, 0)
	n, err = keepAll.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
