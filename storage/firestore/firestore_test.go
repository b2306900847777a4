//go:build integration

package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
	"github.com/mihaimyh/creditgate/storage/storagetest"
)

const testProjectID = "test-project"

func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("Skipping test: FIRESTORE_EMULATOR_HOST is not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// getTestConfig returns unique collection names for each test run
func getTestConfig(testName string) Config {
	ts := time.Now().UnixNano()
	return Config{
		AccountsCollection:     fmt.Sprintf("test_accounts_%s_%d", testName, ts),
		ConsumptionsCollection: fmt.Sprintf("test_consumptions_%s_%d", testName, ts),
		BudgetCollection:       fmt.Sprintf("test_budget_%s_%d", testName, ts),
	}
}

func cleanupFirestore(t *testing.T, client *firestore.Client, config Config) {
	t.Helper()
	ctx := context.Background()

	for _, coll := range []string{config.AccountsCollection, config.ConsumptionsCollection, config.BudgetCollection} {
		iter := client.Collection(coll).Documents(ctx)
		bw := client.BulkWriter(ctx)
		for {
			doc, err := iter.Next()
			if err != nil {
				break
			}
			_, _ = bw.Delete(doc.Ref)
		}
		bw.End()
	}
}

func newTestStorage(t *testing.T, client *firestore.Client) *Storage {
	t.Helper()
	config := getTestConfig(t.Name())
	s, err := New(client, config)
	require.NoError(t, err)
	t.Cleanup(func() { cleanupFirestore(t, client, config) })
	return s
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestFirestore_Conformance(t *testing.T) {
	client := setupFirestoreClient(t)
	storagetest.Run(t, func(t *testing.T) creditgate.Storage { return newTestStorage(t, client) })
}

func TestFirestore_ClearedExpiryIsRemoved(t *testing.T) {
	client := setupFirestoreClient(t)
	s := newTestStorage(t, client)
	ctx := context.Background()

	acct := storagetest.Account("user-expiry")
	require.NoError(t, s.SaveAccount(ctx, acct))

	acct.SubscriptionExpiry = nil
	require.NoError(t, s.SaveAccount(ctx, acct))

	got, err := s.GetAccount(ctx, acct.UserID)
	require.NoError(t, err)
	assert.Nil(t, got.SubscriptionExpiry)
}

func TestStorage_Now(t *testing.T) {
	client := setupFirestoreClient(t)
	s := newTestStorage(t, client)
	ctx := context.Background()

	t.Run("get server time from Firestore", func(t *testing.T) {
		serverTime, err := s.Now(ctx)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().UTC(), serverTime, 10*time.Second)
	})

	t.Run("server time is UTC", func(t *testing.T) {
		serverTime, err := s.Now(ctx)
		require.NoError(t, err)
		assert.Equal(t, time.UTC, serverTime.Location())
	})

	t.Run("time does not go backwards", func(t *testing.T) {
		time1, err := s.Now(ctx)
		require.NoError(t, err)
		time.Sleep(100 * time.Millisecond)
		time2, err := s.Now(ctx)
		require.NoError(t, err)
		assert.False(t, time2.Before(time1))
	})
}
