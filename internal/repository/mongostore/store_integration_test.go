package mongostore

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"

	"account-ledger/internal/domain"
	"account-ledger/internal/repository/storetest"
)

// setupMongo starts a disposable MongoDB 7 container and connects a Store to it.
func setupMongo(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping mongo integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcmongo.Run(ctx,
		"mongo:7",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Waiting for connections").
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	store, err := Connect(ctx, uri, "ledger_test", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(ctx) })

	return store
}

func TestMongoStoreBehavior(t *testing.T) {
	store := setupMongo(t)

	storetest.Run(t, store)
}

func TestMongoTimestampsFollowSequence(t *testing.T) {
	store := setupMongo(t)
	ctx := context.Background()

	// Another instance with a fast clock already stamped a movement an hour ahead.
	ahead := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	_, err := store.db.Collection(countersCollection).UpdateOne(ctx,
		bson.M{"_id": movementsCollection},
		bson.M{"$set": bson.M{"stamp": ahead}},
		options.Update().SetUpsert(true),
	)
	require.NoError(t, err)

	var last *domain.Movement
	for i := 0; i < 3; i++ {
		m, created, err := store.Movements().Append(ctx, &domain.Movement{
			ID:          uuid.New(),
			Type:        domain.Deposit,
			Amount:      decimal.NewFromInt(1),
			DestAccount: "clock",
		})
		require.NoError(t, err)
		require.True(t, created)
		require.False(t, m.Timestamp.Before(ahead), "timestamp %s went behind %s", m.Timestamp, ahead)
		if last != nil {
			require.Greater(t, m.Sequence, last.Sequence)
			require.False(t, m.Timestamp.Before(last.Timestamp))
		}
		last = m
	}

	history, err := store.Movements().History(ctx, "clock")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, last.ID, history[0].ID)
}

func TestMongoConnectValidatesArguments(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	_, err := Connect(context.Background(), "", "db", logger)
	require.Error(t, err)
	_, err = Connect(context.Background(), "mongodb://localhost:27017", "", logger)
	require.Error(t, err)
}

func TestDecimal128RoundTrip(t *testing.T) {
	for _, s := range []string{"0", "0.1", "12345678901234567890.123456", "-42.5"} {
		d := decimal.RequireFromString(s)
		v, err := toDecimal128(d)
		require.NoError(t, err)
		back, err := fromDecimal128(v)
		require.NoError(t, err)
		require.True(t, back.Equal(d), "%s round-tripped to %s", s, back)
	}
}
