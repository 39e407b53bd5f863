// Package mongostore implements the account store, ledger and transfer journal on
// MongoDB. Balance changes use findOneAndUpdate with the precondition in the filter.
package mongostore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

const (
	accountsCollection  = "accounts"
	movementsCollection = "movements"
	transfersCollection = "pending_transfers"
	countersCollection  = "counters"

	connectTimeout = 10 * time.Second
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// Connect opens a client, verifies it and creates the indexes the queries rely on.
func Connect(ctx context.Context, uri, database string, logger *slog.Logger) (*Store, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo uri cannot be empty")
	}
	if database == "" {
		return nil, fmt.Errorf("mongo database name cannot be empty")
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	s := &Store{client: client, db: client.Database(database), logger: logger}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	logger.Info("Successfully connected to mongo", "database", database)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	movementIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}, {Key: "seq", Value: -1}}},
		{Keys: bson.D{{Key: "source_account", Value: 1}, {Key: "timestamp", Value: -1}, {Key: "seq", Value: -1}}},
		{Keys: bson.D{{Key: "dest_account", Value: 1}, {Key: "timestamp", Value: -1}, {Key: "seq", Value: -1}}},
	}
	if _, err := s.db.Collection(movementsCollection).Indexes().CreateMany(ctx, movementIndexes); err != nil {
		return fmt.Errorf("mongo create index failed: %w", err)
	}

	transferIndex := mongo.IndexModel{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}}
	if _, err := s.db.Collection(transfersCollection).Indexes().CreateOne(ctx, transferIndex); err != nil {
		return fmt.Errorf("mongo create index failed: %w", err)
	}
	return nil
}

func (s *Store) Accounts() domain.AccountStore {
	return &accountRepository{coll: s.db.Collection(accountsCollection), logger: s.logger}
}

func (s *Store) Movements() domain.Ledger {
	return &movementRepository{
		coll:     s.db.Collection(movementsCollection),
		counters: s.db.Collection(countersCollection),
		logger:   s.logger,
	}
}

func (s *Store) Transfers() domain.TransferJournal {
	return &transferRepository{coll: s.db.Collection(transfersCollection), logger: s.logger}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return errors.Unavailable(err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, errors.ErrInvalidAmount.WithCause(err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, errors.ErrInternal.WithCause(err)
	}
	return d, nil
}

// unavailable logs the driver error and hides it behind storage_unavailable.
func unavailable(logger *slog.Logger, msg string, err error, args ...any) error {
	logger.Error(msg, append(args, "error", err)...)
	return errors.Unavailable(err)
}
