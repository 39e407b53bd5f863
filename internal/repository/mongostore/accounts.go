package mongostore

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

// rememberedOperations bounds the per-account list of applied operation keys.
const rememberedOperations = 1000

type operationDocument struct {
	Key   string               `bson:"key"`
	Delta primitive.Decimal128 `bson:"delta"`
}

type accountDocument struct {
	ID         string               `bson:"_id"`
	Balance    primitive.Decimal128 `bson:"balance"`
	Operations []operationDocument  `bson:"ops"`
	CreatedAt  time.Time            `bson:"created_at"`
	UpdatedAt  time.Time            `bson:"updated_at"`
}

func (d *accountDocument) toDomain() (*domain.Account, error) {
	balance, err := fromDecimal128(d.Balance)
	if err != nil {
		return nil, err
	}
	return &domain.Account{ID: d.ID, Balance: balance, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}, nil
}

func (d *accountDocument) applied(key string) (*operationDocument, bool) {
	for i := range d.Operations {
		if d.Operations[i].Key == key {
			return &d.Operations[i], true
		}
	}
	return nil, false
}

type accountRepository struct {
	coll   *mongo.Collection
	logger *slog.Logger
}

func (r *accountRepository) find(ctx context.Context, id string) (*accountDocument, error) {
	var doc accountDocument
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, errors.ErrAccountNotFound
	}
	if err != nil {
		return nil, unavailable(r.logger, "Failed to get account", err, "account_id", id)
	}
	return &doc, nil
}

func (r *accountRepository) Get(ctx context.Context, id string) (*domain.Account, error) {
	doc, err := r.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.toDomain()
}

func (r *accountRepository) Ensure(ctx context.Context, id string) (*domain.Account, domain.EnsureOutcome, error) {
	now := time.Now().UTC()
	zero, _ := primitive.ParseDecimal128("0")

	update := bson.M{"$setOnInsert": bson.M{
		"balance":    zero,
		"ops":        bson.A{},
		"created_at": now,
		"updated_at": now,
	}}
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, update, options.Update().SetUpsert(true))

	outcome := domain.Existing
	switch {
	case err == nil && res.UpsertedCount == 1:
		outcome = domain.Created
		r.logger.Info("Account created", "account_id", id)
	case err == nil, mongo.IsDuplicateKeyError(err):
		// Concurrent upserts on one _id can race; the loser simply sees the winner's account.
	default:
		return nil, outcome, unavailable(r.logger, "Failed to ensure account", err, "account_id", id)
	}

	account, err := r.Get(ctx, id)
	if err != nil {
		return nil, outcome, err
	}
	return account, outcome, nil
}

func (r *accountRepository) ApplyDelta(ctx context.Context, req domain.ApplyRequest) (*domain.ApplyResult, error) {
	delta, err := toDecimal128(req.Delta)
	if err != nil {
		return nil, err
	}

	filter := bson.M{"_id": req.AccountID}
	if req.OperationKey != "" {
		filter["ops.key"] = bson.M{"$ne": req.OperationKey}
	}
	if req.Precondition == domain.SufficientFunds || req.Delta.IsNegative() {
		floor, err := toDecimal128(req.Delta.Neg())
		if err != nil {
			return nil, err
		}
		filter["balance"] = bson.M{"$gte": floor}
	}

	update := bson.M{
		"$inc": bson.M{"balance": delta},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}
	if req.OperationKey != "" {
		op := operationDocument{Key: req.OperationKey, Delta: delta}
		update["$push"] = bson.M{"ops": bson.M{"$each": bson.A{op}, "$slice": -rememberedOperations}}
	}

	var doc accountDocument
	err = r.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err == nil {
		account, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		r.logger.Info("Account balance updated",
			"account_id", req.AccountID, "delta", req.Delta, "new_balance", account.Balance)
		return &domain.ApplyResult{Account: account, AppliedDelta: req.Delta}, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, unavailable(r.logger, "Failed to update account balance", err, "account_id", req.AccountID)
	}

	// Nothing matched. Read once to report why; the decision was already made atomically.
	current, err := r.find(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if req.OperationKey != "" {
		if op, ok := current.applied(req.OperationKey); ok {
			account, err := current.toDomain()
			if err != nil {
				return nil, err
			}
			applied, err := fromDecimal128(op.Delta)
			if err != nil {
				return nil, err
			}
			return &domain.ApplyResult{Account: account, Replayed: true, AppliedDelta: applied}, nil
		}
	}
	r.logger.Info("Balance precondition rejected delta",
		"account_id", req.AccountID, "delta", req.Delta, "precondition", req.Precondition.String())
	return nil, errors.ErrPreconditionFailed
}
