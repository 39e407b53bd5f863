package mongostore

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"account-ledger/internal/domain"
	"account-ledger/internal/errors"
)

var unfinishedStatuses = bson.A{string(domain.TransferPending), string(domain.TransferDebited)}

type transferDocument struct {
	ID                   string               `bson:"_id"`
	SourceAccountID      string               `bson:"source_account_id"`
	DestinationAccountID string               `bson:"destination_account_id"`
	Amount               primitive.Decimal128 `bson:"amount"`
	Status               string               `bson:"status"`
	Attempts             int                  `bson:"attempts"`
	LastError            string               `bson:"last_error,omitempty"`
	CreatedAt            time.Time            `bson:"created_at"`
	UpdatedAt            time.Time            `bson:"updated_at"`
}

func (d *transferDocument) toDomain() (*domain.PendingTransfer, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	amount, err := fromDecimal128(d.Amount)
	if err != nil {
		return nil, err
	}
	return &domain.PendingTransfer{
		ID:                   id,
		SourceAccountID:      d.SourceAccountID,
		DestinationAccountID: d.DestinationAccountID,
		Amount:               amount,
		Status:               domain.TransferStatus(d.Status),
		Attempts:             d.Attempts,
		LastError:            d.LastError,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}, nil
}

type transferRepository struct {
	coll   *mongo.Collection
	logger *slog.Logger
}

func (r *transferRepository) Open(ctx context.Context, t *domain.PendingTransfer) (*domain.PendingTransfer, bool, error) {
	amount, err := toDecimal128(t.Amount)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := transferDocument{
		ID:                   t.ID.String(),
		SourceAccountID:      t.SourceAccountID,
		DestinationAccountID: t.DestinationAccountID,
		Amount:               amount,
		Status:               string(t.Status),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			existing, err := r.Get(ctx, t.ID)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
		return nil, false, unavailable(r.logger, "Failed to open transfer", err, "transfer_id", t.ID)
	}

	r.logger.Info("Transfer opened", "transfer_id", t.ID)
	stored, err := doc.toDomain()
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

func (r *transferRepository) Get(ctx context.Context, id uuid.UUID) (*domain.PendingTransfer, error) {
	var doc transferDocument
	err := r.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, errors.ErrTransferNotFound
	}
	if err != nil {
		return nil, unavailable(r.logger, "Failed to get transfer", err, "transfer_id", id)
	}
	return doc.toDomain()
}

func (r *transferRepository) Advance(ctx context.Context, id uuid.UUID, from, to domain.TransferStatus) (bool, error) {
	update := bson.M{"$set": bson.M{"status": string(to), "updated_at": time.Now().UTC()}}
	if to == domain.TransferCompleted {
		update["$unset"] = bson.M{"last_error": ""}
	}

	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id.String(), "status": string(from)}, update)
	if err != nil {
		return false, unavailable(r.logger, "Failed to update transfer status", err, "transfer_id", id, "status", to)
	}
	if res.MatchedCount == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}

	r.logger.Info("Transfer status updated", "transfer_id", id, "from", from, "to", to)
	return true, nil
}

func (r *transferRepository) RecordFailure(ctx context.Context, id uuid.UUID, reason string) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id.String()},
		bson.M{"$set": bson.M{"last_error": reason, "updated_at": time.Now().UTC()}})
	if err != nil {
		return unavailable(r.logger, "Failed to record transfer failure", err, "transfer_id", id)
	}
	if res.MatchedCount == 0 {
		return errors.ErrTransferNotFound
	}
	return nil
}

// ClaimStale leases candidates one by one; each lease is a conditional update, so a
// transfer already leased by another repairer no longer matches and is skipped.
func (r *transferRepository) ClaimStale(ctx context.Context, staleBefore time.Time, limit int) ([]domain.PendingTransfer, error) {
	staleFilter := bson.M{
		"status":     bson.M{"$in": unfinishedStatuses},
		"updated_at": bson.M{"$lt": staleBefore},
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"_id": 1})
	cursor, err := r.coll.Find(ctx, staleFilter, opts)
	if err != nil {
		return nil, unavailable(r.logger, "Failed to find stale transfers", err)
	}

	var candidates []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &candidates); err != nil {
		return nil, unavailable(r.logger, "Failed to read stale transfers", err)
	}

	claimed := make([]domain.PendingTransfer, 0, len(candidates))
	for _, c := range candidates {
		filter := bson.M{"_id": c.ID}
		for k, v := range staleFilter {
			filter[k] = v
		}

		var doc transferDocument
		err := r.coll.FindOneAndUpdate(ctx, filter,
			bson.M{
				"$set": bson.M{"updated_at": time.Now().UTC()},
				"$inc": bson.M{"attempts": 1},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		if err == mongo.ErrNoDocuments {
			continue
		}
		if err != nil {
			return nil, unavailable(r.logger, "Failed to lease transfer", err, "transfer_id", c.ID)
		}

		t, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *t)
	}
	return claimed, nil
}
