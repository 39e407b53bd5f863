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
)

type movementDocument struct {
	ID            string               `bson:"_id"`
	Type          string               `bson:"type"`
	Amount        primitive.Decimal128 `bson:"amount"`
	SourceAccount string               `bson:"source_account,omitempty"`
	DestAccount   string               `bson:"dest_account,omitempty"`
	Timestamp     time.Time            `bson:"timestamp"`
	Seq           int64                `bson:"seq"`
}

func (d *movementDocument) toDomain() (*domain.Movement, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	amount, err := fromDecimal128(d.Amount)
	if err != nil {
		return nil, err
	}
	return &domain.Movement{
		ID:            id,
		Type:          domain.MovementType(d.Type),
		Amount:        amount,
		SourceAccount: d.SourceAccount,
		DestAccount:   d.DestAccount,
		Timestamp:     d.Timestamp,
		Sequence:      d.Seq,
	}, nil
}

type movementRepository struct {
	coll     *mongo.Collection
	counters *mongo.Collection
	logger   *slog.Logger
}

// nextStamp hands out the insertion sequence together with a timestamp taken from the
// server clock. The counter keeps the largest timestamp handed out, so timestamps never
// go backwards relative to the sequence whatever the instance clocks say.
func (r *movementRepository) nextStamp(ctx context.Context) (int64, time.Time, error) {
	var counter struct {
		Value int64     `bson:"value"`
		Stamp time.Time `bson:"stamp"`
	}
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": movementsCollection},
		mongo.Pipeline{{{Key: "$set", Value: bson.M{
			"value": bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$value", int64(0)}}, int64(1)}},
			"stamp": bson.M{"$max": bson.A{"$stamp", "$$NOW"}},
		}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, time.Time{}, unavailable(r.logger, "Failed to allocate movement sequence", err)
	}
	return counter.Value, counter.Stamp.UTC(), nil
}

func (r *movementRepository) Append(ctx context.Context, m *domain.Movement) (*domain.Movement, bool, error) {
	amount, err := toDecimal128(m.Amount)
	if err != nil {
		return nil, false, err
	}
	seq, stamp, err := r.nextStamp(ctx)
	if err != nil {
		return nil, false, err
	}

	doc := movementDocument{
		ID:            m.ID.String(),
		Type:          string(m.Type),
		Amount:        amount,
		SourceAccount: m.SourceAccount,
		DestAccount:   m.DestAccount,
		Timestamp:     stamp,
		Seq:           seq,
	}

	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			existing, err := r.Get(ctx, m.ID)
			if err != nil {
				return nil, false, err
			}
			r.logger.Info("Movement already recorded", "movement_id", m.ID)
			return existing, false, nil
		}
		return nil, false, unavailable(r.logger, "Failed to append movement", err, "movement_id", m.ID)
	}

	stored, err := doc.toDomain()
	if err != nil {
		return nil, false, err
	}
	r.logger.Info("Movement recorded", "movement_id", stored.ID, "type", stored.Type, "amount", stored.Amount)
	return stored, true, nil
}

func (r *movementRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Movement, error) {
	var doc movementDocument
	err := r.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(r.logger, "Failed to get movement", err, "movement_id", id)
	}
	return doc.toDomain()
}

func (r *movementRepository) History(ctx context.Context, accountID string) ([]domain.Movement, error) {
	filter := bson.M{}
	if accountID != "" {
		filter = bson.M{"$or": bson.A{
			bson.M{"source_account": accountID},
			bson.M{"dest_account": accountID},
		}}
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "seq", Value: -1}})
	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, unavailable(r.logger, "Failed to query movements", err, "account_id", accountID)
	}
	defer cursor.Close(ctx)

	movements := make([]domain.Movement, 0)
	for cursor.Next(ctx) {
		var doc movementDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, unavailable(r.logger, "Failed to decode movement", err)
		}
		m, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		movements = append(movements, *m)
	}
	if err := cursor.Err(); err != nil {
		return nil, unavailable(r.logger, "Failed to iterate movements", err)
	}
	return movements, nil
}
