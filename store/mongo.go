package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/peerproof/referral-registry/interfaces"
)

const (
	recordsCollection  = "referral_records"
	countersCollection = "counters"
	recordsCounterID   = "referral_records_seq"
)

type auditDoc struct {
	ID     string    `bson:"id"`
	Action string    `bson:"action"`
	Actor  string    `bson:"actor"`
	Reason string    `bson:"reason"`
	At     time.Time `bson:"at"`
}

// recordDoc keeps recorded_at as unix nanos to keep full precision; BSON dates
// only hold milliseconds.
type recordDoc struct {
	ID               string     `bson:"_id"`
	Seq              int64      `bson:"seq"`
	Referrer         string     `bson:"referrer"`
	Referee          string     `bson:"referee"`
	Nonce            string     `bson:"nonce"`
	IssuedAt         time.Time  `bson:"issued_at"`
	Issuer           string     `bson:"issuer"`
	Signature        []byte     `bson:"signature"`
	Status           string     `bson:"status"`
	RecordedAtNs     int64      `bson:"recorded_at_ns"`
	RevokedAt        *time.Time `bson:"revoked_at,omitempty"`
	RevocationReason string     `bson:"revocation_reason,omitempty"`
	Audit            []auditDoc `bson:"audit"`
}

// MongoStore implements interfaces.RegistryStore over a MongoDB database.
// Each record is one document; its audit entries are embedded so revocation
// is a single atomic document update.
//
// Insert bumps the sequence counter and writes the record in one transaction,
// so the deployment must be a replica set or sharded cluster. The counter
// document stays write-locked until commit, which orders seq by commit.
type MongoStore struct {
	client   *mongo.Client
	records  *mongo.Collection
	counters *mongo.Collection
	now      func() time.Time
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		client:   db.Client(),
		records:  db.Collection(recordsCollection),
		counters: db.Collection(countersCollection),
		now:      time.Now,
	}
}

func (s *MongoStore) WithClock(now func() time.Time) *MongoStore {
	s.now = now
	return s
}

// ConnectMongo opens a client for uri and pings the primary.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("could not connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("could not reach mongo: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the referrer listing index and the counter
// collection, which cannot be created inside the insert transaction on
// servers older than 4.4.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.records.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "referrer", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("store: create mongo index: %w", err)
	}
	_, err = s.counters.UpdateOne(ctx,
		bson.M{"_id": recordsCounterID},
		bson.M{"$setOnInsert": bson.M{"seq": int64(0), "recorded_at_ns": int64(0)}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store: create mongo counter: %w", err)
	}
	return nil
}

type counterDoc struct {
	Seq          int64 `bson:"seq"`
	RecordedAtNs int64 `bson:"recorded_at_ns"`
}

// nextSeq bumps the counter and raises its timestamp to now, so both seq and
// recorded_at only move forward. Errors are returned unwrapped so the
// transaction can retry on transient labels.
func (s *MongoStore) nextSeq(ctx context.Context, now time.Time) (counterDoc, error) {
	var counter counterDoc
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": recordsCounterID},
		bson.M{
			"$inc": bson.M{"seq": int64(1)},
			"$max": bson.M{"recorded_at_ns": now.UnixNano()},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	return counter, err
}

func (s *MongoStore) Insert(ctx context.Context, rec interfaces.RegistryRecord) (interfaces.RegistryRecord, error) {
	if rec.Nonce == nil || rec.Nonce.Sign() < 0 {
		return interfaces.RegistryRecord{}, fmt.Errorf("%w: nonce must be a uint256", interfaces.ErrMalformedAttestation)
	}

	session, err := s.client.StartSession()
	if err != nil {
		return interfaces.RegistryRecord{}, fmt.Errorf("store: start session: %w", err)
	}
	defer session.EndSession(ctx)

	result, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		counter, err := s.nextSeq(sc, s.now().UTC())
		if err != nil {
			return nil, err
		}

		stored := rec.Clone()
		stored.Seq = uint64(counter.Seq)
		stored.Status = interfaces.StatusConfirmed
		stored.RecordedAt = time.Unix(0, counter.RecordedAtNs).UTC()
		stored.RevokedAt = nil
		stored.RevocationReason = ""

		if _, err := s.records.InsertOne(sc, toDoc(stored)); err != nil {
			return nil, err
		}
		return stored, nil
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return interfaces.RegistryRecord{}, fmt.Errorf("%w: %s", interfaces.ErrDuplicateRecord, rec.ID)
		}
		return interfaces.RegistryRecord{}, fmt.Errorf("store: insert record: %w", err)
	}
	return result.(interfaces.RegistryRecord), nil
}

func (s *MongoStore) Get(ctx context.Context, id interfaces.RecordID) (interfaces.RegistryRecord, error) {
	var doc recordDoc
	err := s.records.FindOne(ctx, bson.M{"_id": docID(id)},
		options.FindOne().SetProjection(bson.M{"audit": 0}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return interfaces.RegistryRecord{}, fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
	}
	if err != nil {
		return interfaces.RegistryRecord{}, fmt.Errorf("store: get record: %w", err)
	}
	return fromDoc(doc)
}

func (s *MongoStore) ListByReferrer(ctx context.Context, referrer interfaces.Address, page interfaces.Page) (interfaces.PageResult, error) {
	limit := page.EffectiveLimit()

	filter := bson.M{"referrer": hex.EncodeToString(referrer[:])}
	if !page.After.IsZero() {
		filter["seq"] = bson.M{"$gt": int64(page.After.Seq)}
	}

	cur, err := s.records.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetLimit(int64(limit+1)).
		SetProjection(bson.M{"audit": 0}),
	)
	if err != nil {
		return interfaces.PageResult{}, fmt.Errorf("store: list records: %w", err)
	}
	defer cur.Close(ctx)

	var result interfaces.PageResult
	for cur.Next(ctx) {
		var doc recordDoc
		if err := cur.Decode(&doc); err != nil {
			return interfaces.PageResult{}, fmt.Errorf("store: decode record: %w", err)
		}
		rec, err := fromDoc(doc)
		if err != nil {
			return interfaces.PageResult{}, err
		}
		result.Records = append(result.Records, rec)
	}
	if err := cur.Err(); err != nil {
		return interfaces.PageResult{}, fmt.Errorf("store: list records: %w", err)
	}

	if len(result.Records) > limit {
		result.Records = result.Records[:limit]
		result.Next = interfaces.CursorAfter(result.Records[limit-1])
	}
	return result, nil
}

func (s *MongoStore) Revoke(ctx context.Context, id interfaces.RecordID, actor interfaces.Address, reason string) (interfaces.RegistryRecord, error) {
	now := s.now().UTC().Truncate(time.Millisecond)

	var doc recordDoc
	err := s.records.FindOneAndUpdate(ctx,
		bson.M{"_id": docID(id), "status": bson.M{"$ne": string(interfaces.StatusRevoked)}},
		bson.M{
			"$set": bson.M{
				"status":            string(interfaces.StatusRevoked),
				"revoked_at":        now,
				"revocation_reason": reason,
			},
			"$push": bson.M{"audit": auditDoc{
				ID:     ulid.Make().String(),
				Action: string(interfaces.AuditRevoke),
				Actor:  hex.EncodeToString(actor[:]),
				Reason: reason,
				At:     now,
			}},
		},
		options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetProjection(bson.M{"audit": 0}),
	).Decode(&doc)

	if errors.Is(err, mongo.ErrNoDocuments) {
		// Either the record does not exist or it is already revoked.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return interfaces.RegistryRecord{}, getErr
		}
		return interfaces.RegistryRecord{}, fmt.Errorf("%w: %s", interfaces.ErrAlreadyRevoked, id)
	}
	if err != nil {
		return interfaces.RegistryRecord{}, fmt.Errorf("store: revoke record: %w", err)
	}
	return fromDoc(doc)
}

func (s *MongoStore) AuditLog(ctx context.Context, id interfaces.RecordID) ([]interfaces.AuditEntry, error) {
	var doc struct {
		Audit []auditDoc `bson:"audit"`
	}
	err := s.records.FindOne(ctx, bson.M{"_id": docID(id)},
		options.FindOne().SetProjection(bson.M{"audit": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: audit log: %w", err)
	}

	entries := make([]interfaces.AuditEntry, 0, len(doc.Audit))
	for _, a := range doc.Audit {
		actor, err := interfaces.NewAddressFromHex(a.Actor)
		if err != nil {
			return nil, fmt.Errorf("store: audit actor: %w", err)
		}
		entries = append(entries, interfaces.AuditEntry{
			ID:       a.ID,
			RecordID: id,
			Action:   interfaces.AuditAction(a.Action),
			Actor:    actor,
			Reason:   a.Reason,
			At:       a.At.UTC(),
		})
	}
	return entries, nil
}

func docID(id interfaces.RecordID) string {
	return hex.EncodeToString(id[:])
}

func toDoc(rec interfaces.RegistryRecord) recordDoc {
	return recordDoc{
		ID:           docID(rec.ID),
		Seq:          int64(rec.Seq),
		Referrer:     hex.EncodeToString(rec.Referrer[:]),
		Referee:      hex.EncodeToString(rec.Referee[:]),
		Nonce:        rec.Nonce.String(),
		IssuedAt:     rec.IssuedAt.UTC(),
		Issuer:       hex.EncodeToString(rec.Issuer[:]),
		Signature:    rec.Signature,
		Status:       string(rec.Status),
		RecordedAtNs: rec.RecordedAt.UnixNano(),
		Audit:        []auditDoc{},
	}
}

func fromDoc(doc recordDoc) (interfaces.RegistryRecord, error) {
	var (
		rec interfaces.RegistryRecord
		err error
	)
	if rec.ID, err = interfaces.NewRecordIDFromHex(doc.ID); err != nil {
		return rec, fmt.Errorf("store: record id: %w", err)
	}
	if rec.Referrer, err = interfaces.NewAddressFromHex(doc.Referrer); err != nil {
		return rec, fmt.Errorf("store: referrer: %w", err)
	}
	if rec.Referee, err = interfaces.NewAddressFromHex(doc.Referee); err != nil {
		return rec, fmt.Errorf("store: referee: %w", err)
	}
	if rec.Issuer, err = interfaces.NewAddressFromHex(doc.Issuer); err != nil {
		return rec, fmt.Errorf("store: issuer: %w", err)
	}
	nonce, ok := new(big.Int).SetString(doc.Nonce, 10)
	if !ok {
		return rec, fmt.Errorf("store: invalid nonce %q", doc.Nonce)
	}
	if rec.Status, err = interfaces.ParseRecordStatus(doc.Status); err != nil {
		return rec, fmt.Errorf("store: %w", err)
	}

	rec.Nonce = nonce
	rec.Seq = uint64(doc.Seq)
	rec.IssuedAt = doc.IssuedAt.UTC()
	rec.Signature = doc.Signature
	rec.RecordedAt = time.Unix(0, doc.RecordedAtNs).UTC()
	if doc.RevokedAt != nil {
		t := doc.RevokedAt.UTC()
		rec.RevokedAt = &t
	}
	rec.RevocationReason = doc.RevocationReason
	return rec, nil
}

var _ interfaces.RegistryStore = (*MongoStore)(nil)
