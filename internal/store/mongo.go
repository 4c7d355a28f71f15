package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore backs KeyStore, LetterStore and Lookup with two collections.
type MongoStore struct {
	client  *mongo.Client
	keys    *mongo.Collection
	letters *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("store: mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}

	db := cli.Database(dbName)
	s := &MongoStore{
		client:  cli,
		keys:    db.Collection("user_keys"),
		letters: db.Collection("letters"),
	}

	_, _ = s.keys.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true).SetSparse(true),
	})
	_, _ = s.letters.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "author_id", Value: 1}},
	})
	_, _ = s.letters.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "recipient_email", Value: 1}},
	})

	return s, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Client exposes the underlying connection so other collections (the
// auth user store) can share it.
func (s *MongoStore) Client() *mongo.Client { return s.client }

type keyDoc struct {
	UserID               string `bson:"_id"`
	Email                string `bson:"email,omitempty"`
	Version              int    `bson:"encryption_version"`
	EncryptedKey         []byte `bson:"encrypted_key,omitempty"`
	WrappedKey           []byte `bson:"wrapped_key,omitempty"`
	Salt                 []byte `bson:"salt,omitempty"`
	RecoveryWrappedKey   []byte `bson:"recovery_wrapped_key,omitempty"`
	RecoveryKeySalt      []byte `bson:"recovery_key_salt,omitempty"`
	RSAPublicKey         []byte `bson:"rsa_public_key,omitempty"`
	WrappedRSAPrivateKey []byte `bson:"wrapped_rsa_private_key,omitempty"`
	RSAPrivateKeyIV      []byte `bson:"rsa_private_key_iv,omitempty"`
	HasRSAKeys           bool   `bson:"has_rsa_keys"`
}

func fromKeyDoc(d keyDoc) *UserKeyRecord {
	return &UserKeyRecord{
		UserID:               d.UserID,
		Email:                d.Email,
		Version:              EncryptionVersion(d.Version),
		EncryptedKey:         d.EncryptedKey,
		WrappedKey:           d.WrappedKey,
		Salt:                 d.Salt,
		RecoveryWrappedKey:   d.RecoveryWrappedKey,
		RecoveryKeySalt:      d.RecoveryKeySalt,
		RSAPublicKey:         d.RSAPublicKey,
		WrappedRSAPrivateKey: d.WrappedRSAPrivateKey,
		RSAPrivateKeyIV:      d.RSAPrivateKeyIV,
		HasRSAKeys:           d.HasRSAKeys,
	}
}

func (s *MongoStore) Get(ctx context.Context, userID string) (*UserKeyRecord, error) {
	var d keyDoc
	err := s.keys.FindOne(ctx, bson.M{"_id": userID}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromKeyDoc(d), nil
}

func (s *MongoStore) Put(ctx context.Context, rec *UserKeyRecord) error {
	d := keyDoc{
		UserID:               rec.UserID,
		Email:                normEmail(rec.Email),
		Version:              int(rec.Version),
		EncryptedKey:         rec.EncryptedKey,
		WrappedKey:           rec.WrappedKey,
		Salt:                 rec.Salt,
		RecoveryWrappedKey:   rec.RecoveryWrappedKey,
		RecoveryKeySalt:      rec.RecoveryKeySalt,
		RSAPublicKey:         rec.RSAPublicKey,
		WrappedRSAPrivateKey: rec.WrappedRSAPrivateKey,
		RSAPrivateKeyIV:      rec.RSAPrivateKeyIV,
		HasRSAKeys:           rec.HasRSAKeys,
	}
	_, err := s.keys.ReplaceOne(ctx, bson.M{"_id": rec.UserID}, d, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) SetWrapped(ctx context.Context, userID string, wrappedKey, salt []byte) error {
	return s.updateKey(ctx, userID, bson.M{
		"$set": bson.M{"wrapped_key": wrappedKey, "salt": salt},
	})
}

func (s *MongoStore) Promote(ctx context.Context, userID string) error {
	// Version bump and raw-key erase in one update.
	return s.updateKey(ctx, userID, bson.M{
		"$set":   bson.M{"encryption_version": int(VersionWrapped)},
		"$unset": bson.M{"encrypted_key": ""},
	})
}

func (s *MongoStore) SetRecovery(ctx context.Context, userID string, wrapped, salt []byte) error {
	return s.updateKey(ctx, userID, bson.M{
		"$set": bson.M{"recovery_wrapped_key": wrapped, "recovery_key_salt": salt},
	})
}

func (s *MongoStore) SetRSAIdentity(ctx context.Context, userID string, pub, wrappedPriv, iv []byte) error {
	return s.updateKey(ctx, userID, bson.M{
		"$set": bson.M{
			"rsa_public_key":          pub,
			"wrapped_rsa_private_key": wrappedPriv,
			"rsa_private_key_iv":      iv,
			"has_rsa_keys":            true,
		},
	})
}

func (s *MongoStore) updateKey(ctx context.Context, userID string, update bson.M) error {
	res, err := s.keys.UpdateOne(ctx, bson.M{"_id": userID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) RecoveryMetaByEmail(ctx context.Context, email string) (RecoveryMeta, error) {
	var d keyDoc
	err := s.keys.FindOne(ctx, bson.M{"email": normEmail(email)}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return RecoveryMeta{}, nil
	}
	if err != nil {
		return RecoveryMeta{}, err
	}
	if len(d.RecoveryWrappedKey) == 0 {
		return RecoveryMeta{}, nil
	}
	return RecoveryMeta{Configured: true, WrappedKey: d.RecoveryWrappedKey, Salt: d.RecoveryKeySalt}, nil
}

func (s *MongoStore) PublicKeyByEmail(ctx context.Context, email string) ([]byte, error) {
	var d keyDoc
	err := s.keys.FindOne(ctx, bson.M{"email": normEmail(email)}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !d.HasRSAKeys {
		return nil, nil
	}
	return d.RSAPublicKey, nil
}

func (s *MongoStore) UserIDByEmail(ctx context.Context, email string) (string, error) {
	var d struct {
		UserID string `bson:"_id"`
	}
	err := s.keys.FindOne(ctx, bson.M{"email": normEmail(email)}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return d.UserID, nil
}

type letterDoc struct {
	ID                         string    `bson:"_id"`
	AuthorID                   string    `bson:"author_id"`
	RecipientEmail             string    `bson:"recipient_email,omitempty"`
	Title                      string    `bson:"title,omitempty"`
	Body                       string    `bson:"body,omitempty"`
	Signature                  string    `bson:"signature,omitempty"`
	SketchData                 string    `bson:"sketch_data,omitempty"`
	DeliverAfter               time.Time `bson:"deliver_after"`
	RecipientEncrypted         bool      `bson:"recipient_encrypted"`
	SenderWrappedContentKey    []byte    `bson:"sender_wrapped_content_key,omitempty"`
	RecipientWrappedContentKey []byte    `bson:"recipient_wrapped_content_key,omitempty"`
	CreatedAt                  time.Time `bson:"created_at"`
	UpdatedAt                  time.Time `bson:"updated_at"`
}

func fromLetterDoc(d letterDoc) *LetterRecord {
	return &LetterRecord{
		ID:                         d.ID,
		AuthorID:                   d.AuthorID,
		RecipientEmail:             d.RecipientEmail,
		Title:                      d.Title,
		Body:                       d.Body,
		Signature:                  d.Signature,
		SketchData:                 d.SketchData,
		DeliverAfter:               d.DeliverAfter,
		RecipientEncrypted:         d.RecipientEncrypted,
		SenderWrappedContentKey:    d.SenderWrappedContentKey,
		RecipientWrappedContentKey: d.RecipientWrappedContentKey,
		CreatedAt:                  d.CreatedAt,
		UpdatedAt:                  d.UpdatedAt,
	}
}

// Letters exposes the LetterStore view of the same client.
func (s *MongoStore) Letters() LetterStore { return &mongoLetters{coll: s.letters} }

type mongoLetters struct {
	coll *mongo.Collection
}

func (s *mongoLetters) Put(ctx context.Context, rec *LetterRecord) error {
	now := time.Now()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	d := letterDoc{
		ID:                         rec.ID,
		AuthorID:                   rec.AuthorID,
		RecipientEmail:             normEmail(rec.RecipientEmail),
		Title:                      rec.Title,
		Body:                       rec.Body,
		Signature:                  rec.Signature,
		SketchData:                 rec.SketchData,
		DeliverAfter:               rec.DeliverAfter,
		RecipientEncrypted:         rec.RecipientEncrypted,
		SenderWrappedContentKey:    rec.SenderWrappedContentKey,
		RecipientWrappedContentKey: rec.RecipientWrappedContentKey,
		CreatedAt:                  created,
		UpdatedAt:                  now,
	}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID}, d, options.Replace().SetUpsert(true))
	return err
}

func (s *mongoLetters) Get(ctx context.Context, id string) (*LetterRecord, error) {
	var d letterDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromLetterDoc(d), nil
}

func (s *mongoLetters) ByAuthor(ctx context.Context, authorID string) ([]*LetterRecord, error) {
	return s.find(ctx, bson.M{"author_id": authorID})
}

func (s *mongoLetters) ForRecipient(ctx context.Context, email string) ([]*LetterRecord, error) {
	return s.find(ctx, bson.M{"recipient_email": normEmail(email)})
}

func (s *mongoLetters) PendingByAuthor(ctx context.Context, authorID string) ([]*LetterRecord, error) {
	return s.find(ctx, bson.M{
		"author_id":           authorID,
		"recipient_email":     bson.M{"$ne": ""},
		"recipient_encrypted": false,
	})
}

func (s *mongoLetters) find(ctx context.Context, filter bson.M) ([]*LetterRecord, error) {
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*LetterRecord
	for cur.Next(ctx) {
		var d letterDoc
		if err := cur.Decode(&d); err == nil {
			out = append(out, fromLetterDoc(d))
		}
	}
	return out, cur.Err()
}
