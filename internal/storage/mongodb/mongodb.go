package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authservice/internal/domain/models"
	"authservice/internal/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// expiredRetention keeps expired refresh tokens around for a while so
// late redemption attempts still see the record instead of a missing token.
const expiredRetention = 7 * 24 * time.Hour

type Storage struct {
	client   *mongo.Client
	database *mongo.Database
	users    *mongo.Collection
	counters *mongo.Collection
	tokens   *mongo.Collection
}

type userDoc struct {
	ID        int64     `bson:"_id"`
	Email     string    `bson:"email"`
	Username  string    `bson:"username"`
	PassHash  []byte    `bson:"pass_hash"`
	CreatedAt time.Time `bson:"created_at"`
}

type counterDoc struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

type refreshTokenDoc struct {
	Token     string    `bson:"token"`
	JwtID     string    `bson:"jwt_id"`
	UserID    int64     `bson:"user_id"`
	IsUsed    bool      `bson:"is_used"`
	IsRevoked bool      `bson:"is_revoked"`
	IssuedAt  time.Time `bson:"issued_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// New creates a new MongoDB storage instance and sets up indexes.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:   client,
		database: db,
		users:    db.Collection("users"),
		counters: db.Collection("counters"),
		tokens:   db.Collection("refresh_tokens"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.email index: %w", err)
	}

	_, err = s.tokens.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "token", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "jwt_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(expiredRetention.Seconds())),
		},
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens indexes: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// nextID atomically increments and returns the next ID for a given collection.
func (s *Storage) nextID(ctx context.Context, collectionName string) (int64, error) {
	filter := bson.D{{Key: "_id", Value: collectionName}}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var counter counterDoc
	if err := s.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter); err != nil {
		return 0, err
	}
	return counter.Value, nil
}

// SaveUser saves a new user and returns the generated user ID.
func (s *Storage) SaveUser(ctx context.Context, email string, username string, passHash []byte) (int64, error) {
	const op = "storage.mongodb.SaveUser"

	id, err := s.nextID(ctx, "users")
	if err != nil {
		return 0, fmt.Errorf("%s: nextID: %w", op, err)
	}

	_, err = s.users.InsertOne(ctx, userDoc{
		ID:        id,
		Email:     email,
		Username:  username,
		PassHash:  passHash,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

// User retrieves a user by email.
func (s *Storage) User(ctx context.Context, email string) (models.User, error) {
	const op = "storage.mongodb.User"

	user, err := s.findUser(ctx, bson.D{{Key: "email", Value: email}})
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

// UserByID retrieves a user by ID.
func (s *Storage) UserByID(ctx context.Context, userID int64) (models.User, error) {
	const op = "storage.mongodb.UserByID"

	user, err := s.findUser(ctx, bson.D{{Key: "_id", Value: userID}})
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) findUser(ctx context.Context, filter bson.D) (models.User, error) {
	var doc userDoc
	if err := s.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.User{}, storage.ErrUserNotFound
		}
		return models.User{}, err
	}

	return models.User{
		ID:       doc.ID,
		Email:    doc.Email,
		Username: doc.Username,
		PassHash: doc.PassHash,
	}, nil
}

// SaveRefreshToken stores a new refresh token record.
func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.mongodb.SaveRefreshToken"

	if err := s.insertRefreshToken(ctx, token); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RefreshToken retrieves a refresh token record by its token value.
func (s *Storage) RefreshToken(ctx context.Context, token string) (models.RefreshToken, error) {
	const op = "storage.mongodb.RefreshToken"

	rt, err := s.findRefreshToken(ctx, token)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	return rt, nil
}

// RotateRefreshToken marks usedToken as used and stores next.
// The conditional update is atomic on the document, so a single caller wins;
// if storing next fails the flag is put back.
func (s *Storage) RotateRefreshToken(ctx context.Context, usedToken string, next models.RefreshToken) error {
	const op = "storage.mongodb.RotateRefreshToken"

	res, err := s.tokens.UpdateOne(ctx,
		bson.D{
			{Key: "token", Value: usedToken},
			{Key: "is_used", Value: false},
			{Key: "is_revoked", Value: false},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "is_used", Value: true}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: mark used: %w", op, err)
	}
	if res.ModifiedCount == 0 {
		return fmt.Errorf("%s: %w", op, s.lostRotation(ctx, usedToken))
	}

	if err := s.insertRefreshToken(ctx, next); err != nil {
		_, undoErr := s.tokens.UpdateOne(ctx,
			bson.D{{Key: "token", Value: usedToken}},
			bson.D{{Key: "$set", Value: bson.D{{Key: "is_used", Value: false}}}},
		)
		return fmt.Errorf("%s: insert next: %w", op, errors.Join(err, undoErr))
	}

	return nil
}

// RevokeRefreshToken flags the record as revoked.
func (s *Storage) RevokeRefreshToken(ctx context.Context, token string) error {
	const op = "storage.mongodb.RevokeRefreshToken"

	res, err := s.tokens.UpdateOne(ctx,
		bson.D{{Key: "token", Value: token}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "is_revoked", Value: true}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	return nil
}

func (s *Storage) insertRefreshToken(ctx context.Context, rt models.RefreshToken) error {
	_, err := s.tokens.InsertOne(ctx, refreshTokenDoc{
		Token:     rt.Token,
		JwtID:     rt.JwtID,
		UserID:    rt.UserID,
		IsUsed:    rt.IsUsed,
		IsRevoked: rt.IsRevoked,
		IssuedAt:  rt.IssuedAt.UTC(),
		ExpiresAt: rt.ExpiresAt.UTC(),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrTokenExists
		}
		return err
	}

	return nil
}

func (s *Storage) findRefreshToken(ctx context.Context, token string) (models.RefreshToken, error) {
	var doc refreshTokenDoc
	if err := s.tokens.FindOne(ctx, bson.D{{Key: "token", Value: token}}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.RefreshToken{}, storage.ErrTokenNotFound
		}
		return models.RefreshToken{}, err
	}

	return models.RefreshToken{
		Token:     doc.Token,
		JwtID:     doc.JwtID,
		UserID:    doc.UserID,
		IsUsed:    doc.IsUsed,
		IsRevoked: doc.IsRevoked,
		IssuedAt:  doc.IssuedAt,
		ExpiresAt: doc.ExpiresAt,
	}, nil
}

func (s *Storage) lostRotation(ctx context.Context, token string) error {
	rt, err := s.findRefreshToken(ctx, token)
	if err != nil {
		return err
	}
	if rt.IsRevoked && !rt.IsUsed {
		return storage.ErrTokenRevoked
	}

	return storage.ErrTokenAlreadyUsed
}
