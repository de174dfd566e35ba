package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultMongoTimeout = 5 * time.Second

// MongoBackend implements Backend on MongoDB. Collections mirror the SQL
// tables one to one.
type MongoBackend struct {
	client *mongo.Client
	db     *mongo.Database
	uri    string
	dbName string
	// 嵌入通用的"不支持"操作实现，减少重复代码
	UnsupportedCacheOps
}

// NewMongoBackend creates a MongoDB backend; the connection is established
// in Initialize.
func NewMongoBackend(uri, dbName string) (*MongoBackend, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongodb uri is required")
	}
	if dbName == "" {
		dbName = "claude_relay"
	}
	return &MongoBackend{uri: uri, dbName: dbName}, nil
}

func mongoTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, defaultMongoTimeout)
}

// Initialize connects to MongoDB and creates the indexes.
func (m *MongoBackend) Initialize(ctx context.Context) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()

	clientOptions := options.Client().ApplyURI(m.uri)
	clientOptions.SetMaxPoolSize(10)
	clientOptions.SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	m.client = client
	m.db = client.Database(m.dbName)

	indexes := map[string][]mongo.IndexModel{
		"credentials": {
			{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "active", Value: 1}}},
		},
		"error_credentials": {
			{Keys: bson.D{{Key: "original_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		"credential_health": {
			{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "credential_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		"token_buckets": {
			{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "credential_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		"api_keys": {
			{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "key_hash", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		"api_logs": {
			{Keys: bson.D{{Key: "api_key_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		},
		"settings": {
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		"model_aliases": {
			{Keys: bson.D{{Key: "alias", Value: 1}, {Key: "provider", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		"model_pricing": {
			{Keys: bson.D{{Key: "model_name", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}
	for coll, models := range indexes {
		if _, err := m.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", coll, err)
		}
	}
	return nil
}

// Close closes the MongoDB connection.
func (m *MongoBackend) Close() error {
	if m.client != nil {
		return m.client.Disconnect(context.Background())
	}
	return nil
}

// Health pings the server.
func (m *MongoBackend) Health(ctx context.Context) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	return m.client.Ping(ctx, nil)
}

// ---- credentials ----

func (m *MongoBackend) InsertCredential(ctx context.Context, cred *Credential) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now
	_, err := m.db.Collection("credentials").InsertOne(ctx, cred)
	return err
}

func (m *MongoBackend) UpdateCredential(ctx context.Context, cred *Credential) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	cred.UpdatedAt = time.Now().UTC()
	res, err := m.db.Collection("credentials").ReplaceOne(ctx,
		bson.M{"provider": cred.Provider, "id": cred.ID}, cred)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return &ErrNotFound{Key: cred.Provider + "/" + cred.ID}
	}
	return nil
}

func (m *MongoBackend) DeleteCredential(ctx context.Context, provider, id string) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	res, err := m.db.Collection("credentials").DeleteOne(ctx, bson.M{"provider": provider, "id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return &ErrNotFound{Key: provider + "/" + id}
	}
	return nil
}

func (m *MongoBackend) GetCredential(ctx context.Context, provider, id string) (*Credential, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	var cred Credential
	err := m.db.Collection("credentials").FindOne(ctx, bson.M{"provider": provider, "id": id}).Decode(&cred)
	if err == mongo.ErrNoDocuments {
		return nil, &ErrNotFound{Key: provider + "/" + id}
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (m *MongoBackend) GetCredentialByName(ctx context.Context, provider, name string) (*Credential, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	var cred Credential
	err := m.db.Collection("credentials").FindOne(ctx, bson.M{"provider": provider, "name": name}).Decode(&cred)
	if err == mongo.ErrNoDocuments {
		return nil, &ErrNotFound{Key: provider + "/" + name}
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (m *MongoBackend) ListCredentials(ctx context.Context, provider string, activeOnly bool) ([]*Credential, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	filter := bson.M{"provider": provider}
	if activeOnly {
		filter["active"] = true
	}
	opts := options.Find().SetSort(bson.D{{Key: "error_count", Value: 1}, {Key: "updated_at", Value: -1}})
	cursor, err := m.db.Collection("credentials").Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*Credential
	for cursor.Next(ctx) {
		var cred Credential
		if err := cursor.Decode(&cred); err != nil {
			return nil, err
		}
		out = append(out, &cred)
	}
	return out, cursor.Err()
}

func (m *MongoBackend) IncrementCredentialField(ctx context.Context, provider, id, field string, delta int64) error {
	if !credentialCounterFields[field] {
		return &ErrNotSupported{Operation: "IncrementCredentialField(" + field + ")"}
	}
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	set := bson.M{"updated_at": now}
	if field == "use_count" {
		set["last_used_at"] = now
	}
	res, err := m.db.Collection("credentials").UpdateOne(ctx,
		bson.M{"provider": provider, "id": id},
		bson.M{"$inc": bson.M{field: delta}, "$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return &ErrNotFound{Key: provider + "/" + id}
	}
	return nil
}

// ---- quarantine ----

func (m *MongoBackend) UpsertErrorCredential(ctx context.Context, ec *ErrorCredential) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	lastErrorAt := ec.LastErrorAt
	if lastErrorAt.IsZero() {
		lastErrorAt = now
	}
	createdAt := ec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	update := bson.M{
		"$inc": bson.M{"error_count": 1},
		"$set": bson.M{
			"error_message": ec.ErrorMessage,
			"last_error_at": lastErrorAt,
		},
		"$setOnInsert": bson.M{
			"id":            ec.ID,
			"provider":      ec.Provider,
			"name":          ec.Name,
			"snapshot_json": ec.SnapshotJSON,
			"created_at":    createdAt,
		},
	}
	opts := options.Update().SetUpsert(true)
	_, err := m.db.Collection("error_credentials").UpdateOne(ctx,
		bson.M{"original_id": ec.OriginalID}, update, opts)
	return err
}

func (m *MongoBackend) GetErrorCredential(ctx context.Context, id string) (*ErrorCredential, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	var ec ErrorCredential
	filter := bson.M{"$or": []bson.M{{"id": id}, {"original_id": id}}}
	err := m.db.Collection("error_credentials").FindOne(ctx, filter).Decode(&ec)
	if err == mongo.ErrNoDocuments {
		return nil, &ErrNotFound{Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &ec, nil
}

func (m *MongoBackend) ListErrorCredentials(ctx context.Context, provider string) ([]*ErrorCredential, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if provider != "" {
		filter["provider"] = provider
	}
	opts := options.Find().SetSort(bson.D{{Key: "last_error_at", Value: -1}})
	cursor, err := m.db.Collection("error_credentials").Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*ErrorCredential
	for cursor.Next(ctx) {
		var ec ErrorCredential
		if err := cursor.Decode(&ec); err != nil {
			return nil, err
		}
		out = append(out, &ec)
	}
	return out, cursor.Err()
}

func (m *MongoBackend) DeleteErrorCredential(ctx context.Context, id string) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	res, err := m.db.Collection("error_credentials").DeleteOne(ctx, bson.M{"id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return &ErrNotFound{Key: id}
	}
	return nil
}

// ---- health + buckets ----

func (m *MongoBackend) GetHealth(ctx context.Context, provider, credentialID string) (*HealthRow, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	var row HealthRow
	err := m.db.Collection("credential_health").FindOne(ctx,
		bson.M{"provider": provider, "credential_id": credentialID}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return nil, &ErrNotFound{Key: provider + "/" + credentialID}
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (m *MongoBackend) UpsertHealth(ctx context.Context, row *HealthRow) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	row.UpdatedAt = time.Now().UTC()
	opts := options.Replace().SetUpsert(true)
	_, err := m.db.Collection("credential_health").ReplaceOne(ctx,
		bson.M{"provider": row.Provider, "credential_id": row.CredentialID}, row, opts)
	return err
}

func (m *MongoBackend) ListHealth(ctx context.Context, provider string) ([]*HealthRow, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	cursor, err := m.db.Collection("credential_health").Find(ctx, bson.M{"provider": provider})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*HealthRow
	for cursor.Next(ctx) {
		var row HealthRow
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		out = append(out, &row)
	}
	return out, cursor.Err()
}

func (m *MongoBackend) GetBucket(ctx context.Context, provider, credentialID string) (*BucketRow, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	var row BucketRow
	err := m.db.Collection("token_buckets").FindOne(ctx,
		bson.M{"provider": provider, "credential_id": credentialID}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return nil, &ErrNotFound{Key: provider + "/" + credentialID}
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (m *MongoBackend) UpsertBucket(ctx context.Context, row *BucketRow) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	opts := options.Replace().SetUpsert(true)
	_, err := m.db.Collection("token_buckets").ReplaceOne(ctx,
		bson.M{"provider": row.Provider, "credential_id": row.CredentialID}, row, opts)
	return err
}

// ---- api keys ----

func (m *MongoBackend) InsertAPIKey(ctx context.Context, key *APIKey) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := m.db.Collection("api_keys").InsertOne(ctx, key)
	return err
}

func (m *MongoBackend) UpdateAPIKey(ctx context.Context, key *APIKey) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{
		"user_id":            key.UserID,
		"name":               key.Name,
		"active":             key.Active,
		"daily_limit":        key.DailyLimit,
		"monthly_limit":      key.MonthlyLimit,
		"total_limit":        key.TotalLimit,
		"concurrent_limit":   key.ConcurrentLimit,
		"rate_limit":         key.RateLimit,
		"daily_cost_limit":   key.DailyCostLimit,
		"monthly_cost_limit": key.MonthlyCostLimit,
		"total_cost_limit":   key.TotalCostLimit,
		"expires_in_days":    key.ExpiresInDays,
	}}
	res, err := m.db.Collection("api_keys").UpdateOne(ctx, bson.M{"id": key.ID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return &ErrNotFound{Key: key.ID}
	}
	return nil
}

func (m *MongoBackend) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	var key APIKey
	err := m.db.Collection("api_keys").FindOne(ctx, bson.M{"id": id}).Decode(&key)
	if err == mongo.ErrNoDocuments {
		return nil, &ErrNotFound{Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (m *MongoBackend) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	var key APIKey
	err := m.db.Collection("api_keys").FindOne(ctx, bson.M{"key_hash": keyHash}).Decode(&key)
	if err == mongo.ErrNoDocuments {
		return nil, &ErrNotFound{Key: keyHash}
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (m *MongoBackend) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := m.db.Collection("api_keys").Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*APIKey
	for cursor.Next(ctx) {
		var key APIKey
		if err := cursor.Decode(&key); err != nil {
			return nil, err
		}
		out = append(out, &key)
	}
	return out, cursor.Err()
}

func (m *MongoBackend) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	_, err := m.db.Collection("api_keys").UpdateOne(ctx, bson.M{"id": id},
		bson.M{"$set": bson.M{"last_used_at": usedAt.UTC()}})
	return err
}

// ---- api logs ----

func (m *MongoBackend) InsertAPILog(ctx context.Context, row *APILog) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	_, err := m.db.Collection("api_logs").InsertOne(ctx, row)
	return err
}

func (m *MongoBackend) CountAPILogs(ctx context.Context, apiKeyID string, since time.Time) (int64, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	return m.db.Collection("api_logs").CountDocuments(ctx,
		bson.M{"api_key_id": apiKeyID, "created_at": bson.M{"$gte": since}})
}

func (m *MongoBackend) SumModelUsage(ctx context.Context, apiKeyID string, since time.Time) ([]*ModelUsage, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"api_key_id": apiKeyID, "created_at": bson.M{"$gte": since}}}},
		{{Key: "$group", Value: bson.M{
			"_id":           "$model",
			"requests":      bson.M{"$sum": 1},
			"input_tokens":  bson.M{"$sum": "$input_tokens"},
			"output_tokens": bson.M{"$sum": "$output_tokens"},
		}}},
		{{Key: "$sort", Value: bson.M{"_id": 1}}},
	}
	cursor, err := m.db.Collection("api_logs").Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*ModelUsage
	for cursor.Next(ctx) {
		var doc struct {
			Model        string `bson:"_id"`
			Requests     int64  `bson:"requests"`
			InputTokens  int64  `bson:"input_tokens"`
			OutputTokens int64  `bson:"output_tokens"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, &ModelUsage{
			Model:        doc.Model,
			Requests:     doc.Requests,
			InputTokens:  doc.InputTokens,
			OutputTokens: doc.OutputTokens,
		})
	}
	return out, cursor.Err()
}

func (m *MongoBackend) DeleteAPILogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	res, err := m.db.Collection("api_logs").DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// ---- settings ----

func (m *MongoBackend) GetSetting(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	var doc struct {
		Value []byte `bson:"value"`
	}
	err := m.db.Collection("settings").FindOne(ctx, bson.M{"name": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, &ErrNotFound{Key: key}
	}
	if err != nil {
		return nil, err
	}
	return doc.Value, nil
}

func (m *MongoBackend) SetSetting(ctx context.Context, key string, value []byte) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	opts := options.Update().SetUpsert(true)
	_, err := m.db.Collection("settings").UpdateOne(ctx, bson.M{"name": key},
		bson.M{"$set": bson.M{"value": value, "updated_at": time.Now().UTC()}}, opts)
	return err
}

func (m *MongoBackend) ListSettings(ctx context.Context) (map[string][]byte, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	cursor, err := m.db.Collection("settings").Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := make(map[string][]byte)
	for cursor.Next(ctx) {
		var doc struct {
			Name  string `bson:"name"`
			Value []byte `bson:"value"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out[doc.Name] = doc.Value
	}
	return out, cursor.Err()
}

// ---- model aliases + pricing ----

func (m *MongoBackend) nextSequence(ctx context.Context, name string) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := m.db.Collection("counters").FindOneAndUpdate(ctx,
		bson.M{"_id": name}, bson.M{"$inc": bson.M{"seq": 1}}, opts).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (m *MongoBackend) ListModelAliases(ctx context.Context) ([]*ModelAlias, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "id", Value: 1}})
	cursor, err := m.db.Collection("model_aliases").Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*ModelAlias
	for cursor.Next(ctx) {
		var alias ModelAlias
		if err := cursor.Decode(&alias); err != nil {
			return nil, err
		}
		out = append(out, &alias)
	}
	return out, cursor.Err()
}

func (m *MongoBackend) UpsertModelAlias(ctx context.Context, alias *ModelAlias) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	filter := bson.M{"alias": alias.Alias, "provider": alias.Provider}
	res, err := m.db.Collection("model_aliases").UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"target_model": alias.TargetModel,
		"priority":     alias.Priority,
		"active":       alias.Active,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	id, err := m.nextSequence(ctx, "model_aliases")
	if err != nil {
		return err
	}
	alias.ID = id
	_, err = m.db.Collection("model_aliases").InsertOne(ctx, alias)
	return err
}

func (m *MongoBackend) DeleteModelAlias(ctx context.Context, id int64) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	res, err := m.db.Collection("model_aliases").DeleteOne(ctx, bson.M{"id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return &ErrNotFound{Key: strconv.FormatInt(id, 10)}
	}
	return nil
}

func (m *MongoBackend) ListModelPricing(ctx context.Context) ([]*ModelPricing, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "model_name", Value: 1}})
	cursor, err := m.db.Collection("model_pricing").Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*ModelPricing
	for cursor.Next(ctx) {
		var pricing ModelPricing
		if err := cursor.Decode(&pricing); err != nil {
			return nil, err
		}
		out = append(out, &pricing)
	}
	return out, cursor.Err()
}

func (m *MongoBackend) UpsertModelPricing(ctx context.Context, pricing *ModelPricing) error {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	coll := m.db.Collection("model_pricing")
	if pricing.Source == "remote" {
		var existing ModelPricing
		err := coll.FindOne(ctx, bson.M{"model_name": pricing.ModelName}).Decode(&existing)
		if err == nil && (existing.Source == "manual" || existing.IsCustom) {
			return nil
		}
		if err != nil && err != mongo.ErrNoDocuments {
			return err
		}
	}
	pricing.UpdatedAt = time.Now().UTC()
	opts := options.Replace().SetUpsert(true)
	_, err := coll.ReplaceOne(ctx, bson.M{"model_name": pricing.ModelName}, pricing, opts)
	return err
}

// ---- stats ----

func (m *MongoBackend) GetStorageStats(ctx context.Context) (StorageStats, error) {
	ctx, cancel := mongoTimeout(ctx)
	defer cancel()
	stats := StorageStats{Backend: "mongodb"}
	var err error
	if stats.Credentials, err = m.db.Collection("credentials").CountDocuments(ctx, bson.M{}); err != nil {
		return stats, err
	}
	if stats.ErrorCredentials, err = m.db.Collection("error_credentials").CountDocuments(ctx, bson.M{}); err != nil {
		return stats, err
	}
	if stats.APIKeys, err = m.db.Collection("api_keys").CountDocuments(ctx, bson.M{}); err != nil {
		return stats, err
	}
	if stats.LogRows, err = m.db.Collection("api_logs").CountDocuments(ctx, bson.M{}); err != nil {
		return stats, err
	}
	return stats, nil
}
