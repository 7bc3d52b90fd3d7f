package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/kimhsiao/posync/internal/errors"
)

// DefaultPrefix namespaces the hashes posync writes.
const DefaultPrefix = "posync"

// RedisTier stores each table as one Redis hash keyed by record key.
type RedisTier struct {
	Client *redis.Client
	Prefix string
}

// NewRedisTier creates a RedisTier on client.
func NewRedisTier(client *redis.Client, prefix string) *RedisTier {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisTier{Client: client, Prefix: prefix}
}

// DialRedis connects to addr and verifies the server answers.
func DialRedis(ctx context.Context, addr string) (*RedisTier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(errors.ErrStorage, "connect to redis", err)
	}
	return NewRedisTier(client, DefaultPrefix), nil
}

func (r *RedisTier) hashKey(table string) string {
	return r.Prefix + ":" + table
}

func (r *RedisTier) Put(ctx context.Context, table, key string, doc json.RawMessage) error {
	if err := r.Client.HSet(ctx, r.hashKey(table), key, string(doc)).Err(); err != nil {
		return errors.Wrap(errors.ErrStorage, "redis put", err)
	}
	return nil
}

func (r *RedisTier) Get(ctx context.Context, table, key string) (json.RawMessage, error) {
	val, err := r.Client.HGet(ctx, r.hashKey(table), key).Result()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.New(errors.ErrNotFound, "not cached: "+table+"/"+key)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "redis get", err)
	}
	return json.RawMessage(val), nil
}

// GetAll returns the cached documents of table ordered by key.
func (r *RedisTier) GetAll(ctx context.Context, table string) ([]json.RawMessage, error) {
	vals, err := r.Client.HGetAll(ctx, r.hashKey(table)).Result()
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "redis get all", err)
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	docs := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		docs = append(docs, json.RawMessage(vals[k]))
	}
	return docs, nil
}

func (r *RedisTier) Delete(ctx context.Context, table, key string) error {
	if err := r.Client.HDel(ctx, r.hashKey(table), key).Err(); err != nil {
		return errors.Wrap(errors.ErrStorage, "redis delete", err)
	}
	return nil
}

func (r *RedisTier) Close() error {
	return r.Client.Close()
}
