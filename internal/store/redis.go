package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docgate-service/internal/model"
)

const (
	usageBucketTTL  = 25 * time.Hour
	maxWatchRetries = 3

	keyRevokedChannel = "api_key_revoked"
)

// Redis stores API keys, per-key usage and hourly owner counters.
//
// Layout:
//
//	api_key:{id}              JSON record, TTL MaxKeyLifetime
//	api_key_usage:{id}        hash {count, last_used}
//	owner_keys:{owner}        set of key ids
//	usage:{owner}:{YYYYMMDDHH} request counter, TTL 25h
//
// Revoked key ids are published on the api_key_revoked channel.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func NewRedis(client redis.UniversalClient, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Redis{client: client, timeout: timeout}
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func keyRecord(id string) string    { return "api_key:" + id }
func keyUsage(id string) string     { return "api_key_usage:" + id }
func ownerKeys(owner string) string { return "owner_keys:" + owner }

func usageBucket(owner string, hour time.Time) string {
	return "usage:" + owner + ":" + hour.UTC().Format("2006010215")
}

func (r *Redis) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("marshal api_key: %w", err)
	}

	var created *redis.BoolCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, keyRecord(key.ID), data, model.MaxKeyLifetime)
		pipe.SAdd(ctx, ownerKeys(key.Owner), key.ID)
		pipe.Expire(ctx, ownerKeys(key.Owner), model.MaxKeyLifetime)
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert api_key: %w", err)
	}
	if !created.Val() {
		return ErrKeyExists
	}
	return nil
}

func (r *Redis) GetAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		record *redis.StringCmd
		usage  *redis.MapStringStringCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		record = pipe.Get(ctx, keyRecord(id))
		usage = pipe.HGetAll(ctx, keyUsage(id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get api_key: %w", err)
	}
	return decodeKey(record, usage)
}

func decodeKey(record *redis.StringCmd, usage *redis.MapStringStringCmd) (*model.APIKey, error) {
	data, err := record.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api_key: %w", err)
	}

	var key model.APIKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("unmarshal api_key: %w", err)
	}

	fields := usage.Val()
	if v, ok := fields["count"]; ok {
		key.UsageCount, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["last_used"]; ok {
		if micros, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMicro(micros).UTC()
			key.LastUsedAt = &t
		}
	}
	return &key, nil
}

// SetAPIKeyActive rewrites the active flag with optimistic locking, keeping
// the record's remaining TTL.
func (r *Redis) SetAPIKeyActive(ctx context.Context, id string, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	k := keyRecord(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var key model.APIKey
		if err := json.Unmarshal(data, &key); err != nil {
			return fmt.Errorf("unmarshal api_key: %w", err)
		}
		key.Active = active
		updated, err := json.Marshal(&key)
		if err != nil {
			return fmt.Errorf("marshal api_key: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, k, updated, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("update api_key: %w", err)
		}
		return err
	}
	return fmt.Errorf("update api_key: %w", redis.TxFailedErr)
}

func (r *Redis) RecordUsage(ctx context.Context, id, owner string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	bucket := usageBucket(owner, at)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, keyUsage(id), "count", 1)
		pipe.HSet(ctx, keyUsage(id), "last_used", at.UnixMicro())
		pipe.Expire(ctx, keyUsage(id), model.MaxKeyLifetime)
		pipe.Incr(ctx, bucket)
		pipe.Expire(ctx, bucket, usageBucketTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// ListAPIKeysByOwner returns the owner's keys, newest first. Ids whose record
// has expired are dropped from the owner index.
func (r *Redis) ListAPIKeysByOwner(ctx context.Context, owner string) ([]*model.APIKey, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ids, err := r.client.SMembers(ctx, ownerKeys(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("list owner keys: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	records := make([]*redis.StringCmd, len(ids))
	usages := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			records[i] = pipe.Get(ctx, keyRecord(id))
			usages[i] = pipe.HGetAll(ctx, keyUsage(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list api_keys: %w", err)
	}

	keys := make([]*model.APIKey, 0, len(ids))
	var stale []interface{}
	for i := range ids {
		key, err := decodeKey(records[i], usages[i])
		if errors.Is(err, ErrNotFound) {
			stale = append(stale, ids[i])
			continue
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, ownerKeys(owner), stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune owner keys: %w", err)
		}
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

// UsageHistory returns one point per hour for the last hours hours, oldest
// first, including the current hour.
func (r *Redis) UsageHistory(ctx context.Context, owner string, hours int, now time.Time) ([]model.UsagePoint, error) {
	if hours <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	current := now.UTC().Truncate(time.Hour)
	cmds := make([]*redis.StringCmd, hours)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := 0; i < hours; i++ {
			cmds[i] = pipe.Get(ctx, usageBucket(owner, current.Add(-time.Duration(hours-1-i)*time.Hour)))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("usage history: %w", err)
	}

	points := make([]model.UsagePoint, hours)
	for i, cmd := range cmds {
		points[i].Hour = current.Add(-time.Duration(hours-1-i) * time.Hour)
		n, err := cmd.Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("usage history: %w", err)
		}
		points[i].Requests = n
	}
	return points, nil
}

// PublishKeyRevoked tells every subscribed instance that id was revoked.
func (r *Redis) PublishKeyRevoked(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Publish(ctx, keyRevokedChannel, id).Err(); err != nil {
		return fmt.Errorf("publish revocation: %w", err)
	}
	return nil
}

// WatchKeyRevocations calls onRevoke for every revoked key id published by
// any instance until ctx is done. The client reconnects the subscription on
// its own after a connection drop.
func (r *Redis) WatchKeyRevocations(ctx context.Context, onRevoke func(id string)) error {
	sub := r.client.Subscribe(ctx, keyRevokedChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", keyRevokedChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			onRevoke(msg.Payload)
		}
	}
}
