package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

// completeScript replaces the record only while it is still the processing
// claim held by ARGV[1]. KEYS[1] record. ARGV token, new record, ttl ms.
var completeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	return 0
end
local rec = cjson.decode(cur)
if rec.status ~= 'processing' or rec.claim_token ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// releaseScript deletes the record only while it is still the processing
// claim held by ARGV[1].
var releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	return 0
end
local rec = cjson.decode(cur)
if rec.status ~= 'processing' or rec.claim_token ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// RedisStore keeps records as JSON strings whose Redis TTL is the record's
// lifetime.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed record store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "boxoffice:event:", now: time.Now}
}

func (s *RedisStore) key(k models.EventKey) string {
	return s.prefix + k.String()
}

func (s *RedisStore) Claim(ctx context.Context, key models.EventKey, eventType string, lease time.Duration) (string, *models.ProcessedEventRecord, error) {
	rec := newRecord(key, eventType, models.StatusProcessing, s.now(), lease, "")
	rec.ClaimToken = newClaimToken()
	data, err := json.Marshal(rec)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode record: %w", err)
	}

	// A record can expire between SETNX and GET; retry once in that case.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, s.key(key), data, lease).Result()
		if err != nil {
			return "", nil, fmt.Errorf("failed to claim event: %w", err)
		}
		if ok {
			return rec.ClaimToken, nil, nil
		}

		existing, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return "", nil, err
		}
		return "", existing, nil
	}
	return "", nil, nil
}

func (s *RedisStore) Complete(ctx context.Context, key models.EventKey, token string, status models.RecordStatus, errMsg string, retention time.Duration) error {
	existing, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to complete event %s: %w", key, ErrClaimLost)
	}
	if err != nil {
		return err
	}

	data, err := json.Marshal(newRecord(key, existing.EventType, status, s.now(), retention, errMsg))
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	n, err := completeScript.Run(ctx, s.client, []string{s.key(key)}, token, data, retention.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("failed to complete event %s: %w", key, ErrClaimLost)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key models.EventKey, token string) error {
	n, err := releaseScript.Run(ctx, s.client, []string{s.key(key)}, token).Int()
	if err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("failed to release event %s: %w", key, ErrClaimLost)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key models.EventKey) (*models.ProcessedEventRecord, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event record: %w", err)
	}

	var rec models.ProcessedEventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode event record: %w", err)
	}
	return &rec, nil
}
