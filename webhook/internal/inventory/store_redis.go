package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// decrementScript is the whole check-and-decrement in one step.
// KEYS[1] record hash, KEYS[2] token hash. ARGV quantity, token, unix ms.
// Replies {status, value}: 1 ok (value after), 0 insufficient (value
// available), 2 replayed (value after), -1 unknown, -2 token conflict.
var decrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, 0}
end
local qty = tonumber(ARGV[1])
local prior = redis.call('HGET', KEYS[2], ARGV[2])
if prior then
	local sep = string.find(prior, ':', 1, true)
	local priorQty = tonumber(string.sub(prior, 1, sep - 1))
	local priorAfter = tonumber(string.sub(prior, sep + 1))
	if priorQty ~= qty then
		return {-2, priorQty}
	end
	return {2, priorAfter}
end
local capacity = tonumber(redis.call('HGET', KEYS[1], 'capacity'))
local sold = tonumber(redis.call('HGET', KEYS[1], 'sold'))
local available = capacity - sold
if available < qty then
	return {0, available}
end
redis.call('HINCRBY', KEYS[1], 'sold', qty)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
local after = available - qty
redis.call('HSET', KEYS[2], ARGV[2], tostring(qty) .. ':' .. tostring(after))
return {1, after}
`)

// advanceScript lowers the milestone field if threshold is below it.
// Replies {status, previous}: 1 advanced, 0 unchanged, -1 unknown.
var advanceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, 0}
end
local last = tonumber(redis.call('HGET', KEYS[1], 'milestone') or '-1')
local threshold = tonumber(ARGV[1])
if last == -1 or threshold < last then
	redis.call('HSET', KEYS[1], 'milestone', threshold)
	return {1, last}
end
return {0, last}
`)

// RedisStore keeps each resource in a hash and its applied tokens in a
// second hash sharing the same hash tag.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed inventory store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "boxoffice:inventory:"}
}

func (s *RedisStore) recordKey(k ResourceKey) string {
	return s.prefix + "{" + k.ResourceID + ":" + k.Tier + "}"
}

func (s *RedisStore) tokensKey(k ResourceKey) string {
	return s.recordKey(k) + ":tokens"
}

func (s *RedisStore) Decrement(ctx context.Context, key ResourceKey, quantity int, token string) (Result, error) {
	reply, err := decrementScript.Run(ctx, s.client,
		[]string{s.recordKey(key), s.tokensKey(key)},
		quantity, token, time.Now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("decrement script failed: %w", err)
	}
	if len(reply) != 2 {
		return Result{}, fmt.Errorf("unexpected decrement reply of length %d", len(reply))
	}

	value := int(reply[1])
	switch reply[0] {
	case 1:
		return Result{OK: true, AvailableAfter: value, Available: value}, nil
	case 2:
		return Result{OK: true, AvailableAfter: value, Available: value, Replayed: true}, nil
	case 0:
		return Result{OK: false, Available: value}, nil
	case -1:
		return Result{}, ErrUnknownResource
	case -2:
		return Result{}, ErrTokenConflict
	default:
		return Result{}, fmt.Errorf("unexpected decrement status %d", reply[0])
	}
}

func (s *RedisStore) AdvanceMilestone(ctx context.Context, key ResourceKey, threshold int) (int, bool, error) {
	reply, err := advanceScript.Run(ctx, s.client, []string{s.recordKey(key)}, threshold).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("milestone script failed: %w", err)
	}
	if len(reply) != 2 {
		return 0, false, fmt.Errorf("unexpected milestone reply of length %d", len(reply))
	}
	if reply[0] == -1 {
		return 0, false, ErrUnknownResource
	}
	return int(reply[1]), reply[0] == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key ResourceKey) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get inventory: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrUnknownResource
	}
	return parseRecord(key, fields)
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	var out []Record
	iter := s.client.Scan(ctx, 0, s.prefix+"{*}", 100).Iterator()
	for iter.Next(ctx) {
		fields, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", iter.Val(), err)
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := parseRecord(ResourceKey{ResourceID: fields["resource_id"], Tier: fields["tier"]}, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan inventory: %w", err)
	}
	sortRecords(out)
	return out, nil
}

// provisionAttempts bounds optimistic retries against concurrent decrements.
const provisionAttempts = 5

func (s *RedisStore) Provision(ctx context.Context, key ResourceKey, fn ProvisionFunc) (*Record, error) {
	rk := s.recordKey(key)
	var out Record

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, rk).Result()
		if err != nil {
			return fmt.Errorf("failed to read inventory: %w", err)
		}
		var current *Record
		if len(fields) > 0 {
			if current, err = parseRecord(key, fields); err != nil {
				return err
			}
		}

		rec, err := fn(current)
		if err != nil {
			return err
		}
		rec.Key = key

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rk,
				"resource_id", key.ResourceID,
				"tier", key.Tier,
				"capacity", rec.TotalCapacity,
				"sold", rec.ReservedOrSold,
				"milestone", rec.LastMilestone,
				"updated_at", rec.UpdatedAt.UnixMilli(),
			)
			return nil
		})
		out = rec
		return err
	}

	for attempt := 0; attempt < provisionAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, rk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &out, nil
	}
	return nil, fmt.Errorf("failed to provision inventory: %s kept changing", key)
}

func (s *RedisStore) Reset(ctx context.Context, key ResourceKey) error {
	n, err := s.client.Del(ctx, s.recordKey(key), s.tokensKey(key)).Result()
	if err != nil {
		return fmt.Errorf("failed to reset inventory: %w", err)
	}
	if n == 0 {
		return ErrUnknownResource
	}
	return nil
}

func parseRecord(key ResourceKey, fields map[string]string) (*Record, error) {
	rec := &Record{Key: key, LastMilestone: NoMilestone}
	var err error
	parse := func(name string) int {
		if err != nil {
			return 0
		}
		v, perr := strconv.Atoi(fields[name])
		if perr != nil {
			err = fmt.Errorf("corrupt inventory field %s for %s: %w", name, key, perr)
		}
		return v
	}
	rec.TotalCapacity = parse("capacity")
	rec.ReservedOrSold = parse("sold")
	if _, ok := fields["milestone"]; ok {
		rec.LastMilestone = parse("milestone")
	}
	if err != nil {
		return nil, err
	}
	if ms, perr := strconv.ParseInt(fields["updated_at"], 10, 64); perr == nil {
		rec.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return rec, nil
}
