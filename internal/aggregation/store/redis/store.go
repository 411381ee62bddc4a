// Package redis stores aggregation buckets in Redis so several engine
// processes can share running totals. Every mutation is a Lua script, which
// Redis runs atomically; totals are kept as integer pence.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"carfengine/internal/aggregation/models"
	id "carfengine/pkg/domain"
	"carfengine/pkg/platform/sentinel"
)

const classFieldPrefix = "class:"

// KEYS[1] bucket hash, KEYS[2] tax year index, KEYS[3] closed-period marker.
// ARGV: pseudonym, pence, asset class, breach flag, unix micros, threshold pence.
var applyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then return false end
if redis.call('HGET', KEYS[1], 'closed') == '1' then return false end
local pence = tonumber(ARGV[2])
local total = redis.call('HINCRBY', KEYS[1], 'total', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('HSET', KEYS[1], 'pseudonym', ARGV[1], 'class:' .. ARGV[3], '1')
local hwm = redis.call('HGET', KEYS[1], 'hwm')
if not hwm or pence > tonumber(hwm) then redis.call('HSET', KEYS[1], 'hwm', ARGV[2]) end
if ARGV[4] == '1' then redis.call('HSET', KEYS[1], 'any_breach', '1') end
if total >= tonumber(ARGV[6]) then redis.call('HSET', KEYS[1], 'agg_breach', '1') end
local ts = tonumber(ARGV[5])
local first = redis.call('HGET', KEYS[1], 'first')
if not first or ts < tonumber(first) then redis.call('HSET', KEYS[1], 'first', ARGV[5]) end
local last = redis.call('HGET', KEYS[1], 'last')
if not last or ts > tonumber(last) then redis.call('HSET', KEYS[1], 'last', ARGV[5]) end
redis.call('SADD', KEYS[2], ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

// KEYS[1] bucket hash. ARGV[1] closed-at unix micros.
var closeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return false end
if redis.call('HGET', KEYS[1], 'closed') ~= '1' then
	redis.call('HSET', KEYS[1], 'closed', '1', 'closed_at', ARGV[1])
end
return redis.call('HGETALL', KEYS[1])
`)

// KEYS[1] tax year index, KEYS[2] closed-period marker. ARGV[1] closed-at
// unix micros, ARGV[2] bucket key prefix.
var closePeriodScript = redis.NewScript(`
redis.call('SET', KEYS[2], ARGV[1], 'NX')
local n = 0
for _, p in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	local k = ARGV[2] .. p
	if redis.call('HGET', k, 'closed') ~= '1' then
		redis.call('HSET', k, 'closed', '1', 'closed_at', ARGV[1])
		n = n + 1
	end
end
return n
`)

// Store implements the aggregation bucket store on Redis. Keys of one tax
// year share a hash tag so the scripts stay within one cluster slot.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New creates a Redis bucket store. prefix namespaces every key.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "carf"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) yearTag(year id.TaxYear) string {
	return fmt.Sprintf("%s:{%d}", s.prefix, int(year))
}

func (s *Store) bucketPrefix(year id.TaxYear) string {
	return s.yearTag(year) + ":bucket:"
}

func (s *Store) bucketKey(key models.Key) string {
	return s.bucketPrefix(key.TaxYear) + key.Pseudonym.String()
}

func (s *Store) indexKey(year id.TaxYear) string {
	return s.yearTag(year) + ":index"
}

func (s *Store) closedKey(year id.TaxYear) string {
	return s.yearTag(year) + ":closed"
}

func (s *Store) Apply(ctx context.Context, key models.Key, c models.Contribution, threshold decimal.Decimal) (*models.Bucket, error) {
	pence, err := toPence(c.ValueGBP)
	if err != nil {
		return nil, err
	}
	breach := "0"
	if c.ThresholdBreach {
		breach = "1"
	}
	res, err := applyScript.Run(ctx, s.client,
		[]string{s.bucketKey(key), s.indexKey(key.TaxYear), s.closedKey(key.TaxYear)},
		key.Pseudonym.String(),
		pence,
		string(c.AssetClass),
		breach,
		c.Timestamp.UnixMicro(),
		threshold.Shift(2).Ceil().IntPart(),
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("bucket %s: %w", key, sentinel.ErrClosed)
		}
		return nil, fmt.Errorf("apply to bucket: %w", err)
	}
	return parseBucket(key, pairs(res))
}

func (s *Store) Close(ctx context.Context, key models.Key, at time.Time) (*models.Bucket, error) {
	res, err := closeScript.Run(ctx, s.client, []string{s.bucketKey(key)}, at.UnixMicro()).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("bucket %s: %w", key, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("close bucket: %w", err)
	}
	return parseBucket(key, pairs(res))
}

func (s *Store) ClosePeriod(ctx context.Context, year id.TaxYear, at time.Time) (int, error) {
	n, err := closePeriodScript.Run(ctx, s.client,
		[]string{s.indexKey(year), s.closedKey(year)},
		at.UnixMicro(),
		s.bucketPrefix(year),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("close period: %w", err)
	}
	return n, nil
}

func (s *Store) Get(ctx context.Context, key models.Key) (*models.Bucket, error) {
	fields, err := s.client.HGetAll(ctx, s.bucketKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get bucket: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("bucket %s: %w", key, sentinel.ErrNotFound)
	}
	return parseBucket(key, fields)
}

func (s *Store) ListByTaxYear(ctx context.Context, year id.TaxYear) ([]*models.Bucket, error) {
	members, err := s.client.SMembers(ctx, s.indexKey(year)).Result()
	if err != nil {
		return nil, fmt.Errorf("list bucket index: %w", err)
	}
	slices.Sort(members)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, p := range members {
		cmds[i] = pipe.HGetAll(ctx, s.bucketPrefix(year)+p)
	}
	if len(members) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("list buckets: %w", err)
		}
	}

	buckets := make([]*models.Bucket, 0, len(members))
	for i, p := range members {
		key := models.Key{Pseudonym: id.Pseudonym(p), TaxYear: year}
		b, err := parseBucket(key, cmds[i].Val())
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, nil
}

// toPence converts a GBP value to integer pence. Values finer than a penny
// are rejected rather than rounded.
func toPence(v decimal.Decimal) (int64, error) {
	shifted := v.Shift(2)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("value %s has sub-penny precision", v)
	}
	return shifted.IntPart(), nil
}

func pairs(flat []string) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[flat[i]] = flat[i+1]
	}
	return m
}

func parseBucket(key models.Key, fields map[string]string) (*models.Bucket, error) {
	b := models.NewBucket(key)
	var err error
	if b.Total, err = pounds(fields["total"]); err != nil {
		return nil, err
	}
	if b.HighWaterMark, err = pounds(fields["hwm"]); err != nil {
		return nil, err
	}
	if fields["count"] != "" {
		if b.Count, err = strconv.Atoi(fields["count"]); err != nil {
			return nil, fmt.Errorf("parse bucket count: %w", err)
		}
	}
	b.AnyTransactionBreach = fields["any_breach"] == "1"
	b.AggregateBreach = fields["agg_breach"] == "1"
	b.Closed = fields["closed"] == "1"
	if b.FirstActivity, err = micros(fields["first"]); err != nil {
		return nil, err
	}
	if b.LastActivity, err = micros(fields["last"]); err != nil {
		return nil, err
	}
	if raw := fields["closed_at"]; raw != "" {
		at, err := micros(raw)
		if err != nil {
			return nil, err
		}
		b.ClosedAt = &at
	}
	for field := range fields {
		if class, ok := strings.CutPrefix(field, classFieldPrefix); ok {
			b.AddClass(id.AssetClass(class))
		}
	}
	return b, nil
}

func pounds(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	pence, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse pence %q: %w", raw, err)
	}
	return decimal.New(pence, -2), nil
}

func micros(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return time.UnixMicro(v).UTC(), nil
}
