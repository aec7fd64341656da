package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const (
	defaultKeyPrefix = "checkout:idempotency:"
	defaultTTL       = 24 * time.Hour
	opTimeout        = 2 * time.Second

	fieldHash      = "request_hash"
	fieldStatus    = "status"
	fieldResponse  = "response"
	fieldTTL       = "ttl_at"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
)

// reserveScript атомарно резервирует ключ.
// KEYS[1]: ключ записи; ARGV: request_hash, status, ttl_at (unix ms), now (unix ms).
// Если запись уже есть, возвращает её поля (HGETALL), иначе пустой список.
var reserveScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return redis.call("HGETALL", KEYS[1])
end
redis.call("HSET", KEYS[1],
    "request_hash", ARGV[1],
    "status", ARGV[2],
    "response", "",
    "ttl_at", ARGV[3],
    "created_at", ARGV[4],
    "updated_at", ARGV[4])
redis.call("PEXPIREAT", KEYS[1], ARGV[3])
return {}
`)

// markScript меняет статус только существующей записи, не трогая её TTL.
// KEYS[1]: ключ записи; ARGV: status, response, now (unix ms).
var markScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[1], "response", ARGV[2], "updated_at", ARGV[3])
return 1
`)

// Client: подмножество go-redis, нужное репозиторию.
type Client interface {
	goredis.Scripter
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// IdempotencyRepository хранит ключи checkout-запросов в Redis.
// Истечение TTL обеспечивает сам Redis через PEXPIREAT.
type IdempotencyRepository struct {
	client Client
	prefix string
	now    func() time.Time
}

// Option настраивает IdempotencyRepository.
type Option func(*IdempotencyRepository)

// WithKeyPrefix задаёт префикс ключей.
func WithKeyPrefix(prefix string) Option {
	return func(r *IdempotencyRepository) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(r *IdempotencyRepository) {
		if clock != nil {
			r.now = clock
		}
	}
}

// NewIdempotencyRepository создаёт Redis-реализацию IdempotencyRepository.
func NewIdempotencyRepository(client Client, opts ...Option) *IdempotencyRepository {
	r := &IdempotencyRepository{
		client: client,
		prefix: defaultKeyPrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open подключается к Redis и проверяет доступность.
func Open(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (r *IdempotencyRepository) CreateProcessing(key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := r.now()
	if ttlAt.IsZero() {
		ttlAt = now.Add(defaultTTL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := reserveScript.Run(ctx, r.client, []string{r.prefix + key},
		requestHash, string(domain.IdempotencyStatusProcessing), ttlAt.UnixMilli(), now.UnixMilli(),
	).Slice()
	if err != nil {
		return domain.IdempotencyRecord{}, domain.StorageFailure("idempotency.redis.reserve", err)
	}

	if len(res) == 0 {
		return domain.IdempotencyRecord{
			Key:         key,
			RequestHash: requestHash,
			Status:      domain.IdempotencyStatusProcessing,
			TTLAt:       time.UnixMilli(ttlAt.UnixMilli()).UTC(),
			CreatedAt:   time.UnixMilli(now.UnixMilli()).UTC(),
			UpdatedAt:   time.UnixMilli(now.UnixMilli()).UTC(),
		}, nil
	}

	existing, err := decodeRecord(key, pairsToMap(res))
	if err != nil {
		return domain.IdempotencyRecord{}, domain.StorageFailure("idempotency.redis.reserve", err)
	}
	if existing.RequestHash != requestHash {
		return existing, domain.ErrIdempotencyHashMismatch
	}
	return existing, domain.ErrIdempotencyKeyAlreadyExists
}

func (r *IdempotencyRepository) Get(key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	fields, err := r.client.HGetAll(ctx, r.prefix+key).Result()
	if err != nil {
		return domain.IdempotencyRecord{}, domain.StorageFailure("idempotency.redis.get", err)
	}
	if len(fields) == 0 {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}

	record, err := decodeRecord(key, fields)
	if err != nil {
		return domain.IdempotencyRecord{}, domain.StorageFailure("idempotency.redis.get", err)
	}
	return record, nil
}

func (r *IdempotencyRepository) MarkDone(key string, response []byte) error {
	return r.mark(key, domain.IdempotencyStatusDone, response)
}

func (r *IdempotencyRepository) MarkFailed(key string, response []byte) error {
	return r.mark(key, domain.IdempotencyStatusFailed, response)
}

func (r *IdempotencyRepository) Delete(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return domain.StorageFailure("idempotency.redis.delete", err)
	}
	return nil
}

// DeleteExpired ничего не делает: Redis удаляет просроченные ключи сам.
func (r *IdempotencyRepository) DeleteExpired(time.Time, int) (int, error) {
	return 0, nil
}

func (r *IdempotencyRepository) mark(key string, status domain.IdempotencyStatus, response []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	updated, err := markScript.Run(ctx, r.client, []string{r.prefix + key},
		string(status), string(response), r.now().UnixMilli(),
	).Int()
	if err != nil {
		return domain.StorageFailure("idempotency.redis.mark", err)
	}
	if updated == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

func pairsToMap(values []any) map[string]string {
	fields := make(map[string]string, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		fields[k] = v
	}
	return fields
}

func decodeRecord(key string, fields map[string]string) (domain.IdempotencyRecord, error) {
	record := domain.IdempotencyRecord{
		Key:         key,
		RequestHash: fields[fieldHash],
		Status:      domain.IdempotencyStatus(fields[fieldStatus]),
	}
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", fields[fieldStatus], key)
	}
	if resp := fields[fieldResponse]; resp != "" {
		record.Response = []byte(resp)
	}

	var err error
	if record.TTLAt, err = parseMillis(fields[fieldTTL]); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("decode %s: %w", fieldTTL, err)
	}
	if record.CreatedAt, err = parseMillis(fields[fieldCreatedAt]); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("decode %s: %w", fieldCreatedAt, err)
	}
	if record.UpdatedAt, err = parseMillis(fields[fieldUpdatedAt]); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("decode %s: %w", fieldUpdatedAt, err)
	}
	return record, nil
}

func parseMillis(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
