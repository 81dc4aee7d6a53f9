package queue

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisQueueConfig configures the Redis Streams queue implementation.
type RedisQueueConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	Group        string
	Consumer     string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	PoolSize     int
	MasterName   string
	TLS          RedisTLSConfig
	Policy       RetryPolicy
}

// NewRedisQueue initialises a durable queue backed by Redis Streams. Jobs are
// delivered through a consumer group; unacknowledged entries are reclaimed
// after the retry policy's backoff and redelivered with an incremented
// attempt counter. Entries that burn through every attempt stay in the
// pending list so operators can inspect them.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "lectern:transcode"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "transcode-workers"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = randomConsumerID()
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	queue := &RedisQueue{
		client:       client,
		stream:       stream,
		group:        group,
		consumer:     consumer,
		blockTimeout: cfg.BlockTimeout,
		policy:       cfg.Policy.normalize(),
		logger:       cfg.Logger,
		exhausted:    make(map[string]struct{}),
	}
	if queue.logger == nil {
		queue.logger = slog.Default()
	}
	if queue.blockTimeout <= 0 {
		queue.blockTimeout = 2 * time.Second
	}
	if err := queue.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

// RedisQueue implements Queue on top of a Redis Streams consumer group.
type RedisQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	consumer     string
	blockTimeout time.Duration
	policy       RetryPolicy
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool

	exhaustedMu sync.Mutex
	exhausted   map[string]struct{}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		default:
		}
		if err := q.ensureGroup(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return Delivery{}, err
			}
			q.logger.Warn("redis queue group ensure failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if delivery, ok, err := q.reclaim(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return Delivery{}, err
			}
			q.logger.Warn("redis queue reclaim failed", "error", err)
		} else if ok {
			return delivery, nil
		}
		delivery, ok, err := q.readNew(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return Delivery{}, err
			}
			q.logger.Warn("redis queue read failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if ok {
			return delivery, nil
		}
	}
}

// reclaim scans the pending entries list for timed-out deliveries and claims
// the first one whose backoff has elapsed. Exhausted entries are skipped and
// left pending.
func (q *RedisQueue) reclaim(ctx context.Context) (Delivery, bool, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  32,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Delivery{}, false, nil
		}
		return Delivery{}, false, err
	}
	for _, entry := range pending {
		attempts := int(entry.RetryCount)
		if q.policy.Exhausted(attempts) {
			q.noteExhausted(entry.ID)
			continue
		}
		backoff := q.policy.Delay(attempts)
		if entry.Idle < backoff {
			continue
		}
		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  backoff,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return Delivery{}, false, err
		}
		for _, message := range claimed {
			job, ok := q.decode(ctx, message)
			if !ok {
				continue
			}
			return Delivery{Job: job, Attempt: attempts + 1, ID: message.ID}, true, nil
		}
	}
	return Delivery{}, false, nil
}

func (q *RedisQueue) readNew(ctx context.Context) (Delivery, bool, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Delivery{}, false, nil
		}
		return Delivery{}, false, err
	}
	for _, stream := range streams {
		for _, message := range stream.Messages {
			job, ok := q.decode(ctx, message)
			if !ok {
				continue
			}
			return Delivery{Job: job, Attempt: 1, ID: message.ID}, true, nil
		}
	}
	return Delivery{}, false, nil
}

// decode unpacks a stream entry. Malformed entries are acknowledged so they
// cannot wedge the consumer group.
func (q *RedisQueue) decode(ctx context.Context, message redis.XMessage) (Job, bool) {
	raw, _ := message.Values["payload"].(string)
	var job Job
	if raw == "" || json.Unmarshal([]byte(raw), &job) != nil || validateJob(job) != nil {
		q.logger.Error("redis queue decode failed", "id", message.ID)
		if err := q.client.XAck(ctx, q.stream, q.group, message.ID).Err(); err != nil {
			q.logger.Warn("redis ack failed", "id", message.ID, "error", err)
		}
		return Job{}, false
	}
	return job, true
}

func (q *RedisQueue) Ack(ctx context.Context, delivery Delivery) error {
	if delivery.ID == "" {
		return errors.New("delivery id is required")
	}
	return q.client.XAck(ctx, q.stream, q.group, delivery.ID).Err()
}

// Ping verifies the Redis backend is reachable.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil {
		if isBusyGroup(err) {
			q.groupReady.Store(true)
			return nil
		}
		return err
	}
	q.groupReady.Store(true)
	return nil
}

func (q *RedisQueue) noteExhausted(id string) {
	q.exhaustedMu.Lock()
	_, seen := q.exhausted[id]
	if !seen {
		q.exhausted[id] = struct{}{}
	}
	q.exhaustedMu.Unlock()
	if !seen {
		q.logger.Warn("transcode job out of attempts, left pending", "id", id)
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygrou")
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("consumer-%s", hex.EncodeToString(buf))
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
