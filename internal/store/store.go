package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "github.com/coinlordd/pear-limit-engine/config"
	"github.com/coinlordd/pear-limit-engine/logger"
	"github.com/coinlordd/pear-limit-engine/models"
)

// ErrNil is returned when a key or field does not exist.
var ErrNil = errors.New("store: nil")

// Store is the shared Redis state of every role. All keys and channels are
// namespaced as <prefix>:<key>.
type Store struct {
	rdb    *redis.Client
	prefix string
	log    *logger.Entry
}

// New connects using cfg.URL and verifies the connection.
func New(ctx context.Context, cfg appconfig.RedisConfig) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis url is not set")
	}
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewFromClient(rdb, cfg.Prefix), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(rdb *redis.Client, prefix string) *Store {
	return &Store{
		rdb:    rdb,
		prefix: prefix,
		log:    logger.GetLogger().WithComponent("store"),
	}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Key applies the system prefix.
func (s *Store) Key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func encode(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Get decodes the JSON value at key into dst.
func (s *Store) Get(ctx context.Context, key string, dst any) error {
	b, err := s.rdb.Get(ctx, s.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNil
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Set stores v as JSON (strings are stored verbatim).
func (s *Store) Set(ctx context.Context, key string, v any) error {
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, s.Key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) HSet(ctx context.Context, key, field string, v any) error {
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", key, field, err)
	}
	return s.rdb.HSet(ctx, s.Key(key), field, data).Err()
}

// HGetMany returns the raw values of fields in request order, skipping
// fields that do not exist.
func (s *Store) HGetMany(ctx context.Context, key string, fields []string) ([][]byte, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.Key(key), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("hmget %s: %w", key, err)
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		if str, ok := v.(string); ok {
			out = append(out, []byte(str))
		}
	}
	return out, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	return s.rdb.HDel(ctx, s.Key(key), fields...).Err()
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, s.Key(key), redis.Z{Score: score, Member: member}).Err()
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.ZRem(ctx, s.Key(key), args...).Err()
}

// ZRangeByScore takes Redis score bounds, e.g. "(0.7" or "+inf".
func (s *Store) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, s.Key(key), &redis.ZRangeBy{Min: min, Max: max}).Result()
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.ZRange(ctx, s.Key(key), start, stop).Result()
}

func (s *Store) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.ZRevRange(ctx, s.Key(key), start, stop).Result()
}

// Tx runs fn inside MULTI/EXEC. Keys passed to the pipeliner must already be
// prefixed with Key.
func (s *Store) Tx(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	_, err := s.rdb.TxPipelined(ctx, fn)
	return err
}

func (s *Store) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.rdb.LPush(ctx, s.Key(key), args...).Err()
}

// RPop returns ErrNil on an empty list.
func (s *Store) RPop(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.RPop(ctx, s.Key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	return v, err
}

// BRPop blocks up to timeout and returns ErrNil when nothing arrived.
func (s *Store) BRPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	res, err := s.rdb.BRPop(ctx, timeout, s.Key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	if err != nil {
		return "", err
	}
	if len(res) != 2 {
		return "", fmt.Errorf("brpop %s: unexpected reply %v", key, res)
	}
	return res[1], nil
}

// Publish sends v as JSON on the prefixed channel.
func (s *Store) Publish(ctx context.Context, channel string, v any) error {
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", channel, err)
	}
	return s.rdb.Publish(ctx, s.Key(channel), data).Err()
}

// Subscription is an active channel subscription.
type Subscription struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
}

// Close unsubscribes and waits for the delivery goroutine.
func (sub *Subscription) Close() error {
	var err error
	sub.once.Do(func() {
		err = sub.ps.Close()
		<-sub.done
	})
	return err
}

// Done is closed once delivery stops.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}

// Subscribe delivers every payload on channel to handler, one at a time.
// Handler errors are logged and do not end the subscription.
func (s *Store) Subscribe(ctx context.Context, channel string, handler func([]byte) error) (*Subscription, error) {
	ps := s.rdb.Subscribe(ctx, s.Key(channel))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &Subscription{ps: ps, done: make(chan struct{})}
	log := s.log.WithField("channel", channel)
	go func() {
		defer close(sub.done)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				logger.RecordChannelMessage(channel, len(msg.Payload))
				if err := handler([]byte(msg.Payload)); err != nil {
					log.WithError(err).Warn("subscriber handler failed")
				}
			}
		}
	}()
	return sub, nil
}

// SetRatio stores the latest ratio under ratio:<pair>.
func (s *Store) SetRatio(ctx context.Context, sample models.RatioSample) error {
	return s.Set(ctx, "ratio:"+sample.PairID, sample)
}

// GetRatio returns ErrNil when no ratio was stored yet.
func (s *Store) GetRatio(ctx context.Context, pairID string) (models.RatioSample, error) {
	var sample models.RatioSample
	err := s.Get(ctx, "ratio:"+pairID, &sample)
	return sample, err
}

func (s *Store) SetTick(ctx context.Context, tick models.Tick) error {
	return s.Set(ctx, "tick:"+tick.AssetID, tick)
}

func (s *Store) GetTick(ctx context.Context, assetID string) (models.Tick, error) {
	var tick models.Tick
	err := s.Get(ctx, "tick:"+assetID, &tick)
	return tick, err
}
