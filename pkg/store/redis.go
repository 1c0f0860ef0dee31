package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/config"
	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore keeps each agent's history in a sorted set scored by event
// time. Members are prefixed with a zero-padded per-agent sequence so equal
// timestamps sort latest-appended first under ZREVRANGE.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	logger  zerolog.Logger
}

func NewRedisStore(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (*RedisStore, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}

	prefix := cfg.RedisKeyPrefix
	if prefix == "" {
		prefix = "hostwatch"
	}
	logger.Info().Str("addr", cfg.RedisAddr).Int("db", cfg.RedisDB).Msg("Connected to Redis event store")
	return &RedisStore{client: client, prefix: prefix, timeout: timeout, logger: logger}, nil
}

func (s *RedisStore) logsKey(agentID string) string {
	return fmt.Sprintf("%s:logs:%s", s.prefix, agentID)
}

func (s *RedisStore) seqKey(agentID string) string {
	return fmt.Sprintf("%s:seq:%s", s.prefix, agentID)
}

func encodeMember(seq int64, ev events.ScoredEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%020d|%s", seq, data), nil
}

func decodeMember(member string) (events.ScoredEvent, error) {
	var ev events.ScoredEvent
	_, payload, ok := strings.Cut(member, "|")
	if !ok {
		return ev, fmt.Errorf("malformed member %q", member)
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, err
	}
	if ev.Alerts == nil {
		ev.Alerts = []string{}
	}
	return ev, nil
}

func (s *RedisStore) AppendMany(ctx context.Context, agentID string, evs []events.ScoredEvent) error {
	if len(evs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	last, err := s.client.IncrBy(ctx, s.seqKey(agentID), int64(len(evs))).Result()
	if err != nil {
		return fmt.Errorf("redis reserve sequence for %s: %w", agentID, err)
	}
	first := last - int64(len(evs)) + 1

	members := make([]redis.Z, 0, len(evs))
	for i, ev := range evs {
		m, err := encodeMember(first+int64(i), ev)
		if err != nil {
			return fmt.Errorf("encode event for %s: %w", agentID, err)
		}
		members = append(members, redis.Z{Score: float64(ev.Timestamp.Unix()), Member: m})
	}
	if err := s.client.ZAdd(ctx, s.logsKey(agentID), members...).Err(); err != nil {
		return fmt.Errorf("redis zadd %d events for %s: %w", len(members), agentID, err)
	}
	return nil
}

func (s *RedisStore) QueryRecent(ctx context.Context, agentID string, limit int) ([]events.ScoredEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := s.client.ZRevRange(ctx, s.logsKey(agentID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis query recent for %s: %w", agentID, err)
	}

	out := make([]events.ScoredEvent, 0, len(members))
	for _, m := range members {
		ev, err := decodeMember(m)
		if err != nil {
			s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Skipping undecodable stored event")
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisStore) Close(context.Context) error {
	return s.client.Close()
}
