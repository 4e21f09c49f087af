package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eleven-am/voice-relay/internal/shared"
)

const (
	sessionTTL = 24 * time.Hour
	metricsTTL = 7 * 24 * time.Hour
)

type Store struct {
	redis *redis.Client
}

func NewStore(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = shared.NewID("sess_")
	}
	now := time.Now()
	sess.Status = StatusActive
	sess.StartedAt = now
	sess.LastActiveAt = now

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, sess.RedisKey(), sess.fields())
	pipe.Expire(ctx, sess.RedisKey(), sessionTTL)
	pipe.SAdd(ctx, activeSessionsKey, sess.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return s.IncrementMetric(ctx, "sessions", 1)
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	data, err := s.redis.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, shared.ErrNotFound
	}
	return sessionFromHash(data), nil
}

// EndSession marks a session finished and removes it from the active set.
func (s *Store) EndSession(ctx context.Context, id string, status Status) error {
	if err := s.requireSession(ctx, id); err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, sessionKey(id), map[string]any{
		"status":         string(status),
		"ended_at":       now,
		"last_active_at": now,
	})
	pipe.Expire(ctx, sessionKey(id), sessionTTL)
	pipe.SRem(ctx, activeSessionsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if status == StatusError {
		return s.IncrementMetric(ctx, "failed_sessions", 1)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, activeSessionsKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// ListActive returns the sessions still marked active. Members whose record
// has expired are pruned from the active set.
func (s *Store) ListActive(ctx context.Context) ([]*Session, error) {
	ids, err := s.redis.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if errors.Is(err, shared.ErrNotFound) {
			s.redis.SRem(ctx, activeSessionsKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.Status == StatusActive {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// IncrementTurns counts a completed turn. Turns without a session record,
// such as text chat, only reach the hourly totals.
func (s *Store) IncrementTurns(ctx context.Context, sessionID string) error {
	if err := s.touch(ctx, sessionID, "turns"); err != nil && !errors.Is(err, shared.ErrNotFound) {
		return err
	}
	return s.IncrementMetric(ctx, "turns", 1)
}

// IncrementErrors counts a failure of the given kind (stt_failed,
// llm_failed, tts_failed) against the session and the hourly totals.
func (s *Store) IncrementErrors(ctx context.Context, sessionID, kind string) error {
	if err := s.touch(ctx, sessionID, "errors"); err != nil && !errors.Is(err, shared.ErrNotFound) {
		return err
	}

	key := s.currentMetricsKey()
	pipe := s.redis.Pipeline()
	pipe.HIncrBy(ctx, key, "error_count", 1)
	if kind != "" {
		pipe.HIncrBy(ctx, key, errorFieldPrefix+kind, 1)
	}
	pipe.Expire(ctx, key, metricsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) RecordAudioChunks(ctx context.Context, chunks int) error {
	if chunks <= 0 {
		return nil
	}
	return s.IncrementMetric(ctx, "audio_chunks", int64(chunks))
}

func (s *Store) IncrementMetric(ctx context.Context, field string, value int64) error {
	key := s.currentMetricsKey()

	pipe := s.redis.Pipeline()
	pipe.HIncrBy(ctx, key, field, value)
	pipe.Expire(ctx, key, metricsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) RecordLatency(ctx context.Context, latencyMs int64) error {
	key := s.currentMetricsKey()

	pipe := s.redis.Pipeline()
	pipe.HIncrBy(ctx, key, "total_latency_ms", latencyMs)
	pipe.HIncrBy(ctx, key, "latency_count", 1)
	pipe.Expire(ctx, key, metricsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetMetrics returns the hourly buckets with activity for the last hours
// hours, newest first.
func (s *Store) GetMetrics(ctx context.Context, hours int) ([]*Metrics, error) {
	now := time.Now().UTC()
	var metrics []*Metrics

	for i := 0; i < hours; i++ {
		t := now.Add(-time.Duration(i) * time.Hour)
		key := MetricsRedisKey(t.Format("2006-01-02"), t.Hour())

		data, err := s.redis.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}

		m := &Metrics{
			Date:           t.Format("2006-01-02"),
			Hour:           t.Hour(),
			Sessions:       parseInt(data["sessions"]),
			FailedSessions: parseInt(data["failed_sessions"]),
			Turns:          parseInt(data["turns"]),
			AudioChunks:    parseInt(data["audio_chunks"]),
			ErrorCount:     parseInt(data["error_count"]),
		}

		for field, v := range data {
			if kind, ok := strings.CutPrefix(field, errorFieldPrefix); ok {
				if m.ErrorsByKind == nil {
					m.ErrorsByKind = make(map[string]int64)
				}
				m.ErrorsByKind[kind] = parseInt(v)
			}
		}

		totalLatency := parseInt(data["total_latency_ms"])
		latencyCount := parseInt(data["latency_count"])
		if latencyCount > 0 {
			m.AvgLatencyMs = totalLatency / latencyCount
		}

		metrics = append(metrics, m)
	}

	return metrics, nil
}

func (s *Store) GetMetricsForLast7Days(ctx context.Context) ([]*Metrics, error) {
	return s.GetMetrics(ctx, 7*24)
}

func (s *Store) currentMetricsKey() string {
	now := time.Now().UTC()
	return MetricsRedisKey(now.Format("2006-01-02"), now.Hour())
}

func (s *Store) requireSession(ctx context.Context, id string) error {
	n, err := s.redis.Exists(ctx, sessionKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// touch bumps a counter on an existing session record.
func (s *Store) touch(ctx context.Context, id, field string) error {
	if err := s.requireSession(ctx, id); err != nil {
		return err
	}
	pipe := s.redis.TxPipeline()
	pipe.HIncrBy(ctx, sessionKey(id), field, 1)
	pipe.HSet(ctx, sessionKey(id), "last_active_at", time.Now().UnixMilli())
	_, err := pipe.Exec(ctx)
	return err
}
