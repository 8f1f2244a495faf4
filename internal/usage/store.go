package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voiceloop/voiceloop/internal/conversation"
)

const usageTTL = 30 * 24 * time.Hour

const dayFormat = "2006-01-02"

// Daily is the accounting bucket for one calendar day (UTC).
type Daily struct {
	Day             string `json:"day"`
	Turns           int64  `json:"turns"`
	Tokens          int64  `json:"tokens"`
	Characters      int64  `json:"characters"`
	FirstTokenMsSum int64  `json:"first_token_ms_sum"`
	FirstTokenCount int64  `json:"first_token_count"`
	FirstAudioMsSum int64  `json:"first_audio_ms_sum"`
	FirstAudioCount int64  `json:"first_audio_count"`
}

// AvgFirstTokenMs returns the mean first-token latency for the day, or 0
// when no turn produced tokens.
func (d Daily) AvgFirstTokenMs() float64 {
	if d.FirstTokenCount == 0 {
		return 0
	}
	return float64(d.FirstTokenMsSum) / float64(d.FirstTokenCount)
}

func (d Daily) AvgFirstAudioMs() float64 {
	if d.FirstAudioCount == 0 {
		return 0
	}
	return float64(d.FirstAudioMsSum) / float64(d.FirstAudioCount)
}

// Store keeps per-day usage counters in Redis hashes. Writes are pipelined
// increments; a failed write only costs accounting, never conversation state.
type Store struct {
	redis *redis.Client
}

func NewStore(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient}
}

func dayKey(t time.Time) string {
	return fmt.Sprintf("usage:%s", t.UTC().Format(dayFormat))
}

// RecordTurn folds one completed turn into today's bucket.
func (s *Store) RecordTurn(ctx context.Context, u conversation.TurnUsage) error {
	key := dayKey(time.Now())

	pipe := s.redis.Pipeline()
	pipe.HIncrBy(ctx, key, "turns", 1)
	pipe.HIncrBy(ctx, key, "tokens", int64(u.Tokens))
	pipe.HIncrBy(ctx, key, "characters", int64(u.Characters))
	if u.FirstTokenMs > 0 {
		pipe.HIncrBy(ctx, key, "first_token_ms_sum", int64(u.FirstTokenMs))
		pipe.HIncrBy(ctx, key, "first_token_count", 1)
	}
	if u.FirstAudioMs > 0 {
		pipe.HIncrBy(ctx, key, "first_audio_ms_sum", int64(u.FirstAudioMs))
		pipe.HIncrBy(ctx, key, "first_audio_count", 1)
	}
	pipe.Expire(ctx, key, usageTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Day returns the bucket for the given date. A day with no activity returns
// a zero bucket, not an error.
func (s *Store) Day(ctx context.Context, t time.Time) (Daily, error) {
	day := t.UTC().Format(dayFormat)
	fields, err := s.redis.HGetAll(ctx, dayKey(t)).Result()
	if err != nil {
		return Daily{}, err
	}

	d := Daily{Day: day}
	d.Turns = parseField(fields, "turns")
	d.Tokens = parseField(fields, "tokens")
	d.Characters = parseField(fields, "characters")
	d.FirstTokenMsSum = parseField(fields, "first_token_ms_sum")
	d.FirstTokenCount = parseField(fields, "first_token_count")
	d.FirstAudioMsSum = parseField(fields, "first_audio_ms_sum")
	d.FirstAudioCount = parseField(fields, "first_audio_count")
	return d, nil
}

// Recent returns the last n days of buckets, today first. Missing days are
// zero buckets.
func (s *Store) Recent(ctx context.Context, days int) ([]Daily, error) {
	if days <= 0 {
		days = 7
	}
	now := time.Now().UTC()
	out := make([]Daily, 0, days)
	for i := 0; i < days; i++ {
		d, err := s.Day(ctx, now.AddDate(0, 0, -i))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func parseField(fields map[string]string, name string) int64 {
	v, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
