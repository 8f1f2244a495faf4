package usage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/voiceloop/voiceloop/internal/conversation"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestStore_RecordTurnAccumulates(t *testing.T) {
	store := NewStore(setupTestRedis(t))
	ctx := context.Background()

	turns := []conversation.TurnUsage{
		{Tokens: 10, Characters: 40, FirstTokenMs: 200, FirstAudioMs: 350},
		{Tokens: 5, Characters: 20, FirstTokenMs: 100, FirstAudioMs: 150},
	}
	for _, u := range turns {
		if err := store.RecordTurn(ctx, u); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	d, err := store.Day(ctx, time.Now())
	if err != nil {
		t.Fatalf("day read failed: %v", err)
	}
	if d.Turns != 2 {
		t.Errorf("expected 2 turns, got %d", d.Turns)
	}
	if d.Tokens != 15 {
		t.Errorf("expected 15 tokens, got %d", d.Tokens)
	}
	if d.Characters != 60 {
		t.Errorf("expected 60 characters, got %d", d.Characters)
	}
	if d.AvgFirstTokenMs() != 150 {
		t.Errorf("expected avg first-token 150ms, got %f", d.AvgFirstTokenMs())
	}
	if d.AvgFirstAudioMs() != 250 {
		t.Errorf("expected avg first-audio 250ms, got %f", d.AvgFirstAudioMs())
	}
}

func TestStore_ZeroLatenciesNotCounted(t *testing.T) {
	store := NewStore(setupTestRedis(t))
	ctx := context.Background()

	// a turn with no tokens or audio, e.g. abandoned by the backend
	if err := store.RecordTurn(ctx, conversation.TurnUsage{Tokens: 0, Characters: 0}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	d, err := store.Day(ctx, time.Now())
	if err != nil {
		t.Fatalf("day read failed: %v", err)
	}
	if d.Turns != 1 {
		t.Errorf("expected 1 turn, got %d", d.Turns)
	}
	if d.FirstTokenCount != 0 || d.FirstAudioCount != 0 {
		t.Error("zero latencies must not enter the averages")
	}
	if d.AvgFirstTokenMs() != 0 {
		t.Errorf("expected 0 average, got %f", d.AvgFirstTokenMs())
	}
}

func TestStore_EmptyDayIsZeroBucket(t *testing.T) {
	store := NewStore(setupTestRedis(t))

	d, err := store.Day(context.Background(), time.Now().AddDate(0, 0, -3))
	if err != nil {
		t.Fatalf("day read failed: %v", err)
	}
	if d.Turns != 0 || d.Tokens != 0 {
		t.Errorf("expected zero bucket, got %+v", d)
	}
}

func TestStore_Recent(t *testing.T) {
	store := NewStore(setupTestRedis(t))
	ctx := context.Background()

	if err := store.RecordTurn(ctx, conversation.TurnUsage{Tokens: 3, Characters: 12}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	days, err := store.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(days) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(days))
	}
	if days[0].Tokens != 3 {
		t.Errorf("today's bucket should hold the turn, got %+v", days[0])
	}
	if days[1].Turns != 0 || days[2].Turns != 0 {
		t.Error("past days should be zero buckets")
	}
}
