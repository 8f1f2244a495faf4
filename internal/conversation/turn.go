package conversation

import (
	"strings"
	"time"
)

// TurnStream accumulates one backend response: token deltas in arrival order
// for transcript reconstruction, plus the timing marks the controller turns
// into metrics. At most one TurnStream is active at a time.
type TurnStream struct {
	ID      uint64
	Started time.Time

	tokens     strings.Builder
	tokenCount int
	userText   string
	firstToken time.Time
	firstAudio time.Time
	done       bool
}

func NewTurnStream(id uint64) *TurnStream {
	return &TurnStream{ID: id, Started: time.Now()}
}

// AppendToken records one text delta and reports whether it was the first.
func (t *TurnStream) AppendToken(text string) bool {
	first := t.firstToken.IsZero()
	if first {
		t.firstToken = time.Now()
	}
	t.tokens.WriteString(text)
	t.tokenCount++
	return first
}

// MarkAudio records the arrival of an audio chunk and reports whether it was
// the first for this turn.
func (t *TurnStream) MarkAudio() bool {
	if !t.firstAudio.IsZero() {
		return false
	}
	t.firstAudio = time.Now()
	return true
}

// SetUserTranscript stores the backend's transcription of the user utterance
// that opened this turn.
func (t *TurnStream) SetUserTranscript(text string) {
	t.userText = text
}

func (t *TurnStream) MarkDone() {
	t.done = true
}

func (t *TurnStream) Done() bool { return t.done }

// AssistantText returns the reply transcript assembled from token deltas.
func (t *TurnStream) AssistantText() string { return t.tokens.String() }

func (t *TurnStream) UserText() string { return t.userText }

func (t *TurnStream) TokenCount() int { return t.tokenCount }

// FirstTokenLatency returns the delay from turn start to the first token
// delta, or zero if none arrived.
func (t *TurnStream) FirstTokenLatency() time.Duration {
	if t.firstToken.IsZero() {
		return 0
	}
	return t.firstToken.Sub(t.Started)
}

func (t *TurnStream) FirstAudioLatency() time.Duration {
	if t.firstAudio.IsZero() {
		return 0
	}
	return t.firstAudio.Sub(t.Started)
}
