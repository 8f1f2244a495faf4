package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voiceloop/voiceloop/internal/capture"
	"github.com/voiceloop/voiceloop/internal/metrics"
	"github.com/voiceloop/voiceloop/internal/playback"
	"github.com/voiceloop/voiceloop/internal/shared"
	"github.com/voiceloop/voiceloop/internal/transport"
)

// State is the conversation phase. Exactly one is active at a time, owned
// exclusively by the Controller.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
)

const (
	MetricFirstToken = "time_to_first_token"
	MetricFirstAudio = "time_to_first_audio"
	MetricTurnTotal  = "turn_total"

	CounterTurns             = "turns"
	CounterBargeIns          = "barge_ins"
	CounterDroppedUtterances = "dropped_utterances"
	CounterTransportErrors   = "transport_errors"
	CounterDiscardedFrames   = "discarded_frames"
)

const sinkTimeout = 5 * time.Second

// CaptureEngine is the microphone side of the pipeline.
type CaptureEngine interface {
	Start(onUtterance func(capture.Utterance)) error
	Stop()
	Running() bool
	OnLevel(func(float64))
	OnError(func(error))
}

// PlaybackEngine is the speaker side of the pipeline.
type PlaybackEngine interface {
	Enqueue(playback.Chunk)
	Stop()
	IsPlaying() bool
	OnDrain(func())
}

// Transport is the duplex channel to the backend.
type Transport interface {
	Connect() error
	Disconnect() error
	Send(transport.Frame) error
	State() transport.ConnectionState
	OnFrame(transport.FrameKind, transport.Handler)
	OnStateChange(transport.StateListener)
}

// TurnRecord is one completed request/response cycle handed to the history
// sink.
type TurnRecord struct {
	SessionID     string
	TurnID        uint64
	UserText      string
	AssistantText string
	Started       time.Time
	Ended         time.Time
}

// TurnUsage is the accounting payload for one completed turn.
type TurnUsage struct {
	Tokens       int
	Characters   int
	FirstTokenMs float64
	FirstAudioMs float64
}

// HistorySink and UsageSink are fire-and-forget collaborators with no
// feedback into the state machine.
type HistorySink interface {
	AppendTurn(ctx context.Context, rec TurnRecord) error
}

type UsageSink interface {
	RecordTurn(ctx context.Context, u TurnUsage) error
}

// Controller is the central state machine. It decides when to capture, when
// to send, how to apply streamed tokens and audio, and how to process a
// barge-in. Every outbound utterance and every TurnStream carries a
// monotonically increasing turn identifier; inbound frames for any other
// turn are discarded unprocessed.
type Controller struct {
	capture  CaptureEngine
	playback PlaybackEngine
	channel  Transport
	stats    *metrics.Aggregator
	events   *Broadcaster
	history  HistorySink
	usage    UsageSink
	logger   *slog.Logger

	sessionID string

	mu     sync.Mutex
	state  State
	turnID uint64
	stream *TurnStream
}

func NewController(
	capEngine CaptureEngine,
	play PlaybackEngine,
	channel Transport,
	stats *metrics.Aggregator,
	history HistorySink,
	usage UsageSink,
	logger *slog.Logger,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		capture:   capEngine,
		playback:  play,
		channel:   channel,
		stats:     stats,
		events:    NewBroadcaster(),
		history:   history,
		usage:     usage,
		logger:    logger.With("component", "conversation"),
		sessionID: uuid.NewString(),
		state:     StateIdle,
	}

	capEngine.OnLevel(func(level float64) {
		c.events.Publish(Event{Kind: EventLevel, Level: level})
	})
	capEngine.OnError(c.handleDeviceError)
	play.OnDrain(c.handleDrain)

	channel.OnFrame(transport.FrameKindToken, c.handleToken)
	channel.OnFrame(transport.FrameKindAudio, c.handleAudio)
	channel.OnFrame(transport.FrameKindTranscript, c.handleTranscript)
	channel.OnFrame(transport.FrameKindError, c.handleBackendError)
	channel.OnFrame(transport.FrameKindDone, c.handleDone)
	channel.OnStateChange(c.handleTransportState)

	return c
}

func (c *Controller) SessionID() string { return c.sessionID }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the broadcaster UI collaborators subscribe to.
func (c *Controller) Events() *Broadcaster { return c.events }

// StartUserInput begins listening. From Processing or Speaking this is a
// barge-in: playback halts before the call returns, the in-flight turn is
// abandoned, and late frames for it will be discarded by turn id.
func (c *Controller) StartUserInput() error {
	c.mu.Lock()

	switch c.state {
	case StateListening:
		c.mu.Unlock()
		return nil
	case StateProcessing, StateSpeaking:
		c.playback.Stop()
		c.stream = nil
		c.stats.RecordEvent(CounterBargeIns)
		c.logger.Info("barge-in", "state", c.state)
	}

	c.setStateLocked(StateListening)
	c.mu.Unlock()

	if err := c.capture.Start(c.handleUtterance); err != nil {
		c.mu.Lock()
		c.setStateLocked(StateIdle)
		c.mu.Unlock()
		c.events.Publish(Event{Kind: EventError, Message: "microphone unavailable"})
		return err
	}
	return nil
}

// StopUserInput halts capture. If no utterance completed, the partial buffer
// is discarded and the controller returns to Idle.
func (c *Controller) StopUserInput() {
	c.capture.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateListening {
		c.setStateLocked(StateIdle)
	}
}

// SendTextMessage bypasses capture and opens a turn directly in Processing.
func (c *Controller) SendTextMessage(text string) error {
	if c.channel.State() != transport.StateConnected {
		return shared.ErrNotConnected
	}

	c.capture.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateProcessing || c.state == StateSpeaking {
		c.playback.Stop()
		c.stream = nil
	}

	c.turnID++
	id := c.turnID
	if err := c.channel.Send(transport.Frame{
		TurnID: id,
		Kind:   transport.FrameKindText,
		Text:   text,
	}); err != nil {
		c.stats.RecordEvent(CounterTransportErrors)
		c.setStateLocked(StateIdle)
		return err
	}

	c.stream = NewTurnStream(id)
	c.stream.SetUserTranscript(text)
	c.stats.RecordEvent(CounterTurns)
	c.setStateLocked(StateProcessing)
	return nil
}

// Reconnect asks the transport for a fresh connection attempt.
func (c *Controller) Reconnect() error {
	return c.channel.Connect()
}

// Close stops both engines and releases the transport.
func (c *Controller) Close() error {
	c.capture.Stop()
	c.playback.Stop()

	c.mu.Lock()
	c.stream = nil
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	return c.channel.Disconnect()
}

// handleUtterance runs on the capture goroutine whenever the VAD endpoints a
// speech segment. The VAD stays active until an explicit stop; utterances
// completed outside Listening carry no user intent and are ignored.
func (c *Controller) handleUtterance(u capture.Utterance) {
	c.mu.Lock()

	if c.state != StateListening {
		c.mu.Unlock()
		c.logger.Debug("ignoring utterance outside listening", "state", c.state)
		return
	}

	if c.channel.State() != transport.StateConnected {
		// deliberate data-loss policy: never queue stale audio for an
		// eventually-reconnected backend
		c.stats.RecordEvent(CounterDroppedUtterances)
		c.setStateLocked(StateIdle)
		c.mu.Unlock()

		c.logger.Warn("utterance dropped, transport not connected", "bytes", len(u.PCM))
		c.events.Publish(Event{Kind: EventError, Message: "disconnected, reconnecting"})
		return
	}

	c.turnID++
	id := c.turnID
	if err := c.channel.Send(transport.Frame{
		TurnID:  id,
		Kind:    transport.FrameKindAudio,
		Payload: u.PCM,
		Format:  playback.FormatPCM16,
	}); err != nil {
		c.stats.RecordEvent(CounterTransportErrors)
		c.setStateLocked(StateIdle)
		c.mu.Unlock()

		c.logger.Error("utterance send failed", "turn", id, "error", err)
		c.events.Publish(Event{Kind: EventError, Message: "send failed"})
		return
	}

	c.stream = NewTurnStream(id)
	c.stats.RecordEvent(CounterTurns)
	c.setStateLocked(StateProcessing)
	c.mu.Unlock()

	c.logger.Info("utterance sent", "turn", id, "bytes", len(u.PCM))
}

func (c *Controller) handleToken(f transport.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acceptsLocked(f.TurnID) {
		return
	}
	if c.stream.AppendToken(f.Text) {
		c.stats.RecordDuration(MetricFirstToken, c.stream.FirstTokenLatency())
	}
	if c.state == StateProcessing {
		c.setStateLocked(StateSpeaking)
	}
	c.events.Publish(Event{
		Kind:   EventTranscript,
		TurnID: f.TurnID,
		Role:   "assistant",
		Text:   f.Text,
	})
}

func (c *Controller) handleAudio(f transport.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acceptsLocked(f.TurnID) {
		return
	}
	if c.stream.MarkAudio() {
		c.stats.RecordDuration(MetricFirstAudio, c.stream.FirstAudioLatency())
	}
	if c.state == StateProcessing {
		c.setStateLocked(StateSpeaking)
	}
	c.playback.Enqueue(playback.Chunk{Data: f.Payload, Format: f.Format})
}

func (c *Controller) handleTranscript(f transport.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acceptsLocked(f.TurnID) {
		return
	}
	c.stream.SetUserTranscript(f.Text)
	c.events.Publish(Event{
		Kind:   EventTranscript,
		TurnID: f.TurnID,
		Role:   "user",
		Text:   f.Text,
	})
}

func (c *Controller) handleDone(f transport.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acceptsLocked(f.TurnID) {
		return
	}
	c.stream.MarkDone()
	if !c.playback.IsPlaying() {
		c.finalizeLocked()
	}
}

// handleDrain runs on the playback goroutine when the chunk queue empties.
// The turn only closes once both the done frame arrived and playback drained.
func (c *Controller) handleDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil && c.stream.Done() {
		c.finalizeLocked()
	}
}

func (c *Controller) handleBackendError(f transport.Frame) {
	c.mu.Lock()
	if c.stream == nil || f.TurnID != c.stream.ID {
		c.stats.RecordEvent(CounterDiscardedFrames)
		c.mu.Unlock()
		return
	}
	c.stream = nil
	c.playback.Stop()
	c.stats.RecordEvent(CounterTransportErrors)
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	c.logger.Error("backend error", "turn", f.TurnID, "message", f.Message)
	c.events.Publish(Event{Kind: EventError, TurnID: f.TurnID, Message: f.Message})
}

func (c *Controller) handleDeviceError(err error) {
	c.mu.Lock()
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	c.logger.Error("capture device failed", "error", err)
	c.events.Publish(Event{Kind: EventError, Message: "microphone failed"})
	go c.capture.Stop()
}

func (c *Controller) handleTransportState(s transport.ConnectionState) {
	if s == transport.StateConnected {
		return
	}
	if s == transport.StateErrored {
		c.stats.RecordEvent(CounterTransportErrors)
	}

	c.mu.Lock()
	if c.state == StateIdle && c.stream == nil {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	c.playback.Stop()
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	c.capture.Stop()
	c.events.Publish(Event{Kind: EventError, Message: "disconnected, reconnecting"})
}

// acceptsLocked reports whether a frame for the given turn applies to the
// active TurnStream. Frames for abandoned or unknown turns are counted and
// dropped.
func (c *Controller) acceptsLocked(turnID uint64) bool {
	if c.stream == nil || turnID != c.stream.ID {
		c.stats.RecordEvent(CounterDiscardedFrames)
		return false
	}
	return true
}

// finalizeLocked closes the active turn: records total latency, hands the
// transcript to the history sink and the accounting to the usage sink, and
// returns to Idle. Caller holds c.mu.
func (c *Controller) finalizeLocked() {
	stream := c.stream
	c.stream = nil
	c.setStateLocked(StateIdle)

	ended := time.Now()
	c.stats.RecordDuration(MetricTurnTotal, ended.Sub(stream.Started))

	rec := TurnRecord{
		SessionID:     c.sessionID,
		TurnID:        stream.ID,
		UserText:      stream.UserText(),
		AssistantText: stream.AssistantText(),
		Started:       stream.Started,
		Ended:         ended,
	}
	use := TurnUsage{
		Tokens:       stream.TokenCount(),
		Characters:   len(stream.AssistantText()),
		FirstTokenMs: float64(stream.FirstTokenLatency().Milliseconds()),
		FirstAudioMs: float64(stream.FirstAudioLatency().Milliseconds()),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if c.history != nil {
			if err := c.history.AppendTurn(ctx, rec); err != nil {
				c.logger.Error("history append failed", "turn", rec.TurnID, "error", err)
			}
		}
		if c.usage != nil {
			if err := c.usage.RecordTurn(ctx, use); err != nil {
				c.logger.Error("usage record failed", "turn", rec.TurnID, "error", err)
			}
		}
	}()

	c.logger.Info("turn completed", "turn", rec.TurnID, "tokens", use.Tokens)
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.events.Publish(Event{Kind: EventState, State: s})
}
