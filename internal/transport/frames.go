package transport

import "encoding/json"

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateErrored      ConnectionState = "errored"
)

type FrameKind string

const (
	// outbound
	FrameKindAudio FrameKind = "audio"
	FrameKindText  FrameKind = "text"

	// inbound
	FrameKindToken      FrameKind = "token"
	FrameKindTranscript FrameKind = "transcript"
	FrameKindError      FrameKind = "error"
	FrameKindDone       FrameKind = "done"
)

// Frame is the wire unit in both directions. Payload carries raw audio
// (base64 over JSON), Text carries token deltas, transcripts, and outbound
// text messages.
type Frame struct {
	TurnID  uint64    `json:"turn_id"`
	Kind    FrameKind `json:"kind"`
	Payload []byte    `json:"payload,omitempty"`
	Text    string    `json:"text,omitempty"`
	Format  string    `json:"format,omitempty"`
	Message string    `json:"message,omitempty"`
}

func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}
