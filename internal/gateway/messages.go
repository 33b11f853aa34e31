package gateway

import "github.com/canvascast/canvascast/internal/session"

// Inbound message kinds.
const (
	kindStartStream = "start-stream"
	kindCanvasFrame = "canvas-frame"
	kindStopStream  = "stop-stream"
	kindHeartbeat   = "heartbeat"
)

// Outbound message kinds.
const (
	kindStreamReady   = "stream-ready"
	kindStreamStatus  = "stream-status"
	kindStreamError   = "stream-error"
	kindStreamStopped = "stream-stopped"
	kindPong          = "pong"
)

// inboundMessage is the envelope for every client→relay message. One JSON
// message is one logical event; fields beyond Type are kind-specific.
type inboundMessage struct {
	Type      string       `json:"type"`
	SessionID string       `json:"sessionId,omitempty"`
	Plan      string       `json:"plan,omitempty"`
	Dest      *destination `json:"destination,omitempty"`
	Quality   *qualityReq  `json:"quality,omitempty"`
	FrameData string       `json:"frameData,omitempty"`
}

// destination is the RTMP publish target. The stream key is a secret: it
// flows into the encoder invocation and nowhere else.
type destination struct {
	IngestURL string `json:"ingestURL"`
	StreamKey string `json:"streamKey"`
}

// qualityReq is the client's requested quality, clamped to its plan tier.
type qualityReq struct {
	BitrateKbps int    `json:"bitrateKbps,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
}

// outboundMessage is the envelope for every relay→client message.
type outboundMessage struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId,omitempty"`
	Message    string          `json:"message,omitempty"`
	ExitReason string          `json:"exitReason,omitempty"`
	Status     *session.Status `json:"status,omitempty"`
}
