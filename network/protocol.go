package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MinProtocolVersion is the oldest version this build still speaks.
	MinProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame size, type byte included (16 MiB).
	MaxFrameSize = 16 * 1024 * 1024
	// DefaultHandshakeTimeout bounds the whole handshake exchange.
	DefaultHandshakeTimeout = 5 * time.Second
	// DefaultDialTimeout bounds the TCP connect.
	DefaultDialTimeout = 5 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 15 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultWriteQueueSize bounds queued outbound frames per connection.
	DefaultWriteQueueSize = 64
)

// MessageType is the one-byte frame discriminant.
type MessageType byte

const (
	TypeHandshake    MessageType = 1
	TypeTransferMeta MessageType = 2
	TypeChunkData    MessageType = 3
	TypeChunkAck     MessageType = 4
	TypeChunkNack    MessageType = 5
	TypeControl      MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case TypeHandshake:
		return "Handshake"
	case TypeTransferMeta:
		return "TransferMeta"
	case TypeChunkData:
		return "ChunkData"
	case TypeChunkAck:
		return "ChunkAck"
	case TypeChunkNack:
		return "ChunkNack"
	case TypeControl:
		return "Control"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// Valid reports whether t is a known discriminant.
func (t MessageType) Valid() bool {
	return t >= TypeHandshake && t <= TypeControl
}

// Message is one decoded frame.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Handshake stages.
const (
	StageHello   = "hello"
	StageWelcome = "welcome"
	StageProof   = "proof"
	StageReady   = "ready"
	StageReject  = "reject"
)

// HandshakeMessage is exchanged in both directions before a connection is usable.
type HandshakeMessage struct {
	Stage           string `json:"stage"`
	ProtocolVersion int    `json:"protocol_version"`
	PeerID          string `json:"peer_id,omitempty"`
	PeerName        string `json:"peer_name,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
	AuthToken       string `json:"auth_token,omitempty"`
	Error           string `json:"error,omitempty"`
}

// TransferMeta opens or resumes one transfer session.
type TransferMeta struct {
	SessionID   string `json:"session_id"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	FileHash    string `json:"file_hash"`
	ChunkSize   int    `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
}

// ChunkAck confirms one verified chunk.
type ChunkAck struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
}

// ChunkNack requests retransmission of one chunk.
type ChunkNack struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
	Reason    string `json:"reason,omitempty"`
}

// Control actions. Connection-level actions carry no session id.
const (
	ActionPing     = "ping"
	ActionPong     = "pong"
	ActionClose    = "close"
	ActionAccept   = "accept"
	ActionReject   = "reject"
	ActionResume   = "resume"
	ActionResumeOK = "resume_ok"
	ActionCancel   = "cancel"
	ActionComplete = "complete"
	ActionFailed   = "failed"

	// ActionClipboard shares clipboard text; it carries no session id.
	ActionClipboard = "clipboard"
)

// Control carries connection keep-alive and session lifecycle actions.
type Control struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Code      string `json:"code,omitempty"`
	Acked     []int  `json:"acked,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ChunkData carries one slice of a file.
type ChunkData struct {
	SessionID string
	Index     int
	Checksum  []byte
	Payload   []byte
}

const (
	chunkFieldSessionID protowire.Number = 1
	chunkFieldIndex     protowire.Number = 2
	chunkFieldChecksum  protowire.Number = 3
	chunkFieldPayload   protowire.Number = 4
)

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// NewJSONMessage builds a frame whose payload is v encoded as JSON.
func NewJSONMessage(t MessageType, v any) (Message, error) {
	payload, err := EncodeJSON(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Payload: payload}, nil
}

// DecodeJSON unmarshals a frame payload. Failures are protocol errors.
func DecodeJSON(msg Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return &ProtocolError{Reason: "malformed " + msg.Type.String() + " payload", Err: err}
	}
	return nil
}

// EncodeChunkData serializes a chunk with protowire.
func EncodeChunkData(chunk ChunkData) []byte {
	out := make([]byte, 0, len(chunk.Payload)+len(chunk.Checksum)+len(chunk.SessionID)+16)
	out = protowire.AppendTag(out, chunkFieldSessionID, protowire.BytesType)
	out = protowire.AppendString(out, chunk.SessionID)
	out = protowire.AppendTag(out, chunkFieldIndex, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(chunk.Index))
	out = protowire.AppendTag(out, chunkFieldChecksum, protowire.BytesType)
	out = protowire.AppendBytes(out, chunk.Checksum)
	out = protowire.AppendTag(out, chunkFieldPayload, protowire.BytesType)
	out = protowire.AppendBytes(out, chunk.Payload)
	return out
}

// NewChunkMessage wraps a chunk in a ChunkData frame.
func NewChunkMessage(chunk ChunkData) Message {
	return Message{Type: TypeChunkData, Payload: EncodeChunkData(chunk)}
}

// DecodeChunkData parses a ChunkData payload. The returned slices alias b.
func DecodeChunkData(b []byte) (ChunkData, error) {
	var chunk ChunkData
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return chunk, &ProtocolError{Reason: "malformed chunk", Err: protowire.ParseError(n)}
		}
		b = b[n:]

		switch {
		case num == chunkFieldSessionID && typ == protowire.BytesType:
			chunk.SessionID, n = protowire.ConsumeString(b)
		case num == chunkFieldIndex && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			chunk.Index = int(v)
		case num == chunkFieldChecksum && typ == protowire.BytesType:
			chunk.Checksum, n = protowire.ConsumeBytes(b)
		case num == chunkFieldPayload && typ == protowire.BytesType:
			chunk.Payload, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return chunk, &ProtocolError{Reason: "malformed chunk", Err: protowire.ParseError(n)}
		}
		b = b[n:]
	}
	if chunk.SessionID == "" {
		return chunk, &ProtocolError{Reason: "chunk without session id"}
	}
	if chunk.Index < 0 {
		return chunk, &ProtocolError{Reason: "negative chunk index"}
	}
	return chunk, nil
}

// WriteFrame writes one length-prefixed, typed frame.
func WriteFrame(w io.Writer, msg Message) error {
	if !msg.Type.Valid() {
		return &ProtocolError{Reason: "write " + msg.Type.String(), Err: ErrUnknownMessageType}
	}
	length := 1 + len(msg.Payload)
	if length > MaxFrameSize {
		return &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes", length), Err: ErrFrameTooLarge}
	}

	buf := make([]byte, 5+len(msg.Payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(length))
	buf[4] = byte(msg.Type)
	copy(buf[5:], msg.Payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. Oversized, empty or unknown-type frames yield a
// *ProtocolError; the caller must close the connection.
func ReadFrame(r io.Reader) (Message, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Message{}, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return Message{}, &ProtocolError{Reason: "empty frame"}
	}
	if length > MaxFrameSize {
		return Message{}, &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes", length), Err: ErrFrameTooLarge}
	}

	body := make([]byte, int(length))
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("read frame body: %w", err)
	}

	msg := Message{Type: MessageType(body[0]), Payload: body[1:]}
	if !msg.Type.Valid() {
		return Message{}, &ProtocolError{Reason: "read " + msg.Type.String(), Err: ErrUnknownMessageType}
	}
	return msg, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) (Message, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Message{}, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func controlMessage(action string) Message {
	payload, _ := EncodeJSON(Control{Action: action, Timestamp: time.Now().UnixMilli()})
	return Message{Type: TypeControl, Payload: payload}
}

func isVersionCompatible(version int) bool {
	return version >= MinProtocolVersion && version <= ProtocolVersion
}

var errEmptyPeerID = errors.New("empty peer id")
