// Package ipc implements the local control protocol between the cddns
// service and its terminal clients: length-delimited JSON messages over
// a unix domain socket.
//
// Each frame is a 4-byte big-endian payload length followed by one JSON
// envelope {type, payload}. Framing keeps no partial-message state
// between reads; a frame that fails to parse costs the offending
// connection, never the server.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// MaxFrameSize bounds a single message. Snapshots for even large record
// sets are a few KiB; anything near the cap is a broken or hostile peer.
const MaxFrameSize = 1 << 20

var (
	ErrFrameTooLarge = errors.New("ipc: frame exceeds size limit")
	ErrEmptyFrame    = errors.New("ipc: empty frame")
)

type MsgType string

// Requests.
const (
	TypePing        MsgType = "ping"
	TypeGetStatus   MsgType = "get_status"
	TypeTrigger     MsgType = "trigger_update"
	TypeSubscribe   MsgType = "subscribe"
	TypeUnsubscribe MsgType = "unsubscribe"
	TypeStop        MsgType = "stop"
)

// Responses and pushes.
const (
	TypePong     MsgType = "pong"
	TypeStatus   MsgType = "status"
	TypeAck      MsgType = "ack"
	TypeError    MsgType = "error"
	TypeSnapshot MsgType = "snapshot" // push: a tick published
	TypeLog      MsgType = "log"      // push: service log line
)

// Message is the self-describing envelope every frame carries.
type Message struct {
	Type    MsgType         `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AckPayload struct {
	Command MsgType `json:"command"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type LogPayload struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// NewMessage marshals payload into an envelope. A nil payload produces
// a bare message of the given type.
func NewMessage(t MsgType, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("ipc: marshal %s payload: %w", t, err)
		}
		msg.Payload = b
	}
	return msg, nil
}

// DecodePayload unmarshals the message payload into v.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("ipc: %s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("ipc: decode %s payload: %w", m.Type, err)
	}
	return nil
}

// WriteMessage frames and writes one message.
func WriteMessage(w io.Writer, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipc: marshal message: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

// ReadMessage reads and decodes one frame.
func ReadMessage(r io.Reader) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return Message{}, ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return Message{}, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("ipc: decode frame: %w", err)
	}
	if msg.Type == "" {
		return Message{}, errors.New("ipc: frame missing type")
	}
	return msg, nil
}
