package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	req, err := NewMessage(TypeAck, AckPayload{Command: TypeStop})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := WriteMessage(&buf, req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Type != TypeAck {
		t.Fatalf("type = %q, want %q", got.Type, TypeAck)
	}
	var p AckPayload
	if err := got.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Command != TypeStop {
		t.Fatalf("command = %q, want %q", p.Command, TypeStop)
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	buf.Write(header[:])

	if _, err := ReadMessage(&buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadMessageRejectsEmptyFrame(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	if _, err := ReadMessage(&buf); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("err = %v, want ErrEmptyFrame", err)
	}
}

func TestReadMessageRequiresType(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	body := []byte(`{"payload":{}}`)
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	buf.Write(header[:])
	buf.Write(body)

	if _, err := ReadMessage(&buf); err == nil {
		t.Fatal("expected error for frame without type")
	}
}

func TestReadMessageRejectsGarbage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	body := []byte("not json at all")
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	buf.Write(header[:])
	buf.Write(body)

	if _, err := ReadMessage(&buf); err == nil {
		t.Fatal("expected error for non-JSON frame")
	}
}
