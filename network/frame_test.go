package network

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"PING","payload":{"nonce":"a"}}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if got := buffer.Len(); got != 4+len(payload) {
		t.Fatalf("unexpected encoded length: got %d want %d", got, 4+len(payload))
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestFrameHeaderIsBigEndian(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, make([]byte, 258)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	header := buffer.Bytes()[:4]
	if !bytes.Equal(header, []byte{0, 0, 1, 2}) {
		t.Fatalf("unexpected header %v", header)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{0x00, 0x10, 0x00, 0x01})
	if _, err := ReadFrame(buffer); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{0x00, 0x00, 0x00, 0x05, 'a', 'b'})
	if _, err := ReadFrame(buffer); err == nil {
		t.Fatalf("expected error for truncated payload")
	}
}
