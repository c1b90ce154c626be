package wire

import (
	"bytes"
	"io"
	"testing"
)

type sample struct {
	Command string `json:"command"`
	Payload int    `json:"payload"`
}

func TestWriteReadFrameRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	want := sample{Command: "HELLO", Payload: 42}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatal(err)
	}

	var got sample
	if err := ReadFrame(&buf, &got); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	var buf bytes.Buffer
	var v sample
	if err := ReadFrame(&buf, &v); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameShortHeaderIsProtocolError(t *testing.T) {
	buf := bytes.NewBufferString("12345")
	var v sample
	if err := ReadFrame(buf, &v); err != ErrProtocol {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestReadFrameMalformedLength(t *testing.T) {
	buf := bytes.NewBufferString("notanumbr{}")
	var v sample
	if err := ReadFrame(buf, &v); err != ErrProtocol {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestReadFrameInvalidJSON(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("not json")
	buf.WriteString("0000000008")
	buf.Write(payload)

	var v sample
	if err := ReadFrame(&buf, &v); err != ErrProtocol {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := WriteFrame(&buf, sample{Command: "X", Payload: i}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		var got sample
		if err := ReadFrame(&buf, &got); err != nil {
			t.Fatal(err)
		}
		if got.Payload != i {
			t.Fatalf("frame %d: got payload %d", i, got.Payload)
		}
	}
	var v sample
	if err := ReadFrame(&buf, &v); err != io.EOF {
		t.Fatalf("expected io.EOF after all frames consumed, got %v", err)
	}
}
