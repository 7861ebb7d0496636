package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"
)

func TestWriteReadFrame(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{}`),
		[]byte(`{"action":"login","username":"alice"}`),
		bytes.Repeat([]byte("x"), 70000),
	}

	for _, p := range payloads {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}

		if got := binary.BigEndian.Uint32(buf.Bytes()[:HeaderSize]); int(got) != len(p) {
			t.Errorf("length prefix = %d, want %d", got, len(p))
		}

		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame() error = %v", err)
		}
		if !bytes.Equal(got, p) {
			t.Errorf("ReadFrame() returned %d bytes, want %d", len(got), len(p))
		}
	}
}

func TestReadFrame_Closure(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty stream", nil},
		{"zero length prefix", []byte{0, 0, 0, 0}},
		{"truncated length prefix", []byte{0, 0}},
		{"truncated payload", []byte{0, 0, 0, 10, 'a', 'b'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.input))
			if !errors.Is(err, ErrPeerClosed) {
				t.Errorf("ReadFrame() error = %v, want ErrPeerClosed", err)
			}
		})
	}
}

func TestReadFrame_TooLarge(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header, MaxFrameSize+1)

	_, err := ReadFrame(bytes.NewReader(header))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("ReadFrame() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestConn_SendReceive(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	server := NewConn(serverSide)
	client := NewConn(clientSide)

	sent := &Envelope{
		Blocks:    []*big.Int{big.NewInt(42)},
		Signature: big.NewInt(7),
		Sender:    "alice",
		Type:      TypeBroadcast,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Send(sent) }()

	var got Envelope
	if err := client.Receive(&got); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got.Sender != "alice" || got.Blocks[0].Int64() != 42 || got.Signature.Int64() != 7 {
		t.Errorf("Receive() = %+v, want %+v", got, sent)
	}
}

func TestConn_ReceiveMalformed(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	go WriteFrame(serverSide, []byte("not json"))

	var got Envelope
	err := NewConn(clientSide).Receive(&got)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("Receive() error = %v, want ErrMalformed", err)
	}
}

func TestConn_ReceiveAfterClose(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	conn := NewConn(clientSide)

	serverSide.Close()

	done := make(chan error, 1)
	go func() {
		var st Status
		done <- conn.Receive(&st)
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrPeerClosed) {
			t.Errorf("Receive() error = %v, want ErrPeerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive() did not return after peer closed")
	}
}
