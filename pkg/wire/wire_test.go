package wire

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0xab}, 1<<20),
	}
	for _, p := range payloads {
		require.NoError(t, WriteFrame(&buf, p))
	}
	for _, want := range payloads {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ReadFrame(&buf)
	require.Equal(t, io.EOF, err)
}

func TestFrameTooLarge(t *testing.T) {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(header[:]))
	require.ErrorIs(t, err, ErrFrameTooLarge)

	require.ErrorIs(t, WriteFrame(io.Discard, make([]byte, MaxFrameSize+1)), ErrFrameTooLarge)
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello world")))
	truncated := buf.Bytes()[:buf.Len()-3]
	_, err := ReadFrame(bytes.NewReader(truncated))
	require.Error(t, err)
}

type echoPayload struct {
	Value string `msgpack:"value"`
}

func TestConnRequestReply(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	client := NewConn(clientEnd)
	server := NewConn(serverEnd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		_ = server.Serve(ctx, func(env *Envelope) {
			var in echoPayload
			_ = env.Decode(&in)
			_ = server.Reply(env, "echo_reply", echoPayload{Value: in.Value + "!"})
		})
	}()
	go func() {
		_ = client.Serve(ctx, func(*Envelope) {})
	}()

	env, err := client.Request(ctx, "echo", echoPayload{Value: "ping"})
	require.NoError(t, err)
	require.Equal(t, "echo_reply", env.Message)
	var out echoPayload
	require.NoError(t, env.Decode(&out))
	require.Equal(t, "ping!", out.Value)
}

func TestConnSendOrdering(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	client := NewConn(clientEnd)
	server := NewConn(serverEnd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan string, 16)
	go func() {
		_ = server.Serve(ctx, func(env *Envelope) {
			var in echoPayload
			_ = env.Decode(&in)
			received <- in.Value
		})
	}()

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, client.Send("msg", echoPayload{Value: v}))
	}
	for _, want := range []string{"a", "b", "c", "d"} {
		select {
		case got := <-received:
			require.Equal(t, want, got)
		case <-ctx.Done():
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestConnCloseFailsPending(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	client := NewConn(clientEnd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		_ = client.Serve(ctx, func(*Envelope) {})
	}()

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Request(ctx, "never_answered", echoPayload{})
		errCh <- err
	}()

	// Let the request hit the wire, then drop the peer.
	buf := make([]byte, 4)
	_, _ = io.ReadFull(serverEnd, buf)
	_ = serverEnd.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-ctx.Done():
		t.Fatal("pending request was not failed on close")
	}
}
