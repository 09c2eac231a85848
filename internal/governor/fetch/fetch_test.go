package fetch

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// chunkedSource serves a payload honoring offset/size like a real governor.
type chunkedSource struct {
	payload []byte
	calls   int
}

func (s *chunkedSource) Fetch(_ context.Context, req v1.FetchMsg) (*v1.FetchReplyMsg, error) {
	s.calls++
	total := uint64(len(s.payload))
	offset := req.Offset
	if offset > total {
		offset = total
	}
	end := offset + req.Size
	if end > total {
		end = total
	}
	reply := &v1.FetchReplyMsg{
		Status:        v1.FetchOk,
		Data:          s.payload[offset:end],
		TransportSize: total,
	}
	if req.IncludeInfo {
		size := int64(total)
		reply.Info = &v1.ObjectInfo{Size: &size}
	}
	return reply, nil
}

// statusSource answers a fixed sequence of replies.
type statusSource struct {
	replies []*v1.FetchReplyMsg
}

func (s *statusSource) Fetch(context.Context, v1.FetchMsg) (*v1.FetchReplyMsg, error) {
	if len(s.replies) == 0 {
		return nil, fmt.Errorf("no more scripted replies")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

type fakeResolver struct {
	server Source
	peers  map[v1.GovernorID]Source
}

func (r *fakeResolver) Server() Source { return r.server }

func (r *fakeResolver) Governor(_ context.Context, id v1.GovernorID) (Source, error) {
	peer, ok := r.peers[id]
	if !ok {
		return nil, fmt.Errorf("unknown governor %s", id)
	}
	return peer, nil
}

func testOpts(t *testing.T, placement v1.GovernorID) Options {
	t.Helper()
	return Options{
		ID:         v1.NewObjectID(1, 1),
		DataType:   v1.DataTypeBlob,
		TargetPath: filepath.Join(t.TempDir(), "obj"),
		Placement:  placement,
	}
}

func TestFetchReassemblesChunks(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 1<<20) // 10 MiB, several chunks
	peer := &chunkedSource{payload: payload}
	resolver := &fakeResolver{peers: map[v1.GovernorID]Source{"10.0.0.2:7000": peer}}

	d, info, err := Fetch(context.Background(), resolver, testOpts(t, "10.0.0.2:7000"))
	require.NoError(t, err)
	require.NotNil(t, info)
	content, err := d.Bytes()
	require.NoError(t, err)
	require.Equal(t, payload, content)
	require.Greater(t, peer.calls, 1, "10 MiB must take several 4 MiB chunks")
}

func TestFetchAnyChunkBoundary(t *testing.T) {
	// A payload sized just around the chunk boundary must still arrive
	// byte-identical.
	for _, size := range []int{1, ChunkSize - 1, ChunkSize, ChunkSize + 1} {
		payload := bytes.Repeat([]byte{0xc3}, size)
		peer := &chunkedSource{payload: payload}
		resolver := &fakeResolver{peers: map[v1.GovernorID]Source{"p:1": peer}}
		d, _, err := Fetch(context.Background(), resolver, testOpts(t, "p:1"))
		require.NoError(t, err)
		content, err := d.Bytes()
		require.NoError(t, err)
		require.Equal(t, payload, content, "size %d", size)
	}
}

func TestFetchPeerNotHereFallsBackToServer(t *testing.T) {
	resolver := &fakeResolver{
		server: &chunkedSource{payload: []byte("from server")},
		peers: map[v1.GovernorID]Source{
			"p:1": &statusSource{replies: []*v1.FetchReplyMsg{{Status: v1.FetchNotHere}}},
		},
	}
	d, _, err := Fetch(context.Background(), resolver, testOpts(t, "p:1"))
	require.NoError(t, err)
	content, err := d.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("from server"), content)
}

func TestFetchServerRedirectsToPeer(t *testing.T) {
	resolver := &fakeResolver{
		server: &statusSource{replies: []*v1.FetchReplyMsg{
			{Status: v1.FetchRedirect, Redirect: "p:2"},
		}},
		peers: map[v1.GovernorID]Source{
			"p:2": &chunkedSource{payload: []byte("moved here")},
		},
	}
	d, _, err := Fetch(context.Background(), resolver, testOpts(t, ""))
	require.NoError(t, err)
	content, err := d.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("moved here"), content)
}

func TestFetchRedirectBound(t *testing.T) {
	// A server that keeps redirecting to a peer that answers NotHere loops;
	// the redirect bound must break it.
	resolver := &fakeResolver{
		server: repeatSourceOf(&v1.FetchReplyMsg{Status: v1.FetchRedirect, Redirect: "p:1"}),
		peers: map[v1.GovernorID]Source{
			"p:1": repeatSourceOf(&v1.FetchReplyMsg{Status: v1.FetchNotHere}),
		},
	}
	_, _, err := Fetch(context.Background(), resolver, testOpts(t, ""))
	require.ErrorContains(t, err, "redirects")
}

func TestFetchRemovedAndIgnored(t *testing.T) {
	resolver := &fakeResolver{
		server: &statusSource{replies: []*v1.FetchReplyMsg{{Status: v1.FetchRemoved}}},
	}
	_, _, err := Fetch(context.Background(), resolver, testOpts(t, ""))
	require.ErrorIs(t, err, ErrRemoved)

	resolver = &fakeResolver{
		server: &statusSource{replies: []*v1.FetchReplyMsg{{Status: v1.FetchIgnored}}},
	}
	_, _, err = Fetch(context.Background(), resolver, testOpts(t, ""))
	require.ErrorIs(t, err, ErrIgnored)
}

func TestFetchCancellationDropsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resolver := &fakeResolver{server: &chunkedSource{payload: []byte("never read")}}
	_, _, err := Fetch(ctx, resolver, testOpts(t, ""))
	require.ErrorIs(t, err, context.Canceled)
}

// repeatSource answers the same reply forever.
type repeatSource v1.FetchReplyMsg

func (s *repeatSource) Fetch(context.Context, v1.FetchMsg) (*v1.FetchReplyMsg, error) {
	reply := v1.FetchReplyMsg(*s)
	return &reply, nil
}

func repeatSourceOf(reply *v1.FetchReplyMsg) Source {
	s := repeatSource(*reply)
	return &s
}
