package websocket

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatcherRoutesByAction(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(ActionWait, func(_ context.Context, msg *Message) (*Message, error) {
		return NewResponse(msg.ID, msg.Action, map[string]bool{"handled": true})
	})

	req, err := NewRequest("1", ActionWait, nil)
	require.NoError(t, err)
	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, MessageTypeResponse, resp.Type)
	require.Equal(t, "1", resp.ID)

	var payload map[string]bool
	require.NoError(t, resp.ParsePayload(&payload))
	require.True(t, payload["handled"])
}

func TestDispatcherUnknownAction(t *testing.T) {
	d := NewDispatcher()
	req, err := NewRequest("2", "no.such.action", nil)
	require.NoError(t, err)
	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, MessageTypeError, resp.Type)

	var errPayload ErrorPayload
	require.NoError(t, resp.ParsePayload(&errPayload))
	require.Equal(t, ErrorCodeUnknownAction, errPayload.Code)
}

func TestMessageEnvelopeRoundTrip(t *testing.T) {
	msg, err := NewNotification(ActionTaskUpdated, map[string]string{"state": "finished"})
	require.NoError(t, err)
	require.Empty(t, msg.ID)
	require.Equal(t, MessageTypeNotification, msg.Type)

	var payload map[string]string
	require.NoError(t, msg.ParsePayload(&payload))
	require.Equal(t, "finished", payload["state"])
}
