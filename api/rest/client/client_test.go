package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuenteallott/pod/pkg/protocol"
)

func TestLocalShortCircuit(t *testing.T) {
	c := New(time.Second)

	var received protocol.Envelope
	c.SetLocal(func(body []byte) any {
		require.NoError(t, json.Unmarshal(body, &received))
		return protocol.Ack()
	}, "203.0.113.5")

	env := protocol.Envelope{
		Action:   protocol.ActionInstallActivity,
		Activity: &protocol.ActivityPayload{Name: "transcode"},
	}
	raw, err := c.Send(context.Background(), "localhost", env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":1}`, string(raw))
	assert.Equal(t, protocol.ActionInstallActivity, received.Action)
	require.NotNil(t, received.Activity)
	assert.Equal(t, "transcode", received.Activity.Name)
}

func TestLocalAddresses(t *testing.T) {
	c := New(time.Second)
	c.SetLocal(func([]byte) any { return protocol.Ack() }, "203.0.113.5")

	for _, addr := range []string{"localhost", "127.0.0.1", "localhost:8080", "203.0.113.5", "203.0.113.5:9090"} {
		assert.True(t, c.isLocal(addr), "addr %s", addr)
	}
	for _, addr := range []string{"10.0.0.1", "10.0.0.1:8080", "example.com"} {
		assert.False(t, c.isLocal(addr), "addr %s", addr)
	}
}

func TestIsLocalWithoutHandler(t *testing.T) {
	c := New(time.Second)
	assert.False(t, c.isLocal("localhost"))
}
