package offline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registered(t *testing.T, network *fakeNetwork, configure ...func(*RegistrationConfig)) *Registration {
	t.Helper()
	network.serveShell()
	reg := newTestRegistration(t, network, configure...)
	_, err := reg.Register(context.Background(), "v1")
	require.NoError(t, err)
	return reg
}

func TestHandleMessage_ClearCacheThenSize(t *testing.T) {
	ctx := context.Background()
	reg := registered(t, newFakeNetwork())

	reply, err := reg.HandleMessage(ctx, Message{Type: MessageGetCacheSize})
	require.NoError(t, err)
	assert.Equal(t, &Reply{Type: ReplyCacheSize, Payload: 4}, reply)

	reply, err = reg.HandleMessage(ctx, Message{Type: MessageClearCache})
	require.NoError(t, err)
	assert.Equal(t, &Reply{Type: ReplyCacheCleared}, reply)

	reply, err = reg.HandleMessage(ctx, Message{Type: MessageGetCacheSize})
	require.NoError(t, err)
	assert.Equal(t, 0, reply.Payload)
}

func TestHandleMessage_PreloadStoresOnlyValidURLs(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	network.serve("/case-studies/acme", "text/html", "<p>acme</p>")
	reg := registered(t, network)

	before, err := reg.Active().CacheSize(ctx)
	require.NoError(t, err)

	msg, err := NewMessage(MessagePreloadResources, PreloadPayload{
		Resources: []string{"/case-studies/acme", "/case-studies/does-not-exist"},
	})
	require.NoError(t, err)
	reply, err := reg.HandleMessage(ctx, msg)
	require.NoError(t, err)
	assert.Nil(t, reply)

	after, err := reg.Active().CacheSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)
}

func TestHandleMessage_PreloadBadPayload(t *testing.T) {
	reg := registered(t, newFakeNetwork())

	_, err := reg.HandleMessage(context.Background(), Message{
		Type:    MessagePreloadResources,
		Payload: json.RawMessage(`"not an object"`),
	})
	assert.Error(t, err)
}

func TestHandleMessage_CheckUpdateAndSkipWaiting(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	deployVersion(network, "v1")
	reg := registered(t, network, func(cfg *RegistrationConfig) {
		cfg.Controller.WaitForClients = true
	})

	reply, err := reg.HandleMessage(ctx, Message{Type: MessageCheckUpdate})
	require.NoError(t, err)
	assert.Equal(t, &Reply{Type: ReplyUpdateAvailable, Payload: false}, reply)

	// Forget the throttled version so the next check hits the origin
	deployVersion(network, "v2")
	reg.versions.DeleteAll()
	reply, err = reg.HandleMessage(ctx, Message{Type: MessageCheckUpdate})
	require.NoError(t, err)
	assert.Equal(t, &Reply{Type: ReplyUpdateAvailable, Payload: true}, reply)

	reply, err = reg.HandleMessage(ctx, Message{Type: MessageSkipWaiting})
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Equal(t, "v2", reg.Active().Version())

	reply, err = reg.HandleMessage(ctx, Message{Type: MessageCheckUpdate})
	require.NoError(t, err)
	assert.Equal(t, false, reply.Payload)
}

func TestHandleMessage_CheckUpdateSwallowsErrors(t *testing.T) {
	network := newFakeNetwork()
	reg := registered(t, network)

	reply, err := reg.HandleMessage(context.Background(), Message{Type: MessageCheckUpdate})
	require.NoError(t, err)
	assert.Equal(t, false, reply.Payload)
}

func TestHandleMessage_Errors(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	empty := newTestRegistration(t, network)

	_, err := empty.HandleMessage(ctx, Message{Type: MessageGetCacheSize})
	assert.ErrorIs(t, err, ErrNotRegistered)
	_, err = empty.HandleMessage(ctx, Message{Type: "RELOAD"})
	assert.ErrorIs(t, err, ErrUnknownMessage)

	// SKIP_WAITING with nothing waiting is not an error
	reply, err := empty.HandleMessage(ctx, Message{Type: MessageSkipWaiting})
	require.NoError(t, err)
	assert.Nil(t, reply)

	reg := registered(t, network)
	_, err = reg.HandleMessage(ctx, Message{Type: "RELOAD"})
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestReplyJSON(t *testing.T) {
	tests := []struct {
		reply Reply
		want  string
	}{
		{Reply{Type: ReplyCacheSize, Payload: 0}, `{"type":"CACHE_SIZE","payload":0}`},
		{Reply{Type: ReplyUpdateAvailable, Payload: false}, `{"type":"UPDATE_AVAILABLE","payload":false}`},
		{Reply{Type: ReplyCacheCleared}, `{"type":"CACHE_CLEARED"}`},
	}
	for _, tt := range tests {
		raw, err := json.Marshal(tt.reply)
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, string(raw))
	}
}
