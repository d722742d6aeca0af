package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/notify"
)

func dial(t *testing.T, ctx context.Context, hub *Hub, server *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func newHubServer(t *testing.T, opts ...HubOption) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(opts...)
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Shutdown()
		server.Close()
	})
	return hub, server
}

func TestHubReloadScopes(t *testing.T) {
	testCases := []struct {
		scope notify.Scope
		want  string
	}{
		{notify.ScopePage, TypeReload},
		{notify.ScopeCSS, TypeCSS},
	}

	for _, tc := range testCases {
		t.Run(string(tc.scope), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			hub, server := newHubServer(t)
			conn := dial(t, ctx, hub, server)
			require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

			require.NoError(t, hub.Reload(ctx, tc.scope))

			var msg Message
			require.NoError(t, wsjson.Read(ctx, conn, &msg))
			assert.Equal(t, tc.want, msg.Type)
			assert.False(t, msg.Timestamp.IsZero())
		})
	}
}

func TestHubBroadcastsToEveryClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub, server := newHubServer(t)
	first := dial(t, ctx, hub, server)
	second := dial(t, ctx, hub, server)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Reload(ctx, notify.ScopePage))

	for _, conn := range []*websocket.Conn{first, second} {
		var msg Message
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		assert.Equal(t, TypeReload, msg.Type)
	}
}

func TestHubNotifyError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub, server := newHubServer(t)
	conn := dial(t, ctx, hub, server)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	pe := errors.NewTransformError(errors.ErrCodeCompileFailed, "undefined variable", os.ErrInvalid).
		WithTask("styles").
		WithLocation("app/assets/sass/main.scss", 3, 9)
	require.NoError(t, hub.NotifyError(ctx, pe))

	var msg Message
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "styles", msg.Task)
	assert.Equal(t, "app/assets/sass/main.scss", msg.File)
	assert.Equal(t, 3, msg.Line)
	assert.Equal(t, 9, msg.Column)
	assert.Contains(t, msg.Content, "undefined variable")
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, server := newHubServer(t, WithOriginPatterns("localhost:*"))

	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), &websocket.DialOptions{
		HTTPHeader: header,
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHubForgetsClosedClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub, server := newHubServer(t)
	conn := dial(t, ctx, hub, server)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubShutdown(t *testing.T) {
	hub := NewHub()
	hub.Shutdown()
	hub.Shutdown()

	err := hub.Reload(context.Background(), notify.ScopePage)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}

	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
