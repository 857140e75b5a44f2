package present

import (
	"context"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/framebus/kernel/threads/dirty"
)

func startStream(t *testing.T, opts StreamOptions) (*StreamPresenter, string) {
	t.Helper()
	sp, err := NewStreamPresenter(opts)
	require.NoError(t, err)
	srv := httptest.NewServer(sp)
	t.Cleanup(func() {
		_ = sp.Shutdown(context.Background())
		srv.Close()
	})
	return sp, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, sp *StreamPresenter, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return sp.Clients() == want }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readPatch(t *testing.T, conn *websocket.Conn) Patch {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, typ)
	p, err := DecodePatch(data)
	require.NoError(t, err)
	return p
}

func TestStreamPresenter_MirrorsFrames(t *testing.T) {
	sp, url := startStream(t, StreamOptions{})
	conn := dial(t, sp, url, 1)
	ctx := context.Background()

	// First delivery to a new client is always whole.
	f1 := newFrame(8, 6, 1, false, dirty.Rect{X: 0, Y: 0, W: 1, H: 1})
	require.NoError(t, sp.Present(ctx, f1))
	p := readPatch(t, conn)
	assert.True(t, p.Full)

	mirror := image.NewRGBA(image.Rect(0, 0, 8, 6))
	require.NoError(t, p.Apply(mirror))
	assert.Equal(t, f1.Pixels, mirror.Pix)

	f2 := newFrame(8, 6, 2, false, dirty.Rect{X: 2, Y: 2, W: 3, H: 3})
	require.NoError(t, sp.Present(ctx, f2))
	p = readPatch(t, conn)
	assert.False(t, p.Full)
	require.Len(t, p.Tiles, 1)
	require.NoError(t, p.Apply(mirror))
	assert.Equal(t, f2.Pixels[(3*8+3)*4:(3*8+4)*4], mirror.Pix[(3*8+3)*4:(3*8+4)*4])

	stats := sp.Stats()
	assert.Equal(t, uint64(2), stats.Frames)
	assert.Equal(t, uint64(2), stats.Sent)
	assert.Equal(t, uint64(1), stats.Accepted)
}

func TestStreamPresenter_RateLimitForcesFullFrame(t *testing.T) {
	sp, url := startStream(t, StreamOptions{FrameRate: 1, Burst: 1})
	conn := dial(t, sp, url, 1)
	ctx := context.Background()

	for gen := uint32(1); gen <= 3; gen++ {
		require.NoError(t, sp.Present(ctx, newFrame(4, 4, gen, false, dirty.Rect{W: 1, H: 1})))
	}
	p := readPatch(t, conn)
	assert.Equal(t, uint32(1), p.Generation)

	stats := sp.Stats()
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(2), stats.Skipped)
}

func TestStreamPresenter_MaxClients(t *testing.T) {
	sp, url := startStream(t, StreamOptions{MaxClients: 1})
	dial(t, sp, url, 1)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, uint64(1), sp.Stats().Rejected)
}

func TestStreamPresenter_ClientDisconnect(t *testing.T) {
	sp, url := startStream(t, StreamOptions{})
	conn := dial(t, sp, url, 1)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return sp.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, sp.Present(context.Background(), newFrame(2, 2, 1, true)))
}

func TestStreamPresenter_Shutdown(t *testing.T) {
	sp, url := startStream(t, StreamOptions{})
	conn := dial(t, sp, url, 1)

	require.NoError(t, sp.Shutdown(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	assert.ErrorIs(t, sp.Present(context.Background(), newFrame(2, 2, 1, true)), ErrShutdown)
	assert.NoError(t, sp.Shutdown(context.Background()))
}
