package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bridgelabs/webbridge/internal/authority"
	"github.com/bridgelabs/webbridge/internal/infrastructure/config"
	"github.com/bridgelabs/webbridge/internal/infrastructure/logging"
	"github.com/bridgelabs/webbridge/internal/sched"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	// No authority in unit tests; server: actions fail as unreachable.
	t.Setenv("AUTHORITY_ENABLED", "false")
	srv, err := New("", logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func TestCreateAndDestroyView(t *testing.T) {
	srv := newTestServer(t)

	web, err := srv.CreateView(Interception)
	require.NoError(t, err)

	stats := srv.Engine().Stats()
	assert.Equal(t, 1, stats["sinks_attached"])

	srv.DestroyView(web.ID())
	stats = srv.Engine().Stats()
	assert.Equal(t, 0, stats["sinks_attached"])

	// Destroying twice is a no-op.
	srv.DestroyView(web.ID())
}

func TestCreateViewUnknownStrategy(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.CreateView(Strategy("carrier-pigeon"))
	assert.Error(t, err)
}

func TestInterceptionViewReachesLocalHandler(t *testing.T) {
	srv := newTestServer(t)
	srv.Engine().Registry().Register("greet", func(payload []byte) ([]byte, error) {
		return []byte(`{"hello":true}`), nil
	})

	web, err := srv.CreateView(Interception)
	require.NoError(t, err)

	_, err = web.RunScript("setup", `
		globalThis.ok = false;
		bridge.call("greet").then(r => { globalThis.ok = r.hello; });
	`)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		v, err := web.RunScript("check", `ok === true`)
		return err == nil && v.ToBoolean()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPollingViewReachesLocalHandler(t *testing.T) {
	srv := newTestServer(t)
	srv.Engine().Registry().Register("greet", func(payload []byte) ([]byte, error) {
		return []byte(`{"hello":true}`), nil
	})

	web, err := srv.CreateView(Polling)
	require.NoError(t, err)

	_, err = web.RunScript("setup", `
		globalThis.ok = false;
		bridge.call("greet").then(r => { globalThis.ok = r.hello; });
	`)
	require.NoError(t, err)

	// The periodic pump must carry the request and its response.
	assert.Eventually(t, func() bool {
		v, err := web.RunScript("check", `ok === true`)
		return err == nil && v.ToBoolean()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastReachesAllViews(t *testing.T) {
	srv := newTestServer(t)

	a, err := srv.CreateView(Interception)
	require.NoError(t, err)
	b, err := srv.CreateView(Polling)
	require.NoError(t, err)

	setup := `
		globalThis.seen = null;
		bridge.on("theme.changed", p => { globalThis.seen = p.theme; });
	`
	_, err = a.RunScript("setup", setup)
	require.NoError(t, err)
	_, err = b.RunScript("setup", setup)
	require.NoError(t, err)

	srv.Engine().Broadcast("theme.changed", []byte(`{"theme":"dark"}`))

	assert.Eventually(t, func() bool {
		va, errA := a.RunScript("check", `seen === "dark"`)
		vb, errB := b.RunScript("check", `seen === "dark"`)
		return errA == nil && errB == nil && va.ToBoolean() && vb.ToBoolean()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuthorityPushReachesViews(t *testing.T) {
	log := logging.NewNop()
	authSched := sched.New(2, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = authSched.Shutdown(ctx)
	})
	auth := authority.NewServer(config.Default(), authSched, nil, log)
	ts := httptest.NewServer(auth.Router())
	defer ts.Close()

	t.Setenv("AUTHORITY_ENABLED", "true")
	t.Setenv("AUTHORITY_URL", "ws"+strings.TrimPrefix(ts.URL, "http")+"/bridge")
	srv, err := New("", log)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.relay.Connect(ctx))

	web, err := srv.CreateView(Interception)
	require.NoError(t, err)
	_, err = web.RunScript("setup", `
		globalThis.level = 0;
		bridge.on("battery.changed", p => { globalThis.level = p.level; });
	`)
	require.NoError(t, err)

	// Pushing inside the poll absorbs the session-registration race on
	// the authority side.
	assert.Eventually(t, func() bool {
		_ = auth.PushEvent("battery.changed", []byte(`{"level":15}`))
		v, err := web.RunScript("check", `level === 15`)
		return err == nil && v.ToBoolean()
	}, 2*time.Second, 20*time.Millisecond)
}

// countingSurface records frames and offsets points so tests can tell
// the surface was actually consulted.
type countingSurface struct {
	mu     sync.Mutex
	frames int
}

func (s *countingSurface) Present(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return nil
}

func (s *countingSurface) TranslatePoint(x, y int) (int, int) {
	return x + 10, y + 20
}

func (s *countingSurface) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func TestPresentReachesSurface(t *testing.T) {
	srv := newTestServer(t)
	surf := &countingSurface{}
	srv.SetSurface(surf)

	srv.Present([]byte("frame-1"))
	srv.Present([]byte("frame-2"))

	assert.Eventually(t, func() bool {
		return surf.count() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSurfaceTranslateAction(t *testing.T) {
	srv := newTestServer(t)
	srv.SetSurface(&countingSurface{})

	web, err := srv.CreateView(Interception)
	require.NoError(t, err)

	_, err = web.RunScript("setup", `
		globalThis.pt = null;
		bridge.call("surface.translate", {x: 3, y: 4}).then(p => { globalThis.pt = p; });
	`)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		v, err := web.RunScript("check", `pt !== null && pt.x === 13 && pt.y === 24`)
		return err == nil && v.ToBoolean()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownIsClean(t *testing.T) {
	t.Setenv("AUTHORITY_ENABLED", "false")
	srv, err := New("", logging.NewNop())
	require.NoError(t, err)

	_, err = srv.CreateView(Interception)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}
