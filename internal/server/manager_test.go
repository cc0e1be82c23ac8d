package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, handler http.Handler) *Manager {
	t.Helper()
	cfg := APIDefaults()
	cfg.Addr = ":0"
	m := New("api", handler, cfg, zap.NewNop())
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

// --- 缺省配置 ---

func TestAPIDefaults_StreamingFriendly(t *testing.T) {
	cfg := APIDefaults()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Zero(t, cfg.WriteTimeout, "api listener must not cut off long streams")
	assert.Equal(t, 120*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 1<<20, cfg.MaxHeaderBytes)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestMetricsDefaults_Values(t *testing.T) {
	cfg := MetricsDefaults()
	assert.Equal(t, ":9090", cfg.Addr)
	assert.NotZero(t, cfg.WriteTimeout)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

// --- 生命周期 ---

func TestManager_StartAndShutdown(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	m := newTestManager(t, handler)

	require.NoError(t, m.Start())

	resp, err := http.Get("http://" + m.ListenAddr() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
}

func TestManager_DoubleStart(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	require.NoError(t, m.Start())

	err := m.Start()
	assert.ErrorContains(t, err, "already started")
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	require.NoError(t, m.Start())

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_StartAfterShutdown(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	require.NoError(t, m.Start())
	require.NoError(t, m.Shutdown(context.Background()))

	err := m.Start()
	assert.ErrorContains(t, err, "closed")
}

func TestManager_IsRunning(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	assert.True(t, m.IsRunning())

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
}

func TestManager_ListenAddr(t *testing.T) {
	cfg := MetricsDefaults()
	cfg.Addr = ":0"
	m := New("metrics", http.NewServeMux(), cfg, zap.NewNop())
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	// 未启动时回退到配置地址
	assert.Equal(t, ":0", m.ListenAddr())
	assert.Equal(t, "metrics", m.Name())

	require.NoError(t, m.Start())
	assert.NotEqual(t, ":0", m.ListenAddr(), "should expose the bound port")
}

func TestManager_Errors(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())

	ch := m.Errors()
	require.NotNil(t, ch)
	select {
	case <-ch:
		t.Fatal("should not have received an error")
	default:
	}
}

// --- 多监听器错误汇聚 ---

func TestMergedErrors_PropagatesFirstFailure(t *testing.T) {
	a := newTestManager(t, http.NewServeMux())
	b := newTestManager(t, http.NewServeMux())

	merged := mergedErrors([]*Manager{a, b})

	want := assert.AnError
	b.errCh <- want

	select {
	case got := <-merged:
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("merged channel never delivered the listener error")
	}
}
