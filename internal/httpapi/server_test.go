package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"backcast/internal/cache"
	"backcast/internal/session"
	"backcast/internal/source"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(hour, min int) int64 {
	return time.Date(2024, 1, 1, hour, min, 0, 0, time.UTC).UnixMilli()
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	pit, err := cache.New(cache.Config{
		Backend:         cache.NewTableBackend(0),
		Fetcher:         &source.Synthetic{Base: 100},
		Settlement:      "USD",
		DefaultTimestep: "5m",
		LookbackBars:    2,
	})
	require.NoError(t, err)
	runs, err := session.NewRunStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })
	svc, err := session.NewService(session.ServiceConfig{Cache: pit, Runs: runs, MaxConcurrent: 1})
	require.NoError(t, err)
	srv, err := NewServer(Config{Addr: ":0", Service: svc, Cache: pit})
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	body := fmt.Sprintf(`{"asset":"AAPL","quote":"USD","timestep":"5m","start_ts":%d,"end_ts":%d,"lookback":2}`,
		ms(9, 30), ms(10, 0))
	rec := do(t, srv, http.MethodPost, "/api/sessions", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var run session.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.NotEmpty(t, run.ID)

	require.Eventually(t, func() bool {
		rec := do(t, srv, http.MethodGet, "/api/sessions/"+run.ID, "")
		if rec.Code != http.StatusOK {
			return false
		}
		var got session.Run
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			return false
		}
		return got.Status == session.StatusDone
	}, 5*time.Second, 20*time.Millisecond)

	rec = do(t, srv, http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), run.ID)
}

func TestSessionValidation(t *testing.T) {
	srv := newTestServer(t)

	// 缺字段被 binding 挡下
	rec := do(t, srv, http.MethodPost, "/api/sessions", `{"asset":"AAPL"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 区间非法在入库前被 clock 规则挡下
	body := fmt.Sprintf(`{"asset":"AAPL","quote":"USD","timestep":"5m","start_ts":%d,"end_ts":%d}`,
		ms(10, 0), ms(9, 30))
	rec = do(t, srv, http.MethodPost, "/api/sessions", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/sessions/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBarsEndpointHonorsCutoff(t *testing.T) {
	srv := newTestServer(t)

	url := fmt.Sprintf("/api/bars?asset=AAPL&quote=USD&timestep=5m&length=2&as_of=%d", ms(9, 40))
	rec := do(t, srv, http.MethodGet, url, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Bars []struct {
			TS int64 `json:"ts"`
		} `json:"bars"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Bars, 2)
	for _, b := range resp.Bars {
		assert.LessOrEqual(t, b.TS, ms(9, 40))
	}
}

func TestCoverageEndpoint(t *testing.T) {
	srv := newTestServer(t)

	// 先通过 bars 查询形成覆盖窗口
	do(t, srv, http.MethodGet, fmt.Sprintf("/api/bars?asset=AAPL&quote=USD&timestep=5m&length=2&as_of=%d", ms(9, 40)), "")

	rec := do(t, srv, http.MethodGet, "/api/coverage?asset=AAPL&quote=USD&timestep=5m", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "AAPL/USD@5m")
	assert.Contains(t, rec.Body.String(), "windows")
}
