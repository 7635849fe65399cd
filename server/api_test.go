package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/crowdcam/crowdcam/server/config"
	"github.com/crowdcam/crowdcam/server/risk"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) *Server {
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.HTTP.RateLimit = 0
	s, err := NewServer(logs.NewTestingLog(t), cfg)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func testJPEG(t *testing.T, width, height int) []byte {
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	for i := range img.Pixels {
		img.Pixels[i] = byte(i * 7)
	}
	b, err := cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling444, 95, 0))
	require.NoError(t, err)
	return b
}

func do(s *Server, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.httpRouter.ServeHTTP(w, req)
	return w
}

func TestPing(t *testing.T) {
	s := testServer(t)
	w := do(s, "GET", "/api/ping", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := map[string]any{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "crowdcam", resp["service"])
}

func TestAnalyzeRawBody(t *testing.T) {
	s := testServer(t)
	w := do(s, "POST", "/api/analyze", "image/jpeg", testJPEG(t, 320, 240))
	require.Equal(t, http.StatusOK, w.Code)
	res := risk.RiskResult{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	// No detectors or classifiers are configured, so every result comes
	// from the fallback provider.
	require.True(t, res.Fallback)
	require.GreaterOrEqual(t, res.PeopleCount, 1)
}

func TestAnalyzeJSONBody(t *testing.T) {
	s := testServer(t)
	body, _ := json.Marshal(map[string]string{
		"image":    base64.StdEncoding.EncodeToString(testJPEG(t, 160, 120)),
		"streamId": "cam-7",
	})
	w := do(s, "POST", "/api/analyze", "application/json", body)
	require.Equal(t, http.StatusOK, w.Code)
	res := risk.RiskResult{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, "cam-7", res.StreamID)
}

func TestAnalyzeBadImage(t *testing.T) {
	s := testServer(t)
	w := do(s, "POST", "/api/analyze", "image/jpeg", []byte("not an image"))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamSubmitAndPoll(t *testing.T) {
	s := testServer(t)
	frame := testJPEG(t, 320, 240)

	// Nothing submitted yet
	w := do(s, "GET", "/api/stream/gate/result", "", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(s, "POST", "/api/stream/gate/frame", "image/jpeg", frame)
	require.Equal(t, http.StatusOK, w.Code)
	resp := map[string]bool{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp["accepted"])

	// The worker runs asynchronously
	deadline := time.Now().Add(5 * time.Second)
	for {
		w = do(s, "GET", "/api/stream/gate/result", "", nil)
		if w.Code == http.StatusOK {
			break
		}
		require.Equal(t, http.StatusNoContent, w.Code)
		require.True(t, time.Now().Before(deadline), "timed out waiting for result")
		time.Sleep(5 * time.Millisecond)
	}
	res := risk.RiskResult{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, "gate", res.StreamID)

	w = do(s, "GET", fmt.Sprintf("/api/stream/%v/recent", "gate"), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	recent := []risk.RiskResult{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recent))
	require.Len(t, recent, 1)

	w = do(s, "DELETE", "/api/stream/gate", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(s, "GET", "/api/stream/gate/result", "", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(t)
	do(s, "POST", "/api/analyze", "image/jpeg", testJPEG(t, 64, 64))
	w := do(s, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "crowdcam_frames_analyzed_total")
}
