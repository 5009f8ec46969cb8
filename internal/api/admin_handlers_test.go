package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/pplx-kit/internal/jobs"
	"github.com/vrsandeep/pplx-kit/internal/panel"
	"github.com/vrsandeep/pplx-kit/internal/plugins"
	"github.com/vrsandeep/pplx-kit/internal/testutil"
)

func TestAdminHandlers(t *testing.T) {
	server, app := testutil.SetupTestServer(t)
	router := server.Router()

	t.Run("Get Version", func(t *testing.T) {
		rr := serve(t, router, http.MethodGet, "/api/version")
		require.Equal(t, http.StatusOK, rr.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, plugins.CoreVersion, body["core_version"])
		assert.Equal(t, app.Version(), body["version"])
	})

	t.Run("Health", func(t *testing.T) {
		rr := serve(t, router, http.MethodGet, "/api/health")
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("Document includes attached panels", func(t *testing.T) {
		p := app.Panels().Create(panel.Config{ID: "notes", Title: "Notes", Content: "<p>hi</p>"})
		p.Show()
		defer p.Destroy()

		rr := serve(t, router, http.MethodGet, "/api/document")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
		assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
		assert.Contains(t, rr.Body.String(), `id="notes"`)
		assert.Contains(t, rr.Body.String(), "<p>hi</p>")
	})

	t.Run("Sync plugins", func(t *testing.T) {
		rr := serve(t, router, http.MethodPost, "/api/plugins/sync")
		require.Equal(t, http.StatusAccepted, rr.Code)
		require.Eventually(t, func() bool { return !app.JobManager().IsRunning() }, 2*time.Second, 10*time.Millisecond)

		rr = serve(t, router, http.MethodGet, "/api/jobs/status")
		require.Equal(t, http.StatusOK, rr.Code)
		var statuses []jobs.JobStatus
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &statuses))
		require.Len(t, statuses, 1)
		assert.Equal(t, jobs.PluginSyncJobID, statuses[0].ID)
		assert.Equal(t, "success", statuses[0].Status)
	})

	t.Run("Run job", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/jobs/run", strings.NewReader(`{"job_id":"unknown"}`))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusConflict, rr.Code)

		req = httptest.NewRequest(http.MethodPost, "/api/jobs/run", strings.NewReader(`not json`))
		rr = httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestWebsocketRoute(t *testing.T) {
	server, app := testutil.SetupTestServer(t)
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return app.WsHub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, app.PluginManager().Register(t.Context(), &plugins.Definition{
		Meta: plugins.Metadata{ID: "hello", Name: "Hello", Version: "1.0.0", Description: "d", Author: "a"},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"core:plugin:registered","data":{"pluginId":"hello"}}`, string(msg))
}
