package endpoints

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, string) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestAdminPaths(t *testing.T) {
	stat := MakeStatsReceiver("grid")
	stat.Counter("requests").Inc(3)
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("api")) })
	s := NewTwitterServer("localhost:0", stat, map[string]http.Handler{"/se/grid/": api})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	code, body := get(t, srv.URL+HealthPath)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get(t, srv.URL+MetricsPath)
	assert.Equal(t, http.StatusOK, code)
	metrics := map[string]interface{}{}
	require.NoError(t, json.Unmarshal([]byte(body), &metrics))
	assert.EqualValues(t, 3, metrics["grid/requests"])

	code, body = get(t, srv.URL+"/se/grid/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "api", body)

	code, body = get(t, srv.URL+"/elsewhere")
	assert.Equal(t, http.StatusNotImplemented, code)
	assert.Contains(t, body, "/se/grid/")
}

func TestShutdownBeforeServe(t *testing.T) {
	s := NewTwitterServer("localhost:0", MakeStatsReceiver("grid"), nil)
	assert.NoError(t, s.Shutdown(context.Background()))
	assert.NoError(t, s.Serve())
}
