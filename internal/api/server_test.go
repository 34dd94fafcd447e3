package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/annel0/sharedobjects/internal/sharedobj"
	"github.com/annel0/sharedobjects/internal/storage"
	"github.com/annel0/sharedobjects/internal/transport"
	"github.com/annel0/sharedobjects/internal/vec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *sharedobj.Registry) {
	t.Helper()
	mt, err := transport.NewMemoryTransport(nil)
	require.NoError(t, err)
	reg, err := sharedobj.NewRegistry(mt, storage.NewMemoryPositionRepo())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reg.Close(context.Background())
		_ = mt.Close()
	})

	srv := NewServer(Config{Registry: reg, Transport: mt, Metrics: prometheus.NewRegistry()})
	return srv, reg
}

func get(t *testing.T, srv *Server, path string) (*httptest.ResponseRecorder, GenericResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var resp GenericResponse
	if w.Body.Len() > 0 && path != "/metrics" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w, resp
}

func TestHealthAndServerInfo(t *testing.T) {
	srv, _ := newTestServer(t)

	w, _ := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp := get(t, srv, "/api/server")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data, "memory")
	assert.Contains(t, data, "transport")

	w, _ = get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestObjectEndpoints(t *testing.T) {
	srv, reg := newTestServer(t)
	ctx := context.Background()

	w, _ := get(t, srv, "/api/namespaces/world/objects")
	assert.Equal(t, http.StatusNotFound, w.Code)

	ns, err := reg.Owner("world")
	require.NoError(t, err)
	_, err = ns.CreateObject(ctx, "prop", vec.New(1, 2, 3), 100, map[string]interface{}{"kind": "crate"})
	require.NoError(t, err)

	w, resp := get(t, srv, "/api/namespaces")
	require.Equal(t, http.StatusOK, w.Code)
	list := resp.Data.([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "world", list[0].(map[string]interface{})["name"])

	w, resp = get(t, srv, "/api/namespaces/world/objects")
	require.Equal(t, http.StatusOK, w.Code)
	objs := resp.Data.([]interface{})
	require.Len(t, objs, 1)
	assert.Nil(t, objs[0].(map[string]interface{})["state"], "Список не содержит состояния")

	w, resp = get(t, srv, "/api/namespaces/world/objects/prop")
	require.Equal(t, http.StatusOK, w.Code)
	obj := resp.Data.(map[string]interface{})
	assert.Equal(t, "prop", obj["id"])
	assert.InDelta(t, 100.0, obj["radius"], 1e-9)
	assert.Equal(t, "crate", obj["state"].(map[string]interface{})["kind"])

	w, _ = get(t, srv, "/api/namespaces/world/objects/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
