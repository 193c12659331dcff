package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dreamware/ringleader/internal/cluster"
	"github.com/dreamware/ringleader/internal/ring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedWorker(t *testing.T, id string) *Worker {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w, _ := newWorker(newStore(), Config{ID: id, Addr: "127.0.0.1:9" + id})
	require.NoError(t, w.Start(ctx))
	require.Eventually(t, func() bool {
		return w.Election().IsLeader() && len(w.Ring().View().Snapshot) == 1
	}, time.Second, 5*time.Millisecond)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	w, _ := newWorker(newStore(), Config{ID: "1"})
	rec := httptest.NewRecorder()
	w.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatusEndpoint(t *testing.T) {
	w := startedWorker(t, "42")
	routes := w.Routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st cluster.WorkerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "42", st.Worker.ID)
	assert.Equal(t, "127.0.0.1:942", st.Worker.Addr)
	assert.Equal(t, "leader", st.Election.State)
	assert.Equal(t, ring.Slot("42", ring.DefaultSize), st.Ring.Slot)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestOwnerEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		code   int
	}{
		{"known key", http.MethodGet, "/owner?key=user:1", http.StatusOK},
		{"missing key", http.MethodGet, "/owner", http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/owner?key=x", http.StatusMethodNotAllowed},
	}

	w := startedWorker(t, "5")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			w.Routes().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
			assert.Equal(t, tt.code, rec.Code)
			if tt.code != http.StatusOK {
				return
			}
			var resp cluster.OwnerResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "user:1", resp.Key)
			assert.Equal(t, "5", resp.Owner)
			assert.Equal(t, ring.Slot("user:1", ring.DefaultSize), resp.Slot)
			assert.NotEmpty(t, resp.Range)
		})
	}
}

func TestOwnerEndpointEmptyRing(t *testing.T) {
	w, _ := newWorker(newStore(), Config{ID: "1"})
	rec := httptest.NewRecorder()
	w.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/owner?key=k", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestShutdownEndpoint(t *testing.T) {
	w, _ := newWorker(newStore(), Config{ID: "9"})
	routes := w.Routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/shutdown", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/shutdown", strings.NewReader("{bad")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	select {
	case <-w.ShutdownRequested():
		t.Fatal("shutdown requested too early")
	default:
	}

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/shutdown", strings.NewReader(`{"reason":"churn"}`)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	var info cluster.WorkerInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "9", info.ID)

	select {
	case <-w.ShutdownRequested():
	default:
		t.Fatal("shutdown not requested")
	}

	// an empty body is accepted too
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/shutdown", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

// The churn driver's client helpers speak to the real handler.
func TestClientHelpersAgainstRoutes(t *testing.T) {
	w := startedWorker(t, "8")
	srv := httptest.NewServer(w.Routes())
	defer srv.Close()
	ctx := context.Background()

	var st cluster.WorkerStatus
	require.NoError(t, cluster.GetJSON(ctx, srv.URL+"/status", &st))
	assert.Equal(t, "8", st.Worker.ID)

	require.NoError(t, cluster.PostJSON(ctx, srv.URL+"/shutdown", cluster.ShutdownRequest{Reason: "test"}, nil))
	select {
	case <-w.ShutdownRequested():
	case <-time.After(time.Second):
		t.Fatal("shutdown not requested")
	}
}
