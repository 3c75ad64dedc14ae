package client

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/pathflip/internal/controller"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+controller.APIPrefix+"/toggle-path", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"STATUS": "SUCCESS", "DETAILS": "toggled"})
	})
	mux.HandleFunc("POST "+controller.APIPrefix+"/reset", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"S1 STATUS": "SUCCESS", "S1 DETAILS": "ok",
			"S3 STATUS": "ERROR", "S3 DETAILS": "gone",
		})
	})
	mux.HandleFunc("GET "+controller.APIPrefix+"/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(controller.Status{Ready: true, ActivePath: "B"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTogglePath(t *testing.T) {
	srv := fakeAPI(t)
	c := New(srv.URL, "", time.Second)

	res, err := c.TogglePath(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "toggled", res[controller.KeyDetails])
}

func TestResetPartialFailure(t *testing.T) {
	srv := fakeAPI(t)
	c := New(srv.URL, "", time.Second)

	res, err := c.Reset(context.Background())
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, "gone", res["S3 DETAILS"])
}

func TestStatus(t *testing.T) {
	srv := fakeAPI(t)
	c := New(srv.URL, "", time.Second)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Ready)
	assert.Equal(t, "B", st.ActivePath)
}

func TestUnexpectedStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := New(srv.URL, "", time.Second)

	_, err := c.TogglePath(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
}

func TestResultOKNeedsStatus(t *testing.T) {
	assert.False(t, Result{}.OK())
	assert.False(t, Result{"DETAILS": "x"}.OK())
	assert.True(t, Result{"S1 STATUS": "SUCCESS", "S3 STATUS": "SUCCESS"}.OK())
}

func TestReadyAndWaitReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	hs := health.NewServer()
	hs.SetServingStatus(controller.HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	go server.Serve(ln)
	defer server.Stop()

	c := New("http://unused", ln.Addr().String(), time.Second)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ready, err := c.Ready(ctx)
	require.NoError(t, err)
	assert.False(t, ready)

	go func() {
		time.Sleep(50 * time.Millisecond)
		hs.SetServingStatus(controller.HealthService, healthpb.HealthCheckResponse_SERVING)
	}()
	require.NoError(t, c.WaitReady(ctx, 10*time.Millisecond))

	short, cancelShort := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancelShort()
	hs.SetServingStatus(controller.HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	assert.Error(t, c.WaitReady(short, 10*time.Millisecond))
}
