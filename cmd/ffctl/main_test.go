package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestToggleCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/wm/fast-failover-demo/toggle-path", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"STATUS": "SUCCESS", "DETAILS": "path B live"})
	}))
	defer srv.Close()

	out, err := runCmd(t, "toggle", "--api", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "DETAILS: path B live\nSTATUS: SUCCESS\n", out)
}

func TestResetCommandFailsOnNodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"S1 STATUS": "SUCCESS", "S1 DETAILS": "ok",
			"S3 STATUS": "ERROR", "S3 DETAILS": "not connected",
		})
	}))
	defer srv.Close()

	out, err := runCmd(t, "reset", "--api", srv.URL)
	require.Error(t, err)
	assert.Contains(t, out, "S3 STATUS: ERROR")
}
