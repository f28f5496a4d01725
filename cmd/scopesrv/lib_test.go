package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/labcore/scopectl/runlog"
)

func newTestServer(t *testing.T) (*Rig, *httptest.Server) {
	c := DefaultConfig()
	c.RunLog = ":memory:"
	c.PositionPoll = 0
	c.Fluidics.MeasurePeriod = 0
	c.Fluidics.Circuit.SuspendDelay = 0
	c.Imaging.ShutterDelay = 0
	c.Imaging.SettleDelay = 0
	c.Imaging.PollInterval = 100 * time.Microsecond
	rig, err := NewRig(c, zap.NewNop())
	require.NoError(t, err)
	srv := httptest.NewServer(BuildMux(rig, c, zap.NewNop()))
	t.Cleanup(func() {
		srv.Close()
		rig.Close()
	})
	return rig, srv
}

func post(t *testing.T, url, body string) int {
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestEndpoints(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/endpoints")
	require.NoError(t, err)
	defer resp.Body.Close()
	graph := map[string][]string{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&graph))
	for _, stem := range []string{"/scanner", "/imaging", "/fluidics", "/events", "/runs"} {
		assert.Contains(t, graph, stem)
	}
	assert.Contains(t, graph["/scanner"], "POST /lock")
	assert.Contains(t, graph["/imaging"], "POST /sequence")
	assert.Contains(t, graph["/fluidics"], "POST /valve/{name}")
	assert.NotContains(t, graph["/events"], "POST /lock")
}

func TestNodeLocks(t *testing.T) {
	_, srv := newTestServer(t)
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/fluidics/lock", `{"bool": true}`))
	assert.Equal(t, http.StatusLocked, post(t, srv.URL+"/fluidics/arena", `{"index": 1, "flow": 1}`))
	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/imaging/emission", `{"bool": false}`), "locks are per node")
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/fluidics/lock", `{"bool": false}`))
	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/fluidics/arena", `{"index": 1, "flow": 1}`))
}

func TestScanIsRecorded(t *testing.T) {
	rig, srv := newTestServer(t)
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/scanner/settings",
		`{"resolution": {"x": 4, "y": 3}, "pixel_clock_frequency": 4000}`))
	require.Equal(t, http.StatusAccepted, post(t, srv.URL+"/scanner/start", `{"axes": ["x", "y"]}`))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rig.Scanner.Wait(ctx))

	var rows []runlog.ScanRun
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/runs/scans")
		require.NoError(t, err)
		defer resp.Body.Close()
		rows = nil
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
		return len(rows) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, rows[0].Lines)
	assert.Equal(t, 4, rows[0].Rx)
}

func TestDefaultConfigIsValid(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Fluidics.Circuit.Table.Validate())
	assert.True(t, c.Mock)
	assert.NotEmpty(t, c.Laser.Lines)
}

func TestUnavailableDAQFallsBackToSimulation(t *testing.T) {
	c := DefaultConfig()
	c.Mock = false
	c.RunLog = ""
	c.PositionPoll = 0
	c.Fluidics.MeasurePeriod = 0
	rig, err := NewRig(c, zap.NewNop())
	require.NoError(t, err)
	defer rig.Close()
	require.NoError(t, rig.Laser.SetupTriggerChannels())
	st, err := rig.Laser.SendTrigger()
	require.NoError(t, err)
	assert.False(t, st.Missed())
	require.NoError(t, rig.Laser.ReleaseTriggerChannels())
}
