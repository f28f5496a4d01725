package imaging

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcore/scopectl/camera"
	"github.com/labcore/scopectl/hwport"
	"github.com/labcore/scopectl/laser"
	"github.com/labcore/scopectl/multicolor"
	"github.com/labcore/scopectl/server"
	"github.com/labcore/scopectl/server/middleware/locker"
)

type fixture struct {
	srv  *httptest.Server
	cam  *camera.Mock
	port *hwport.Mock
	task *multicolor.Task
	lock *locker.Locker
}

func newFixture(t *testing.T, shutter time.Duration) *fixture {
	f := &fixture{port: hwport.NewMock(), cam: camera.NewMock(), lock: locker.New(Unprotected...)}
	l, err := laser.New(laser.DefaultConfig(), f.port, nil, nil)
	require.NoError(t, err)
	f.task = multicolor.NewTask(multicolor.Deps{
		Laser:  l,
		Camera: f.cam,
		Wheel:  multicolor.NewMockWheel(),
		Locker: f.lock,
	}, multicolor.Options{
		PollInterval:  100 * time.Microsecond,
		FireThreshold: 2.5,
		ShutterDelay:  shutter,
	})
	r := chi.NewRouter()
	r.Use(f.lock.Check)
	NewHTTPImaging(l, f.task, f.lock, nil).RT().Bind(r)
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) status(t *testing.T) multicolor.Status {
	resp, err := http.Get(f.srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st multicolor.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func writeSequence(t *testing.T) string {
	u := multicolor.UserConfig{
		FilterPos: 2,
		Exposure:  0.01,
		NumFrames: 2,
		SavePath:  t.TempDir(),
		ImagingSequence: []multicolor.SequenceEntry{
			{Identifier: "405 nm", Intensity: 50},
			{Identifier: "640 nm", Intensity: 5},
		},
	}
	b, err := multicolor.WriteUserConfig(u)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "seq.yaml")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func pathBody(t *testing.T, path string) string {
	b, err := json.Marshal(server.StrT{Str: path})
	require.NoError(t, err)
	return string(b)
}

func TestIntensity(t *testing.T) {
	f := newFixture(t, 0)
	assert.Equal(t, http.StatusOK, f.post(t, "/intensity", `{"line": "488 nm", "intensity": 30}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/intensity", `{"line": "999 nm", "intensity": 30}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/intensity", `{"line": "laser1", "intensity": 130}`).StatusCode)

	resp, err := http.Get(f.srv.URL + "/intensity")
	require.NoError(t, err)
	defer resp.Body.Close()
	got := map[string]float64{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 30., got["laser2"])

	require.Equal(t, http.StatusOK, f.post(t, "/emission", `{"bool": true}`).StatusCode)
	assert.Equal(t, 30*5/100., f.port.Value("/Dev1/AO1"))
	require.Equal(t, http.StatusOK, f.post(t, "/emission", `{"bool": false}`).StatusCode)
	assert.Zero(t, f.port.Value("/Dev1/AO1"))
}

func TestSequenceRejectedSynchronously(t *testing.T) {
	f := newFixture(t, 0)
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/sequence", pathBody(t, "/does/not/exist.yaml")).StatusCode)

	f.cam.SetLive(true)
	assert.Equal(t, http.StatusConflict, f.post(t, "/sequence", pathBody(t, writeSequence(t))).StatusCode)
	assert.Empty(t, f.cam.Calls())
	assert.Equal(t, http.StatusConflict, f.post(t, "/abort", ``).StatusCode)
}

func TestSequenceLocksLaserRoutes(t *testing.T) {
	f := newFixture(t, 300*time.Millisecond)
	resp := f.post(t, "/sequence", pathBody(t, writeSequence(t)))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, f.lock.Locked, 2*time.Second, time.Millisecond)
	assert.Equal(t, multicolor.Running, f.status(t).Phase)
	assert.Equal(t, http.StatusLocked, f.post(t, "/intensity", `{"line": "laser1", "intensity": 1}`).StatusCode)
	assert.Equal(t, http.StatusLocked, f.post(t, "/emission", `{"bool": true}`).StatusCode)
	assert.Equal(t, http.StatusConflict, f.post(t, "/sequence", pathBody(t, writeSequence(t))).StatusCode)

	require.Equal(t, http.StatusOK, f.post(t, "/abort", ``).StatusCode)
	require.Eventually(t, func() bool { return f.status(t).Phase == multicolor.Idle }, 2*time.Second, time.Millisecond)
	assert.False(t, f.lock.Locked())
	assert.Equal(t, http.StatusOK, f.post(t, "/intensity", `{"line": "laser1", "intensity": 1}`).StatusCode)
	assert.Equal(t, camera.Internal, f.cam.State().Trigger)
}

func TestManualLock(t *testing.T) {
	f := newFixture(t, 0)
	require.Equal(t, http.StatusOK, f.post(t, "/lock", `{"bool": true}`).StatusCode)
	assert.Equal(t, http.StatusLocked, f.post(t, "/emission", `{"bool": true}`).StatusCode)
	resp, err := http.Get(f.srv.URL + "/lock")
	require.NoError(t, err)
	defer resp.Body.Close()
	b := server.BoolT{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
	assert.True(t, b.Bool)
	require.Equal(t, http.StatusOK, f.post(t, "/lock", `{"bool": false}`).StatusCode)
	assert.Equal(t, http.StatusOK, f.post(t, "/emission", `{"bool": true}`).StatusCode)
}

func TestConcurrentSequencesOneAccepted(t *testing.T) {
	f := newFixture(t, 300*time.Millisecond)
	body := pathBody(t, writeSequence(t))
	const n = 8
	codes := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(f.srv.URL+"/sequence", "application/json", strings.NewReader(body))
			if err != nil {
				codes <- 0
				return
			}
			resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)
	count := map[int]int{}
	for c := range codes {
		count[c]++
	}
	assert.Equal(t, map[int]int{http.StatusAccepted: 1, http.StatusConflict: n - 1}, count)

	require.Equal(t, http.StatusOK, f.post(t, "/abort", ``).StatusCode)
	require.Eventually(t, func() bool { return f.status(t).Phase == multicolor.Idle }, 2*time.Second, time.Millisecond)
	starts := 0
	for _, c := range f.cam.Calls() {
		if c == "StartAcquisition" {
			starts++
		}
	}
	assert.LessOrEqual(t, starts, 1)
}
