// Package imaging exposes the laser control and the multicolor sequencer
// over HTTP
package imaging

import (
	"context"
	"go/types"
	"net/http"

	"go.uber.org/zap"

	"github.com/labcore/scopectl/generichttp"
	"github.com/labcore/scopectl/laser"
	"github.com/labcore/scopectl/multicolor"
	"github.com/labcore/scopectl/server"
	"github.com/labcore/scopectl/server/middleware/locker"
)

func init() {
	generichttp.RegisterStatus(http.StatusBadRequest,
		multicolor.ErrUserConfig, multicolor.ErrFilterNotAllowed,
		laser.ErrUnknownLaser, laser.ErrIntensityRange)
	generichttp.RegisterStatus(http.StatusConflict,
		multicolor.ErrSequenceRunning, multicolor.ErrNotRunning,
		multicolor.ErrCameraLive, multicolor.ErrCameraSaving,
		laser.ErrTriggerUnsupported)
}

// IntensityT is the body of an intensity request.  Line is a label or a
// wavelength.
type IntensityT struct {
	Line      string  `json:"line"`
	Intensity float64 `json:"intensity"`
}

// HTTPImaging wraps a laser control and an imaging task in an HTTP route table
type HTTPImaging struct {
	Laser *laser.Control
	Task  *multicolor.Task

	// Lock guards the laser routes while a sequence owns the laser
	Lock *locker.Locker

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable

	log *zap.Logger
}

// NewHTTPImaging returns a new HTTP wrapper.  lock must be the Locker given
// to the task, so that a running sequence locks the laser routes.
func NewHTTPImaging(l *laser.Control, task *multicolor.Task, lock *locker.Locker, log *zap.Logger) HTTPImaging {
	if log == nil {
		log = zap.NewNop()
	}
	h := HTTPImaging{Laser: l, Task: task, Lock: lock, log: log}
	h.RouteTable = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodPost, Path: "/sequence"}:  h.Sequence,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/abort"}:     h.Abort,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}:     generichttp.GetJSON(func() interface{} { return task.Status() }),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/intensity"}:  generichttp.GetJSON(func() interface{} { return l.Intensities() }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/intensity"}: h.SetIntensity,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/emission"}:   h.GetEmission,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/emission"}:  generichttp.SetBool(h.SetEmission),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/lines"}:      generichttp.GetJSON(func() interface{} { return l.Lines() }),
	}
	locker.Inject(h, lock)
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPImaging) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Unprotected are the routes which stay reachable while a sequence runs
var Unprotected = []string{"sequence", "abort", "status", "lines"}

// Sequence loads the user config at the path in the body ({"str": path}),
// checks it and runs it in the background.  Validation and state errors
// are returned before the sequence starts.
func (h HTTPImaging) Sequence(w http.ResponseWriter, r *http.Request) {
	s := server.StrT{}
	if !generichttp.DecodeJSON(w, r, &s) {
		return
	}
	u, err := multicolor.LoadUserConfig(s.Str)
	if err == nil {
		err = h.Task.ExecuteAsync(context.Background(), u, func(st multicolor.Status, err error) {
			if err != nil {
				h.log.Error("imaging sequence failed", zap.String("path", s.Str), zap.String("run", st.RunID), zap.Error(err))
				return
			}
			h.log.Info("imaging sequence finished", zap.String("path", s.Str), zap.String("run", st.RunID))
		})
	}
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Abort cancels the running sequence
func (h HTTPImaging) Abort(w http.ResponseWriter, r *http.Request) {
	if err := h.Task.Abort(); err != nil {
		generichttp.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SetIntensity sets the intensity of one line
func (h HTTPImaging) SetIntensity(w http.ResponseWriter, r *http.Request) {
	it := IntensityT{}
	if !generichttp.DecodeJSON(w, r, &it) {
		return
	}
	label, err := h.Laser.LabelFor(it.Line)
	if err == nil {
		err = h.Laser.SetIntensity(label, it.Intensity)
	}
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, h.Laser.Intensities())
}

// GetEmission replies with {"bool": enabled}
func (h HTTPImaging) GetEmission(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.Bool, Bool: h.Laser.Enabled()}
	hp.EncodeAndRespond(w, r)
}

// SetEmission applies the intensity map, or switches every line off
func (h HTTPImaging) SetEmission(on bool) error {
	if on {
		return h.Laser.Apply()
	}
	return h.Laser.Off()
}
