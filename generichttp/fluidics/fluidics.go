// Package fluidics exposes the odor delivery circuit over HTTP
package fluidics

import (
	"go/types"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/labcore/scopectl/fluidics"
	"github.com/labcore/scopectl/generichttp"
	"github.com/labcore/scopectl/server"
	"github.com/labcore/scopectl/util"
)

func init() {
	generichttp.RegisterStatus(http.StatusBadRequest,
		fluidics.ErrInvalidArena, fluidics.ErrInvalidOdor, fluidics.ErrInvalidCalibration)
	generichttp.RegisterStatus(http.StatusNotFound, fluidics.ErrUnknownValve)
	generichttp.RegisterStatus(http.StatusLocked, fluidics.ErrValvesLocked)
	generichttp.RegisterStatus(http.StatusConflict,
		fluidics.ErrNoOdorSelected, fluidics.ErrFlowStopped,
		fluidics.ErrNotPreparing, fluidics.ErrOdorBusy,
		fluidics.ErrCalibrating, fluidics.ErrNotCalibrating)
}

// ArenaT is the body of an arena request, a configuration index and a flow
// in sL/min per quadrant
type ArenaT struct {
	Index int     `json:"index"`
	Flow  float64 `json:"flow"`
}

// ArenaReply is the reply to arena requests
type ArenaReply struct {
	ArenaT
	Resolution fluidics.Resolution `json:"resolution"`
}

// CalibrationT is the body of a calibration request, a setpoint in sL/min
// for every flow controller and a duration in seconds
type CalibrationT struct {
	Setpoint float64 `json:"setpoint"`
	Duration float64 `json:"duration"`
}

// HTTPCircuit wraps a fluidics.Circuit in an HTTP route table
type HTTPCircuit struct {
	C *fluidics.Circuit

	// SchemeDir is the folder the valve scheme images are served from.
	// The scheme route is only bound when it is not empty.
	SchemeDir string

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// NewHTTPCircuit returns a new HTTP wrapper around c
func NewHTTPCircuit(c *fluidics.Circuit, schemeDir string) HTTPCircuit {
	h := HTTPCircuit{C: c, SchemeDir: schemeDir}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/arena"}:         h.GetArena,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/arena"}:        h.SetArena,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/valves"}:        generichttp.GetJSON(func() interface{} { return c.Valves() }),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/valve/{name}"}:  h.GetValve,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/valve/{name}"}: h.SetValve,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/circuit"}:       generichttp.GetJSON(func() interface{} { return c.Status() }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/odor/select"}:  generichttp.SetInt(c.SelectOdor),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/odor/prepare"}: action(c.PrepareOdor),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/odor/inject"}:  action(c.InjectOdor),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/odor/stop"}:    action(c.StopOdor),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/quadrants"}:    generichttp.SetBool(c.SwitchQuadrants),

		generichttp.MethodPath{Method: http.MethodGet, Path: "/calibration"}:        generichttp.GetJSON(func() interface{} { return c.Calibration() }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/calibration"}:       h.Calibrate,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/calibration/abort"}: action(c.AbortCalibration),
	}
	if schemeDir != "" {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/scheme"}] = h.Scheme
	}
	h.RouteTable = rt
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPCircuit) RT() generichttp.RouteTable {
	return h.RouteTable
}

func action(fcn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fcn(); err != nil {
			generichttp.Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetArena replies with the current arena configuration
func (h HTTPCircuit) GetArena(w http.ResponseWriter, r *http.Request) {
	st := h.C.Status()
	server.WriteJSON(w, http.StatusOK, ArenaReply{ArenaT: ArenaT{Index: st.Index, Flow: st.Flow}, Resolution: st.Resolution})
}

// SetArena applies an arena configuration and replies with its resolution
func (h HTTPCircuit) SetArena(w http.ResponseWriter, r *http.Request) {
	a := ArenaT{}
	if !generichttp.DecodeJSON(w, r, &a) {
		return
	}
	res, err := h.C.UpdateArena(r.Context(), a.Index, a.Flow)
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, ArenaReply{ArenaT: a, Resolution: res})
}

// Calibrate starts a flow controller calibration in the background
func (h HTTPCircuit) Calibrate(w http.ResponseWriter, r *http.Request) {
	ct := CalibrationT{}
	if !generichttp.DecodeJSON(w, r, &ct) {
		return
	}
	if err := h.C.StartCalibration(ct.Setpoint, util.SecsToDuration(ct.Duration)); err != nil {
		generichttp.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GetValve replies with {"bool": open} for the valve in the URL
func (h HTTPCircuit) GetValve(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	open, ok := h.C.Valves()[name]
	if !ok {
		http.Error(w, "unknown valve "+name, http.StatusNotFound)
		return
	}
	hp := server.HumanPayload{T: types.Bool, Bool: open}
	hp.EncodeAndRespond(w, r)
}

// SetValve opens or closes the valve in the URL from {"bool": open}
func (h HTTPCircuit) SetValve(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	generichttp.SetBool(func(open bool) error {
		return h.C.SetValve(name, open)
	})(w, r)
}

// Scheme serves the image of the displayed valve configuration
func (h HTTPCircuit) Scheme(w http.ResponseWriter, r *http.Request) {
	st := h.C.Status()
	if !st.Known || st.SchemePath == "" {
		http.Error(w, "valve state matches no known configuration", http.StatusNotFound)
		return
	}
	server.ReplyWithFile(w, r, st.SchemePath, h.SchemeDir)
}
