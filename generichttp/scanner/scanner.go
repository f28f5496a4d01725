// Package scanner exposes the scan state machine over HTTP
package scanner

import (
	"fmt"
	"net/http"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"

	"github.com/labcore/scopectl/generichttp"
	"github.com/labcore/scopectl/scan"
	"github.com/labcore/scopectl/server"
)

func init() {
	generichttp.RegisterStatus(http.StatusBadRequest, scan.ErrInvalidSettings, scan.ErrInvalidAxes)
	generichttp.RegisterStatus(http.StatusConflict, scan.ErrScanInProgress, scan.ErrNoScanRunning)
	generichttp.RegisterStatus(http.StatusServiceUnavailable, scan.ErrClosed)
}

// AxesT is the body of a start request
type AxesT struct {
	Axes scan.AxisPair `json:"axes"`
}

// HTTPScanner wraps a scan.Machine in an HTTP route table
type HTTPScanner struct {
	// M is the underlying scan machine
	M *scan.Machine

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// NewHTTPScanner returns a new HTTP wrapper around m
func NewHTTPScanner(m *scan.Machine) HTTPScanner {
	h := HTTPScanner{M: m}
	h.RouteTable = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/constraints"}:                 generichttp.GetJSON(func() interface{} { return m.Constraints() }),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/settings"}:                    generichttp.GetJSON(func() interface{} { return m.Settings() }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/settings"}:                   h.SetSettings,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/optimizer"}:                   generichttp.GetJSON(func() interface{} { return m.OptimizerSettings() }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/optimizer"}:                  h.SetOptimizer,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/target"}:                      generichttp.GetJSON(func() interface{} { return m.Target() }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/target"}:                     h.SetTarget,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/position"}:                    generichttp.GetJSON(func() interface{} { return m.Position() }),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/state"}:                       generichttp.GetJSON(func() interface{} { return m.State() }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/start"}:                      h.Start,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}:                       h.Stop,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/data/{fast}/{slow}"}:          h.Data,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/data/{fast}/{slow}/{ch}.fits"}: h.DataFits,
	}
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPScanner) RT() generichttp.RouteTable {
	return h.RouteTable
}

// SetSettings applies a partial settings update and replies with the result
func (h HTTPScanner) SetSettings(w http.ResponseWriter, r *http.Request) {
	u := scan.SettingsUpdate{}
	if !generichttp.DecodeJSON(w, r, &u) {
		return
	}
	if err := h.M.ApplySettings(u); err != nil {
		generichttp.Error(w, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, h.M.Settings())
}

// SetOptimizer applies a partial optimizer update and replies with the result
func (h HTTPScanner) SetOptimizer(w http.ResponseWriter, r *http.Request) {
	u := scan.OptimizerUpdate{}
	if !generichttp.DecodeJSON(w, r, &u) {
		return
	}
	if err := h.M.ApplyOptimizerSettings(u); err != nil {
		generichttp.Error(w, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, h.M.OptimizerSettings())
}

// SetTarget moves the target of the axes in the body and replies with the
// full target
func (h HTTPScanner) SetTarget(w http.ResponseWriter, r *http.Request) {
	pos := map[string]float64{}
	if !generichttp.DecodeJSON(w, r, &pos) {
		return
	}
	if err := h.M.SetTarget(pos); err != nil {
		generichttp.Error(w, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, h.M.Target())
}

// Start begins a scan on the axes in the body
func (h HTTPScanner) Start(w http.ResponseWriter, r *http.Request) {
	a := AxesT{}
	if !generichttp.DecodeJSON(w, r, &a) {
		return
	}
	if err := h.M.Start(a.Axes); err != nil {
		generichttp.Error(w, err)
		return
	}
	server.WriteJSON(w, http.StatusAccepted, h.M.State())
}

// Stop requests the running scan to stop
func (h HTTPScanner) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.M.Stop(); err != nil {
		generichttp.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPScanner) data(w http.ResponseWriter, r *http.Request) *scan.Data {
	axes := scan.AxisPair{chi.URLParam(r, "fast"), chi.URLParam(r, "slow")}
	d := h.M.Data(axes)
	if d == nil {
		http.Error(w, fmt.Sprintf("no data for axes %v", axes), http.StatusNotFound)
	}
	return d
}

// Data replies with the whole buffer of one axis pair as JSON
func (h HTTPScanner) Data(w http.ResponseWriter, r *http.Request) {
	d := h.data(w, r)
	if d == nil {
		return
	}
	server.WriteJSON(w, http.StatusOK, d)
}

// DataFits replies with one channel of one axis pair as a FITS image
func (h HTTPScanner) DataFits(w http.ResponseWriter, r *http.Request) {
	d := h.data(w, r)
	if d == nil {
		return
	}
	ch := chi.URLParam(r, "ch")
	g, ok := d.Channels[ch]
	if !ok {
		http.Error(w, fmt.Sprintf("no channel %q, have %v", ch, d.ChannelNames()), http.StatusNotFound)
		return
	}
	fast, slow := d.Axes.Fast(), d.Axes.Slow()
	cards := []fitsio.Card{
		{Name: "CHANNEL", Value: ch},
		{Name: "BUNIT", Value: d.Units[ch]},
		{Name: "CTYPE1", Value: fast, Comment: d.Units[fast]},
		{Name: "CTYPE2", Value: slow, Comment: d.Units[slow]},
	}
	cards = append(cards, axisCards(1, d.Positions[fast], true)...)
	cards = append(cards, axisCards(2, d.Positions[slow], false)...)
	w.Header().Set("Content-Type", "image/fits")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s_%s_%s.fits", fast, slow, ch))
	if err := WriteFits(w, cards, g); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// axisCards returns CRVALn and CDELTn from a position grid
func axisCards(n int, pos [][]float64, fast bool) []fitsio.Card {
	if len(pos) == 0 || len(pos[0]) == 0 {
		return nil
	}
	first := pos[0][0]
	cards := []fitsio.Card{{Name: fmt.Sprintf("CRVAL%d", n), Value: first}}
	switch {
	case fast && len(pos) > 1:
		cards = append(cards, fitsio.Card{Name: fmt.Sprintf("CDELT%d", n), Value: pos[1][0] - first})
	case !fast && len(pos[0]) > 1:
		cards = append(cards, fitsio.Card{Name: fmt.Sprintf("CDELT%d", n), Value: pos[0][1] - first})
	}
	return cards
}
