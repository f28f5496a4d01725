package runlog

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/labcore/scopectl/generichttp"
	"github.com/labcore/scopectl/server"
)

func init() {
	generichttp.RegisterStatus(http.StatusNotFound, ErrNotFound)
}

// HTTPWrapper provides HTTP bindings on top of a Store
type HTTPWrapper struct {
	*Store

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(s *Store) HTTPWrapper {
	w := HTTPWrapper{Store: s}
	w.RouteTable = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/scans"}:          w.listScans,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/scans/{id}"}:     w.getScan,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/sequences"}:      w.listSequences,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/sequences/{id}"}: w.getSequence,
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// limit parses the limit query parameter, 50 when absent
func limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	q := r.URL.Query().Get("limit")
	if q == "" {
		return 50, true
	}
	n, err := strconv.Atoi(q)
	if err != nil {
		http.Error(w, "limit: "+err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func (h HTTPWrapper) listScans(w http.ResponseWriter, r *http.Request) {
	n, ok := limit(w, r)
	if !ok {
		return
	}
	rows, err := h.Scans(n)
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, rows)
}

func (h HTTPWrapper) getScan(w http.ResponseWriter, r *http.Request) {
	row, err := h.Scan(chi.URLParam(r, "id"))
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, row)
}

func (h HTTPWrapper) listSequences(w http.ResponseWriter, r *http.Request) {
	n, ok := limit(w, r)
	if !ok {
		return
	}
	rows, err := h.Sequences(n)
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, rows)
}

func (h HTTPWrapper) getSequence(w http.ResponseWriter, r *http.Request) {
	row, err := h.Sequence(chi.URLParam(r, "id"))
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, row)
}
