package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"github.com/labcore/scopectl/camera"
	"github.com/labcore/scopectl/comm"
	"github.com/labcore/scopectl/events"
	"github.com/labcore/scopectl/fluidics"
	"github.com/labcore/scopectl/generichttp"
	httpfluidics "github.com/labcore/scopectl/generichttp/fluidics"
	"github.com/labcore/scopectl/generichttp/imaging"
	"github.com/labcore/scopectl/generichttp/scanner"
	"github.com/labcore/scopectl/generichttp/stream"
	"github.com/labcore/scopectl/hwport"
	"github.com/labcore/scopectl/laser"
	"github.com/labcore/scopectl/logging"
	"github.com/labcore/scopectl/mccdaq"
	"github.com/labcore/scopectl/multicolor"
	"github.com/labcore/scopectl/runlog"
	"github.com/labcore/scopectl/scan"
	"github.com/labcore/scopectl/server/middleware/locker"
)

// FluidicsSetup configures the odor delivery circuit
type FluidicsSetup struct {
	Circuit fluidics.Config `koanf:"Circuit" yaml:"Circuit"`

	// ValveAddr is the serial port of the valve board
	ValveAddr string `koanf:"ValveAddr" yaml:"ValveAddr"`

	// MFCAddr is the serial port of the Alicat flow controller bus
	MFCAddr string `koanf:"MFCAddr" yaml:"MFCAddr"`

	// MeasurePeriod is the period of the flow measurement, 0 disables it
	MeasurePeriod time.Duration `koanf:"MeasurePeriod" yaml:"MeasurePeriod"`

	// SchemeDir holds the valve scheme images
	SchemeDir string `koanf:"SchemeDir" yaml:"SchemeDir"`
}

// Config is a struct that holds the initialization parameters of the server
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Mock uses simulated hardware for every subsystem
	Mock bool `koanf:"Mock" yaml:"Mock"`

	// RunLog is the path of the run history database, empty disables it
	RunLog string `koanf:"RunLog" yaml:"RunLog"`

	// EventBuffer is the per client buffer of the websocket stream
	EventBuffer int `koanf:"EventBuffer" yaml:"EventBuffer"`

	// PositionPoll is the period of scanner position reads
	PositionPoll time.Duration `koanf:"PositionPoll" yaml:"PositionPoll"`

	Log      logging.Config     `koanf:"Log" yaml:"Log"`
	DAQ      mccdaq.Config      `koanf:"DAQ" yaml:"DAQ"`
	Laser    laser.Config       `koanf:"Laser" yaml:"Laser"`
	Imaging  multicolor.Options `koanf:"Imaging" yaml:"Imaging"`
	Fluidics FluidicsSetup      `koanf:"Fluidics" yaml:"Fluidics"`
}

// DefaultConfig is the configuration written by mkconf
func DefaultConfig() Config {
	return Config{
		Addr:         ":8000",
		Mock:         true,
		RunLog:       "scopesrv.db",
		EventBuffer:  256,
		PositionPoll: 100 * time.Millisecond,
		Log:          logging.DefaultConfig(),
		DAQ:          mccdaq.DefaultConfig(),
		Laser:        laser.DefaultConfig(),
		Imaging:      multicolor.DefaultOptions(),
		Fluidics:     FluidicsSetup{Circuit: fluidics.DefaultConfig(), MeasurePeriod: time.Second},
	}
}

// Rig holds every subsystem of the microscope
type Rig struct {
	Hub     *events.Hub
	Scanner *scan.Machine
	Laser   *laser.Control
	Task    *multicolor.Task
	Circuit *fluidics.Circuit
	RunLog  *runlog.Store

	// ImagingLock guards the laser routes while a sequence runs
	ImagingLock *locker.Locker

	cancel  context.CancelFunc
	closers []func() error
}

// NewRig builds the subsystems described by c
func NewRig(c Config, log *zap.Logger) (*Rig, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Rig{Hub: events.NewHub(), cancel: cancel}
	fail := func(err error) (*Rig, error) {
		r.Close()
		return nil, err
	}

	var (
		scanRec scan.Recorder
		seqRec  multicolor.Recorder
	)
	if c.RunLog != "" {
		store, err := runlog.Open(c.RunLog, log.Named("runlog"))
		if err != nil {
			return fail(err)
		}
		r.RunLog = store
		r.closers = append(r.closers, store.Close)
		scanRec, seqRec = store, store
	}

	r.Scanner = scan.New(scan.Config{Publisher: r.Hub, Recorder: scanRec, Logger: log})
	r.closers = append(r.closers, r.Scanner.Close)
	if c.PositionPoll > 0 {
		go r.Scanner.WatchPosition(ctx, c.PositionPoll)
	}

	var port hwport.Port = hwport.NewMock()
	if !c.Mock {
		board, err := mccdaq.Open(c.DAQ)
		if err != nil {
			log.Warn("could not open the DAQ, using a simulated board", zap.Error(err))
		} else {
			port = board
			r.closers = append(r.closers, board.Close)
		}
		// the camera SDK is not linked into this build
		log.Warn("no camera driver in this build, using a simulated camera")
	}
	l, err := laser.New(c.Laser, port, r.Hub, log)
	if err != nil {
		return fail(err)
	}
	r.Laser = l
	r.ImagingLock = locker.New(imaging.Unprotected...)
	r.Task = multicolor.NewTask(multicolor.Deps{
		Laser:     l,
		Camera:    camera.NewMock(),
		Wheel:     multicolor.NewMockWheel(),
		Locker:    r.ImagingLock,
		Publisher: r.Hub,
		Recorder:  seqRec,
		Logger:    log.Named("multicolor"),
	}, c.Imaging)

	var (
		mfc    fluidics.MFC
		valves fluidics.Valves
	)
	if c.Mock || c.Fluidics.ValveAddr == "" || c.Fluidics.MFCAddr == "" {
		mfc, valves = fluidics.NewMockMFC(), fluidics.NewMockValves(c.Fluidics.Circuit.Table.Names)
	} else {
		bus := fluidics.NewAlicatBus(comm.SerialConnMaker(fluidics.AlicatSerConf(c.Fluidics.MFCAddr)))
		board := fluidics.NewArduino(c.Fluidics.ValveAddr, c.Fluidics.Circuit.Table.Names)
		r.closers = append(r.closers, bus.Close, board.Close)
		mfc, valves = bus, board
	}
	circ, err := fluidics.NewCircuit(c.Fluidics.Circuit, mfc, valves, r.Hub, log)
	if err != nil {
		return fail(err)
	}
	r.Circuit = circ
	r.closers = append(r.closers, circ.Close)
	if c.Fluidics.MeasurePeriod > 0 {
		circ.StartMeasurement(c.Fluidics.MeasurePeriod)
	}
	return r, nil
}

// Close stops every subsystem in reverse order of creation
func (r *Rig) Close() error {
	r.cancel()
	if r.Task != nil {
		r.Task.Abort()
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	r.Hub.Close()
	return errors.Join(errs...)
}

type node struct {
	stem   string
	httper generichttp.HTTPer
	lock   *locker.Locker
}

// BuildMux mounts every subsystem of the rig on a chi router.  The mux
// serves a special route, /endpoints, which returns a map of every mount
// point to its routes as JSON.
func BuildMux(r *Rig, c Config, log *zap.Logger) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	nodes := []node{
		{stem: "scanner", httper: scanner.NewHTTPScanner(r.Scanner), lock: locker.New()},
		{stem: "imaging", httper: imaging.NewHTTPImaging(r.Laser, r.Task, r.ImagingLock, log.Named("http")), lock: r.ImagingLock},
		{stem: "fluidics", httper: httpfluidics.NewHTTPCircuit(r.Circuit, c.Fluidics.SchemeDir), lock: locker.New()},
		{stem: "events", httper: stream.NewHTTPStream(r.Hub, c.EventBuffer, log)},
	}
	if r.RunLog != nil {
		nodes = append(nodes, node{stem: "runs", httper: runlog.NewHTTPWrapper(r.RunLog)})
	}
	for _, n := range nodes {
		hndlS := generichttp.SubMuxSanitize(n.stem)
		sub := chi.NewRouter()
		if n.lock != nil {
			// the imaging lock routes are injected by its wrapper
			if n.lock != r.ImagingLock {
				locker.Inject(n.httper, n.lock)
			}
			sub.Use(n.lock.Check)
		}
		n.httper.RT().Bind(sub)
		supergraph[hndlS] = n.httper.RT().Endpoints()
		root.Mount(hndlS, sub)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}
