package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"go.uber.org/zap"

	"github.com/labcore/scopectl/logging"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "scopesrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) && !strings.Contains(err.Error(), "no such") {
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `scopesrv controls the scanner, lasers, camera sequencer and odor circuit of
the microscope and exposes them over HTTP and a websocket event stream.

Usage:
	scopesrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `scopesrv is amenable to configuration via its .yml file.  For a primer on YAML, see
https://yaml.org/start.html

mkconf writes the default configuration to scopesrv.yml in the current folder.

Routes are grouped under:
- /scanner   scan geometry, target, start/stop, data as JSON or FITS
- /imaging   laser intensities and emission, multicolor sequences
- /fluidics  arena configuration, valves, odor preparation and injection
- /runs      history of scans and sequences, when RunLog is set
- /events    websocket stream of every state change, ?topics=a,b filters
- /endpoints every route, as JSON

Each group except /events and /runs has a lock at <group>/lock.  While a
group is locked its routes return 423.  The imaging group is locked for
the duration of every sequence.

With Mock: true every device is simulated.  Otherwise the valve board and
the flow controllers are driven over the serial ports in
Fluidics.ValveAddr and Fluidics.MFCAddr, and the lasers and camera trigger
go through the first MCC DAQ board when the server is built with
-tags uldaq.  /fluidics/calibration runs every flow controller at one
setpoint and reports the measured mean and spread.`
	fmt.Println(str)
}

func loadConfig() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func writeConf(w io.Writer) {
	if err := yml.NewEncoder(w).Encode(loadConfig()); err != nil {
		log.Fatal(err)
	}
}

func mkconf() {
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	writeConf(f)
}

func printconf() {
	writeConf(os.Stdout)
}

func pversion() {
	fmt.Printf("scopesrv version %v\n", Version)
}

func run() {
	c := loadConfig()
	logger, closer, err := logging.New(c.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer closer.Close()

	rig, err := NewRig(c, logger)
	if err != nil {
		logger.Fatal("could not build rig", zap.Error(err))
	}
	srv := &http.Server{Addr: c.Addr, Handler: BuildMux(rig, c, logger)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	logger.Info("now listening for requests", zap.String("addr", c.Addr), zap.Bool("mock", c.Mock))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", zap.Error(err))
	}
	if err := rig.Close(); err != nil {
		logger.Error("error closing rig", zap.Error(err))
	}
}

var commands = map[string]func(){
	"help":    help,
	"mkconf":  mkconf,
	"conf":    printconf,
	"run":     run,
	"version": pversion,
}

func main() {
	if len(os.Args) == 1 {
		root()
		return
	}
	cmd, ok := commands[strings.ToLower(os.Args[1])]
	if !ok {
		log.Fatalf("unknown command %q", os.Args[1])
	}
	setupconfig()
	cmd()
}
