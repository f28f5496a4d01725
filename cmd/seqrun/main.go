// seqrun runs one multicolor imaging sequence against simulated hardware and
// reports its progress on the terminal.  It is used to check sequence files
// before they are sent to the microscope.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/theckman/yacspin"
	"go.uber.org/zap"

	"github.com/labcore/scopectl/camera"
	"github.com/labcore/scopectl/events"
	"github.com/labcore/scopectl/hwport"
	"github.com/labcore/scopectl/laser"
	"github.com/labcore/scopectl/logging"
	"github.com/labcore/scopectl/multicolor"
)

func main() {
	var (
		check = flag.Bool("check", false, "validate the sequence without running it")
		level = flag.String("log", "warn", "log level")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: seqrun [flags] sequence.yml\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(flag.Arg(0), *check, *level, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run loads the sequence at path and either prints its resolved steps to out
// or runs it with a spinner on out
func run(path string, check bool, level string, out io.Writer) error {
	lc := logging.DefaultConfig()
	lc.Level = level
	log, closer, err := logging.New(lc)
	if err != nil {
		return err
	}
	defer closer.Close()

	hub := events.NewHub()
	defer hub.Close()
	l, err := laser.New(laser.DefaultConfig(), hwport.NewMock(), hub, log)
	if err != nil {
		return err
	}
	opts := multicolor.DefaultOptions()
	task := multicolor.NewTask(multicolor.Deps{
		Laser:     l,
		Camera:    camera.NewMock(),
		Wheel:     multicolor.NewMockWheel(),
		Publisher: hub,
		Logger:    log.Named("multicolor"),
	}, opts)

	u, err := multicolor.LoadUserConfig(path)
	if err != nil {
		return err
	}
	if check {
		steps, err := task.Resolve(u)
		if err != nil {
			return err
		}
		if err := task.Check(u); err != nil {
			return err
		}
		for i, s := range steps {
			fmt.Fprintf(out, "%2d  %-10s %6.2f\n", i+1, s.Label, s.Intensity)
		}
		return nil
	}

	id := uuid.NewString()
	ch, err := hub.Subscribe(id, 64,
		events.TopicSequenceProgress, events.TopicTriggerMissed, events.TopicSequenceState)
	if err != nil {
		return err
	}
	spinner, err := yacspin.New(yacspin.Config{
		Writer:            out,
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " sequence",
		SuffixAutoColon:   true,
		Message:           "loading",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := spinner.Start(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		report(spinner, ch)
	}()

	st, err := task.ExecuteConfig(ctx, u)
	hub.Unsubscribe(id)
	<-done
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		log.Debug("sequence failed", zap.Error(err))
		if errors.Is(err, context.Canceled) {
			return errors.New("interrupted")
		}
		return err
	}
	spinner.StopMessage(fmt.Sprintf("%d/%d frames, %d missed, %d restarts",
		st.Completed, st.Total, st.Missed, st.Restarts))
	return spinner.Stop()
}

// report updates the spinner message until the subscription is closed
func report(s *yacspin.Spinner, ch <-chan events.Event) {
	for ev := range ch {
		switch e := ev.(type) {
		case multicolor.SequenceProgress:
			s.Message(fmt.Sprintf("%s frame %d, %d/%d", e.Label, e.Frame+1, e.Completed, e.Total))
		case multicolor.TriggerMissed:
			s.Message(fmt.Sprintf("%s missed trigger, restarting", e.Label))
		case multicolor.SequenceState:
			s.Message(string(e.Phase))
		}
	}
}
