/*Package camera describes the capabilities of a scientific camera used for
externally triggered acquisitions.

StatusReporter is the minimum the control logic needs to decide whether the
camera is free.  Triggered adds the setup calls of a kinetic series with
spooling to disk, in the order an Andor style SDK expects them.
*/
package camera

import "fmt"

// AcquisitionMode is the acquisition mode of the camera
type AcquisitionMode string

const (
	// SingleScan acquires one frame
	SingleScan AcquisitionMode = "single_scan"

	// Kinetics acquires a fixed number of frames
	Kinetics AcquisitionMode = "kinetics"

	// RunTillAbort acquires frames until aborted; this is the live mode
	RunTillAbort AcquisitionMode = "run_till_abort"
)

// TriggerMode is the source of the exposure trigger
type TriggerMode string

const (
	// Internal triggers come from the camera's own clock
	Internal TriggerMode = "internal"

	// External triggers come from the trigger input
	External TriggerMode = "external"
)

// FileFormat is the format of spooled files
type FileFormat string

const (
	// FITS spools to a FITS file
	FITS FileFormat = "fits"

	// TIFF spools to a TIFF stack
	TIFF FileFormat = "tiff"
)

// ParseFileFormat converts a user string to a FileFormat
func ParseFileFormat(s string) (FileFormat, error) {
	switch FileFormat(s) {
	case FITS, "fit":
		return FITS, nil
	case TIFF, "tif":
		return TIFF, nil
	}
	return "", fmt.Errorf("unknown file format %q", s)
}

// StatusReporter reports whether the camera is busy
type StatusReporter interface {
	// Live returns true while the camera is in free-run (live) mode
	Live() bool

	// Saving returns true while a recording is being written
	Saving() bool
}

// Triggered is a camera that can record a kinetic series on external triggers
type Triggered interface {
	StatusReporter

	// AbortAcquisition stops any running acquisition
	AbortAcquisition() error

	// SetAcquisitionMode sets the acquisition mode
	SetAcquisitionMode(AcquisitionMode) error

	// SetTriggerMode sets the trigger source
	SetTriggerMode(TriggerMode) error

	// SetGain sets the EM gain
	SetGain(int) error

	// SetExposure sets the exposure time in seconds
	SetExposure(float64) error

	// SetNumberKinetics sets the number of frames in a kinetic series
	SetNumberKinetics(int) error

	// SetSpool enables or disables spooling of frames to path in the given format
	SetSpool(enable bool, path string, format FileFormat) error

	// SetShutter opens or closes the shutter
	SetShutter(open bool) error

	// StartAcquisition starts the acquisition with the current settings
	StartAcquisition() error
}
