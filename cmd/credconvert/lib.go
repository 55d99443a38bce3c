package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/theckman/yacspin"

	"github.com/emtools/credconvert/calib"
	"github.com/emtools/credconvert/camera"
	"github.com/emtools/credconvert/convert"
	"github.com/emtools/credconvert/formats"
	"github.com/emtools/credconvert/frame"
	"github.com/emtools/credconvert/imgrec"
	"github.com/emtools/credconvert/util"
)

// Config is the YAML-mapped configuration of a conversion run.  All angles
// are in degrees.
type Config struct {
	// Input is the folder of numbered TIFF frames.
	Input string `koanf:"input" yaml:"input"`

	// Output is the root folder for the generated file sets.
	Output string `koanf:"output" yaml:"output"`

	// Calibration is the path of the calibration YAML; empty uses the
	// built-in defaults.
	Calibration string `koanf:"calibration" yaml:"calibration"`

	// Flatfield is the path of the blank-beam reference TIFF; empty
	// disables the correction.
	Flatfield string `koanf:"flatfield" yaml:"flatfield"`

	CameraLength    float64 `koanf:"camera_length" yaml:"camera_length"`
	OscAngle        float64 `koanf:"osc_angle" yaml:"osc_angle"`
	StartAngle      float64 `koanf:"start_angle" yaml:"start_angle"`
	EndAngle        float64 `koanf:"end_angle" yaml:"end_angle"`
	RotationAxis    float64 `koanf:"rotation_axis" yaml:"rotation_axis"`
	AcquisitionTime float64 `koanf:"acquisition_time" yaml:"acquisition_time"`
	Method          string  `koanf:"method" yaml:"method"`

	UseBeamstop       bool   `koanf:"use_beamstop" yaml:"use_beamstop"`
	StretchCorrection bool   `koanf:"stretch_correction" yaml:"stretch_correction"`
	Profile           string `koanf:"profile" yaml:"profile"`

	Formats []string `koanf:"formats" yaml:"formats"`
	Workers int      `koanf:"workers" yaml:"workers"`

	// NFrames is the number of frames the collect command acquires.
	NFrames int `koanf:"n_frames" yaml:"n_frames"`

	// Archive is the root folder for the FITS archive written during
	// collect; empty disables archiving.
	Archive string `koanf:"archive" yaml:"archive"`
}

func defaultConfig() Config {
	return Config{
		Input:           "tiff",
		Output:          ".",
		CameraLength:    300,
		OscAngle:        0.5,
		StartAngle:      0,
		EndAngle:        25,
		RotationAxis:    230,
		AcquisitionTime: 0.6,
		Method:          "continuous-rotation 3D ED",
		Profile:         "base",
		Formats:         []string{"smv", "xds", "mrc", "ed3d", "tiff", "pets"},
		Workers:         8,
		NFrames:         50,
	}
}

var frameName = regexp.MustCompile(`^(\d+)\.(tiff?|TIFF?)$`)

// loadFrames reads the numbered TIFF frames under dir into a buffer.
func loadFrames(dir string, exposure float64) (*frame.Buffer, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var buf frame.Buffer
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := frameName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		i, err := strconv.Atoi(m[1])
		if err != nil || i < 1 {
			continue
		}
		img, err := formats.ReadTIFF(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %v", e.Name(), err)
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		buf.Push(i, img, frame.Header{
			ExposureTime: exposure,
			AcquiredAt:   info.ModTime(),
		})
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("no numbered .tiff frames found in %s", dir)
	}
	return &buf, nil
}

func profileFor(name string) (*convert.TemplateProfile, error) {
	var p convert.TemplateProfile
	switch name {
	case "", "base":
		p = convert.BaseProfile()
	case "dm":
		p = convert.DMProfile()
	case "tvips":
		p = convert.TVIPSProfile()
	default:
		return nil, fmt.Errorf("unknown template profile %q, must be base, dm, or tvips", name)
	}
	return &p, nil
}

// Run executes one conversion per the config.
func Run(c Config) error {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " credconvert",
		SuffixAutoColon: true,
		StopCharacter:   "✓",
	})
	if err != nil {
		return err
	}
	spinner.Start()
	defer spinner.Stop()

	spinner.Message("loading frames from " + c.Input)
	buf, err := loadFrames(c.Input, c.AcquisitionTime)
	if err != nil {
		return err
	}

	cal := calib.Defaults()
	if c.Calibration != "" {
		cal, err = calib.Load(c.Calibration)
		if err != nil {
			return err
		}
	}

	opts := convert.Options{
		UseBeamstop:       c.UseBeamstop,
		StretchCorrection: c.StretchCorrection,
	}
	if opts.Profile, err = profileFor(c.Profile); err != nil {
		return err
	}
	if c.Flatfield != "" {
		ff, err := formats.ReadTIFF(c.Flatfield)
		if err != nil {
			return fmt.Errorf("reading flatfield %s: %v", c.Flatfield, err)
		}
		opts.Flatfield = &ff
	}

	params := convert.Params{
		CameraLength:    c.CameraLength,
		OscAngle:        c.OscAngle,
		StartAngle:      c.StartAngle,
		EndAngle:        c.EndAngle,
		RotationAxis:    c.RotationAxis * math.Pi / 180,
		AcquisitionTime: c.AcquisitionTime,
		Method:          c.Method,
	}

	spinner.Message("estimating beam centers")
	conv, err := convert.New(buf, cal, params, opts)
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(c.Formats))
	for _, f := range c.Formats {
		want[f] = true
	}

	tiffDir := ""
	if want["tiff"] || want["pets"] {
		tiffDir = filepath.Join(c.Output, "tiff")
	}
	smvDir := ""
	if want["smv"] || want["xds"] || want["dials"] {
		smvDir = filepath.Join(c.Output, "SMV")
	}
	mrcDir := ""
	if want["mrc"] || want["ed3d"] || want["red"] {
		mrcDir = filepath.Join(c.Output, "RED")
	}

	if tiffDir != "" || smvDir != "" || mrcDir != "" {
		spinner.Message("writing image files")
		if err := conv.ThreadPoolWriter(tiffDir, smvDir, mrcDir, c.Workers); err != nil {
			return err
		}
	}

	if want["xds"] {
		spinner.Message("writing XDS.INP")
		if err := conv.WriteXDSInp(smvDir); err != nil {
			return err
		}
	}
	if want["dials"] {
		spinner.Message("writing DIALS variables")
		if err := conv.ToDIALS(smvDir); err != nil {
			return err
		}
	}
	if want["ed3d"] {
		spinner.Message("writing 1.ed3d")
		if err := conv.WriteED3D(mrcDir); err != nil {
			return err
		}
	}
	if want["red"] {
		spinner.Message("writing shifts.sc")
		if err := conv.WriteREDpShiftCorrection(mrcDir); err != nil {
			return err
		}
	}
	if want["pets"] {
		spinner.Message("writing pets.pts")
		if err := conv.WritePETSInp(c.Output, "tiff"); err != nil {
			return err
		}
	}
	if want["centers"] {
		spinner.Message("writing beam_centers.txt")
		if err := conv.WriteBeamCenters(c.Output); err != nil {
			return err
		}
	}

	center, std := conv.BeamCenter()
	spinner.StopMessage(fmt.Sprintf("converted %d frames, beam at (%.2f, %.2f) +/- (%.2f, %.2f)",
		len(conv.Observed()), center[0], center[1], std[0], std[1]))
	return nil
}

// Collect acquires NFrames from the simulated camera into the input
// folder, pacing the acquisition so the simulated stage rotates by the
// oscillation angle between frames.  When Archive is set every raw frame
// is also archived as FITS.
func Collect(c Config) error {
	cam := &camera.Sim{TiltSpeed: c.OscAngle / c.AcquisitionTime}
	if err := cam.Initialize(); err != nil {
		return err
	}
	defer cam.Finalize()

	if err := os.MkdirAll(c.Input, 0777); err != nil {
		return err
	}

	var rec *imgrec.Recorder
	if c.Archive != "" {
		rec = &imgrec.Recorder{Root: c.Archive, Prefix: "frame-", Enabled: true}
	}

	for i := 1; i <= c.NFrames; i++ {
		img, err := cam.GetImage(c.AcquisitionTime, 1)
		if err != nil {
			return err
		}
		_, _, _, a, _, err := cam.GetStagePosition()
		if err != nil {
			return err
		}
		h := frame.Header{ExposureTime: c.AcquisitionTime, AcquiredAt: time.Now()}
		fn := filepath.Join(c.Input, fmt.Sprintf("%05d.tiff", i))
		desc := fmt.Sprintf("ImageExposureTime=%g\nStageAlpha=%.4f", c.AcquisitionTime, a)
		if err := formats.WriteTIFF(fn, img, desc); err != nil {
			return err
		}
		if rec != nil {
			if _, err := rec.SaveFrame(img, h); err != nil {
				return err
			}
			rec.Incr()
		}
		time.Sleep(util.SecsToDuration(c.AcquisitionTime))
	}
	return nil
}
