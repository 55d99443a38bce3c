package convert

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emtools/credconvert/formats"
	"github.com/emtools/credconvert/frame"
	"github.com/emtools/credconvert/stretch"
)

// enables the geometric-correction tables; XDS only reads them for
// detectors it believes have them.
const pilatusStretchBlock = "DETECTOR= PILATUS      ! Pretend to be PILATUS detector to enable geometric corrections\n" +
	"X-GEO_CORR= XCORR.cbf  ! X stretch correction\n" +
	"Y-GEO_CORR= YCORR.cbf  ! Y stretch correction\n"

// WriteXDSInp writes XDS.INP to dir.  Frame indexing runs from 1 to the
// last observed index; each contiguous run of missing frames becomes an
// EXCLUDE_DATA_RANGE directive.  The beam center and detector size go in
// with X and Y swapped relative to the internal (row, col) convention,
// matching ORGX/ORGY and NX/NY as XDS defines them.  When stretch
// correction is enabled the geometric-correction tables are written next
// to the file and referenced from it.
func (c *Converter) WriteXDSInp(dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}

	invert := c.params.StartAngle > c.params.EndAngle
	rotX, rotY, rotZ, err := RotationAxisXYZ(c.params.RotationAxis, invert, "xds")
	if err != nil {
		return err
	}

	stretchBlock := ""
	if c.opts.StretchCorrection {
		if err := c.WriteGeometricCorrectionFiles(dir); err != nil {
			return err
		}
		stretchBlock = pilatusStretchBlock
	}

	exclude := "!EXCLUDE_DATA_RANGE="
	if missing := c.missing.Sorted(); len(missing) > 0 {
		lines := make([]string, 0, len(missing))
		for _, sr := range frame.FindSubranges(missing) {
			lines = append(lines, fmt.Sprintf("EXCLUDE_DATA_RANGE=%d %d", sr.Min, sr.Max))
		}
		exclude = strings.Join(lines, "\n")
	}

	var untrusted strings.Builder
	for _, a := range c.untrusted {
		s, err := xdsUntrustedArea(a)
		if err != nil {
			return err
		}
		untrusted.WriteString(s)
		untrusted.WriteString("\n")
	}

	data := xdsTemplateData{
		Date:              time.Now().Format(time.ANSIC),
		DataDrc:           c.opts.SMVSubdir,
		DataBegin:         1,
		DataEnd:           c.complete.Max(),
		Exclude:           exclude,
		StretchCorrection: stretchBlock,
		StartingAngle:     fmt.Sprintf("%.2f", c.params.StartAngle),
		Wavelength:        fmt.Sprintf("%.4f", c.cal.Wavelength),
		OriginX:           fmt.Sprintf("%.2f", c.center[1]),
		OriginY:           fmt.Sprintf("%.2f", c.center[0]),
		UntrustedAreas:    untrusted.String(),
		NX:                c.cols,
		NY:                c.rows,
		Sign:              "+",
		DetectorDistance:  fmt.Sprintf("%.4f", c.distance),
		QX:                fmt.Sprintf("%.4f", c.cal.PhysicalPixelsize),
		QY:                fmt.Sprintf("%.4f", c.cal.PhysicalPixelsize),
		OscAngle:          fmt.Sprintf("%.4f", c.params.OscAngle),
		RotX:              fmt.Sprintf("%.4f", rotX),
		RotY:              fmt.Sprintf("%.4f", rotY),
		RotZ:              fmt.Sprintf("%.4f", rotZ),
		Profile:           *c.opts.Profile,
	}

	f, err := os.Create(filepath.Join(dir, "XDS.INP"))
	if err != nil {
		return err
	}
	defer f.Close()
	if err := xdsTemplate.Execute(f, data); err != nil {
		return err
	}
	log.Printf("XDS.INP file created in folder: %s", dir)
	return nil
}

// WriteGeometricCorrectionFiles rasterizes the stretch calibration into
// XCORR.cbf and YCORR.cbf in dir, the X-GEO_CORR/Y-GEO_CORR tables XDS
// applies as table_value/100 pixel offsets.
func (c *Converter) WriteGeometricCorrectionFiles(dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	xcorr, ycorr := stretch.CorrectionMaps(c.rows, c.cols, c.center,
		c.cal.Stretch.Azimuth, c.cal.Stretch.Amplitude)
	if err := formats.WriteCBF(filepath.Join(dir, "XCORR.cbf"), xcorr, c.rows, c.cols); err != nil {
		return err
	}
	return formats.WriteCBF(filepath.Join(dir, "YCORR.cbf"), ycorr, c.rows, c.cols)
}
