package convert

import "text/template"

// TemplateProfile carries the detector-specific lines of the XDS.INP
// template.  Commented-out lines (leading "!") leave the XDS default in
// force; the profiles only differ in how aggressive indexing is allowed
// to be.
type TemplateProfile struct {
	// MaxCellAxisError and MaxCellAngleError bound the accepted deviation
	// between the indexed and refined cell.
	MaxCellAxisError  string
	MaxCellAngleError string

	// StrongPixelLine is the STRONG_PIXEL directive, commented out when
	// the default threshold is fine.
	StrongPixelLine string

	// MinFractionLine is the MINIMUM_FRACTION_OF_INDEXED_SPOTS directive.
	MinFractionLine string
}

// BaseProfile is the template profile for hybrid pixel detectors.
func BaseProfile() TemplateProfile {
	return TemplateProfile{
		MaxCellAxisError:  "0.05",
		MaxCellAngleError: "3.0",
		StrongPixelLine:   "!STRONG_PIXEL= 3.0",
		MinFractionLine:   "!MINIMUM_FRACTION_OF_INDEXED_SPOTS= 0.25",
	}
}

// DMProfile is the template profile for scans collected through
// DigitalMicrograph cameras.
func DMProfile() TemplateProfile {
	return TemplateProfile{
		MaxCellAxisError:  "0.03",
		MaxCellAngleError: "2.0",
		StrongPixelLine:   "!STRONG_PIXEL= 3.0",
		MinFractionLine:   "MINIMUM_FRACTION_OF_INDEXED_SPOTS= 0.25",
	}
}

// TVIPSProfile is the template profile for TVIPS CMOS detectors.
func TVIPSProfile() TemplateProfile {
	return TemplateProfile{
		MaxCellAxisError:  "0.03",
		MaxCellAngleError: "2.0",
		StrongPixelLine:   "STRONG_PIXEL= 6.0",
		MinFractionLine:   "!MINIMUM_FRACTION_OF_INDEXED_SPOTS= 0.25",
	}
}

// xdsTemplateData is the fill for xdsTemplate.  Numeric fields arrive
// preformatted so the template controls layout only.
type xdsTemplateData struct {
	Date              string
	DataDrc           string
	DataBegin         int
	DataEnd           int
	Exclude           string
	StretchCorrection string
	StartingAngle     string
	Wavelength        string
	OriginX           string
	OriginY           string
	UntrustedAreas    string
	NX                int
	NY                int
	Sign              string
	DetectorDistance  string
	QX                string
	QY                string
	OscAngle          string
	RotX              string
	RotY              string
	RotZ              string
	Profile           TemplateProfile
}

var xdsTemplate = template.Must(template.New("XDS.INP").Parse(`! XDS.INP file for 3D electron diffraction
! {{.Date}}
!
! For definitions of input parameters, see:
! https://xds.mr.mpg.de/html_doc/xds_parameters.html

! ********** Job control **********

JOB= XYCORR INIT COLSPOT IDXREF DEFPIX INTEGRATE CORRECT
!JOB= DEFPIX INTEGRATE CORRECT

MAXIMUM_NUMBER_OF_JOBS= 4
MAXIMUM_NUMBER_OF_PROCESSORS= 4

! ********** Data images **********

NAME_TEMPLATE_OF_DATA_FRAMES= {{.DataDrc}}/?????.img   SMV
DATA_RANGE=           {{.DataBegin}} {{.DataEnd}}
{{.Exclude}}
SPOT_RANGE=           {{.DataBegin}} {{.DataEnd}}
BACKGROUND_RANGE=     {{.DataBegin}} {{.DataEnd}}

! ********** Crystal **********

!SPACE_GROUP_NUMBER= 0
!UNIT_CELL_CONSTANTS= 10 20 30 90 90 90

FRIEDEL'S_LAW= TRUE

!phi(i) = STARTING_ANGLE + OSCILLATION_RANGE * (i - STARTING_FRAME)
STARTING_ANGLE= {{.StartingAngle}}
STARTING_FRAME= 1

MAX_CELL_AXIS_ERROR= {{.Profile.MaxCellAxisError}}
MAX_CELL_ANGLE_ERROR= {{.Profile.MaxCellAngleError}}

! ********** Detector hardware **********

NX= {{.NX}}  NY= {{.NY}}  QX= {{.QX}}  QY= {{.QY}}  ! number and size (mm) of pixels
OVERLOAD= 65000
TRUSTED_REGION= 0.0 1.4142
SENSOR_THICKNESS= 0.30

{{.StretchCorrection}}! ********** Trusted detector region **********

VALUE_RANGE_FOR_TRUSTED_DETECTOR_PIXELS= 1 30000
INCLUDE_RESOLUTION_RANGE= 20 0.8

{{.UntrustedAreas}}! ********** Detector geometry & rotation axis **********

DIRECTION_OF_DETECTOR_X-AXIS= 1 0 0
DIRECTION_OF_DETECTOR_Y-AXIS= 0 1 0

ORGX= {{.OriginX}}    ORGY= {{.OriginY}}    ! detector origin (pixels)
DETECTOR_DISTANCE= {{.Sign}}{{.DetectorDistance}}    ! the detector normal points away from the crystal

OSCILLATION_RANGE= {{.OscAngle}}
ROTATION_AXIS= {{.RotX}} {{.RotY}} {{.RotZ}}

! ********** Incident beam **********

X-RAY_WAVELENGTH= {{.Wavelength}}
INCIDENT_BEAM_DIRECTION= 0 0 1

! ********** Background and peak pixels **********

NBX= 3  NBY= 3
BACKGROUND_PIXEL= 6.0
SIGNAL_PIXEL= 3.0
{{.Profile.StrongPixelLine}}
{{.Profile.MinFractionLine}}

! ********** Refinement **********

REFINE(IDXREF)= BEAM AXIS ORIENTATION CELL
REFINE(INTEGRATE)= !BEAM AXIS ORIENTATION CELL
REFINE(CORRECT)= BEAM AXIS ORIENTATION CELL

! ********** Indexing **********

INDEX_ORIGIN= 0 0 0
INDEX_ERROR= 0.10

! ********** Correction **********

MINIMUM_I/SIGMA= 50
CORRECTIONS= DECAY MODULATION ABSORPTION
`))
