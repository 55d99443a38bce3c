package convert

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WritePETSInp writes the pets.pts input file for PETS to dir.  tiffPath
// is the relative directory prefix of the imagelist entries.  PETS takes
// the half oscillation angle as phi, and the rotation axis as omega in
// degrees normalized to [0, 360).
func (c *Converter) WritePETSInp(dir, tiffPath string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}

	sign := 1.0
	if c.params.StartAngle > c.params.EndAngle {
		sign = -1.0
	}

	omega := c.params.RotationAxis * 180 / math.Pi
	omega = math.Mod(omega, 360)
	if omega < 0 {
		omega += 360
	}

	geometry := "static"
	method := strings.ToLower(c.params.Method)
	switch {
	case strings.Contains(method, "continuous"):
		geometry = "continuous"
	case strings.Contains(method, "precess"):
		geometry = "precession"
	}

	f, err := os.Create(filepath.Join(dir, "pets.pts"))
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintln(f, "# PETS input file for 3D electron diffraction")
	fmt.Fprintf(f, "# %s\n", time.Now().Format(time.ANSIC))
	fmt.Fprintln(f, "# For definitions of input parameters, see:")
	fmt.Fprintln(f, "# http://pets.fzu.cz/")
	fmt.Fprintln(f)
	fmt.Fprintf(f, "geometry %s\n", geometry)
	fmt.Fprintf(f, "lambda %g\n", c.cal.Wavelength)
	fmt.Fprintf(f, "Aperpixel %g\n", c.pixelsize)
	fmt.Fprintf(f, "phi %.4f\n", c.params.OscAngle/2)
	fmt.Fprintf(f, "omega %.4f\n", omega)
	fmt.Fprintln(f, "bin 1")
	fmt.Fprintln(f, "reflectionsize 20")
	fmt.Fprintln(f, "noiseparameters 3.5 38")
	fmt.Fprintln(f)
	fmt.Fprintln(f, "imagelist")
	for _, i := range c.observed.Sorted() {
		angle := c.params.StartAngle + sign*c.params.OscAngle*float64(i)
		fmt.Fprintf(f, "%s/%05d.tiff %10.4f 0.00\n", tiffPath, i, angle)
	}
	fmt.Fprintln(f, "endimagelist")
	return nil
}
