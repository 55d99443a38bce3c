package convert

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emtools/credconvert/frame"
	"github.com/emtools/credconvert/util"
)

// ToDIALS writes a DIALS-ready SMV set to smvDir: the variable scripts
// that point DIALS at the valid scan ranges, plus a blank placeholder .img
// for every missing index so frame numbering stays contiguous on disk.
// The placeholders are materialized through the normal SMV writer and then
// removed from the in-memory frame maps again; the Converter's state is
// identical before and after this call.
func (c *Converter) ToDIALS(smvDir string) error {
	invert := c.params.StartAngle > c.params.EndAngle
	rotX, rotY, rotZ, err := RotationAxisXYZ(c.params.RotationAxis, invert, "dials")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(smvDir, 0777); err != nil {
		return err
	}
	if err := exportDIALSVariables(smvDir, c.observed.Sorted(), c.missing.Sorted(), rotX, rotY, rotZ); err != nil {
		return err
	}

	missing := c.missing.Sorted()
	if len(missing) == 0 {
		return nil
	}

	dir := filepath.Join(smvDir, c.opts.SMVSubdir)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}

	first := c.observed.Min()
	empty := frame.NewImage(c.rows, c.cols)
	h := c.headers[first]
	h.AcquiredAt = time.Now()

	log.Printf("writing missing files for DIALS: %v", missing)
	for _, n := range missing {
		c.data[n] = empty
		c.headers[n] = h
		err := c.WriteSMV(dir, n)
		delete(c.data, n)
		delete(c.headers, n)
		if err != nil {
			return err
		}
	}
	return nil
}

// exportDIALSVariables writes dials_variables.sh and dials_variables.bat
// to dir.  The scripts define scan_range (one pair per contiguous run of
// observed frames), exclude_images, and the goniometer axis in the DIALS
// convention; sourcing them wires the values into dials.import and
// friends.
func exportDIALSVariables(dir string, sequence, missing []int, rotX, rotY, rotZ float64) error {
	ranges := frame.FindSubranges(sequence)
	parts := make([]string, 0, len(ranges))
	for _, sr := range ranges {
		parts = append(parts, fmt.Sprintf("scan_range=%d,%d", sr.Min, sr.Max))
	}
	scanRange := strings.Join(parts, " ")
	excludeImages := util.IntSliceToCSV(missing)
	rotationAxis := fmt.Sprintf("geometry.goniometer.axes=%.4f,%.4f,%.4f", rotX, rotY, rotZ)

	var sh strings.Builder
	sh.WriteString("#!/usr/bin/env bash\n")
	fmt.Fprintf(&sh, "scan_range='%s'\n", scanRange)
	fmt.Fprintf(&sh, "exclude_images='exclude_images=%s'\n", excludeImages)
	fmt.Fprintf(&sh, "rotation_axis='%s'\n", rotationAxis)
	sh.WriteString("#\n")
	sh.WriteString("# To run:\n")
	sh.WriteString("#     source dials_variables.sh\n")
	sh.WriteString("#\n")
	sh.WriteString("# and:\n")
	sh.WriteString("#     dials.import directory=data $rotation_axis\n")
	sh.WriteString("#     dials.find_spots datablock.json $scan_range\n")
	sh.WriteString("#     dials.integrate $exclude_images refined.pickle refined.json\n")
	sh.WriteString("#\n")
	if err := os.WriteFile(filepath.Join(dir, "dials_variables.sh"), []byte(sh.String()), 0666); err != nil {
		return err
	}

	var bat strings.Builder
	bat.WriteString("@echo off\n")
	bat.WriteString("\n")
	fmt.Fprintf(&bat, "set scan_range=%s\n", scanRange)
	fmt.Fprintf(&bat, "set exclude_images=exclude_images=%s\n", excludeImages)
	fmt.Fprintf(&bat, "set rotation_axis=%s\n", rotationAxis)
	bat.WriteString("\n")
	bat.WriteString(":: To run:\n")
	bat.WriteString("::     call dials_variables.bat\n")
	bat.WriteString("::\n")
	bat.WriteString("::     dials.import directory=data %rotation_axis%\n")
	bat.WriteString("::     dials.find_spots datablock.json %scan_range%\n")
	bat.WriteString("::     dials.integrate %exclude_images% refined.pickle refined.json\n")
	return os.WriteFile(filepath.Join(dir, "dials_variables.bat"), []byte(bat.String()), 0666)
}
