// Package imgrec contains a frame recorder used to automatically archive
// collected frames to disk during an experiment.
package imgrec

import (
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/emtools/credconvert/frame"
)

// Recorder archives frames with incrementing filenames in yyyy-mm-dd
// subfolders.  It is not thread safe.
type Recorder struct {
	// counter is the internally incrementing counter
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// timeFldr is the subfolder with yyyy-mm-dd format.
	timeFldr string

	// Enabled is a flag unused by this struct that allows consumers to disable its use in their code
	Enabled bool
}

// updateFolder checks the current time and updates the folder and timestamp as needed
func (r *Recorder) updateFolder() {
	now := time.Now()
	y, m, d := now.Year(), now.Month(), now.Day()
	r.timeFldr = fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := path.Join(r.Root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// SaveFrame archives one frame as a FITS file in the dated folder and
// returns the path written.  The counter is not advanced; call Incr
// between frames.
func (r *Recorder) SaveFrame(img frame.Image, h frame.Header) (string, error) {
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}

	fn := path.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
	fid, err := os.Create(fn)
	if err != nil {
		return "", err
	}
	defer fid.Close()
	return fn, WriteFITS(fid, img, h)
}

// Incr updates the filename counter; it scans the folder to do so.  If there is an error, the counter is not incremented
func (r *Recorder) Incr() {
	dn, _ := r.mkDir()
	files, err := os.ReadDir(dn)
	if err != nil {
		return
	}
	count := 0
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		// guaranteed match
		bit := strings.Split(fn, r.Prefix)[1]
		bit = bit[:len(bit)-5] // pop fits
		n, err := strconv.Atoi(bit)
		if err != nil {
			return
		}
		if count < n {
			count = n
		}
	}
	r.counter = count + 1
}

// WriteFITS streams a frame to w as a 16-bit FITS image.  The exposure
// time and acquisition timestamp go into the header as EXPTIME and
// DATE-OBS.
func WriteFITS(w io.Writer, img frame.Image, h frame.Header) error {
	cards := []fitsio.Card{
		{Name: "BZERO", Value: 32768},
		{Name: "BSCALE", Value: 1.0},
		{Name: "EXPTIME", Value: h.ExposureTime, Comment: "exposure time, seconds"},
	}
	if !h.AcquiredAt.IsZero() {
		cards = append(cards, fitsio.Card{
			Name:    "DATE-OBS",
			Value:   h.AcquiredAt.UTC().Format("2006-01-02T15:04:05"),
			Comment: "acquisition timestamp",
		})
	}
	if h.HasBeamCenter {
		cards = append(cards,
			fitsio.Card{Name: "BEAMCTRR", Value: h.BeamCenter[0], Comment: "beam center row, pixels"},
			fitsio.Card{Name: "BEAMCTRC", Value: h.BeamCenter[1], Comment: "beam center col, pixels"},
		)
	}

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	im := fitsio.NewImage(16, []int{img.Cols, img.Rows})
	defer im.Close()
	if err := im.Header().Append(cards...); err != nil {
		return err
	}

	ints := make([]int16, len(img.Pix))
	for i, v := range img.Pix {
		ints[i] = int16(int32(v) - 32768)
	}
	if err := im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}
