package scanner

import (
	"errors"
	"io"

	"github.com/astrogo/fitsio"
)

// WriteFits streams a single channel grid to w as a 64-bit float image.
// g is indexed [fast][slow], so the fast axis is NAXIS1.
func WriteFits(w io.Writer, metadata []fitsio.Card, g [][]float64) error {
	if len(g) == 0 || len(g[0]) == 0 {
		return errors.New("empty grid")
	}
	width, height := len(g), len(g[0])
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{width, height})
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}

	buf := make([]float64, width*height)
	for j := 0; j < height; j++ {
		for i := 0; i < width; i++ {
			buf[j*width+i] = g[i][j]
		}
	}
	err = im.Write(buf)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
