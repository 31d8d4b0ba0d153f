package convert

import (
	"bytes"
	"image/color"
)

// Codec is the decode/encode capability the pipeline orchestrates. Inspect
// must read no more than the headers it needs.
type Codec interface {
	Inspect(input []byte, mode DecodeMode) (Metadata, error)
	Decode(input []byte, mode DecodeMode) (Image, error)
}

// Image is a decoded pixel buffer owned by a single conversion.
type Image interface {
	Width() int
	Height() int
	// AutoOrient bakes the stored orientation into the pixel grid and clears
	// the orientation flag.
	AutoOrient() error
	Flatten(background color.NRGBA) error
	// EncodeJPEG encodes with 4:4:4 chroma and no metadata.
	EncodeJPEG(quality int) ([]byte, error)
	Close()
}

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

func isCompleteJPEG(data []byte) bool {
	return len(data) > len(jpegSOI)+len(jpegEOI) &&
		bytes.HasPrefix(data, jpegSOI) &&
		bytes.HasSuffix(data, jpegEOI)
}
