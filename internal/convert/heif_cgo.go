//go:build cgo

package convert

import (
	"bytes"
	"image"

	"github.com/adrium/goheif"
)

func decodeHEIF(input []byte) (image.Image, error) {
	return goheif.Decode(bytes.NewReader(input))
}

func decodeHEIFConfig(input []byte) (image.Config, error) {
	return goheif.DecodeConfig(bytes.NewReader(input))
}

func extractHEIFExif(input []byte) ([]byte, error) {
	return goheif.ExtractExif(bytes.NewReader(input))
}
