//go:build !cgo

package convert

import (
	"errors"
	"image"
)

var errHEIFUnsupported = errors.New("heif decoding requires a cgo build")

func decodeHEIF([]byte) (image.Image, error) {
	return nil, errHEIFUnsupported
}

func decodeHEIFConfig([]byte) (image.Config, error) {
	return image.Config{}, errHEIFUnsupported
}

func extractHEIFExif([]byte) ([]byte, error) {
	return nil, errHEIFUnsupported
}
