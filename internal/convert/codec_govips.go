//go:build govips && cgo

package convert

import (
	"errors"
	"fmt"
	"image/color"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsCodec struct{}

func (govipsCodec) Inspect(input []byte, mode DecodeMode) (Metadata, error) {
	img, err := loadGovips(input, mode)
	if err != nil {
		return Metadata{}, err
	}
	defer img.Close()

	return Metadata{
		Format:      vips.ImageTypes[img.Format()],
		Width:       img.Width(),
		Height:      img.Height(),
		Orientation: normalizeOrientation(img.Orientation()),
		HasAlpha:    img.HasAlpha(),
	}, nil
}

func (govipsCodec) Decode(input []byte, mode DecodeMode) (Image, error) {
	img, err := loadGovips(input, mode)
	if err != nil {
		return nil, err
	}
	return &govipsImage{ref: img}, nil
}

func loadGovips(input []byte, mode DecodeMode) (*vips.ImageRef, error) {
	if vips.DetermineImageType(input) == vips.ImageTypeUnknown {
		return nil, errors.New("unrecognized image format")
	}

	params := vips.NewImportParams()
	params.FailOnError.Set(mode == DecodeStrict)
	params.AutoRotate.Set(false)

	img, err := vips.LoadImageFromBuffer(input, params)
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	return img, nil
}

type govipsImage struct {
	ref *vips.ImageRef
}

func (i *govipsImage) Width() int  { return i.ref.Width() }
func (i *govipsImage) Height() int { return i.ref.Height() }

func (i *govipsImage) AutoOrient() error {
	if err := i.ref.AutoRotate(); err != nil {
		return fmt.Errorf("auto rotate: %w", err)
	}
	if err := i.ref.RemoveOrientation(); err != nil {
		return fmt.Errorf("remove orientation: %w", err)
	}
	return nil
}

func (i *govipsImage) Flatten(background color.NRGBA) error {
	if !i.ref.HasAlpha() {
		return nil
	}
	if err := i.ref.Flatten(&vips.Color{R: background.R, G: background.G, B: background.B}); err != nil {
		return fmt.Errorf("flatten: %w", err)
	}
	return nil
}

func (i *govipsImage) EncodeJPEG(quality int) ([]byte, error) {
	params := vips.NewJpegExportParams()
	params.Quality = quality
	params.StripMetadata = true
	params.SubsampleMode = vips.VipsForeignSubsampleOff

	data, _, err := i.ref.ExportJpeg(params)
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return data, nil
}

func (i *govipsImage) Close() {
	i.ref.Close()
}
