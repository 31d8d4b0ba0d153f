package convert

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/jpegli"
	"github.com/gen2brain/jpegn"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	formatJPEG = "jpeg"
	formatPNG  = "png"
	formatGIF  = "gif"
	formatTIFF = "tiff"
	formatWEBP = "webp"
	formatHEIF = "heif"
)

// stdCodec decodes with pure-Go decoders and encodes with jpegli.
type stdCodec struct{}

func (stdCodec) Inspect(input []byte, mode DecodeMode) (Metadata, error) {
	format := sniffFormat(input)

	cfg, format, err := decodeConfig(input, format)
	if err != nil {
		return Metadata{}, err
	}

	orientation, err := readOrientation(input, format, mode)
	if err != nil {
		return Metadata{}, err
	}

	return Metadata{
		Format:      format,
		Width:       cfg.Width,
		Height:      cfg.Height,
		Orientation: orientation,
		HasAlpha:    hasAlpha(input, format, cfg.ColorModel),
	}, nil
}

func (stdCodec) Decode(input []byte, mode DecodeMode) (Image, error) {
	format := sniffFormat(input)

	var (
		img image.Image
		err error
	)
	switch format {
	case formatJPEG:
		img, err = jpegn.Decode(bytes.NewReader(input))
		if err != nil && mode == DecodeLenient {
			img, err = jpeg.Decode(bytes.NewReader(input))
		}
	case formatHEIF:
		img, err = decodeHEIF(input)
	default:
		img, format, err = image.Decode(bytes.NewReader(input))
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", formatOrUnknown(format), err)
	}

	orientation, err := readOrientation(input, format, mode)
	if err != nil {
		return nil, err
	}

	return &stdImage{img: img, orientation: orientation}, nil
}

func decodeConfig(input []byte, format string) (image.Config, string, error) {
	var (
		cfg image.Config
		err error
	)
	switch format {
	case formatJPEG:
		cfg, err = jpegn.DecodeConfig(bytes.NewReader(input))
	case formatHEIF:
		cfg, err = decodeHEIFConfig(input)
	default:
		cfg, format, err = image.DecodeConfig(bytes.NewReader(input))
	}
	if err != nil {
		return image.Config{}, "", fmt.Errorf("decode %s header: %w", formatOrUnknown(format), err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, "", fmt.Errorf("invalid %s dimensions %dx%d", format, cfg.Width, cfg.Height)
	}
	return cfg, format, nil
}

func sniffFormat(input []byte) string {
	switch {
	case bytes.HasPrefix(input, jpegSOI):
		return formatJPEG
	case isHEIF(input):
		return formatHEIF
	default:
		return ""
	}
}

// isHEIF checks the ISO-BMFF ftyp box for a HEIC/HEIF major brand.
func isHEIF(input []byte) bool {
	if len(input) < 12 || string(input[4:8]) != "ftyp" {
		return false
	}
	switch string(input[8:12]) {
	case "heic", "heix", "hevc", "hevx", "heim", "heis", "mif1", "msf1":
		return true
	}
	return false
}

func formatOrUnknown(format string) string {
	if format == "" {
		return "image"
	}
	return format
}

// readOrientation returns the EXIF orientation or zero when absent. In
// lenient mode malformed EXIF is ignored.
func readOrientation(input []byte, format string, mode DecodeMode) (int, error) {
	var raw []byte
	switch format {
	case formatJPEG, formatTIFF:
		raw = input
	case formatHEIF:
		block, err := extractHEIFExif(input)
		if err != nil || len(block) == 0 {
			return 0, nil
		}
		raw = trimToTIFFHeader(block)
	case formatPNG:
		raw = trimToTIFFHeader(pngExif(input))
	case formatWEBP:
		raw = trimToTIFFHeader(webpExif(input))
	default:
		return 0, nil
	}
	if len(raw) == 0 {
		return 0, nil
	}

	x, err := exif.Decode(bytes.NewReader(raw))
	if x == nil {
		return 0, nil
	}
	if err != nil && mode == DecodeStrict && exif.IsCriticalError(err) {
		return 0, fmt.Errorf("parse exif: %w", err)
	}

	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0, nil
	}
	value, err := tag.Int(0)
	if err != nil {
		if mode == DecodeStrict {
			return 0, fmt.Errorf("parse exif orientation: %w", err)
		}
		return 0, nil
	}
	return normalizeOrientation(value), nil
}

func trimToTIFFHeader(block []byte) []byte {
	if idx := bytes.Index(block, []byte("Exif\x00\x00")); idx >= 0 {
		return block[idx+6:]
	}
	if len(block) > 4 && !bytes.HasPrefix(block, []byte("II")) && !bytes.HasPrefix(block, []byte("MM")) {
		return block[4:]
	}
	return block
}

func hasAlpha(input []byte, format string, model color.Model) bool {
	switch format {
	case formatPNG:
		return pngHasAlpha(input)
	case formatGIF:
		return gifHasTransparency(input)
	}

	switch model {
	case color.NRGBAModel, color.NRGBA64Model, color.AlphaModel, color.Alpha16Model, color.NYCbCrAModel:
		return true
	}
	if palette, ok := model.(color.Palette); ok {
		for _, c := range palette {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// pngHasAlpha reads the IHDR color type and looks for a tRNS chunk ahead of
// the first IDAT without inflating any pixel data.
func pngHasAlpha(input []byte) bool {
	const ihdrColorType = 25
	if len(input) <= ihdrColorType || !bytes.HasPrefix(input, pngSignature) {
		return false
	}
	if input[ihdrColorType]&0x04 != 0 {
		return true
	}

	offset := len(pngSignature)
	for offset+8 <= len(input) {
		length := int(binary.BigEndian.Uint32(input[offset : offset+4]))
		chunkType := string(input[offset+4 : offset+8])
		switch chunkType {
		case "tRNS":
			return true
		case "IDAT", "IEND":
			return false
		}
		if length < 0 || length > len(input) {
			return false
		}
		offset += 12 + length
	}
	return false
}

// pngExif returns the payload of the eXIf chunk, or nil. The chunk may sit
// before or after the image data.
func pngExif(input []byte) []byte {
	if !bytes.HasPrefix(input, pngSignature) {
		return nil
	}
	offset := len(pngSignature)
	for offset+8 <= len(input) {
		length := int(binary.BigEndian.Uint32(input[offset : offset+4]))
		chunkType := string(input[offset+4 : offset+8])
		start := offset + 8
		if length < 0 || length > len(input)-start {
			return nil
		}
		switch chunkType {
		case "eXIf":
			return input[start : start+length]
		case "IEND":
			return nil
		}
		offset = start + length + 4
	}
	return nil
}

// webpExif returns the payload of the RIFF EXIF chunk of an extended (VP8X)
// WebP file, or nil.
func webpExif(input []byte) []byte {
	if len(input) < 12 || string(input[0:4]) != "RIFF" || string(input[8:12]) != "WEBP" {
		return nil
	}
	offset := 12
	for offset+8 <= len(input) {
		chunkType := string(input[offset : offset+4])
		length := int(binary.LittleEndian.Uint32(input[offset+4 : offset+8]))
		start := offset + 8
		if length < 0 || length > len(input)-start {
			return nil
		}
		if chunkType == "EXIF" {
			return input[start : start+length]
		}
		offset = start + length + length&1
	}
	return nil
}

// gifHasTransparency looks for a graphic control extension with the
// transparent color flag set.
func gifHasTransparency(input []byte) bool {
	marker := []byte{0x21, 0xf9, 0x04}
	for rest := input; ; {
		idx := bytes.Index(rest, marker)
		if idx < 0 || idx+len(marker) >= len(rest) {
			return false
		}
		if rest[idx+len(marker)]&0x01 != 0 {
			return true
		}
		rest = rest[idx+len(marker):]
	}
}

type stdImage struct {
	img         image.Image
	orientation int
}

func (i *stdImage) Width() int  { return i.img.Bounds().Dx() }
func (i *stdImage) Height() int { return i.img.Bounds().Dy() }

func (i *stdImage) AutoOrient() error {
	i.img = applyOrientation(i.img, i.orientation)
	i.orientation = 0
	return nil
}

func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

func (i *stdImage) Flatten(background color.NRGBA) error {
	bounds := i.img.Bounds()
	canvas := imaging.New(bounds.Dx(), bounds.Dy(), background)
	i.img = imaging.Overlay(canvas, i.img, image.Pt(0, 0), 1.0)
	return nil
}

func (i *stdImage) EncodeJPEG(quality int) ([]byte, error) {
	var buf bytes.Buffer
	err := jpegli.Encode(&buf, i.img, &jpegli.EncodingOptions{
		Quality:           quality,
		ChromaSubsampling: image.YCbCrSubsampleRatio444,
	})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func (i *stdImage) Close() {
	i.img = nil
}
