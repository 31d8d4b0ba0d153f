package convert

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func encodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png fixture: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode jpeg fixture: %v", err)
	}
	return buf.Bytes()
}

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// splitImage paints the left half of the image left and the right half right.
func splitImage(w, h int, left, right color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.SetNRGBA(x, y, left)
			} else {
				img.SetNRGBA(x, y, right)
			}
		}
	}
	return img
}

func noiseImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	seed := uint32(2463534242)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			seed ^= seed << 13
			seed ^= seed >> 17
			seed ^= seed << 5
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(seed), G: uint8(seed >> 8), B: uint8(seed >> 16), A: 255})
		}
	}
	return img
}

// orientationTIFF is a big-endian TIFF block whose IFD0 carries only the
// orientation tag.
func orientationTIFF(orientation int) []byte {
	return []byte{
		'M', 'M', 0x00, 0x2a, // big-endian TIFF header
		0x00, 0x00, 0x00, 0x08, // IFD0 offset
		0x00, 0x01, // one entry
		0x01, 0x12, // Orientation
		0x00, 0x03, // SHORT
		0x00, 0x00, 0x00, 0x01, // count
		0x00, byte(orientation), 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, // no next IFD
	}
}

// withOrientation inserts an APP1 EXIF segment carrying only the orientation
// tag directly after the SOI marker.
func withOrientation(t testing.TB, jpegData []byte, orientation int) []byte {
	t.Helper()
	return withAPP1(t, jpegData, append([]byte("Exif\x00\x00"), orientationTIFF(orientation)...))
}

// withAPP1 inserts an APP1 segment with the given payload after SOI.
func withAPP1(t testing.TB, jpegData, payload []byte) []byte {
	t.Helper()
	if !bytes.HasPrefix(jpegData, jpegSOI) {
		t.Fatalf("fixture is not a jpeg")
	}
	length := len(payload) + 2

	out := make([]byte, 0, len(jpegData)+length+2)
	out = append(out, jpegSOI...)
	out = append(out, 0xff, 0xe1, byte(length>>8), byte(length))
	out = append(out, payload...)
	out = append(out, jpegData[len(jpegSOI):]...)
	return out
}

// withPNGExif inserts an eXIf chunk right after IHDR.
func withPNGExif(t testing.TB, pngData, tiff []byte) []byte {
	t.Helper()
	const afterIHDR = 8 + 4 + 4 + 13 + 4
	if !bytes.HasPrefix(pngData, pngSignature) || len(pngData) < afterIHDR {
		t.Fatalf("fixture is not a png")
	}

	chunk := make([]byte, 8, 12+len(tiff))
	binary.BigEndian.PutUint32(chunk[0:4], uint32(len(tiff)))
	copy(chunk[4:8], "eXIf")
	chunk = append(chunk, tiff...)
	chunk = binary.BigEndian.AppendUint32(chunk, crc32.ChecksumIEEE(chunk[4:]))

	out := make([]byte, 0, len(pngData)+len(chunk))
	out = append(out, pngData[:afterIHDR]...)
	out = append(out, chunk...)
	out = append(out, pngData[afterIHDR:]...)
	return out
}

// riffWebP assembles a RIFF/WEBP container from fourcc/payload pairs. The
// result is a container only; its image chunks are not decodable.
func riffWebP(chunks ...any) []byte {
	var body []byte
	body = append(body, "WEBP"...)
	for i := 0; i+1 < len(chunks); i += 2 {
		payload := chunks[i+1].([]byte)
		body = append(body, chunks[i].(string)...)
		body = binary.LittleEndian.AppendUint32(body, uint32(len(payload)))
		body = append(body, payload...)
		if len(payload)%2 == 1 {
			body = append(body, 0)
		}
	}
	out := append([]byte("RIFF"), binary.LittleEndian.AppendUint32(nil, uint32(len(body)))...)
	return append(out, body...)
}

func decodeOutput(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode converted jpeg: %v", err)
	}
	return img
}

func assertNear(t *testing.T, img image.Image, x, y int, want color.NRGBA, tolerance int) {
	t.Helper()
	r, g, b, _ := img.At(x, y).RGBA()
	got := [3]int{int(r >> 8), int(g >> 8), int(b >> 8)}
	exp := [3]int{int(want.R), int(want.G), int(want.B)}
	for i := range got {
		diff := got[i] - exp[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			t.Fatalf("pixel (%d,%d) = %v, want near %v", x, y, got, exp)
		}
	}
}
