package convert

import (
	"context"
	"image/color"
	"testing"
)

func benchmarkConverter(b *testing.B) *Converter {
	b.Helper()
	c, err := New(Config{MaxFileSizeBytes: DefaultMaxFileSizeBytes, JPEGQuality: DefaultJPEGQuality}, WithCodec(stdCodec{}))
	if err != nil {
		b.Fatalf("new converter: %v", err)
	}
	return c
}

func BenchmarkConvertUpright(b *testing.B) {
	c := benchmarkConverter(b)
	in := Input{Data: encodeJPEG(b, noiseImage(1920, 1080)), MediaType: ContentTypeJPEG}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Convert(context.Background(), in); err != nil {
			b.Fatalf("convert: %v", err)
		}
	}
}

func BenchmarkConvertRotated(b *testing.B) {
	c := benchmarkConverter(b)
	in := Input{Data: withOrientation(b, encodeJPEG(b, noiseImage(1920, 1080)), 6), MediaType: ContentTypeJPEG}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Convert(context.Background(), in); err != nil {
			b.Fatalf("convert: %v", err)
		}
	}
}

func BenchmarkConvertFlattenAlpha(b *testing.B) {
	c := benchmarkConverter(b)
	in := Input{Data: encodePNG(b, splitImage(1920, 1080, color.NRGBA{}, color.NRGBA{G: 200, A: 128})), MediaType: "image/png"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Convert(context.Background(), in); err != nil {
			b.Fatalf("convert: %v", err)
		}
	}
}
