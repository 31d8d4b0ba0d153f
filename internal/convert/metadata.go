package convert

const (
	OrientationNormal = 1
	orientationMax    = 8
)

type DecodeMode int

const (
	// DecodeLenient tolerates malformed auxiliary data such as broken EXIF
	// tags. Unknown metadata may be dropped silently.
	DecodeLenient DecodeMode = iota
	DecodeStrict
)

func (m DecodeMode) String() string {
	if m == DecodeStrict {
		return "strict"
	}
	return "lenient"
}

// Metadata is the header-level view of an input image. Orientation is zero
// when the source carries no usable orientation tag.
type Metadata struct {
	Format      string
	Width       int
	Height      int
	Orientation int
	HasAlpha    bool
}

func (m Metadata) NeedsRotation() bool {
	return m.Orientation > OrientationNormal && m.Orientation <= orientationMax
}

func normalizeOrientation(v int) int {
	if v < OrientationNormal || v > orientationMax {
		return 0
	}
	return v
}
