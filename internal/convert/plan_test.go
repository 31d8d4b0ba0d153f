package convert

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPlanFor(t *testing.T) {
	tests := []struct {
		name string
		md   Metadata
		want Plan
	}{
		{
			name: "no orientation no alpha",
			md:   Metadata{},
			want: nil,
		},
		{
			name: "default orientation",
			md:   Metadata{Orientation: OrientationNormal},
			want: nil,
		},
		{
			name: "rotated",
			md:   Metadata{Orientation: 6},
			want: Plan{{Op: OpRotateUpright}},
		},
		{
			name: "alpha only",
			md:   Metadata{HasAlpha: true},
			want: Plan{{Op: OpFlattenAlpha, Background: White}},
		},
		{
			name: "rotate precedes flatten",
			md:   Metadata{Orientation: 8, HasAlpha: true},
			want: Plan{
				{Op: OpRotateUpright},
				{Op: OpFlattenAlpha, Background: White},
			},
		},
		{
			name: "out of range orientation ignored",
			md:   Metadata{Orientation: 9},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PlanFor(tt.md)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("plan mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlanForIsDeterministic(t *testing.T) {
	md := Metadata{Orientation: 3, HasAlpha: true}
	first := PlanFor(md)
	for i := 0; i < 10; i++ {
		if diff := cmp.Diff(first, PlanFor(md)); diff != "" {
			t.Fatalf("plan changed between calls:\n%s", diff)
		}
	}
}

func TestPlanString(t *testing.T) {
	if got := Plan(nil).String(); got != "none" {
		t.Fatalf("expected none, got %q", got)
	}

	plan := PlanFor(Metadata{Orientation: 6, HasAlpha: true})
	want := "rotate-to-upright,flatten-alpha(background=white)"
	if got := plan.String(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if !plan.Has(OpRotateUpright) || !plan.Has(OpFlattenAlpha) {
		t.Fatalf("expected both operations in %s", plan)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		mediaType string
		filename  string
		want      bool
	}{
		{"image/heic", "", true},
		{"IMAGE/HEIF", "photo.bin", true},
		{"", "IMG_0001.HEIC", true},
		{"application/octet-stream", "scan.heif", true},
		{"image/jpeg", "photo.jpg", false},
		{"", "", false},
		{"image/heic-sequence", "clip.heics", false},
	}

	for _, tt := range tests {
		got := Classify(tt.mediaType, tt.filename)
		if got.IsHeicFamily != tt.want {
			t.Fatalf("Classify(%q, %q) = %v, want %v", tt.mediaType, tt.filename, got.IsHeicFamily, tt.want)
		}
	}
}
