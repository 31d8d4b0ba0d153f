package convert

import (
	"image/color"
	"strings"
)

type Operation string

const (
	OpRotateUpright Operation = "rotate-to-upright"
	OpFlattenAlpha  Operation = "flatten-alpha"
)

var White = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

type Step struct {
	Op         Operation
	Background color.NRGBA
}

func (s Step) String() string {
	if s.Op == OpFlattenAlpha {
		if s.Background == White {
			return string(s.Op) + "(background=white)"
		}
		return string(s.Op) + "(background=custom)"
	}
	return string(s.Op)
}

type Plan []Step

// PlanFor derives the corrective steps for md. Rotation always precedes
// flattening so the background is composited on the upright pixel grid.
func PlanFor(md Metadata) Plan {
	var plan Plan
	if md.NeedsRotation() {
		plan = append(plan, Step{Op: OpRotateUpright})
	}
	if md.HasAlpha {
		plan = append(plan, Step{Op: OpFlattenAlpha, Background: White})
	}
	return plan
}

func (p Plan) Has(op Operation) bool {
	for _, step := range p {
		if step.Op == op {
			return true
		}
	}
	return false
}

func (p Plan) String() string {
	if len(p) == 0 {
		return "none"
	}
	names := make([]string, 0, len(p))
	for _, step := range p {
		names = append(names, step.String())
	}
	return strings.Join(names, ",")
}
