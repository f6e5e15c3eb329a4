package board

type Tool string

const (
	ToolPen       Tool = "pen"
	ToolEraser    Tool = "eraser"
	ToolRectangle Tool = "rectangle"
	ToolEllipse   Tool = "ellipse"
	ToolLine      Tool = "line"
)

type Point struct {
	X float64
	Y float64
}

type Segment struct {
	From Point
	To   Point
}

// StrokeEvent is one entry of the append-only drawing history. Freehand
// tools carry a segment trail; shape tools carry Start/End and are rendered
// as a single primitive.
type StrokeEvent struct {
	Segments  []Segment
	Tool      Tool
	LineWidth float64
	Color     string
	Start     *Point
	End       *Point
}

func (p Point) fields() map[string]any {
	return map[string]any{"x": p.X, "y": p.Y}
}

func (s StrokeEvent) fields() map[string]any {
	segs := make([]any, 0, len(s.Segments))
	for _, seg := range s.Segments {
		segs = append(segs, map[string]any{
			"from": seg.From.fields(),
			"to":   seg.To.fields(),
		})
	}
	f := map[string]any{
		"segments":  segs,
		"tool":      string(s.Tool),
		"lineWidth": s.LineWidth,
		"color":     s.Color,
	}
	if s.Start != nil {
		f["startPoint"] = s.Start.fields()
	}
	if s.End != nil {
		f["endPoint"] = s.End.fields()
	}
	return f
}

func decodePoint(raw any) (Point, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Point{}, false
	}
	return Point{X: toFloat(m["x"]), Y: toFloat(m["y"])}, true
}

// decodeStroke tolerates missing or foreign fields so that one bad record
// never poisons a replay of the whole history.
func decodeStroke(raw any) (StrokeEvent, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return StrokeEvent{}, false
	}
	s := StrokeEvent{
		Tool:      Tool(toString(m["tool"])),
		LineWidth: toFloat(m["lineWidth"]),
		Color:     toString(m["color"]),
	}
	if rawSegs, ok := m["segments"].([]any); ok {
		for _, rawSeg := range rawSegs {
			sm, ok := rawSeg.(map[string]any)
			if !ok {
				continue
			}
			from, okf := decodePoint(sm["from"])
			to, okt := decodePoint(sm["to"])
			if okf && okt {
				s.Segments = append(s.Segments, Segment{From: from, To: to})
			}
		}
	}
	if p, ok := decodePoint(m["startPoint"]); ok {
		s.Start = &p
	}
	if p, ok := decodePoint(m["endPoint"]); ok {
		s.End = &p
	}
	return s, true
}
