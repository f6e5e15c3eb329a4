package board

import "fmt"

type ObjectType string

const (
	ObjectImage ObjectType = "image"
	ObjectLatex ObjectType = "latex"
	ObjectText  ObjectType = "text"
)

// Object is the closed set of canvas object variants stored in the shared
// objects map. Renderers are expected to switch exhaustively on the concrete
// type.
type Object interface {
	ObjectID() string
	Type() ObjectType
	fields() map[string]any
}

// ObjectBase holds the geometry common to every variant.
type ObjectBase struct {
	ID       string
	X        float64
	Y        float64
	Width    float64
	Rotation float64
}

func (b ObjectBase) ObjectID() string { return b.ID }

func (b ObjectBase) baseFields(t ObjectType) map[string]any {
	return map[string]any{
		"type":     string(t),
		"x":        b.X,
		"y":        b.Y,
		"width":    b.Width,
		"rotation": b.Rotation,
	}
}

type ImageObject struct {
	ObjectBase
	Src    string
	Height float64
}

func (o ImageObject) Type() ObjectType { return ObjectImage }

func (o ImageObject) fields() map[string]any {
	f := o.baseFields(ObjectImage)
	f["src"] = o.Src
	f["height"] = o.Height
	return f
}

type LatexObject struct {
	ObjectBase
	Src    string
	Height float64
	// Text is the source expression the Src raster was produced from.
	Text string
}

func (o LatexObject) Type() ObjectType { return ObjectLatex }

func (o LatexObject) fields() map[string]any {
	f := o.baseFields(ObjectLatex)
	f["src"] = o.Src
	f["height"] = o.Height
	f["text"] = o.Text
	return f
}

type TextObject struct {
	ObjectBase
	Text       string
	FontFamily string
	FontSize   float64
	Color      string
	Align      string
}

func (o TextObject) Type() ObjectType { return ObjectText }

func (o TextObject) fields() map[string]any {
	f := o.baseFields(ObjectText)
	f["text"] = o.Text
	f["fontFamily"] = o.FontFamily
	f["fontSize"] = o.FontSize
	f["color"] = o.Color
	f["align"] = o.Align
	return f
}

func decodeObject(id string, raw any) (Object, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("object %q is not a map", id)
	}
	base := ObjectBase{
		ID:       id,
		X:        toFloat(m["x"]),
		Y:        toFloat(m["y"]),
		Width:    toFloat(m["width"]),
		Rotation: toFloat(m["rotation"]),
	}
	switch ObjectType(toString(m["type"])) {
	case ObjectImage:
		return ImageObject{
			ObjectBase: base,
			Src:        toString(m["src"]),
			Height:     toFloat(m["height"]),
		}, nil
	case ObjectLatex:
		return LatexObject{
			ObjectBase: base,
			Src:        toString(m["src"]),
			Height:     toFloat(m["height"]),
			Text:       toString(m["text"]),
		}, nil
	case ObjectText:
		return TextObject{
			ObjectBase: base,
			Text:       toString(m["text"]),
			FontFamily: toString(m["fontFamily"]),
			FontSize:   toFloat(m["fontSize"]),
			Color:      toString(m["color"]),
			Align:      toString(m["align"]),
		}, nil
	default:
		return nil, fmt.Errorf("object %q has unknown type %v", id, m["type"])
	}
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return 0
	}
}
