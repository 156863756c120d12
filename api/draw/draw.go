// Package draw defines the render-agnostic frame payload produced by the
// topology engine. A renderer (retained or immediate mode) draws exactly
// what a frame says; all visual policy lives server-side.
package draw

type Halo string

const (
	HaloNone     Halo = ""
	HaloSelected Halo = "selected" // persistent, green
	HaloHovered  Halo = "hovered"  // transient, cyan
)

type Node struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name,omitempty"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Radius      float64 `json:"radius"`
	Color       string  `json:"color"`
	Opacity     float64 `json:"opacity"`
	Halo        Halo    `json:"halo,omitempty"`
}

type Edge struct {
	ID        string  `json:"id"`
	Source    string  `json:"source"`
	Target    string  `json:"target"`
	Width     float64 `json:"width"`
	Color     string  `json:"color"`
	Opacity   float64 `json:"opacity"`
	Curvature float64 `json:"curvature"`
	Halo      Halo    `json:"halo,omitempty"`
}

type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Frame is one complete picture of the topology view.
type Frame struct {
	Nodes    []Node    `json:"nodes"`
	Edges    []Edge    `json:"edges"`
	Viewport *Viewport `json:"viewport,omitempty"`
	// ServerTime is the instant the frame was encoded, epoch seconds.
	ServerTime int64 `json:"server_time"`
}
