// Package contracts defines the JSON messages exchanged with the browser
// viewer over the WebSocket.
package contracts

const (
	// MessageTypeFrame carries a complete set of rendered pages.
	MessageTypeFrame = "frame"
	// MessageTypeState carries compile status, errors and layout hints.
	MessageTypeState = "state"
	// MessageTypeResize reports the viewer's display width.
	MessageTypeResize = "resize"
)

// IncomingMessage is the minimal envelope used to route browser messages.
type IncomingMessage struct {
	Type string `json:"type"`
}

// ResizeMessage asks for pages rendered at a new display width.
type ResizeMessage struct {
	Type  string `json:"type"`
	Width int    `json:"width"`
}

// PageImage is one rendered page. Width and Height are display pixels;
// the PNG itself is oversampled.
type PageImage struct {
	Page   int    `json:"page"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	PNG    string `json:"png,omitempty"`
	Failed bool   `json:"failed,omitempty"`
}

// FrameMessage replaces every page shown by the viewer at once.
type FrameMessage struct {
	Type   string      `json:"type"`
	Rev    uint64      `json:"rev"`
	Width  int         `json:"width"`
	Height int         `json:"height"`
	Pages  []PageImage `json:"pages"`
}

// StateMessage mirrors the preview state.
type StateMessage struct {
	Type              string `json:"type"`
	IsCompiling       bool   `json:"isCompiling"`
	Error             string `json:"error,omitempty"`
	ErrorKind         string `json:"errorKind,omitempty"`
	PageCount         int    `json:"pageCount"`
	PlaceholderHeight int    `json:"placeholderHeight"`
	Revision          uint64 `json:"revision"`
	Width             int    `json:"width"`
}
