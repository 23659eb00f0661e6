package protocol

// Event is the tagged-union interface every wire message implements.
// fields returns the payload in wire order, excluding the tag itself.
type Event interface {
	tag() Tag
	fields() []uint32
}

// DisplayUpdate is a shim→mux damage rectangle.
type DisplayUpdate struct {
	X, Y, W, H uint32
}

func (DisplayUpdate) tag() Tag               { return TagDisplayUpdate }
func (e DisplayUpdate) fields() []uint32     { return []uint32{e.X, e.Y, e.W, e.H} }

// NewDisplayUpdate builds a DisplayUpdate from an inclusive-exclusive
// rectangle (x1,y1)-(x2,y2), converting to the wire's (x, y, w, h) shape.
// This direction (mux→shim ack aside) only ever runs shim→mux in practice,
// but the conversion is provided for callers that work in rectangle terms.
func NewDisplayUpdate(x1, y1, x2, y2 uint32) DisplayUpdate {
	return DisplayUpdate{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// DisplaySwitch is a shim→mux mode-change event.
type DisplaySwitch struct {
	Format, W, H uint32
}

func (DisplaySwitch) tag() Tag           { return TagDisplaySwitch }
func (e DisplaySwitch) fields() []uint32 { return []uint32{e.Format, e.W, e.H} }

// DisplayUpdateComplete is the mux→shim ack that paces the shim.
type DisplayUpdateComplete struct {
	Success, Framerate uint32
}

func (DisplayUpdateComplete) tag() Tag           { return TagDisplayUpdateComplete }
func (e DisplayUpdateComplete) fields() []uint32 { return []uint32{e.Success, e.Framerate} }

// Mouse is a mux→shim pointer event, routed from a connected peer.
type Mouse struct {
	X, Y, Flags uint32
}

func (Mouse) tag() Tag           { return TagMouse }
func (e Mouse) fields() []uint32 { return []uint32{e.X, e.Y, e.Flags} }

// Keyboard is a mux→shim key event, routed from a connected peer.
type Keyboard struct {
	Keycode, Flags uint32
}

func (Keyboard) tag() Tag           { return TagKeyboard }
func (e Keyboard) fields() []uint32 { return []uint32{e.Keycode, e.Flags} }

// Shutdown carries no payload and may originate from either side.
type Shutdown struct{}

func (Shutdown) tag() Tag         { return TagShutdown }
func (Shutdown) fields() []uint32 { return nil }

// buildEvent constructs the typed Event for tag from its decoded fields.
// f must have at least fieldCounts[tag] elements; Decode guarantees this.
func buildEvent(tag Tag, f []uint32) (Event, error) {
	switch tag {
	case TagDisplayUpdate:
		return DisplayUpdate{X: f[0], Y: f[1], W: f[2], H: f[3]}, nil
	case TagDisplaySwitch:
		return DisplaySwitch{Format: f[0], W: f[1], H: f[2]}, nil
	case TagDisplayUpdateComplete:
		return DisplayUpdateComplete{Success: f[0], Framerate: f[1]}, nil
	case TagMouse:
		return Mouse{X: f[0], Y: f[1], Flags: f[2]}, nil
	case TagKeyboard:
		return Keyboard{Keycode: f[0], Flags: f[1]}, nil
	case TagShutdown:
		return Shutdown{}, nil
	default:
		return nil, &DecodeError{Kind: BadTag}
	}
}
