// Package pixfmt maps the pixel-format code a shim advertises in a
// DisplaySwitch event onto the (source, target, bytes-per-pixel) triple
// the peer encoder needs. The codes are pixman's format constants — the
// same values QEMU's display subsystem already carries internally — so no
// translation happens on the shim side.
package pixfmt

// Format is a pixman format code as received on the wire.
type Format uint32

// Values mirror pixman_format_code_t for the formats this module cares
// about. Unlisted formats are still valid pixman codes; they simply have
// no peer mapping (Lookup returns the invalid sentinel for them).
const (
	R8G8B8A8 Format = 0x20098888
	R8G8B8X8 Format = 0x20090888
	A8R8G8B8 Format = 0x20028888
	X8R8G8B8 Format = 0x20020888
	R8G8B8   Format = 0x18020888
	B8G8R8   Format = 0x18030888
	R5G6B5   Format = 0x10020565
	X1R5G5B5 Format = 0x10020555
)

// Peer pixel formats, as accepted by the PeerSink's encoder.
const (
	PeerXBGR32 int32 = 1
	PeerXRGB32 int32 = 2
	PeerBGR24  int32 = 3
	PeerRGB24  int32 = 4
	PeerBGR16  int32 = 5
	PeerABGR15 int32 = 6
)

// Mapping is the (source, target, bytes-per-pixel) triple a Listener needs
// to tell the PeerSink how to re-encode the framebuffer for clients.
// Invalid is the sentinel {-1, -1, -1} returned for any code with no
// defined mapping — the Listener must decline to serve peers until a
// valid DisplaySwitch arrives.
type Mapping struct {
	Src, Dst      int32
	BytesPerPixel int32
}

var invalid = Mapping{Src: -1, Dst: -1, BytesPerPixel: -1}

// Valid reports whether m is a usable mapping (as opposed to the sentinel
// returned by Lookup for an unrecognized format).
func (m Mapping) Valid() bool {
	return m != invalid
}

var table = map[Format]Mapping{
	R8G8B8A8: {Src: PeerXBGR32, Dst: PeerXBGR32, BytesPerPixel: 4},
	R8G8B8X8: {Src: PeerXBGR32, Dst: PeerXBGR32, BytesPerPixel: 4},
	A8R8G8B8: {Src: PeerXRGB32, Dst: PeerXRGB32, BytesPerPixel: 4},
	X8R8G8B8: {Src: PeerXRGB32, Dst: PeerXRGB32, BytesPerPixel: 4},
	R8G8B8:   {Src: PeerBGR24, Dst: PeerXRGB32, BytesPerPixel: 3},
	B8G8R8:   {Src: PeerRGB24, Dst: PeerXRGB32, BytesPerPixel: 3},
	R5G6B5:   {Src: PeerBGR16, Dst: PeerXRGB32, BytesPerPixel: 2},
	X1R5G5B5: {Src: PeerABGR15, Dst: PeerXRGB32, BytesPerPixel: 2},
}

// Lookup returns the peer mapping for code, or the invalid sentinel if
// code is not one of the formats this module understands.
func Lookup(code Format) Mapping {
	if m, ok := table[code]; ok {
		return m
	}
	return invalid
}
