// Package protocol implements the wire codec between the hypervisor shim
// and the multiplexer: a tagged union of events carried as a MessagePack
// array whose first element is the event's tag.
package protocol

// Tag identifies the type of an Event. Values are part of the wire
// contract and must not change — the shim encodes the same values.
type Tag uint32

const (
	TagDisplayUpdate         Tag = 0
	TagDisplaySwitch         Tag = 1
	TagDisplayUpdateComplete Tag = 2
	TagMouse                 Tag = 3
	TagKeyboard              Tag = 4
	TagShutdown              Tag = 5
)

func (t Tag) String() string {
	switch t {
	case TagDisplayUpdate:
		return "DisplayUpdate"
	case TagDisplaySwitch:
		return "DisplaySwitch"
	case TagDisplayUpdateComplete:
		return "DisplayUpdateComplete"
	case TagMouse:
		return "Mouse"
	case TagKeyboard:
		return "Keyboard"
	case TagShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// fieldCounts gives the number of uint32 fields that follow the tag for
// each known event, per the wire table. Decode uses this to know how many
// elements to pull out of the packed array once it has read the tag.
// Encode does not consult it; each Event's fields method must return
// exactly this many values for the two directions to agree.
var fieldCounts = map[Tag]int{
	TagDisplayUpdate:         4,
	TagDisplaySwitch:         3,
	TagDisplayUpdateComplete: 2,
	TagMouse:                 3,
	TagKeyboard:              2,
	TagShutdown:              0,
}
