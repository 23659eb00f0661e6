package pixfmt

import "testing"

func TestLookupKnownFormats(t *testing.T) {
	cases := []struct {
		code Format
		want Mapping
	}{
		{R8G8B8A8, Mapping{PeerXBGR32, PeerXBGR32, 4}},
		{R8G8B8X8, Mapping{PeerXBGR32, PeerXBGR32, 4}},
		{A8R8G8B8, Mapping{PeerXRGB32, PeerXRGB32, 4}},
		{X8R8G8B8, Mapping{PeerXRGB32, PeerXRGB32, 4}},
		{R8G8B8, Mapping{PeerBGR24, PeerXRGB32, 3}},
		{B8G8R8, Mapping{PeerRGB24, PeerXRGB32, 3}},
		{R5G6B5, Mapping{PeerBGR16, PeerXRGB32, 2}},
		{X1R5G5B5, Mapping{PeerABGR15, PeerXRGB32, 2}},
	}

	for _, c := range cases {
		got := Lookup(c.code)
		if got != c.want {
			t.Errorf("Lookup(%v) = %+v, want %+v", c.code, got, c.want)
		}
		if !got.Valid() {
			t.Errorf("Lookup(%v) reported invalid for a known format", c.code)
		}
	}
}

func TestLookupUnknownFormat(t *testing.T) {
	got := Lookup(Format(0xffff))
	if got.Valid() {
		t.Fatalf("expected invalid sentinel, got %+v", got)
	}
	if got != (Mapping{-1, -1, -1}) {
		t.Fatalf("expected {-1,-1,-1}, got %+v", got)
	}
}
