package model

import (
	"fmt"
	"strings"
)

// TCPFlags is the subset of TCP control bits carried by a PacketRecord.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 0x01
	FlagSYN TCPFlags = 0x02
	FlagRST TCPFlags = 0x04
	FlagPSH TCPFlags = 0x08
	FlagACK TCPFlags = 0x10
	FlagURG TCPFlags = 0x20
)

// flagOrder fixes the rendering order S,A,F,R,P,U.
var flagOrder = []struct {
	flag TCPFlags
	char byte
}{
	{FlagSYN, 'S'},
	{FlagACK, 'A'},
	{FlagFIN, 'F'},
	{FlagRST, 'R'},
	{FlagPSH, 'P'},
	{FlagURG, 'U'},
}

// Has reports whether every bit in other is set.
func (f TCPFlags) Has(other TCPFlags) bool {
	return f&other == other
}

// IsSYN is a connection opener: SYN without ACK.
func (f TCPFlags) IsSYN() bool {
	return f.Has(FlagSYN) && !f.Has(FlagACK)
}

// IsSYNACK is the second step of the handshake.
func (f TCPFlags) IsSYNACK() bool {
	return f.Has(FlagSYN | FlagACK)
}

func (f TCPFlags) String() string {
	var b strings.Builder
	for _, o := range flagOrder {
		if f&o.flag != 0 {
			b.WriteByte(o.char)
		}
	}
	return b.String()
}

// ParseTCPFlags parses the letter encoding produced by String. Letters may
// appear in any order; unknown letters are rejected.
func ParseTCPFlags(s string) (TCPFlags, error) {
	var f TCPFlags
	for i := 0; i < len(s); i++ {
		found := false
		for _, o := range flagOrder {
			if s[i] == o.char {
				f |= o.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown tcp flag %q in %q", s[i], s)
		}
	}
	return f, nil
}

func (f TCPFlags) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *TCPFlags) UnmarshalText(text []byte) error {
	parsed, err := ParseTCPFlags(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
