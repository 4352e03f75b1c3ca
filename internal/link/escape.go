package link

import "fmt"

// Frame delimiters. 0x7E introduces every control sequence; 0x07 opens a
// frame and 0x08 closes it.
const (
	escapeIntroducer = 0x7E
	frameStart0      = 0x7E
	frameStart1      = 0x07
	frameEnd0        = 0x7E
	frameEnd1        = 0x08
)

// InvalidEscapeError reports a 0x7E followed by a byte outside 0x00..0x08.
type InvalidEscapeError struct {
	Byte byte
}

func (e *InvalidEscapeError) Error() string {
	return fmt.Sprintf("invalid escape sequence 7E %02X", e.Byte)
}

// escapeFor returns the escape code for bytes which must be stuffed, or
// false for bytes transmitted literally.
func escapeFor(b byte) (byte, bool) {
	switch b {
	case 0x7E:
		return 0x00, true
	case 0x24:
		return 0x01, true
	case 0x23:
		return 0x02, true
	case 0x25:
		return 0x03, true
	case 0xA4:
		return 0x04, true
	case 0xA3:
		return 0x05, true
	case 0xA5:
		return 0x06, true
	default:
		return 0, false
	}
}

// unescapeByte maps the byte following a 0x7E introducer back to its raw
// value.
func unescapeByte(b byte) (byte, error) {
	switch b {
	case 0x00:
		return 0x7E, nil
	case 0x01:
		return 0x24, nil
	case 0x02:
		return 0x23, nil
	case 0x03:
		return 0x25, nil
	case 0x04:
		return 0xA4, nil
	case 0x05:
		return 0xA3, nil
	case 0x06:
		return 0xA5, nil
	default:
		return 0, &InvalidEscapeError{Byte: b}
	}
}

// EscapedLength returns the number of bytes needed for the escaped form of
// input.
func EscapedLength(input []byte) int {
	n := len(input)
	for _, b := range input {
		if _, ok := escapeFor(b); ok {
			n++
		}
	}
	return n
}

// AppendEscaped appends the escaped form of input to dst and returns the
// extended slice.
func AppendEscaped(dst, input []byte) []byte {
	for _, b := range input {
		if code, ok := escapeFor(b); ok {
			dst = append(dst, escapeIntroducer, code)
		} else {
			dst = append(dst, b)
		}
	}
	return dst
}
