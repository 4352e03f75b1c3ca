package pv

import (
	"strings"

	"github.com/willglynn/taptap/internal/domain"
)

// StringCommand is a decoded string request carried in a command body: the
// target node plus the raw text.
type StringCommand struct {
	NodeAddress domain.NodeAddress
	Text        string
}

// ParseStringCommand interprets a string request command body.
func ParseStringCommand(data []byte) (StringCommand, error) {
	if len(data) < 2 {
		return StringCommand{}, &PacketFramingError{Offset: len(data)}
	}
	return StringCommand{
		NodeAddress: domain.NodeAddress(uint16(data[0])<<8 | uint16(data[1])),
		Text:        string(data[2:]),
	}, nil
}

// knownStringCommands are the module console commands the observer
// recognizes in string requests.
var knownStringCommands = []string{"Info", "Mppt_1.1", "Tests", "Smrt", "Version", "w"}

// ClassifyStringCommand annotates a string request with its command name and
// argument, when the command is recognized. Requests are typically
// CR-terminated.
func ClassifyStringCommand(text string) (command, argument string) {
	trimmed := strings.Trim(text, "\r\n ")
	for _, known := range knownStringCommands {
		if trimmed == known {
			return known, ""
		}
		if rest, ok := strings.CutPrefix(trimmed, known+" "); ok {
			return known, rest
		}
	}
	return "", ""
}
