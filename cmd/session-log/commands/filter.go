// Package commands implements the session-log CLI commands.
package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/mash-protocol/iotsession/pkg/log"
)

// FilterOptions holds the string form of the event filter flags.
type FilterOptions struct {
	ConnID    string
	ClientID  string
	Direction string
	Category  string
	Packet    string
	Topic     string
	TimeStart string
	TimeEnd   string
}

// Build converts the options into a log.Filter. ConnID is kept separately
// because the CLI matches it as a prefix.
func (o FilterOptions) Build() (log.Filter, error) {
	f := log.Filter{
		ClientID:    o.ClientID,
		TopicPrefix: o.Topic,
	}

	if o.Direction != "" {
		d, err := ParseDirectionFlag(o.Direction)
		if err != nil {
			return f, err
		}
		f.Direction = &d
	}
	if o.Category != "" {
		c, err := ParseCategoryFlag(o.Category)
		if err != nil {
			return f, err
		}
		f.Category = &c
	}
	if o.Packet != "" {
		p, ok := log.ParsePacketType(strings.ToUpper(o.Packet))
		if !ok {
			return f, fmt.Errorf("invalid packet type: %s", o.Packet)
		}
		f.PacketType = &p
	}
	if o.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, o.TimeStart)
		if err != nil {
			return f, fmt.Errorf("invalid time-start: %w", err)
		}
		f.TimeStart = &t
	}
	if o.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, o.TimeEnd)
		if err != nil {
			return f, fmt.Errorf("invalid time-end: %w", err)
		}
		f.TimeEnd = &t
	}
	return f, nil
}

// ParseDirectionFlag parses "in" or "out".
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (valid: in, out)", s)
	}
}

// ParseCategoryFlag parses "packet", "state" or "error".
func ParseCategoryFlag(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "packet":
		return log.CategoryPacket, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (valid: packet, state, error)", s)
	}
}

// openReader opens path with the filter built from opts.
func openReader(path string, opts FilterOptions) (*log.Reader, error) {
	filter, err := opts.Build()
	if err != nil {
		return nil, err
	}
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return reader, nil
}

func matchConn(opts FilterOptions, event log.Event) bool {
	return opts.ConnID == "" || strings.HasPrefix(event.ConnectionID, opts.ConnID)
}
