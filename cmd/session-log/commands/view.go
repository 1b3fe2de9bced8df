package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/mash-protocol/iotsession/pkg/log"
)

// RunView prints the events matching opts in human-readable form.
func RunView(path string, opts FilterOptions, w io.Writer) error {
	reader, err := openReader(path, opts)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if !matchConn(opts, event) {
			continue
		}
		formatEvent(w, event)
	}
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [conn:id] DIRECTION CATEGORY Type
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	connID := shortenConnID(event.ConnectionID)

	var typeLabel string
	switch {
	case event.Packet != nil:
		typeLabel = event.Packet.Type.String()
	case event.StateChange != nil:
		typeLabel = event.StateChange.Entity.String()
	case event.Error != nil:
		typeLabel = "Error"
	default:
		typeLabel = "Unknown"
	}

	dir := "-"
	if event.Category == log.CategoryPacket {
		dir = event.Direction.String()
	}

	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s\n", ts, connID, dir, event.Category.String(), typeLabel)

	switch {
	case event.Packet != nil:
		formatPacketDetails(w, event.Packet)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatPacketDetails(w io.Writer, p *log.PacketEvent) {
	if p.MessageID != 0 {
		fmt.Fprintf(w, "  MessageID: %d\n", p.MessageID)
	}
	if p.Topic != "" {
		fmt.Fprintf(w, "  Topic: %s\n", p.Topic)
	}
	if p.ReturnCode != nil {
		fmt.Fprintf(w, "  RC: %d\n", *p.ReturnCode)
	}
	if p.Latency != nil {
		fmt.Fprintf(w, "  Latency: %s\n", formatDuration(*p.Latency))
	}
	if p.PayloadSize > 0 {
		fmt.Fprintf(w, "  Size: %d bytes\n", p.PayloadSize)
	}
	if len(p.Payload) > 0 {
		if utf8.Valid(p.Payload) {
			fmt.Fprintf(w, "  Payload: %q", p.Payload)
		} else {
			fmt.Fprintf(w, "  Payload: %s", hex.EncodeToString(p.Payload))
		}
		if p.Truncated {
			fmt.Fprint(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatErrorDetails(w io.Writer, e *log.ErrorEventData) {
	fmt.Fprintf(w, "  Message: %s\n", e.Message)
	if e.Code != nil {
		fmt.Fprintf(w, "  Code: %d\n", *e.Code)
	}
	if e.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", e.Context)
	}
}

// formatDuration renders sub-second durations in milliseconds.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	}
	return d.Round(time.Millisecond).String()
}
