package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/mash-protocol/iotsession/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents    int
	EventsByPacket map[log.PacketType]int
	Connections    map[string]*ConnectionStats
	Errors         int
	Reconnects     int
	TimeRange      struct {
		Start time.Time
		End   time.Time
	}
}

// ConnectionStats holds statistics for a single connection attempt.
type ConnectionStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int
	ClientID  string
	Broker    string
	Accepted  bool

	// Ack latencies observed on this connection.
	latencies []time.Duration
}

// MaxLatency returns the largest ack latency seen, or 0.
func (c *ConnectionStats) MaxLatency() time.Duration {
	var max time.Duration
	for _, l := range c.latencies {
		if l > max {
			max = l
		}
	}
	return max
}

// Collect reads every event of path into a Stats.
func Collect(path string) (*Stats, error) {
	reader, err := log.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByPacket: make(map[log.PacketType]int),
		Connections:    make(map[string]*ConnectionStats),
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}

		stats.TotalEvents++
		if stats.TimeRange.Start.IsZero() || event.Timestamp.Before(stats.TimeRange.Start) {
			stats.TimeRange.Start = event.Timestamp
		}
		if event.Timestamp.After(stats.TimeRange.End) {
			stats.TimeRange.End = event.Timestamp
		}

		conn, ok := stats.Connections[event.ConnectionID]
		if !ok {
			conn = &ConnectionStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
			stats.Connections[event.ConnectionID] = conn
		}
		conn.Events++
		if event.Timestamp.After(conn.LastSeen) {
			conn.LastSeen = event.Timestamp
		}
		if conn.ClientID == "" {
			conn.ClientID = event.ClientID
		}
		if conn.Broker == "" {
			conn.Broker = event.Broker
		}

		switch {
		case event.Packet != nil:
			stats.EventsByPacket[event.Packet.Type]++
			if event.Packet.Type == log.PacketConnack && event.Packet.ReturnCode != nil && *event.Packet.ReturnCode == 0 {
				conn.Accepted = true
			}
			if event.Packet.Latency != nil {
				conn.latencies = append(conn.latencies, *event.Packet.Latency)
			}
		case event.Error != nil:
			stats.Errors++
		case event.StateChange != nil:
			sc := event.StateChange
			if sc.Entity == log.StateEntityConnection && sc.NewState == "CONNECTING" && sc.OldState == "DISCONNECTED" {
				stats.Reconnects++
			}
		}
	}

	// The first connect is not a reconnect.
	if stats.Reconnects > 0 {
		stats.Reconnects--
	}
	return stats, nil
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats, err := Collect(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== MQTT Session Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintf(w, "Errors:       %d\n", stats.Errors)
	fmt.Fprintf(w, "Reconnects:   %d\n", stats.Reconnects)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Packets:")
	types := make([]log.PacketType, 0, len(stats.EventsByPacket))
	for p := range stats.EventsByPacket {
		types = append(types, p)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, p := range types {
		fmt.Fprintf(w, "  %-12s %d\n", p.String()+":", stats.EventsByPacket[p])
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))
	ids := make([]string, 0, len(stats.Connections))
	for id := range stats.Connections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return stats.Connections[ids[i]].FirstSeen.Before(stats.Connections[ids[j]].FirstSeen)
	})
	for _, id := range ids {
		c := stats.Connections[id]
		status := "not accepted"
		if c.Accepted {
			status = "accepted"
		}
		fmt.Fprintf(w, "  %s: %d events, %s, client %s, broker %s",
			shortenConnID(id), c.Events, status, c.ClientID, c.Broker)
		if max := c.MaxLatency(); max > 0 {
			fmt.Fprintf(w, ", max ack latency %s", formatDuration(max))
		}
		fmt.Fprintln(w)
	}
}
