package discovery

import (
	"fmt"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// Transport values accepted in TXT records.
const (
	transportTCP        = "tcp"
	transportWebsockets = "websockets"
)

// applyBrokerTXT copies connection hints from txt into b.
func applyBrokerTXT(b *Broker, txt TXTRecordMap) error {
	switch t := strings.ToLower(txt[TXTKeyTransport]); t {
	case "", transportTCP:
		b.Transport = transportTCP
	case transportWebsockets, "ws", "wss":
		b.Transport = transportWebsockets
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, t)
	}
	b.WebsocketPath = txt[TXTKeyPath]
	b.ServerName = txt[TXTKeyServerName]
	return nil
}

// EncodeBrokerTXT creates TXT records describing b's connection hints.
func EncodeBrokerTXT(b *Broker) TXTRecordMap {
	txt := make(TXTRecordMap)
	if b.Transport != "" {
		txt[TXTKeyTransport] = b.Transport
	}
	if b.WebsocketPath != "" {
		txt[TXTKeyPath] = b.WebsocketPath
	}
	if b.ServerName != "" {
		txt[TXTKeyServerName] = b.ServerName
	}
	return txt
}

// TXTRecordsToStrings converts a TXTRecordMap to "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
// Keys are case-insensitive and stored lower case.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, _ := strings.Cut(s, "=")
		if k == "" {
			continue
		}
		txt[strings.ToLower(k)] = v
	}
	return txt
}
