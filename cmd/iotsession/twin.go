package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mash-protocol/iotsession/pkg/request"
	"github.com/mash-protocol/iotsession/pkg/transport"
)

// Device twin topics.
const (
	twinResponseFilter = "$iothub/twin/res/#"
	twinResponsePrefix = "$iothub/twin/res/"
	twinGetPrefix      = "$iothub/twin/GET/?$rid="
)

func twinGetTopic(requestID string) string {
	return twinGetPrefix + requestID
}

// parseTwinResponse extracts status, request id and properties from a
// "$iothub/twin/res/{status}/?$rid={rid}[&key=value...]" topic.
func parseTwinResponse(msg *transport.Message) (*request.Response, error) {
	rest, ok := strings.CutPrefix(msg.Topic, twinResponsePrefix)
	if !ok {
		return nil, fmt.Errorf("not a twin response topic: %s", msg.Topic)
	}
	statusPart, query, ok := strings.Cut(rest, "/?")
	if !ok {
		return nil, fmt.Errorf("twin response without properties: %s", msg.Topic)
	}
	status, err := strconv.Atoi(statusPart)
	if err != nil {
		return nil, fmt.Errorf("twin response status %q: %w", statusPart, err)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("twin response properties: %w", err)
	}

	rid := values.Get("$rid")
	if rid == "" {
		return nil, fmt.Errorf("twin response without request id: %s", msg.Topic)
	}
	props := make(map[string]string, len(values))
	for k := range values {
		if k != "$rid" {
			props[k] = values.Get(k)
		}
	}
	return &request.Response{RequestID: rid, Status: status, Body: msg.Payload, Properties: props}, nil
}
