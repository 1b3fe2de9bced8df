// Package request correlates outbound requests with the responses that later
// arrive for them on a separate topic.
//
// A caller creates a Request in the Ledger, embeds its ID in the outgoing
// message, and waits on Request.Response. Whatever receives incoming messages
// parses them into Responses and hands them to Ledger.Match. The caller must
// always Delete its request when it stops waiting, whether or not a response
// arrived, so the ledger never grows without bound.
package request
