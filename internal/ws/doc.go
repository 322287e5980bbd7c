// Package ws is the server side of the channel protocol used by the
// development server.
//
// The package implements:
//   - Client: one WebSocket connection and the topics it joined
//   - Hub: the members of one topic and their presence
//   - HubManager: the hubs of all topics
//   - Handler: frame routing, joins, leaves and heartbeats
//   - Service: conversation and directory requests backed by the repositories
//
// Presence is tracked on conversation topics only. A joiner receives
// presence_state; the other members receive presence_diff.
package ws
