// Package timeouts defines shared timeout constants used across the messaging
// core and its commands.
package timeouts

import "time"

// HubDial caps the wait time when opening the hub websocket.
const HubDial = 5 * time.Second

// HubRequest caps the wait for a hub invocation completion frame.
const HubRequest = 10 * time.Second

// APIRequest caps a single store API round trip.
const APIRequest = 10 * time.Second

// ReconnectInitial is the first delay before re-dialing a dropped hub link.
const ReconnectInitial = 500 * time.Millisecond

// ReconnectMax caps the exponential reconnect delay.
const ReconnectMax = 30 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
