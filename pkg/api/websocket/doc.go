// Package websocket provides the observer gateway.
//
// Clients connect to /api/v1/workflows/:id/ws. Each connection first
// receives a state_sync message carrying the workflow's current state,
// then every event broadcast for the workflow. A client may send
// {"type":"ping"} to get a pong and {"type":"request_state"} to get a
// fresh state_sync.
package websocket
