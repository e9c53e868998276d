// Package protocol implements the entanglement session state machine.
//
// A session is created by stage 1 (Alice), advanced by stage 2 (Bob) and
// consumed by stage 3 (Charlie). Each stage is gated by an instruction phrase
// and, after stage 1, by the session id issued to the caller. Sessions live
// for a fixed SessionTTL from creation and are held in process memory only:
// a restart drops every live session.
//
// Transport (HTTP/WS) integration lives in protocol/api and realtime.
package protocol
