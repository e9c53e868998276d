// Package realtime streams entanglement status over WebSocket.
//
// A watcher names one entanglement id and receives a status frame on every
// tick until the session is consumed or expires, at which point the server
// sends a final "gone" frame and closes normally. Watchers are read-only:
// nothing sent over the socket can advance a stage.
package realtime
