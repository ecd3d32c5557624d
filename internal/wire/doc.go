// Package wire defines the JSON frame schemas exchanged with the
// telehealth backend: the three websocket channel kinds (presence,
// conversation list, per-conversation messages) and the history REST
// payloads.
package wire
