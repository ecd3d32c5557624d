// Package channel implements the websocket connection lifecycle shared by
// the presence, conversation-list and per-conversation channels. Each Conn
// is scoped to a single logical target and is never shared across targets.
package channel
