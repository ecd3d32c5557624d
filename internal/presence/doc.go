// Package presence maintains the latest online/offline status and
// last-seen time per counterpart, fed by the presence channel.
package presence
