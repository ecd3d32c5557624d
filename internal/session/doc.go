// Package session owns the three live channels and the single event loop
// that feeds their frames into the reconciler, directory and presence
// tracker. It is the only entry point for selecting conversations and
// sending messages.
package session
