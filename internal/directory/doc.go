// Package directory maintains the conversation list: counterpart identity,
// last message preview, unread count, and presence read through the
// presence tracker.
package directory
