// Package dedupe tracks already-applied server message ids in a bounded,
// time-limited window so duplicate deliveries can be rejected.
package dedupe
