// Package auth supplies the bearer credential and local identity used by
// every channel and REST call. Token issuance is external; this package
// only locates a token and rejects obviously unusable ones early.
package auth
