// Package history fetches paginated message history over REST. Pagination
// is backward only; live messages always arrive on the message channel.
package history
