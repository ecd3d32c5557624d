// Package timeline reconciles paginated history, optimistic local sends,
// and live inbound events into one ordered, duplicate-free message list
// per conversation.
package timeline
