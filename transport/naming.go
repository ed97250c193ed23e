package transport

import (
	"net/url"
	"time"
)

const (
	defaultHeartbeat = 10 * time.Second

	// DefaultExchange routes by queue name; replies are published to it.
	DefaultExchange = ""
)

// Redact masks the password of a broker url so it can be logged.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<unparsable url>"
	}
	return u.Redacted()
}

// ReplyQueueName builds the name of a client reply queue. An empty name
// lets the broker pick one.
func ReplyQueueName(consumer, instanceID string) string {
	if consumer == "" {
		return ""
	}
	return consumer + ".reply." + instanceID
}
