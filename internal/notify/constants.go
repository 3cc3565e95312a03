package notify

import "time"

// AppName is the application name used in notifications.
const AppName = "ZuidWest FM Loopback"

// webhookTimeout bounds a single webhook delivery.
const webhookTimeout = 10 * time.Second

// timestampUTC returns the current UTC time in RFC3339 format.
func timestampUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
