package server

// Request types for WebSocket commands with validation tags.
// The REST API decodes into the same types.

// --- Devices ---

// SelectDeviceRequest is the request body for devices/select.
type SelectDeviceRequest struct {
	ID *uint32 `json:"id" validate:"required"`
}

// --- Event log ---

// EventsListRequest is the request body for events/list.
type EventsListRequest struct {
	Limit  int    `json:"limit" validate:"omitempty,gte=1,lte=500"`
	Offset int    `json:"offset" validate:"omitempty,gte=0"`
	Filter string `json:"filter" validate:"omitempty,oneof=all capture device upload"`
}

// --- Notification settings ---

// WebhookUpdateRequest is the request body for notifications/webhook/update.
type WebhookUpdateRequest struct {
	URL string `json:"url" validate:"omitempty,url,max=2048"`
}

// LogUpdateRequest is the request body for notifications/log/update.
type LogUpdateRequest struct {
	Path string `json:"path" validate:"omitempty,max=4096"`
}

// --- Capture settings ---

// MonitorUpdateRequest is the request body for settings/monitor.
type MonitorUpdateRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}
