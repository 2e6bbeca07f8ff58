package status

// Frame is one status update sent to SSE subscribers.
type Frame struct {
	BroadcasterID string          `json:"broadcaster_id"`
	Event         string          `json:"event"`
	Timestamp     int64           `json:"timestamp"`
	Sequence      uint64          `json:"sequence"`
	Connection    string          `json:"connection"`
	MirrorVersion *int64          `json:"mirror_version,omitempty"`
	Pending       int             `json:"pending"`
	Changes       []ChangeSummary `json:"changes,omitempty"`
}

// ChangeSummary identifies one applied change without its payload.
type ChangeSummary struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
	Method string `json:"method"`
}
