package realtime

// Client requests.
const (
	messageTypeJoin           = "join"
	messageTypeLeave          = "leave"
	messageTypeOfflineUpdates = "get_offline_updates"
)

// Server messages.
const (
	messageTypeAck     = "ack"
	messageTypeError   = "error"
	messageTypeUpdate  = "update"
	messageTypeOffline = "offline_updates"
)

type inboundMessage struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

type outboundMessage struct {
	Type    string       `json:"type"`
	ID      string       `json:"id,omitempty"`
	Success bool         `json:"success,omitempty"`
	Error   string       `json:"error,omitempty"`
	Event   *UpdateEvent `json:"event,omitempty"`
}

type offlineUpdatesMessage struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	Records []ReplayRecord `json:"records"`
}
