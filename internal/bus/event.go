package bus

import "time"

// Event kinds. Subscribers match on prefixes such as "registry.".
const (
	KindConnState = "conn.state_changed"

	KindRegistryChanged = "registry.changed"
	KindSendAck         = "registry.send_ack"
	KindSendFailed      = "registry.send_failed"

	KindLoggedIn           = "session.logged_in"
	KindLoggedOut          = "session.logged_out"
	KindCredentialsCleared = "session.credentials_cleared"
)

type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}
