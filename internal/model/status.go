package model

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent, StatusFailed:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	return s.rank() >= 0
}

// CanAdvance reports whether a message in status from may move to status to.
// Status only moves forward. Failed is terminal and is only reachable from
// sending.
func CanAdvance(from, to MessageStatus) bool {
	if !to.Valid() || from == to || from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return from == StatusSending
	}
	return to.rank() > from.rank()
}

// Latest returns whichever of a and b is further along.
func Latest(a, b MessageStatus) MessageStatus {
	if CanAdvance(a, b) {
		return b
	}
	return a
}
