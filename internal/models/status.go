package models

// MessageStatus is a delivery state in the message lifecycle.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusError     MessageStatus = "error"
)

// allowedTransitions lists every forward edge of the lifecycle. read and error are terminal.
var allowedTransitions = map[MessageStatus][]MessageStatus{
	StatusSending:   {StatusSent, StatusError},
	StatusSent:      {StatusDelivered, StatusRead},
	StatusDelivered: {StatusRead},
}

// CanTransition reports whether a message may move from one status to another.
func CanTransition(from, to MessageStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s MessageStatus) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusSending, StatusSent, StatusDelivered, StatusRead, StatusError:
		return true
	}
	return false
}
