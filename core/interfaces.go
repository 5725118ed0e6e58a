package core

// Notifier is an interface to receive change notifications for stored objects.
// The payload is the JSON representation of the object after the operation.
type Notifier interface {
	Notify(resource string, operation Operation, payload []byte)
}
