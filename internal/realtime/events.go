// Package realtime publishes committed state changes to named channels
// and bridges live client connections to them. Delivery is best effort:
// a mutation's own response is the authoritative acknowledgment, the
// published event only informs other sessions.
package realtime

// Event kinds. StatusChange is reserved for presence and is not
// published by any current flow.
const (
	EventNewMessage     = "new-message"
	EventMessageEdited  = "message-edited"
	EventMessageDeleted = "message-deleted"
	EventThreadCreated  = "thread-created"
	EventStatusChange   = "status-change"
)

// ThreadChannel addresses every participant of a thread.
func ThreadChannel(threadID string) string {
	return "thread-" + threadID
}

// UserChannel addresses a single user's sessions.
func UserChannel(userID string) string {
	return "user-" + userID
}
