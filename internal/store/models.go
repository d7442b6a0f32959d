package store

import "time"

type User struct {
	ID         string
	ExternalID string
	Username   string
	FirstName  string
	LastName   string
	Email      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Thread struct {
	ID            string
	Name          *string
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// Participant is a thread membership row joined with the member's
// display fields.
type Participant struct {
	ThreadID  string
	UserID    string
	Username  string
	FirstName string
	LastName  string
	JoinedAt  time.Time
}

type Message struct {
	ID        string
	ThreadID  string
	SenderID  string
	Content   string
	IsDeleted bool
	EditedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageWithSender is a message row joined with sender display fields,
// the shape returned to clients from list/append.
type MessageWithSender struct {
	Message
	SenderUsername  string
	SenderFirstName string
	SenderLastName  string
}

// ThreadWithParticipants annotates a thread with its full current
// membership.
type ThreadWithParticipants struct {
	Thread
	Participants []Participant
}
