// Package reconcile merges a client's locally held message and thread
// lists with server responses and asynchronously delivered events. The
// functions are pure: (current state, incoming event) -> new state,
// independent of any UI or transport.
package reconcile

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// MessageView is one entry in a client's local message list. Pending
// entries are optimistic placeholders awaiting server confirmation.
type MessageView struct {
	ID        string
	ThreadID  string
	SenderID  string
	Content   string
	Deleted   bool
	EditedAt  *time.Time
	CreatedAt time.Time
	Pending   bool
}

// ThreadView is one entry in a client's local thread list.
type ThreadView struct {
	ID            string
	Name          *string
	LastMessageAt time.Time
}

// AppendOptimistic adds a placeholder for an in-flight send and returns
// the placeholder id used to withdraw it on failure.
func AppendOptimistic(list []MessageView, threadID, senderID, content string) ([]MessageView, string) {
	placeholder := MessageView{
		ID:        "local-" + uuid.NewString(),
		ThreadID:  threadID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now(),
		Pending:   true,
	}
	return append(cloned(list), placeholder), placeholder.ID
}

// ApplyNewMessage merges a confirmed message, from either the mutation
// response or a fan-out echo. If the id is already present the event is
// a duplicate and the list is unchanged. Otherwise the first pending
// placeholder with matching (content, sender) is replaced; with no
// match the message is appended. Both the placeholder and the confirmed
// entry never coexist.
func ApplyNewMessage(list []MessageView, incoming MessageView) []MessageView {
	for _, entry := range list {
		if entry.ID == incoming.ID {
			return list
		}
	}
	incoming.Pending = false
	next := cloned(list)
	for i, entry := range next {
		if entry.Pending && entry.Content == incoming.Content && entry.SenderID == incoming.SenderID {
			next[i] = incoming
			return next
		}
	}
	return append(next, incoming)
}

// WithdrawOptimistic removes a failed placeholder and returns its
// content so the caller can restore the draft input. ok is false when
// the placeholder was already replaced or removed.
func WithdrawOptimistic(list []MessageView, placeholderID string) (next []MessageView, draft string, ok bool) {
	next = make([]MessageView, 0, len(list))
	for _, entry := range list {
		if entry.ID == placeholderID && entry.Pending {
			draft = entry.Content
			ok = true
			continue
		}
		next = append(next, entry)
	}
	return next, draft, ok
}

// ApplyEdit patches content and editedAt in place. An unknown id is a
// silent no-op: the message was never loaded locally.
func ApplyEdit(list []MessageView, messageID, content string, editedAt time.Time) []MessageView {
	next := cloned(list)
	for i, entry := range next {
		if entry.ID == messageID {
			next[i].Content = content
			next[i].EditedAt = &editedAt
			return next
		}
	}
	return next
}

// ApplyDelete flags the entry deleted, flag only. Unknown ids are a
// silent no-op.
func ApplyDelete(list []MessageView, messageID string) []MessageView {
	next := cloned(list)
	for i, entry := range next {
		if entry.ID == messageID {
			next[i].Deleted = true
			return next
		}
	}
	return next
}

// UpsertThread inserts or replaces a thread by id, then restores the
// lastMessageAt-descending order. This is the only resort trigger
// outside initial load.
func UpsertThread(threads []ThreadView, incoming ThreadView) []ThreadView {
	next := make([]ThreadView, 0, len(threads)+1)
	replaced := false
	for _, entry := range threads {
		if entry.ID == incoming.ID {
			next = append(next, incoming)
			replaced = true
			continue
		}
		next = append(next, entry)
	}
	if !replaced {
		next = append(next, incoming)
	}
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].LastMessageAt.After(next[j].LastMessageAt)
	})
	return next
}

func cloned(list []MessageView) []MessageView {
	next := make([]MessageView, len(list))
	copy(next, list)
	return next
}
