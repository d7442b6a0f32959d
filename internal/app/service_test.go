package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"loom/api/internal/config"
	"loom/api/internal/identity"
	"loom/api/internal/store"
)

// Stable UUIDs for test fixtures.
const (
	threadA = "11111111-1111-4111-8111-111111111111"
	userA   = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	userB   = "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"
	userC   = "cccccccc-cccc-4ccc-8ccc-cccccccccccc"
	msgA    = "dddddddd-dddd-4ddd-8ddd-dddddddddddd"
)

type fakeStore struct {
	insertUserFn           func(context.Context, store.User) (store.User, error)
	updateUserProfileFn    func(context.Context, string, string, string, string) (store.User, error)
	deleteUserFn           func(context.Context, string) error
	getUserByIDFn          func(context.Context, string) (store.User, error)
	getUserByExternalIDFn  func(context.Context, string) (store.User, error)
	getUserByUsernameFn    func(context.Context, string) (store.User, error)
	listUsersFn            func(context.Context) ([]store.User, error)
	countUsersByIDsFn      func(context.Context, []string) (int, error)
	createThreadFn         func(context.Context, *string, []string) (store.Thread, error)
	getThreadFn            func(context.Context, string) (store.Thread, error)
	listThreadsForUserFn   func(context.Context, string) ([]store.Thread, error)
	listParticipantsFn     func(context.Context, string) ([]store.Participant, error)
	isParticipantFn        func(context.Context, string, string) (bool, error)
	addParticipantFn       func(context.Context, string, string) (bool, error)
	appendMessageFn        func(context.Context, string, string, string) (store.MessageWithSender, error)
	getMessageFn           func(context.Context, string) (store.Message, error)
	updateMessageContentFn func(context.Context, string, string) (*time.Time, error)
	softDeleteMessageFn    func(context.Context, string) (bool, error)
	listMessagesFn         func(context.Context, string, store.MessagePage) ([]store.MessageWithSender, error)
}

func (f *fakeStore) InsertUser(ctx context.Context, user store.User) (store.User, error) {
	if f.insertUserFn != nil {
		return f.insertUserFn(ctx, user)
	}
	user.ID = userA
	return user, nil
}
func (f *fakeStore) UpdateUserProfile(ctx context.Context, externalID, firstName, lastName, email string) (store.User, error) {
	if f.updateUserProfileFn != nil {
		return f.updateUserProfileFn(ctx, externalID, firstName, lastName, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) DeleteUserByExternalID(ctx context.Context, externalID string) error {
	if f.deleteUserFn != nil {
		return f.deleteUserFn(ctx, externalID)
	}
	return nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByExternalID(ctx context.Context, externalID string) (store.User, error) {
	if f.getUserByExternalIDFn != nil {
		return f.getUserByExternalIDFn(ctx, externalID)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByUsername(ctx context.Context, handle string) (store.User, error) {
	if f.getUserByUsernameFn != nil {
		return f.getUserByUsernameFn(ctx, handle)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) ListUsers(ctx context.Context) ([]store.User, error) {
	if f.listUsersFn != nil {
		return f.listUsersFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) CountUsersByIDs(ctx context.Context, ids []string) (int, error) {
	if f.countUsersByIDsFn != nil {
		return f.countUsersByIDsFn(ctx, ids)
	}
	return len(ids), nil
}
func (f *fakeStore) CreateThread(ctx context.Context, name *string, participantIDs []string) (store.Thread, error) {
	if f.createThreadFn != nil {
		return f.createThreadFn(ctx, name, participantIDs)
	}
	return store.Thread{ID: threadA, Name: name, CreatedAt: time.Now(), LastMessageAt: time.Now()}, nil
}
func (f *fakeStore) GetThread(ctx context.Context, threadID string) (store.Thread, error) {
	if f.getThreadFn != nil {
		return f.getThreadFn(ctx, threadID)
	}
	return store.Thread{}, sql.ErrNoRows
}
func (f *fakeStore) ListThreadsForUser(ctx context.Context, userID string) ([]store.Thread, error) {
	if f.listThreadsForUserFn != nil {
		return f.listThreadsForUserFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) ListParticipants(ctx context.Context, threadID string) ([]store.Participant, error) {
	if f.listParticipantsFn != nil {
		return f.listParticipantsFn(ctx, threadID)
	}
	return nil, nil
}
func (f *fakeStore) IsParticipant(ctx context.Context, threadID, userID string) (bool, error) {
	if f.isParticipantFn != nil {
		return f.isParticipantFn(ctx, threadID, userID)
	}
	return false, nil
}
func (f *fakeStore) AddParticipant(ctx context.Context, threadID, userID string) (bool, error) {
	if f.addParticipantFn != nil {
		return f.addParticipantFn(ctx, threadID, userID)
	}
	return true, nil
}
func (f *fakeStore) AppendMessage(ctx context.Context, threadID, senderID, content string) (store.MessageWithSender, error) {
	if f.appendMessageFn != nil {
		return f.appendMessageFn(ctx, threadID, senderID, content)
	}
	return store.MessageWithSender{
		Message: store.Message{ID: msgA, ThreadID: threadID, SenderID: senderID, Content: content, CreatedAt: time.Now(), UpdatedAt: time.Now()},
	}, nil
}
func (f *fakeStore) GetMessage(ctx context.Context, messageID string) (store.Message, error) {
	if f.getMessageFn != nil {
		return f.getMessageFn(ctx, messageID)
	}
	return store.Message{}, sql.ErrNoRows
}
func (f *fakeStore) UpdateMessageContent(ctx context.Context, messageID, content string) (*time.Time, error) {
	if f.updateMessageContentFn != nil {
		return f.updateMessageContentFn(ctx, messageID, content)
	}
	now := time.Now()
	return &now, nil
}
func (f *fakeStore) SoftDeleteMessage(ctx context.Context, messageID string) (bool, error) {
	if f.softDeleteMessageFn != nil {
		return f.softDeleteMessageFn(ctx, messageID)
	}
	return true, nil
}
func (f *fakeStore) ListMessages(ctx context.Context, threadID string, page store.MessagePage) ([]store.MessageWithSender, error) {
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, threadID, page)
	}
	return nil, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type published struct {
	channel string
	event   string
	payload any
}

type fakePublisher struct {
	failWith error
	events   []published
}

func (f *fakePublisher) Publish(_ context.Context, channel, event string, payload any) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.events = append(f.events, published{channel, event, payload})
	return nil
}
func (f *fakePublisher) Ping(context.Context) error { return nil }
func (f *fakePublisher) Close() error               { return nil }

type fakeProvider struct {
	profile identity.Profile
	err     error
}

func (f *fakeProvider) Configured() bool { return true }
func (f *fakeProvider) FetchProfile(context.Context, string) (identity.Profile, error) {
	return f.profile, f.err
}

func newTestService(fs *fakeStore, pub *fakePublisher) *Service {
	return &Service{
		cfg:       config.Config{IdentitySessionSecret: "test-secret", WebhookSecret: "whsec"},
		store:     fs,
		provider:  &fakeProvider{err: errors.New("provider offline")},
		publisher: pub,
		log:       zerolog.Nop(),
	}
}

// participantStore returns a fakeStore where threadA exists with
// participants userA and userB.
func participantStore() *fakeStore {
	return &fakeStore{
		getThreadFn: func(_ context.Context, id string) (store.Thread, error) {
			if id == threadA {
				return store.Thread{ID: threadA, CreatedAt: time.Now(), LastMessageAt: time.Now()}, nil
			}
			return store.Thread{}, sql.ErrNoRows
		},
		isParticipantFn: func(_ context.Context, _, userID string) (bool, error) {
			return userID == userA || userID == userB, nil
		},
	}
}

func sessionFor(userID string) Session {
	return Session{UserID: userID, ExternalID: "ext_" + userID, Username: "user"}
}

func wantDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("got %d %s, want %d %s", domainErr.Status, domainErr.Code, status, code)
	}
}

func TestSendMessageUnknownThreadIsNotFound(t *testing.T) {
	pub := &fakePublisher{}
	svc := newTestService(participantStore(), pub)

	// A missing thread reports "thread gone", not a permission error.
	_, err := svc.SendMessage(context.Background(), userC, sessionFor(userC), "hi")
	wantDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
	if len(pub.events) != 0 {
		t.Errorf("no event must be published for a rejected send")
	}
}

func TestSendMessageNonParticipantIsForbidden(t *testing.T) {
	pub := &fakePublisher{}
	svc := newTestService(participantStore(), pub)

	_, err := svc.SendMessage(context.Background(), threadA, sessionFor(userC), "hi")
	wantDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
}

func TestSendMessageContentBounds(t *testing.T) {
	inserted := false
	fs := participantStore()
	fs.appendMessageFn = func(context.Context, string, string, string) (store.MessageWithSender, error) {
		inserted = true
		return store.MessageWithSender{}, nil
	}
	pub := &fakePublisher{}
	svc := newTestService(fs, pub)

	for _, content := range []string{"", strings.Repeat("x", 1001)} {
		_, err := svc.SendMessage(context.Background(), threadA, sessionFor(userA), content)
		wantDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
	}
	if inserted {
		t.Error("no row must be created for rejected content")
	}
	if len(pub.events) != 0 {
		t.Error("no event must be published for rejected content")
	}

	// 1 and 1000 characters are both accepted.
	for _, content := range []string{"h", strings.Repeat("x", 1000)} {
		if _, err := svc.SendMessage(context.Background(), threadA, sessionFor(userA), content); err != nil {
			t.Errorf("content length %d rejected: %v", len(content), err)
		}
	}
}

func TestSendMessagePublishesToThreadChannel(t *testing.T) {
	pub := &fakePublisher{}
	svc := newTestService(participantStore(), pub)

	msg, err := svc.SendMessage(context.Background(), threadA, sessionFor(userA), "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Content != "hi" || msg.SenderID != userA {
		t.Errorf("unexpected message: %+v", msg)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.events))
	}
	if pub.events[0].channel != "thread-"+threadA || pub.events[0].event != "new-message" {
		t.Errorf("published %s on %s", pub.events[0].event, pub.events[0].channel)
	}
}

func TestSendMessageSurvivesPublishFailure(t *testing.T) {
	pub := &fakePublisher{failWith: errors.New("pubsub down")}
	svc := newTestService(participantStore(), pub)

	if _, err := svc.SendMessage(context.Background(), threadA, sessionFor(userA), "hi"); err != nil {
		t.Fatalf("a fan-out failure must never fail the mutation: %v", err)
	}
}

func TestEditMessageSenderOnly(t *testing.T) {
	fs := participantStore()
	fs.getMessageFn = func(context.Context, string) (store.Message, error) {
		return store.Message{ID: msgA, ThreadID: threadA, SenderID: userA, Content: "hi"}, nil
	}
	svc := newTestService(fs, &fakePublisher{})

	_, err := svc.EditMessage(context.Background(), msgA, sessionFor(userB), "edited")
	wantDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
}

func TestEditDeletedMessageRejected(t *testing.T) {
	fs := participantStore()
	fs.getMessageFn = func(context.Context, string) (store.Message, error) {
		return store.Message{ID: msgA, ThreadID: threadA, SenderID: userA, Content: "hi", IsDeleted: true}, nil
	}
	pub := &fakePublisher{}
	svc := newTestService(fs, pub)

	_, err := svc.EditMessage(context.Background(), msgA, sessionFor(userA), "edited")
	wantDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
	if len(pub.events) != 0 {
		t.Error("no fan-out event for a failed edit")
	}
}

func TestEditMessagePublishesPatchPayload(t *testing.T) {
	fs := participantStore()
	fs.getMessageFn = func(context.Context, string) (store.Message, error) {
		return store.Message{ID: msgA, ThreadID: threadA, SenderID: userA, Content: "hi"}, nil
	}
	pub := &fakePublisher{}
	svc := newTestService(fs, pub)

	editedAt, err := svc.EditMessage(context.Background(), msgA, sessionFor(userA), "edited")
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if editedAt == nil {
		t.Fatal("editedAt must be set after an edit")
	}
	if len(pub.events) != 1 || pub.events[0].event != "message-edited" {
		t.Fatalf("expected message-edited publish, got %+v", pub.events)
	}
	payload, ok := pub.events[0].payload.(editPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", pub.events[0].payload)
	}
	if payload.ID != msgA || payload.ThreadID != threadA || payload.Content != "edited" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestDeleteMessageTwice(t *testing.T) {
	deleted := false
	fs := participantStore()
	fs.getMessageFn = func(context.Context, string) (store.Message, error) {
		return store.Message{ID: msgA, ThreadID: threadA, SenderID: userA, Content: "hi", IsDeleted: deleted}, nil
	}
	fs.softDeleteMessageFn = func(context.Context, string) (bool, error) {
		if deleted {
			return false, nil
		}
		deleted = true
		return true, nil
	}
	pub := &fakePublisher{}
	svc := newTestService(fs, pub)

	if err := svc.DeleteMessage(context.Background(), msgA, sessionFor(userA)); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	err := svc.DeleteMessage(context.Background(), msgA, sessionFor(userA))
	wantDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
	if len(pub.events) != 1 {
		t.Errorf("exactly one message-deleted event expected, got %d", len(pub.events))
	}
}

func TestDeleteMessageNotSender(t *testing.T) {
	fs := participantStore()
	fs.getMessageFn = func(context.Context, string) (store.Message, error) {
		return store.Message{ID: msgA, ThreadID: threadA, SenderID: userA}, nil
	}
	svc := newTestService(fs, &fakePublisher{})

	err := svc.DeleteMessage(context.Background(), msgA, sessionFor(userB))
	wantDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
}

func TestCreateThreadDedupesCreator(t *testing.T) {
	var gotMembers []string
	fs := &fakeStore{
		createThreadFn: func(_ context.Context, name *string, members []string) (store.Thread, error) {
			gotMembers = members
			return store.Thread{ID: threadA, Name: name}, nil
		},
	}
	pub := &fakePublisher{}
	svc := newTestService(fs, pub)

	// Creator re-listed explicitly; the stored set must still be {A,B,C}.
	_, err := svc.CreateThread(context.Background(), sessionFor(userA), nil, []string{userB, userC, userA})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if len(gotMembers) != 3 {
		t.Fatalf("members = %v, want 3 distinct", gotMembers)
	}
	seen := map[string]bool{}
	for _, member := range gotMembers {
		if seen[member] {
			t.Fatalf("duplicate member %s", member)
		}
		seen[member] = true
	}
	if !seen[userA] || !seen[userB] || !seen[userC] {
		t.Errorf("members = %v", gotMembers)
	}

	if len(pub.events) != 3 {
		t.Fatalf("expected one thread-created publish per participant, got %d", len(pub.events))
	}
	for _, event := range pub.events {
		if event.event != "thread-created" || !strings.HasPrefix(event.channel, "user-") {
			t.Errorf("published %s on %s", event.event, event.channel)
		}
	}
}

func TestCreateThreadRejectsUnknownParticipants(t *testing.T) {
	fs := &fakeStore{
		countUsersByIDsFn: func(_ context.Context, ids []string) (int, error) {
			return len(ids) - 1, nil
		},
	}
	created := false
	fs.createThreadFn = func(context.Context, *string, []string) (store.Thread, error) {
		created = true
		return store.Thread{}, nil
	}
	svc := newTestService(fs, &fakePublisher{})

	_, err := svc.CreateThread(context.Background(), sessionFor(userA), nil, []string{userB})
	wantDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
	if created {
		t.Error("no partial thread with invalid members")
	}
}

func TestCreateThreadRequiresParticipants(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakePublisher{})
	_, err := svc.CreateThread(context.Background(), sessionFor(userA), nil, nil)
	wantDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestAddParticipantDuplicateIsError(t *testing.T) {
	fs := participantStore()
	fs.getUserByIDFn = func(_ context.Context, id string) (store.User, error) {
		return store.User{ID: id}, nil
	}
	fs.addParticipantFn = func(context.Context, string, string) (bool, error) {
		return false, nil
	}
	svc := newTestService(fs, &fakePublisher{})

	_, err := svc.AddParticipant(context.Background(), threadA, sessionFor(userA), userB)
	wantDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestAddParticipantUnknownUser(t *testing.T) {
	svc := newTestService(participantStore(), &fakePublisher{})
	_, err := svc.AddParticipant(context.Background(), threadA, sessionFor(userA), userC)
	wantDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

// pagedStore serves ListMessages from an in-memory descending dataset,
// honoring the cursor predicate the way the SQL layer does.
func pagedStore(messages []store.MessageWithSender) *fakeStore {
	fs := participantStore()
	fs.listMessagesFn = func(_ context.Context, _ string, page store.MessagePage) ([]store.MessageWithSender, error) {
		var out []store.MessageWithSender
		for _, msg := range messages {
			if page.CursorCreatedAt != nil {
				older := msg.CreatedAt.Before(*page.CursorCreatedAt) ||
					(msg.CreatedAt.Equal(*page.CursorCreatedAt) && msg.ID < page.CursorID)
				if !older {
					continue
				}
			}
			out = append(out, msg)
			if len(out) == page.Limit {
				break
			}
		}
		return out, nil
	}
	return fs
}

func descendingMessages(n int) []store.MessageWithSender {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	messages := make([]store.MessageWithSender, 0, n)
	for i := n - 1; i >= 0; i-- {
		// Pairs share a timestamp so the id tie-break is exercised.
		createdAt := base.Add(time.Duration(i/2) * time.Minute)
		messages = append(messages, store.MessageWithSender{
			Message: store.Message{
				ID:        fmt.Sprintf("%08d-0000-4000-8000-000000000000", i),
				ThreadID:  threadA,
				SenderID:  userA,
				Content:   fmt.Sprintf("m%d", i),
				CreatedAt: createdAt,
			},
		})
	}
	return messages
}

func TestListMessagesPagesTileWithoutGaps(t *testing.T) {
	const total = 23
	svc := newTestService(pagedStore(descendingMessages(total)), &fakePublisher{})
	ctx := context.Background()
	session := sessionFor(userA)

	var collected []string
	cursorToken := ""
	pages := 0
	for {
		page, err := svc.ListMessages(ctx, threadA, session, 5, cursorToken)
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		pages++

		// Each page is chronological.
		for i := 1; i < len(page.Messages); i++ {
			prev, curr := page.Messages[i-1], page.Messages[i]
			if curr.CreatedAt.Before(prev.CreatedAt) {
				t.Fatalf("page %d not chronological", pages)
			}
		}
		// Concatenate oldest-first later; collect newest-first here by
		// prepending the page.
		pageIDs := make([]string, 0, len(page.Messages))
		for _, msg := range page.Messages {
			pageIDs = append(pageIDs, msg.ID)
		}
		collected = append(pageIDs, collected...)

		if !page.HasMore {
			if page.NextCursor != nil {
				t.Error("final page must not carry a cursor")
			}
			break
		}
		if page.NextCursor == nil {
			t.Fatal("hasMore without a next cursor")
		}
		cursorToken = *page.NextCursor
	}

	if len(collected) != total {
		t.Fatalf("tiled %d messages, want %d", len(collected), total)
	}
	seen := map[string]bool{}
	for _, id := range collected {
		if seen[id] {
			t.Fatalf("duplicate message %s across pages", id)
		}
		seen[id] = true
	}
	if pages != 5 {
		t.Errorf("expected 5 pages of 5 for 23 rows, got %d", pages)
	}
}

func TestListMessagesLimitBounds(t *testing.T) {
	svc := newTestService(pagedStore(nil), &fakePublisher{})
	session := sessionFor(userA)

	for _, limit := range []int{-1, 101} {
		_, err := svc.ListMessages(context.Background(), threadA, session, limit, "")
		wantDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
	}
}

func TestListMessagesInvalidCursor(t *testing.T) {
	svc := newTestService(pagedStore(nil), &fakePublisher{})
	_, err := svc.ListMessages(context.Background(), threadA, sessionFor(userA), 10, "!!!")
	wantDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestLatestMessagesBounds(t *testing.T) {
	var requested store.MessagePage
	fs := participantStore()
	fs.listMessagesFn = func(_ context.Context, _ string, page store.MessagePage) ([]store.MessageWithSender, error) {
		requested = page
		return nil, nil
	}
	svc := newTestService(fs, &fakePublisher{})
	session := sessionFor(userA)

	if _, err := svc.LatestMessages(context.Background(), threadA, session, 0); err != nil {
		t.Fatalf("LatestMessages: %v", err)
	}
	if requested.Limit != 1 {
		t.Errorf("default limit = %d, want 1", requested.Limit)
	}

	_, err := svc.LatestMessages(context.Background(), threadA, session, 11)
	wantDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestLatestMessagesGuarded(t *testing.T) {
	svc := newTestService(participantStore(), &fakePublisher{})
	_, err := svc.LatestMessages(context.Background(), threadA, sessionFor(userC), 1)
	wantDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
}

func TestProvisionUserRetriesUsernameCollision(t *testing.T) {
	attempts := []string{}
	fs := &fakeStore{
		insertUserFn: func(_ context.Context, user store.User) (store.User, error) {
			attempts = append(attempts, user.Username)
			if len(attempts) == 1 {
				return store.User{}, &pgconn.PgError{Code: "23505"}
			}
			user.ID = userA
			return user, nil
		},
	}
	svc := newTestService(fs, &fakePublisher{})
	svc.provider = &fakeProvider{profile: identity.Profile{ID: "ext_1", Username: ptr("alice")}}

	user, err := svc.provisionUser(context.Background(), identity.Profile{ID: "ext_1"})
	if err != nil {
		t.Fatalf("provisionUser: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected one retry, got %d attempts", len(attempts))
	}
	if attempts[0] != "alice" {
		t.Errorf("first attempt = %q", attempts[0])
	}
	if !strings.HasPrefix(attempts[1], "alice_") {
		t.Errorf("retry must carry a randomized suffix, got %q", attempts[1])
	}
	if len(user.Username) < 4 || len(user.Username) > 64 {
		t.Errorf("handle %q out of bounds", user.Username)
	}
}

func TestEnsureUserFallsBackWhenProviderDown(t *testing.T) {
	var inserted store.User
	fs := &fakeStore{
		insertUserFn: func(_ context.Context, user store.User) (store.User, error) {
			inserted = user
			user.ID = userA
			return user, nil
		},
	}
	svc := newTestService(fs, &fakePublisher{})

	user, err := svc.ensureUser(context.Background(), "ext-fallback-7")
	if err != nil {
		t.Fatalf("provider outage must not block provisioning: %v", err)
	}
	if user.ID != userA {
		t.Errorf("user = %+v", user)
	}
	if inserted.Username == "" {
		t.Error("fallback handle must be derived from the external id")
	}
}

func TestHandleIdentityEvents(t *testing.T) {
	var deletedExternalID string
	updatedCalled := false
	fs := &fakeStore{
		updateUserProfileFn: func(_ context.Context, externalID, firstName, _, _ string) (store.User, error) {
			updatedCalled = true
			return store.User{ID: userA, ExternalID: externalID, FirstName: firstName}, nil
		},
		deleteUserFn: func(_ context.Context, externalID string) error {
			deletedExternalID = externalID
			return nil
		},
	}
	svc := newTestService(fs, &fakePublisher{})
	ctx := context.Background()

	if err := svc.HandleIdentityEvent(ctx, identity.WebhookEvent{
		Type: identity.EventUserUpdated,
		Data: identity.Profile{ID: "ext_1", FirstName: ptr("Alice")},
	}); err != nil {
		t.Fatalf("updated: %v", err)
	}
	if !updatedCalled {
		t.Error("update event must patch profile fields")
	}

	if err := svc.HandleIdentityEvent(ctx, identity.WebhookEvent{
		Type: identity.EventUserDeleted,
		Data: identity.Profile{ID: "ext_1"},
	}); err != nil {
		t.Fatalf("deleted: %v", err)
	}
	if deletedExternalID != "ext_1" {
		t.Errorf("deleted external id = %q", deletedExternalID)
	}

	err := svc.HandleIdentityEvent(ctx, identity.WebhookEvent{Type: "user.unknown"})
	wantDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestCanSubscribe(t *testing.T) {
	svc := newTestService(participantStore(), &fakePublisher{})
	ctx := context.Background()
	session := sessionFor(userA)

	if err := svc.CanSubscribe(ctx, session, "user-"+userA); err != nil {
		t.Errorf("own user channel: %v", err)
	}
	if err := svc.CanSubscribe(ctx, session, "thread-"+threadA); err != nil {
		t.Errorf("participating thread channel: %v", err)
	}
	if err := svc.CanSubscribe(ctx, session, "user-"+userB); err == nil {
		t.Error("another user's channel must be rejected")
	}
	if err := svc.CanSubscribe(ctx, sessionFor(userC), "thread-"+threadA); err == nil {
		t.Error("non-participant thread channel must be rejected")
	}
}

func TestCanSubscribeRejectsMalformedThreadChannel(t *testing.T) {
	fs := participantStore()
	fs.getThreadFn = func(_ context.Context, id string) (store.Thread, error) {
		t.Errorf("malformed thread id %q must not reach the store", id)
		return store.Thread{}, sql.ErrNoRows
	}
	svc := newTestService(fs, &fakePublisher{})

	err := svc.CanSubscribe(context.Background(), sessionFor(userA), "thread-garbage")
	wantDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
}

func ptr(value string) *string { return &value }
