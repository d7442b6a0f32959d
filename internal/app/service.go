package app

import (
	"context"
	"database/sql"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"loom/api/internal/config"
	"loom/api/internal/cursor"
	"loom/api/internal/identity"
	"loom/api/internal/metrics"
	"loom/api/internal/realtime"
	"loom/api/internal/store"
	"loom/api/internal/username"
)

const (
	maxContentLength = 1000
	defaultPageLimit = 50
	maxPageLimit     = 100
	defaultLatest    = 1
	maxLatest        = 10
)

// Session is the resolved caller identity for one request.
type Session struct {
	UserID     string
	ExternalID string
	Username   string
}

type dataStore interface {
	InsertUser(context.Context, store.User) (store.User, error)
	UpdateUserProfile(ctx context.Context, externalID, firstName, lastName, email string) (store.User, error)
	DeleteUserByExternalID(context.Context, string) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByExternalID(context.Context, string) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	CountUsersByIDs(context.Context, []string) (int, error)
	CreateThread(ctx context.Context, name *string, participantIDs []string) (store.Thread, error)
	GetThread(context.Context, string) (store.Thread, error)
	ListThreadsForUser(context.Context, string) ([]store.Thread, error)
	ListParticipants(context.Context, string) ([]store.Participant, error)
	IsParticipant(ctx context.Context, threadID, userID string) (bool, error)
	AddParticipant(ctx context.Context, threadID, userID string) (bool, error)
	AppendMessage(ctx context.Context, threadID, senderID, content string) (store.MessageWithSender, error)
	GetMessage(context.Context, string) (store.Message, error)
	UpdateMessageContent(ctx context.Context, messageID, content string) (*time.Time, error)
	SoftDeleteMessage(context.Context, string) (bool, error)
	ListMessages(ctx context.Context, threadID string, page store.MessagePage) ([]store.MessageWithSender, error)
	Ping(ctx context.Context) error
}

type profileProvider interface {
	Configured() bool
	FetchProfile(ctx context.Context, externalID string) (identity.Profile, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	provider  profileProvider
	publisher realtime.Publisher
	log       zerolog.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, provider *identity.Provider, publisher realtime.Publisher, log zerolog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		provider:  provider,
		publisher: publisher,
		log:       log,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingPublisher(ctx context.Context) error {
	return s.publisher.Ping(ctx)
}

// publish pushes a fan-out event and swallows any failure. The caller's
// mutation already committed; observers reconcile eventually.
func (s *Service) publish(ctx context.Context, channel, event string, payload any) {
	if err := s.publisher.Publish(ctx, channel, event, payload); err != nil {
		metrics.PublishFailuresTotal.Inc()
		s.log.Warn().Err(err).Str("channel", channel).Str("event", event).Msg("fan-out publish failed")
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(event).Inc()
}

// SessionFromToken resolves a provider session token to the local user,
// provisioning the user row on first authentication.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	if s.cfg.IdentitySessionSecret == "" {
		return Session{}, identity.ErrInvalidToken
	}
	externalID, err := identity.VerifySessionToken([]byte(s.cfg.IdentitySessionSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.ensureUser(ctx, externalID)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: user.ID, ExternalID: externalID, Username: user.Username}, nil
}

func (s *Service) ensureUser(ctx context.Context, externalID string) (store.User, error) {
	user, err := s.store.GetUserByExternalID(ctx, externalID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, err
	}
	return s.provisionUser(ctx, identity.Profile{ID: externalID})
}

// provisionUser creates the local row for a provider identity. Profile
// enrichment is best effort: provider outages fall back to the data in
// hand and never block messaging.
func (s *Service) provisionUser(ctx context.Context, profile identity.Profile) (store.User, error) {
	if s.provider.Configured() && profile.Username == nil {
		fetched, err := s.provider.FetchProfile(ctx, profile.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("external_id", profile.ID).Msg("profile enrichment failed, using local data")
		} else {
			profile = fetched
		}
	}

	candidate := store.User{
		ExternalID: profile.ID,
		Username:   deriveHandle(profile),
		FirstName:  deref(profile.FirstName),
		LastName:   deref(profile.LastName),
		Email:      deref(profile.PrimaryEmailAddress),
	}

	created, err := s.store.InsertUser(ctx, candidate)
	if err == nil {
		return created, nil
	}
	if !store.IsUniqueViolation(err) {
		return store.User{}, err
	}

	// Handle collision: retry once with a randomized suffix. A second
	// collision on 16 bits of randomness is not worth handling.
	candidate.Username = username.WithSuffix(candidate.Username)
	created, err = s.store.InsertUser(ctx, candidate)
	if err != nil {
		if store.IsUniqueViolation(err) {
			// The external id itself may have raced with the webhook.
			if existing, lookupErr := s.store.GetUserByExternalID(ctx, candidate.ExternalID); lookupErr == nil {
				return existing, nil
			}
		}
		return store.User{}, err
	}
	return created, nil
}

func deriveHandle(profile identity.Profile) string {
	if profile.Username != nil && *profile.Username != "" {
		return username.Normalize(*profile.Username)
	}
	if profile.PrimaryEmailAddress != nil && *profile.PrimaryEmailAddress != "" {
		email := *profile.PrimaryEmailAddress
		for i, r := range email {
			if r == '@' {
				email = email[:i]
				break
			}
		}
		return username.Normalize(email)
	}
	return username.Normalize(profile.ID)
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// HandleIdentityEvent applies one lifecycle webhook delivery. Upserts
// are idempotent; deletes cascade to participations and messages.
func (s *Service) HandleIdentityEvent(ctx context.Context, event identity.WebhookEvent) error {
	switch event.Type {
	case identity.EventUserCreated:
		_, err := s.store.GetUserByExternalID(ctx, event.Data.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = s.provisionUser(ctx, event.Data)
		return err
	case identity.EventUserUpdated:
		_, err := s.store.UpdateUserProfile(ctx, event.Data.ID,
			deref(event.Data.FirstName), deref(event.Data.LastName), deref(event.Data.PrimaryEmailAddress))
		if errors.Is(err, sql.ErrNoRows) {
			_, err = s.provisionUser(ctx, event.Data)
		}
		return err
	case identity.EventUserDeleted:
		return s.store.DeleteUserByExternalID(ctx, event.Data.ID)
	default:
		return errBadRequest("unknown event type", event.Type)
	}
}

func (s *Service) GetUser(ctx context.Context, userID string) (store.User, error) {
	if err := validateID(userID, "user id"); err != nil {
		return store.User{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, errNotFound("user not found")
	}
	return user, err
}

func (s *Service) SearchByUsername(ctx context.Context, handle string) (store.User, error) {
	user, err := s.store.GetUserByUsername(ctx, handle)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, errNotFound("user not found")
	}
	return user, err
}

func (s *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	return s.store.ListUsers(ctx)
}

// guardThread enforces the participation predicate. Thread existence is
// checked first so callers of deleted threads see "thread gone" and
// redirect, rather than a permission error.
func (s *Service) guardThread(ctx context.Context, threadID, callerID string) (store.Thread, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Thread{}, errNotFound("thread not found")
	}
	if err != nil {
		return store.Thread{}, err
	}
	participant, err := s.store.IsParticipant(ctx, threadID, callerID)
	if err != nil {
		return store.Thread{}, err
	}
	if !participant {
		return store.Thread{}, errForbidden("not a participant of this thread")
	}
	return thread, nil
}

func (s *Service) CreateThread(ctx context.Context, session Session, name *string, participantIDs []string) (store.ThreadWithParticipants, error) {
	if len(participantIDs) < 1 {
		return store.ThreadWithParticipants{}, errBadRequest("at least one participant is required", nil)
	}
	for _, id := range participantIDs {
		if err := validateID(id, "participant id"); err != nil {
			return store.ThreadWithParticipants{}, err
		}
	}

	// The creator is always a participant, listed or not.
	members := dedupe(append(participantIDs, session.UserID))

	count, err := s.store.CountUsersByIDs(ctx, members)
	if err != nil {
		return store.ThreadWithParticipants{}, err
	}
	if count != len(members) {
		return store.ThreadWithParticipants{}, errBadRequest("one or more participants do not exist", nil)
	}

	thread, err := s.store.CreateThread(ctx, name, members)
	if err != nil {
		return store.ThreadWithParticipants{}, err
	}
	participants, err := s.store.ListParticipants(ctx, thread.ID)
	if err != nil {
		return store.ThreadWithParticipants{}, err
	}
	result := store.ThreadWithParticipants{Thread: thread, Participants: participants}

	payload := threadPayload(result)
	for _, member := range members {
		s.publish(ctx, realtime.UserChannel(member), realtime.EventThreadCreated, payload)
	}
	return result, nil
}

func (s *Service) ListThreads(ctx context.Context, session Session) ([]store.ThreadWithParticipants, error) {
	threads, err := s.store.ListThreadsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	// One membership query per thread. Fine at this fan-out; revisit
	// with a join if thread counts grow.
	items := make([]store.ThreadWithParticipants, 0, len(threads))
	for _, thread := range threads {
		participants, err := s.store.ListParticipants(ctx, thread.ID)
		if err != nil {
			return nil, err
		}
		items = append(items, store.ThreadWithParticipants{Thread: thread, Participants: participants})
	}
	return items, nil
}

func (s *Service) GetThread(ctx context.Context, threadID string, session Session) (store.ThreadWithParticipants, error) {
	if err := validateID(threadID, "thread id"); err != nil {
		return store.ThreadWithParticipants{}, err
	}
	thread, err := s.guardThread(ctx, threadID, session.UserID)
	if err != nil {
		return store.ThreadWithParticipants{}, err
	}
	participants, err := s.store.ListParticipants(ctx, threadID)
	if err != nil {
		return store.ThreadWithParticipants{}, err
	}
	return store.ThreadWithParticipants{Thread: thread, Participants: participants}, nil
}

func (s *Service) AddParticipant(ctx context.Context, threadID string, session Session, newUserID string) (store.Participant, error) {
	if err := validateID(threadID, "thread id"); err != nil {
		return store.Participant{}, err
	}
	if err := validateID(newUserID, "user id"); err != nil {
		return store.Participant{}, err
	}
	if _, err := s.guardThread(ctx, threadID, session.UserID); err != nil {
		return store.Participant{}, err
	}
	if _, err := s.store.GetUserByID(ctx, newUserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Participant{}, errNotFound("user not found")
		}
		return store.Participant{}, err
	}

	added, err := s.store.AddParticipant(ctx, threadID, newUserID)
	if err != nil {
		return store.Participant{}, err
	}
	if !added {
		// Duplicate add is an error, not a silent success.
		return store.Participant{}, errBadRequest("user is already a participant", nil)
	}

	participants, err := s.store.ListParticipants(ctx, threadID)
	if err != nil {
		return store.Participant{}, err
	}
	for _, participant := range participants {
		if participant.UserID == newUserID {
			return participant, nil
		}
	}
	return store.Participant{}, errNotFound("participant not found after insert")
}

func (s *Service) SendMessage(ctx context.Context, threadID string, session Session, content string) (store.MessageWithSender, error) {
	if err := validateID(threadID, "thread id"); err != nil {
		return store.MessageWithSender{}, err
	}
	if err := validateContent(content); err != nil {
		return store.MessageWithSender{}, err
	}
	if _, err := s.guardThread(ctx, threadID, session.UserID); err != nil {
		return store.MessageWithSender{}, err
	}

	created, err := s.store.AppendMessage(ctx, threadID, session.UserID, content)
	if err != nil {
		return store.MessageWithSender{}, err
	}
	metrics.MessagesSentTotal.Inc()

	s.publish(ctx, realtime.ThreadChannel(threadID), realtime.EventNewMessage, messagePayload(created))
	return created, nil
}

func (s *Service) EditMessage(ctx context.Context, messageID string, session Session, content string) (*time.Time, error) {
	if err := validateID(messageID, "message id"); err != nil {
		return nil, err
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound("message not found")
	}
	if err != nil {
		return nil, err
	}
	// Ownership is absolute: only the original sender may edit,
	// regardless of current thread participation.
	if msg.SenderID != session.UserID {
		return nil, errForbidden("only the sender can edit a message")
	}
	if msg.IsDeleted {
		return nil, errBadRequest("cannot edit a deleted message", nil)
	}

	editedAt, err := s.store.UpdateMessageContent(ctx, messageID, content)
	if err != nil {
		return nil, err
	}
	if editedAt == nil {
		// Deleted between the read and the update.
		return nil, errBadRequest("cannot edit a deleted message", nil)
	}

	s.publish(ctx, realtime.ThreadChannel(msg.ThreadID), realtime.EventMessageEdited, editPayload{
		ID:       messageID,
		ThreadID: msg.ThreadID,
		Content:  content,
		EditedAt: *editedAt,
	})
	return editedAt, nil
}

func (s *Service) DeleteMessage(ctx context.Context, messageID string, session Session) error {
	if err := validateID(messageID, "message id"); err != nil {
		return err
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return errNotFound("message not found")
	}
	if err != nil {
		return err
	}
	if msg.SenderID != session.UserID {
		return errForbidden("only the sender can delete a message")
	}
	if msg.IsDeleted {
		return errBadRequest("message is already deleted", nil)
	}

	deleted, err := s.store.SoftDeleteMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !deleted {
		return errBadRequest("message is already deleted", nil)
	}

	s.publish(ctx, realtime.ThreadChannel(msg.ThreadID), realtime.EventMessageDeleted, deletePayload{
		ID:       messageID,
		ThreadID: msg.ThreadID,
	})
	return nil
}

// MessagesPage is a chronological slice of a thread's history plus the
// continuation token for the next older page.
type MessagesPage struct {
	Messages   []store.MessageWithSender
	NextCursor *string
	HasMore    bool
}

func (s *Service) ListMessages(ctx context.Context, threadID string, session Session, limit int, cursorToken string) (MessagesPage, error) {
	if err := validateID(threadID, "thread id"); err != nil {
		return MessagesPage{}, err
	}
	if limit == 0 {
		limit = defaultPageLimit
	}
	if limit < 1 || limit > maxPageLimit {
		return MessagesPage{}, errBadRequest("limit must be between 1 and 100", nil)
	}
	if _, err := s.guardThread(ctx, threadID, session.UserID); err != nil {
		return MessagesPage{}, err
	}

	page := store.MessagePage{Limit: limit + 1}
	if cursorToken != "" {
		decoded, err := cursor.Decode(cursorToken)
		if err != nil {
			return MessagesPage{}, errBadRequest("invalid cursor", nil)
		}
		page.CursorCreatedAt = &decoded.CreatedAt
		page.CursorID = decoded.ID
	}

	// Fetch one extra row to learn hasMore without a count query.
	items, err := s.store.ListMessages(ctx, threadID, page)
	if err != nil {
		return MessagesPage{}, err
	}

	result := MessagesPage{HasMore: len(items) > limit}
	if result.HasMore {
		items = items[:limit]
	}

	// The next cursor points at the oldest row actually returned, the
	// last one in descending order.
	if result.HasMore && len(items) > 0 {
		oldest := items[len(items)-1]
		token := cursor.Encode(cursor.Cursor{CreatedAt: oldest.CreatedAt, ID: oldest.ID})
		result.NextCursor = &token
	}

	// Reverse into chronological order for display.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	result.Messages = items
	return result, nil
}

func (s *Service) LatestMessages(ctx context.Context, threadID string, session Session, limit int) ([]store.MessageWithSender, error) {
	if err := validateID(threadID, "thread id"); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = defaultLatest
	}
	if limit < 1 || limit > maxLatest {
		return nil, errBadRequest("limit must be between 1 and 10", nil)
	}
	if _, err := s.guardThread(ctx, threadID, session.UserID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, threadID, store.MessagePage{Limit: limit})
}

// CanSubscribe authorizes a client connection to a fan-out channel: a
// user's own channel, or a thread channel the caller participates in.
func (s *Service) CanSubscribe(ctx context.Context, session Session, channel string) error {
	if channel == realtime.UserChannel(session.UserID) {
		return nil
	}
	const threadPrefix = "thread-"
	if len(channel) > len(threadPrefix) && channel[:len(threadPrefix)] == threadPrefix {
		threadID := channel[len(threadPrefix):]
		if err := validateID(threadID, "thread id"); err != nil {
			return err
		}
		_, err := s.guardThread(ctx, threadID, session.UserID)
		return err
	}
	return errForbidden("cannot subscribe to this channel")
}

func validateContent(content string) error {
	length := utf8.RuneCountInString(content)
	if length < 1 || length > maxContentLength {
		return errBadRequest("content must be between 1 and 1000 characters", nil)
	}
	return nil
}

func validateID(id, label string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errBadRequest(label+" must be a valid UUID", nil)
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}

// Fan-out payloads. Edit and delete carry only the fields clients need
// to patch in place; new-message carries the full record.

type editPayload struct {
	ID       string    `json:"id"`
	ThreadID string    `json:"threadId"`
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

type deletePayload struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

func messagePayload(msg store.MessageWithSender) map[string]any {
	return map[string]any{
		"id":        msg.ID,
		"threadId":  msg.ThreadID,
		"senderId":  msg.SenderID,
		"content":   msg.Content,
		"createdAt": msg.CreatedAt,
		"updatedAt": msg.UpdatedAt,
		"editedAt":  msg.EditedAt,
		"sender": map[string]any{
			"id":        msg.SenderID,
			"username":  msg.SenderUsername,
			"firstName": msg.SenderFirstName,
			"lastName":  msg.SenderLastName,
		},
	}
}

func threadPayload(thread store.ThreadWithParticipants) map[string]any {
	participants := make([]map[string]any, 0, len(thread.Participants))
	for _, p := range thread.Participants {
		participants = append(participants, map[string]any{
			"userId":    p.UserID,
			"username":  p.Username,
			"firstName": p.FirstName,
			"lastName":  p.LastName,
			"joinedAt":  p.JoinedAt,
		})
	}
	return map[string]any{
		"id":            thread.ID,
		"name":          thread.Name,
		"createdAt":     thread.CreatedAt,
		"lastMessageAt": thread.LastMessageAt,
		"participants":  participants,
	}
}
