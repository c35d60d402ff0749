// Package chat defines the contract between the bot and a chat transport:
// inbound messages and the means to answer them.
package chat

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message is one inbound chat event.
type Message struct {
	ID         string    `json:"id"`
	AuthorID   uint64    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	ChannelID  uint64    `json:"channel_id"`
	GuildID    *uint64   `json:"guild_id,omitempty"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewMessage builds a Message stamped with a fresh ID and the current time.
func NewMessage(authorID uint64, authorName string, channelID uint64, content string) Message {
	now := time.Now()
	return Message{
		ID:         NewMessageID(now),
		AuthorID:   authorID,
		AuthorName: authorName,
		ChannelID:  channelID,
		Content:    content,
		ReceivedAt: now,
	}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a ULID for t. IDs generated in the same millisecond
// still sort in creation order.
func NewMessageID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Responder answers the channel a message came from.
type Responder interface {
	Reply(ctx context.Context, text string) error
	React(ctx context.Context, emoji string) error
}

// DirectMessenger is implemented by responders that can message a user
// privately.
type DirectMessenger interface {
	DirectMessage(ctx context.Context, userID uint64, text string) error
}

// Recorder is a Responder that keeps everything it is asked to send.
// It is safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	replies   []string
	reactions []string
	direct    map[uint64][]string
}

func (r *Recorder) Reply(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
	return nil
}

func (r *Recorder) React(_ context.Context, emoji string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reactions = append(r.reactions, emoji)
	return nil
}

func (r *Recorder) DirectMessage(_ context.Context, userID uint64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.direct == nil {
		r.direct = make(map[uint64][]string)
	}
	r.direct[userID] = append(r.direct[userID], text)
	return nil
}

// Replies returns a copy of the replies sent so far.
func (r *Recorder) Replies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.replies...)
}

// Reactions returns a copy of the reactions added so far.
func (r *Recorder) Reactions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reactions...)
}

// DirectMessages returns a copy of the private messages sent to userID.
func (r *Recorder) DirectMessages(userID uint64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.direct[userID]...)
}
