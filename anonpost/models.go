package anonpost

import (
	"log/slog"
	"time"
)

var (
	columnChannelID = "channel_id"
	columnUserID    = "user_id"
	columnPostID    = "post_id"
	columnMessageID = "message_id"
	columnExpiresAt = "expires_at"
)

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// AnonChannel is a channel that has been opted in to anonymous posts.
type AnonChannel struct {
	ChannelID string `gorm:"primaryKey;type:string" json:"channel_id"`
}

// Ban bars a user from posting or replying. ExpiresAt is a unix
// timestamp in milliseconds, and nil for a permanent ban.
type Ban struct {
	UserID    string `gorm:"primaryKey;type:string" json:"user_id"`
	ExpiresAt *int64 `json:"expires_at"`
}

// Permanent returns true if the ban has no expiry
func (b Ban) Permanent() bool {
	return b.ExpiresAt == nil
}

// Expired returns true if the ban has an expiry at or before now
func (b Ban) Expired(now time.Time) bool {
	if b.ExpiresAt == nil {
		return false
	}
	return now.UnixMilli() >= *b.ExpiresAt
}

func (b Ban) LogValue() slog.Value {
	if b.ExpiresAt == nil {
		return slog.GroupValue(
			slog.String(columnUserID, b.UserID),
			slog.Bool("permanent", true),
		)
	}
	return slog.GroupValue(
		slog.String(columnUserID, b.UserID),
		slog.Time(columnExpiresAt, time.UnixMilli(*b.ExpiresAt).UTC()),
	)
}

// PostMapping records where the message for an anonymous post lives.
// Mappings are written once, after the message has been sent.
type PostMapping struct {
	PostID    string `gorm:"primaryKey;type:string" json:"post_id"`
	MessageID string `gorm:"not null" json:"message_id"`
	ChannelID string `gorm:"not null" json:"channel_id"`
}

func (m PostMapping) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnPostID, m.PostID),
		slog.String(columnMessageID, m.MessageID),
		slog.String(columnChannelID, m.ChannelID),
	)
}

// AdminToken holds the argon2id hash of the bearer token used to
// authenticate against the admin API. The most recent row wins.
type AdminToken struct {
	ModelUintID
	Hash      string `json:"-" gorm:"not null"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}
