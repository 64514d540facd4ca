package anonpost

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned to an interaction handler matches
// exactly one of these via errors.Is.
var (
	// ErrPermissionDenied means the caller lacks the privilege required
	// for the operation (banned, or not an owner/administrator)
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotEligible means the target isn't eligible: the channel isn't
	// opted in, the user is on cooldown, or the post can't be found
	ErrNotEligible = errors.New("not eligible")

	// ErrPostNotFound is a NotEligible error for unknown or deleted posts
	ErrPostNotFound = fmt.Errorf("post not found: %w", ErrNotEligible)

	// ErrTransientFetch means downloading remote content (an image or
	// avatar) failed or returned a non-200 status
	ErrTransientFetch = errors.New("fetch failed")

	// ErrPlatformRejected means discord rejected an outbound send or edit
	ErrPlatformRejected = errors.New("rejected by discord")

	// ErrStoreFailure means the local database failed
	ErrStoreFailure = errors.New("store failure")
)

const (
	msgGenericError      = "❌ Something went wrong."
	msgBanned            = "❌ You are banned from posting."
	msgCooldown          = "❌ You are on cooldown. Try again in %d seconds."
	msgChannelNotAnon    = "❌ This channel is not set up for anonymous posts."
	msgPostNotFound      = "❌ Post not found for replying."
	msgOriginalNotFound  = "❌ Original post not found."
	msgImageFetchFailed  = "❌ Failed to download image."
	msgNoPermission      = "❌ You don't have permission to use this command."
	msgPostCreated       = "✅ Post created successfully."
	msgReplySent         = "✅ Reply sent successfully."
	msgChannelIsSetup    = "❌ This channel is already set up."
	msgChannelNotSetup   = "❌ This channel is not set up as anonymous."
	msgPostFailed        = "❌ Error creating post."
	msgReplyFailed       = "❌ Error sending reply."
	msgDatabaseError     = "❌ Database error, please try again later."
	msgAvatarFetchFailed = "Failed to fetch the avatar image. Please check the URL."
	msgAvatarNotImage    = "That URL isn't an image."
	msgPlatformRejected  = "❌ Discord rejected the request."
)

// UserError is an error with a message that's safe to show to the
// discord user who triggered it. It matches its class (one of the
// Err* sentinels) with errors.Is, and unwraps to the underlying cause.
type UserError struct {
	kind    error
	message string
	err     error
}

func newUserError(kind error, message string, err error) *UserError {
	return &UserError{kind: kind, message: message, err: err}
}

func (e *UserError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.kind, e.err)
	}
	return e.kind.Error()
}

func (e *UserError) Unwrap() error {
	return e.err
}

func (e *UserError) Is(target error) bool {
	if target == e.kind {
		return true
	}
	// ErrPostNotFound wraps ErrNotEligible, so check the chain of the kind
	return errors.Is(e.kind, target)
}

// Message returns the user-facing message
func (e *UserError) Message() string {
	return e.message
}

// userMessage returns the message to show a user for the given error,
// falling back to a generic message for unclassified errors.
func userMessage(err error) string {
	if err == nil {
		return ""
	}
	var ue *UserError
	if errors.As(err, &ue) && ue.message != "" {
		return ue.message
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return msgNoPermission
	case errors.Is(err, ErrTransientFetch):
		return msgImageFetchFailed
	case errors.Is(err, ErrPlatformRejected):
		return msgPlatformRejected
	case errors.Is(err, ErrStoreFailure):
		return msgDatabaseError
	default:
		return msgGenericError
	}
}

// storeError wraps a database error as a StoreFailure
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return newUserError(
		ErrStoreFailure,
		msgDatabaseError,
		fmt.Errorf("%s: %w", op, err),
	)
}
