package anonpost

import (
	"fmt"
	"strings"
)

const (
	customIDNewPost      = "post_button"
	customIDReplyPrefix  = "reply_"
	postIDLength         = 6
	postIDAlphabet       = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	threadNameFormat     = "Replies to %s"
	threadAutoArchiveMin = 60
)

type customIDAction int

const (
	actionNewPost customIDAction = iota + 1
	actionReplyTo
)

func (a customIDAction) String() string {
	switch a {
	case actionNewPost:
		return "new_post"
	case actionReplyTo:
		return "reply_to"
	default:
		return "unknown"
	}
}

// customID is the decoded form of a button or modal custom ID.
// Buttons and their modals share the same encoding: "post_button" for
// a new post, and "reply_<post ID>" for a reply to that post.
type customID struct {
	action customIDAction
	postID string
}

func newPostCustomID() customID {
	return customID{action: actionNewPost}
}

func replyCustomID(postID string) customID {
	return customID{action: actionReplyTo, postID: postID}
}

// parseCustomID decodes a custom ID, returning an error for anything
// the bot didn't create
func parseCustomID(s string) (customID, error) {
	if s == customIDNewPost {
		return newPostCustomID(), nil
	}
	if postID, ok := strings.CutPrefix(s, customIDReplyPrefix); ok {
		if postID == "" {
			return customID{}, fmt.Errorf("missing post ID in custom ID %q", s)
		}
		return replyCustomID(postID), nil
	}
	return customID{}, fmt.Errorf("unknown custom ID %q", s)
}

func (c customID) String() string {
	switch c.action {
	case actionNewPost:
		return customIDNewPost
	case actionReplyTo:
		return customIDReplyPrefix + c.postID
	default:
		return ""
	}
}
