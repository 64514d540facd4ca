// Package anonpost implements a Discord bot that lets members post
// anonymously in opted-in channels, and reply to those posts in threads.
//
// A channel is opted in with /setupanonch, which posts a message with a
// "Post 👻" button. Pressing it opens a modal, and the submitted post is
// sent by the bot under the chosen name (or "Anonymous"), with its own
// "Post" and "Reply" buttons. Replies are sent to a thread started from
// the original post.
//
// Key components of the package include:
//
//   - Bot: The main struct, which owns the discord session and runs the
//     startup and shutdown sequence.
//   - Store: Persists opted-in channels, bans and post mappings to SQLite.
//   - Guard: Checks bans and per-user cooldowns before a post or reply.
//   - PostRegistry: Creates posts and records where they were sent.
//   - ReplyRouter: Resolves a post ID to its message, and replies in its thread.
//   - Identity: Owner-only changes to the bot's name, avatar and presence.
//   - API: An optional admin HTTP API, authenticated with a bearer token.
//
// Moderators can ban users from posting with /banuser, for a day, a
// month or permanently. Expired bans are removed the next time they're
// checked.
package anonpost
