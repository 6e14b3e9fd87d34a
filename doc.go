// Package auth authenticates Telegram users and password accounts and keeps
// them signed in with a pair of cookies.
//
// Login:
//   - telegram.VerifyWidget and telegram.VerifyWebApp check the signed payload
//     against the bot token. CheckFreshness rejects payloads older than the
//     configured window.
//   - IdentityReconciler maps a Telegram user onto an Account inside one
//     transaction. A first login creates the account, a login while signed in
//     links the identity to the current account.
//
// Sessions:
//   - Every login issues a short lived JWT access token and an opaque refresh
//     token. Only the SHA-256 of the refresh token is stored.
//   - Refresh rotates the stored hash with a compare-and-swap, so a replayed
//     token loses to the first caller.
//   - When writing cookies fails after commit, SessionService deletes the
//     fresh session again. Sessions that cannot be removed are counted and
//     reported through the ActivitySink.
//
// Activity sinks:
//   - ActivitySink receives login, refresh, logout, role and compensation
//     events. Sinks run best-effort and never fail a request.
package auth
