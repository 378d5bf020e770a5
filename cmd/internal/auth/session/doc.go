// Package session resolves the caller identity of HTTP and WebSocket requests.
//
// Login, refresh and password handling belong to the platform's auth service.
// This package only verifies what that service hands out: PASETO v4.public
// access tokens (Authorization: Bearer or the session cookie). For local
// development a trusted X-User-Email header can be enabled explicitly.
//
// Identities are emails normalized with trim + lower-case.
package session
