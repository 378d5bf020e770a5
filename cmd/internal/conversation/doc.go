// Package conversation persists buyer/seller conversations about a listing and
// their messages.
//
// A conversation is unique per (listing, buyer, seller). Messages are ordered by
// a per-conversation sequence number allocated under the conversation row lock,
// so listing order equals store order and sent_at never decreases within a
// conversation. Read receipts are one-way: read_at is set once and never moved.
//
// The store performs no authorization; callers gate access with IsParticipant.
package conversation
