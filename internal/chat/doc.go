// Package chat defines the messaging domain model shared by every layer of
// the real-time core.
//
// The model is deliberately small and value-typed:
//
// # Identity
//
// A User is the signed-in principal, loaded once per session and immutable
// for its lifetime. A Member is the profile slice returned for each member of
// a channel and is what direct-message authorization inspects.
//
// # Channels
//
// A Channel scopes a conversation. Its Type never changes after creation and
// Archived, once true, stays true. Department and project channels carry the
// linkage the permission rules need; direct channels carry exactly two
// member ids.
//
// # Messages
//
// A Message belongs to one channel forever. Edits keep ID and ChannelID;
// deletion flips Deleted and keeps the body. ClientMessageID correlates an
// optimistic local echo with the authoritative server copy, and
// DeliveryStatus tracks the echo's progress.
package chat
