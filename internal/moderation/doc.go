// Package moderation decides whether contributions may enter the shared
// conversation and weighs the votes that settle proposals.
//
// The dispatcher asks a Moderator to Check every moderated message before it
// is processed and calls Record once an allowed message was handled. The
// default Policy rejects content repeated within a window (an "echo") and
// decision-like messages that cite no evidence. Rejections carry a required
// action and suggestions that the gateway relays to the sender.
//
// Breaker wraps any Moderator so that repeated failures open a circuit instead
// of blocking the dispatcher.
package moderation
