// Package conversation is the message write path for parlor.
//
// # Overview
//
// Every message enters a conversation through Service, whoever sends it:
// a paying user, a persona, an operator answering as a persona, the
// automated reply workflow, or the follow-up scheduler. Because there is
// one path, a conversation's messages are totally ordered by sent time.
//
//	svc := conversation.New(store, conversation.Config{
//	    Costs:     map[store.MessageKind]int64{store.KindText: 5},
//	    Generator: gen,
//	    Publisher: bus,
//	    Locks:     coordinator,
//	})
//	svc.SetFollowups(scheduler)
//
// # Send Pipeline
//
//  1. Debit the sender and persist the message in one transaction
//  2. Publish message.created on the conversation's channel
//  3. For a user send: cancel pending nudges and start the automated
//     persona reply in the background
//  4. For a persona send (direct, operator, or automated): arm nudge
//     attempt 1
//
// A failed debit aborts before anything is persisted or published.
// Publish and content generation failures are logged and swallowed; the
// committed send stands.
//
// # Operators
//
// Operators send on behalf of the conversation's persona, at no cost, and
// only while holding the conversation lock (see package lock).
//
// # Nudges
//
// SendNudge is the follow-up scheduler's entry point. Its insert is
// conditional inside the transaction: if the human sent the latest message
// the write is abandoned with store.ErrSuperseded.
package conversation
