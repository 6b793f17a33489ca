// ABOUTME: Conversation lifecycle on top of the MessageService: start, read, list, delete
// ABOUTME: Enforces participant access and resolves concurrent starts to the single pair row

package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/parlor/internal/realtime"
	"github.com/2389/parlor/internal/store"
)

// Start returns the conversation between the caller and participantID,
// creating it on first contact. created reports whether this call made it.
func (s *Service) Start(ctx context.Context, actor Actor, participantID string) (conv *store.Conversation, created bool, err error) {
	if actor.Role != store.RoleUser && actor.Role != store.RolePersona {
		return nil, false, ErrForbidden
	}
	if participantID == "" {
		return nil, false, fmt.Errorf("%w: participant_id is required", ErrInvalid)
	}
	if participantID == actor.AccountID {
		return nil, false, fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalid)
	}
	other, err := s.store.GetAccount(ctx, participantID)
	if err != nil {
		return nil, false, err
	}
	if other.Role != store.RoleUser && other.Role != store.RolePersona {
		return nil, false, fmt.Errorf("%w: participant cannot hold conversations", ErrInvalid)
	}

	conv, err = s.store.GetConversationByParticipants(ctx, actor.AccountID, participantID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	conv = &store.Conversation{ParticipantA: actor.AccountID, ParticipantB: participantID}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		// Handle race condition: another request may have created the pair
		// between our lookup and insert attempt
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, lookupErr := s.store.GetConversationByParticipants(ctx, actor.AccountID, participantID)
			if lookupErr == nil {
				s.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
				return existing, false, nil
			}
			return nil, false, fmt.Errorf("conversation exists but lookup failed: %w", lookupErr)
		}
		return nil, false, err
	}

	s.logger.Info("conversation started",
		"conversation_id", conv.ID,
		"participant_a", conv.ParticipantA,
		"participant_b", conv.ParticipantB)
	return conv, true, nil
}

// Get returns a conversation the actor may see.
func (s *Service) Get(ctx context.Context, actor Actor, conversationID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !canView(actor, conv) {
		return nil, ErrForbidden
	}
	return conv, nil
}

// History returns up to limit of the latest messages, oldest first.
func (s *Service) History(ctx context.Context, actor Actor, conversationID string, limit int) ([]*store.Message, error) {
	if _, err := s.Get(ctx, actor, conversationID); err != nil {
		return nil, err
	}
	return s.store.GetMessages(ctx, conversationID, limit)
}

// List returns the actor's conversations, most recently active first.
func (s *Service) List(ctx context.Context, actor Actor, limit int) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, actor.AccountID, limit)
}

// Delete hard-deletes a conversation and its messages. Only a participant
// or an admin may do this. Pending nudges are cancelled and live clients
// are told the conversation is gone.
func (s *Service) Delete(ctx context.Context, actor Actor, conversationID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(actor.AccountID) && actor.Role != store.RoleAdmin {
		return ErrForbidden
	}
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	if f := s.scheduler(); f != nil {
		f.Cancel(conversationID)
	}
	s.publish(realtime.EventConversationDeleted, conversationID, map[string]string{
		"deleted_by": actor.AccountID,
	})

	s.logger.Info("conversation deleted",
		"conversation_id", conversationID,
		"deleted_by", actor.AccountID)
	return nil
}

// canView: participants see their own conversations; operators and admins
// see all of them.
func canView(actor Actor, conv *store.Conversation) bool {
	switch actor.Role {
	case store.RoleOperator, store.RoleAdmin:
		return true
	default:
		return conv.HasParticipant(actor.AccountID)
	}
}

// CanView reports whether actor may read the conversation. Transports use
// it to gate live event streams.
func (s *Service) CanView(ctx context.Context, actor Actor, conversationID string) error {
	_, err := s.Get(ctx, actor, conversationID)
	return err
}
