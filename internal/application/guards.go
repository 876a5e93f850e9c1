package application

import (
	"context"
	"errors"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
)

// RequestContext carries what guards have resolved for one inbound command. Fields are filled
// progressively: Identity by requireIdentity, Connection by requireConnection.
type RequestContext struct {
	Command    Command
	Identity   *domain.Identity
	Connection *domain.Connection

	replies []domain.OutboundMessage
}

func (rc *RequestContext) Reply(text string) {
	rc.replies = append(rc.replies, domain.OutboundMessage{Text: text})
}

func (rc *RequestContext) ReplyMarkdown(text string) {
	rc.replies = append(rc.replies, domain.OutboundMessage{Text: text, Markdown: true})
}

func (rc *RequestContext) Replies() []domain.OutboundMessage {
	return rc.replies
}

// guard returns false to stop the chain. A guard that stops is expected to have replied.
type guard func(ctx context.Context, rc *RequestContext) (bool, error)

func (s *PairService) requireIdentity(ctx context.Context, rc *RequestContext) (bool, error) {
	identity, err := s.store.GetIdentityByExternalID(ctx, rc.Command.CallerExternalID)
	if errors.Is(err, domain.ErrNotFound) {
		rc.Reply(s.messages.RequireStart)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rc.Identity = &identity
	return true, nil
}

// requireConnection must run after requireIdentity.
func (s *PairService) requireConnection(ctx context.Context, rc *RequestContext) (bool, error) {
	if rc.Identity == nil {
		return false, domain.ErrUnauthenticated
	}

	connected := domain.ConnectionConnected
	conn, err := s.store.LatestConnection(ctx, rc.Identity.ID, &connected)
	if errors.Is(err, domain.ErrNotFound) {
		rc.Reply(s.messages.RequireConnection)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rc.Connection = &conn
	return true, nil
}
