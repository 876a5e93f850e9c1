package application

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
)

// DefaultLinkPattern matches the music providers accepted for sharing. The host must be
// followed by a path, query, fragment or the end of the link.
const DefaultLinkPattern = `(?i)^https?://(?:open\.spotify\.com|youtu\.be|(?:www\.|m\.|music\.)?youtube\.com)(?:[/?#]\S*)?$`

// DefaultLinkHosts are the hosts a shared link may point at.
var DefaultLinkHosts = []string{
	"open.spotify.com",
	"youtu.be",
	"youtube.com",
	"www.youtube.com",
	"m.youtube.com",
	"music.youtube.com",
}

// ExtractLink returns the first accepted music link in text, or "".
func (s *PairService) ExtractLink(text string) string {
	for _, field := range strings.Fields(text) {
		if link, err := s.validateLink(field); err == nil {
			return link
		}
	}
	return ""
}

func (s *PairService) validateLink(raw string) (string, error) {
	link := strings.TrimSpace(raw)
	u, err := url.Parse(link)
	if err != nil || !u.IsAbs() || u.Host == "" || u.User != nil {
		return "", domain.ErrInvalidLink
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", domain.ErrInvalidLink
	}
	if _, ok := s.linkHosts[strings.ToLower(u.Hostname())]; !ok {
		return "", domain.ErrInvalidLink
	}

	loc := s.linkPattern.FindStringIndex(link)
	if loc == nil || loc[0] != 0 || loc[1] != len(link) {
		return "", domain.ErrInvalidLink
	}
	return link, nil
}

// Record stores a shared link between the two parties of a connected connection.
func (s *PairService) Record(ctx context.Context, senderID, receiverID, connectionID uint, link string) (domain.Exchange, error) {
	link, err := s.validateLink(link)
	if err != nil {
		return domain.Exchange{}, err
	}

	conn, err := s.store.GetConnectionByID(ctx, connectionID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Exchange{}, domain.ErrNotPaired
	}
	if err != nil {
		return domain.Exchange{}, err
	}
	if conn.State != domain.ConnectionConnected {
		return domain.Exchange{}, domain.ErrNotPaired
	}
	if partner, ok := conn.PartnerOf(senderID); !ok || partner != receiverID {
		return domain.Exchange{}, domain.ErrNotPaired
	}

	token, err := s.newToken()
	if err != nil {
		return domain.Exchange{}, fmt.Errorf("generate access token: %w", err)
	}

	exchange, err := s.store.CreateExchange(ctx, domain.Exchange{
		SenderID:     senderID,
		ReceiverID:   receiverID,
		ConnectionID: connectionID,
		Link:         link,
		AccessToken:  token,
		CreatedAt:    s.clock(),
	})
	if err != nil {
		return domain.Exchange{}, err
	}

	s.logger.Info("song exchanged", "exchange_id", exchange.ID, "connection_id", connectionID, "sender_id", senderID)
	return exchange, nil
}

// Resolve stamps the first click and, for human requests, the first listen. The sender is told
// their song was heard once, on the resolve that recorded the first listen.
func (s *PairService) Resolve(ctx context.Context, token string, automated bool) (domain.Exchange, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Exchange{}, domain.ErrNotFound
	}

	exchange, err := s.store.GetExchangeByToken(ctx, token)
	if err != nil {
		return domain.Exchange{}, err
	}

	exchange, firstListen, err := s.store.MarkExchangeOpened(ctx, exchange.ID, s.clock(), !automated)
	if err != nil {
		return domain.Exchange{}, err
	}

	if firstListen {
		s.notifyListened(ctx, exchange)
	}
	return exchange, nil
}

// ResolveAndMaybeRedirect returns the link the track URL should redirect to.
func (s *PairService) ResolveAndMaybeRedirect(ctx context.Context, token string, automated bool) (string, error) {
	exchange, err := s.Resolve(ctx, token, automated)
	if err != nil {
		return "", err
	}
	return exchange.Link, nil
}

func (s *PairService) notifyListened(ctx context.Context, exchange domain.Exchange) {
	sender, err := s.store.GetIdentityByID(ctx, exchange.SenderID)
	if err != nil {
		s.logger.Warn("listen notification skipped", "exchange_id", exchange.ID, "error", err)
		return
	}
	receiver, err := s.store.GetIdentityByID(ctx, exchange.ReceiverID)
	if err != nil {
		s.logger.Warn("listen notification skipped", "exchange_id", exchange.ID, "error", err)
		return
	}

	text := s.messages.Render(s.messages.SongListened, "name", receiver.FirstName, "link", exchange.Link)
	if err := s.messenger.SendMessage(ctx, sender.ExternalID, domain.OutboundMessage{Text: text}); err != nil {
		s.logger.Warn("listen notification failed", "exchange_id", exchange.ID, "error", err)
	}
}
