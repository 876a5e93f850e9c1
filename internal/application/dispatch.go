package application

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
)

// Command is an inbound chat message normalized by a transport. Name is the lowercase command
// without the leading slash and is empty for plain text.
type Command struct {
	CallerExternalID int64  `json:"caller_external_id"`
	CallerFirstName  string `json:"caller_first_name"`
	CallerLastName   string `json:"caller_last_name"`
	Name             string `json:"name"`
	Args             string `json:"args"`
	Text             string `json:"text"`
}

// ParseCommand splits "/connect@SongPalBot ab3k9" into its name and arguments.
func ParseCommand(text string) (name, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	return strings.ToLower(head), strings.TrimSpace(rest)
}

type route struct {
	name   string
	match  func(cmd Command) bool
	guards []guard
	handle func(ctx context.Context, rc *RequestContext) error
}

func (s *PairService) buildRoutes() []route {
	byName := func(name string) func(Command) bool {
		return func(cmd Command) bool { return cmd.Name == name }
	}
	identity := []guard{s.requireIdentity}
	paired := []guard{s.requireIdentity, s.requireConnection}

	return []route{
		{name: "start", match: byName("start"), handle: s.handleStart},
		{name: "help", match: byName("help"), handle: s.handleHelp},
		{name: "pair", match: byName("pair"), guards: identity, handle: s.handlePair},
		{name: "connect", match: byName("connect"), guards: identity, handle: s.handleConnect},
		{name: "disconnect", match: byName("disconnect"), guards: identity, handle: s.handleDisconnect},
		{name: "status", match: byName("status"), guards: paired, handle: s.handleStatus},
		{
			name: "link",
			match: func(cmd Command) bool {
				return cmd.Name == "" && s.ExtractLink(cmd.Text) != ""
			},
			guards: paired,
			handle: s.handleLink,
		},
	}
}

// Handle runs the first route matching cmd and returns the replies for the caller. Business
// errors become fixed replies. The returned error is set only for infrastructure failures,
// in which case the replies already contain a generic failure message.
func (s *PairService) Handle(ctx context.Context, cmd Command) ([]domain.OutboundMessage, error) {
	var r *route
	for i := range s.routes {
		if s.routes[i].match(cmd) {
			r = &s.routes[i]
			break
		}
	}
	if r == nil {
		return nil, nil
	}

	rc := &RequestContext{Command: cmd}
	err := s.run(ctx, r, rc)
	if err == nil {
		return rc.Replies(), nil
	}

	if kind := domain.KindOf(err); kind != domain.KindUnknown {
		s.logger.Debug("command rejected", "command", r.name, "kind", kind)
		rc.Reply(s.messages.ErrorText(kind))
		return rc.Replies(), nil
	}

	s.logger.Error("command failed", "command", r.name, "caller", cmd.CallerExternalID, "error", err)
	rc.Reply(s.messages.GenericFailure)
	return rc.Replies(), err
}

func (s *PairService) run(ctx context.Context, r *route, rc *RequestContext) error {
	for _, g := range r.guards {
		ok, err := g(ctx, rc)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return r.handle(ctx, rc)
}

func (s *PairService) handleStart(ctx context.Context, rc *RequestContext) error {
	cmd := rc.Command
	identity, err := s.GetOrCreateIdentity(ctx, cmd.CallerExternalID, cmd.CallerFirstName, cmd.CallerLastName)
	if err != nil {
		return err
	}
	rc.Identity = &identity
	rc.Reply(s.messages.Render(s.messages.Welcome, "name", identity.FirstName))
	return nil
}

func (s *PairService) handleHelp(_ context.Context, rc *RequestContext) error {
	rc.Reply(s.messages.Help)
	return nil
}

func (s *PairService) handlePair(ctx context.Context, rc *RequestContext) error {
	conn, err := s.IssueOrFetchCode(ctx, rc.Identity.ID)
	if err != nil {
		return err
	}
	rc.Reply(s.messages.PairInstructions)
	rc.ReplyMarkdown(s.messages.Render(s.messages.PairCommand, "code", conn.PairCode))
	return nil
}

func (s *PairService) handleConnect(ctx context.Context, rc *RequestContext) error {
	if NormalizePairCode(rc.Command.Args) == "" {
		rc.ReplyMarkdown(s.messages.ConnectUsage)
		return nil
	}

	conn, err := s.Redeem(ctx, rc.Identity.ID, rc.Command.Args)
	if err != nil {
		return err
	}
	rc.Connection = &conn

	initiator := s.displayName(ctx, conn.InitiatorID)
	rc.Reply(s.messages.Render(s.messages.Connected, "name", initiator))
	s.notify(ctx, conn.InitiatorID, domain.OutboundMessage{
		Text: s.messages.Render(s.messages.PartnerConnected, "name", rc.Identity.FirstName),
	})
	return nil
}

func (s *PairService) handleDisconnect(ctx context.Context, rc *RequestContext) error {
	conn, err := s.Leave(ctx, rc.Identity.ID)
	if err != nil {
		return err
	}
	rc.Reply(s.messages.Disconnected)

	if partner, ok := conn.PartnerOf(rc.Identity.ID); ok {
		s.notify(ctx, partner, domain.OutboundMessage{
			Text: s.messages.Render(s.messages.PartnerDisconnected, "name", rc.Identity.FirstName),
		})
	}
	return nil
}

func (s *PairService) handleStatus(ctx context.Context, rc *RequestContext) error {
	conn := rc.Connection
	name := s.messages.UnknownUser
	if partner, ok := conn.PartnerOf(rc.Identity.ID); ok {
		name = s.displayName(ctx, partner)
	}

	since := "N/A"
	if conn.ConnectedAt != nil {
		since = conn.ConnectedAt.Format("02 January 2006 15:04")
	}
	rc.Reply(s.messages.Render(s.messages.Status,
		"name", name,
		"code", conn.PairCode,
		"since", since,
	))
	return nil
}

func (s *PairService) handleLink(ctx context.Context, rc *RequestContext) error {
	conn := rc.Connection
	receiverID, ok := conn.PartnerOf(rc.Identity.ID)
	if !ok {
		return domain.ErrNotPaired
	}

	exchange, err := s.Record(ctx, rc.Identity.ID, receiverID, conn.ID, s.ExtractLink(rc.Command.Text))
	if err != nil {
		return err
	}

	s.notify(ctx, receiverID, domain.OutboundMessage{
		Text: s.messages.Render(s.messages.SongReceived,
			"name", rc.Identity.FirstName,
			"url", s.TrackURL(exchange.AccessToken),
		),
	})
	rc.Reply(s.messages.Render(s.messages.SongSent, "name", s.displayName(ctx, receiverID)))
	return nil
}

func (s *PairService) displayName(ctx context.Context, identityID uint) string {
	identity, err := s.store.GetIdentityByID(ctx, identityID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("identity lookup failed", "identity_id", identityID, "error", err)
		}
		return s.messages.UnknownUser
	}
	return identity.FirstName
}

// Simulate dispatches a command on behalf of externalID, as if it came from the chat platform.
func (s *PairService) Simulate(ctx context.Context, externalID int64, firstName, text string) ([]domain.OutboundMessage, error) {
	if externalID == 0 {
		return nil, errors.New("external id is required")
	}
	name, args := ParseCommand(text)
	return s.Handle(ctx, Command{
		CallerExternalID: externalID,
		CallerFirstName:  defaultString(firstName, "User "+strconv.FormatInt(externalID, 10)),
		Name:             name,
		Args:             args,
		Text:             text,
	})
}
