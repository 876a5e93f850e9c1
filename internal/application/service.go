package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
)

const (
	defaultPairCodeAttempts    = 8
	defaultReminderConcurrency = 4
)

// PairService is the application context: it owns the connection engine, the identity store,
// the exchange ledger and the command dispatcher. Build it once and share it between transports.
type PairService struct {
	store     domain.Store
	messenger domain.Messenger
	logger    *slog.Logger
	messages  Messages

	linkPattern *regexp.Regexp
	linkHosts   map[string]struct{}
	preview     PreviewDetector
	baseURL     string

	now         func() time.Time
	newPairCode func() (string, error)
	newToken    func() (string, error)

	pairCodeAttempts    int
	reminderConcurrency int

	routes []route
}

type Options struct {
	Messenger domain.Messenger
	Logger    *slog.Logger
	Messages  *Messages

	LinkPattern     string
	// LinkHosts replaces DefaultLinkHosts; matching is exact and case-insensitive.
	LinkHosts       []string
	PublicBaseURL   string
	PreviewAgents   []string
	PreviewNetworks []netip.Prefix

	PairCodeAttempts    int
	ReminderConcurrency int

	// Now and PairCodes replace the clock and the code generator, mostly for tests.
	Now       func() time.Time
	PairCodes func() (string, error)
}

func NewPairService(store domain.Store, opts Options) (*PairService, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}

	pattern := opts.LinkPattern
	if pattern == "" {
		pattern = DefaultLinkPattern
	}
	linkPattern, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile link pattern: %w", err)
	}

	hosts := opts.LinkHosts
	if len(hosts) == 0 {
		hosts = DefaultLinkHosts
	}
	linkHosts := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			linkHosts[h] = struct{}{}
		}
	}

	messages := opts.Messages
	if messages == nil {
		defaults, err := DefaultMessages()
		if err != nil {
			return nil, err
		}
		messages = &defaults
	}

	s := &PairService{
		store:               store,
		messenger:           opts.Messenger,
		logger:              opts.Logger,
		messages:            *messages,
		linkPattern:         linkPattern,
		linkHosts:           linkHosts,
		preview:             NewPreviewDetector(opts.PreviewAgents, opts.PreviewNetworks),
		baseURL:             strings.TrimRight(opts.PublicBaseURL, "/"),
		now:                 opts.Now,
		newPairCode:         opts.PairCodes,
		newToken:            newAccessToken,
		pairCodeAttempts:    opts.PairCodeAttempts,
		reminderConcurrency: opts.ReminderConcurrency,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.messenger == nil {
		s.messenger = logMessenger{logger: s.logger}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newPairCode == nil {
		s.newPairCode = NewPairCode
	}
	if s.pairCodeAttempts <= 0 {
		s.pairCodeAttempts = defaultPairCodeAttempts
	}
	if s.reminderConcurrency <= 0 {
		s.reminderConcurrency = defaultReminderConcurrency
	}
	s.routes = s.buildRoutes()

	return s, nil
}

// Ping reports whether the store is reachable.
func (s *PairService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *PairService) Stats(ctx context.Context) (domain.Stats, error) {
	return s.store.Stats(ctx)
}

func (s *PairService) ListConnections(ctx context.Context, state string, identityID *uint, limit int) ([]domain.Connection, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	filter := domain.ConnectionFilter{IdentityID: identityID, Limit: limit}
	if state != "" {
		st := domain.ConnectionState(strings.ToLower(state))
		if !st.Valid() {
			return nil, fmt.Errorf("unknown connection state %q", state)
		}
		filter.State = &st
	}
	return s.store.ListConnections(ctx, filter)
}

func (s *PairService) ListExchanges(ctx context.Context, connectionID *uint, limit int) ([]domain.Exchange, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	return s.store.ListExchanges(ctx, domain.ExchangeFilter{ConnectionID: connectionID, Limit: limit})
}

// TrackURL is the public URL that resolves an exchange token.
func (s *PairService) TrackURL(token string) string {
	return s.baseURL + "/track/" + token
}

func (s *PairService) clock() time.Time {
	return s.now().UTC()
}

// notify sends a best-effort message to an identity. Failures are logged and swallowed.
func (s *PairService) notify(ctx context.Context, identityID uint, msg domain.OutboundMessage) {
	identity, err := s.store.GetIdentityByID(ctx, identityID)
	if err != nil {
		s.logger.Warn("notify: identity lookup failed", "identity_id", identityID, "error", err)
		return
	}
	if err := s.messenger.SendMessage(ctx, identity.ExternalID, msg); err != nil {
		s.logger.Warn("notify: send failed", "identity_id", identityID, "error", err)
	}
}

// logMessenger is used when no transport is configured, e.g. for the operator CLI.
type logMessenger struct {
	logger *slog.Logger
}

func (m logMessenger) SendMessage(_ context.Context, chatID int64, msg domain.OutboundMessage) error {
	m.logger.Info("message not delivered, no messenger configured", "chat_id", chatID, "text", msg.Text)
	return nil
}

func defaultString(input, fallback string) string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	return input
}
