package main

import (
	"context"
	"strconv"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
)

type identityView struct {
	Identity         domain.Identity    `json:"identity"`
	LatestConnection *domain.Connection `json:"latest_connection"`
}

type simulateResult struct {
	Replies []domain.OutboundMessage `json:"replies"`
}

func doStats(ctx context.Context, cfg cliConfig, out any) error {
	return newOperatorClient(cfg).call(ctx, "stats", nil, out)
}

func doConnectionsList(ctx context.Context, cfg cliConfig, state string, identityID *uint, limit int, out any) error {
	return newOperatorClient(cfg).call(ctx, "connections.list", map[string]any{
		"state":       state,
		"identity_id": identityID,
		"limit":       limit,
	}, out)
}

func doExchangesList(ctx context.Context, cfg cliConfig, connectionID *uint, limit int, out any) error {
	return newOperatorClient(cfg).call(ctx, "exchanges.list", map[string]any{
		"connection_id": connectionID,
		"limit":         limit,
	}, out)
}

func doIdentityGet(ctx context.Context, cfg cliConfig, externalID int64, out any) error {
	return newOperatorClient(cfg).call(ctx, "identities.get", map[string]any{"external_id": externalID}, out)
}

func doRemindersSend(ctx context.Context, cfg cliConfig, out any) error {
	return newOperatorClient(cfg).call(ctx, "reminders.send", nil, out)
}

func doSimulate(ctx context.Context, cfg cliConfig, externalID int64, firstName, text string, out any) error {
	return newOperatorClient(cfg).call(ctx, "bot.simulate", map[string]any{
		"external_id": externalID,
		"first_name":  firstName,
		"text":        text,
	}, out)
}

func uintToString(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
