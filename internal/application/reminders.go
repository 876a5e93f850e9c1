package application

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
	"golang.org/x/sync/errgroup"
)

type ReminderReport struct {
	Recipients int `json:"recipients"`
	Exchanges  int `json:"exchanges"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
}

type reminderBatch struct {
	chatID int64
	tokens []string
}

// SendReminders sends every receiver one message listing their unlistened songs on connected
// connections. A failed delivery is logged and counted; it does not stop the run.
func (s *PairService) SendReminders(ctx context.Context) (ReminderReport, error) {
	pending, err := s.store.ListPendingListens(ctx)
	if err != nil {
		return ReminderReport{}, err
	}

	batches := groupByReceiver(pending)
	report := ReminderReport{Recipients: len(batches), Exchanges: len(pending)}
	if len(batches) == 0 {
		return report, nil
	}

	var delivered, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.reminderConcurrency)
	for _, batch := range batches {
		g.Go(func() error {
			msg := domain.OutboundMessage{Text: s.reminderText(batch.tokens)}
			if err := s.messenger.SendMessage(gctx, batch.chatID, msg); err != nil {
				s.logger.Warn("reminder not delivered", "chat_id", batch.chatID, "error", err)
				failed.Add(1)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report.Delivered = int(delivered.Load())
	report.Failed = int(failed.Load())
	s.logger.Info("reminders sent", "recipients", report.Recipients, "delivered", report.Delivered, "failed", report.Failed)
	return report, nil
}

func groupByReceiver(pending []domain.PendingListen) []reminderBatch {
	index := make(map[int64]int)
	batches := make([]reminderBatch, 0)
	for _, p := range pending {
		i, ok := index[p.ReceiverExternalID]
		if !ok {
			i = len(batches)
			index[p.ReceiverExternalID] = i
			batches = append(batches, reminderBatch{chatID: p.ReceiverExternalID})
		}
		batches[i].tokens = append(batches[i].tokens, p.AccessToken)
	}
	return batches
}

func (s *PairService) reminderText(tokens []string) string {
	lines := make([]string, 0, len(tokens)+1)
	lines = append(lines, s.messages.ReminderHeader)
	for i, token := range tokens {
		lines = append(lines, s.messages.Render(s.messages.ReminderLine,
			"index", strconv.Itoa(i+1),
			"url", s.TrackURL(token),
		))
	}
	return strings.Join(lines, "\n")
}
