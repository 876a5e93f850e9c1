package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/application"
	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
)

func printJSON(v any) error {
	b, err := jsonMarshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printKV(rows [][2]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, row := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", row[0], row[1])
	}
	_ = w.Flush()
}

func printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Println("no results")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

func formatMaybeUint(v *uint) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatUint(uint64(*v), 10)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatMaybeTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func printStats(s domain.Stats) {
	rows := [][2]string{{"identities", strconv.FormatInt(s.Identities, 10)}}
	states := make([]string, 0, len(s.ConnectionsByState))
	for state := range s.ConnectionsByState {
		states = append(states, string(state))
	}
	sort.Strings(states)
	for _, state := range states {
		rows = append(rows, [2]string{"connections." + state, strconv.FormatInt(s.ConnectionsByState[domain.ConnectionState(state)], 10)})
	}
	rows = append(rows,
		[2]string{"exchanges", strconv.FormatInt(s.Exchanges, 10)},
		[2]string{"exchanges.clicked", strconv.FormatInt(s.ClickedExchanges, 10)},
		[2]string{"exchanges.listened", strconv.FormatInt(s.ListenedExchanges, 10)},
	)
	printKV(rows)
}

func printConnections(items []domain.Connection) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			uintToString(item.ID),
			string(item.State),
			item.PairCode,
			uintToString(item.InitiatorID),
			formatMaybeUint(item.CounterpartID),
			formatTime(item.CreatedAt),
			formatMaybeTime(item.ConnectedAt),
			formatMaybeTime(item.DisconnectedAt),
		})
	}
	printTable([]string{"ID", "STATE", "CODE", "INITIATOR", "COUNTERPART", "CREATED", "CONNECTED", "DISCONNECTED"}, rows)
}

func printExchanges(items []domain.Exchange) {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			uintToString(item.ID),
			uintToString(item.ConnectionID),
			uintToString(item.SenderID),
			uintToString(item.ReceiverID),
			item.Link,
			formatTime(item.CreatedAt),
			formatMaybeTime(item.ClickedAt),
			formatMaybeTime(item.ListenedAt),
		})
	}
	printTable([]string{"ID", "CONNECTION", "SENDER", "RECEIVER", "LINK", "SENT", "CLICKED", "LISTENED"}, rows)
}

func printIdentity(v identityView) {
	rows := [][2]string{
		{"id", uintToString(v.Identity.ID)},
		{"external_id", strconv.FormatInt(v.Identity.ExternalID, 10)},
		{"name", strings.TrimSpace(v.Identity.FirstName + " " + v.Identity.LastName)},
		{"active_connection_id", formatMaybeUint(v.Identity.ActiveConnectionID)},
		{"created", formatTime(v.Identity.CreatedAt)},
	}
	if c := v.LatestConnection; c != nil {
		rows = append(rows,
			[2]string{"latest_connection", uintToString(c.ID)},
			[2]string{"latest_state", string(c.State)},
			[2]string{"latest_code", c.PairCode},
		)
	}
	printKV(rows)
}

func printReplies(items []domain.OutboundMessage) {
	if len(items) == 0 {
		fmt.Println("no reply")
		return
	}
	for i, item := range items {
		if i > 0 {
			fmt.Println("---")
		}
		fmt.Println(item.Text)
	}
}

func printReminderReport(r application.ReminderReport) {
	printKV([][2]string{
		{"recipients", strconv.Itoa(r.Recipients)},
		{"exchanges", strconv.Itoa(r.Exchanges)},
		{"delivered", strconv.Itoa(r.Delivered)},
		{"failed", strconv.Itoa(r.Failed)},
	})
}
