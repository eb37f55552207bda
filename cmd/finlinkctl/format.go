package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/matheus3301/finlink/internal/api"
	"github.com/matheus3301/finlink/internal/model"
)

const previewWidth = 40

func printStatus(w io.Writer, st *api.StatusResponse) {
	auth := "signed out"
	if st.Authenticated {
		auth = "signed in"
	}
	fmt.Fprintf(w, "Profile:       %s (%s)\n", st.Profile, auth)
	fmt.Fprintf(w, "Live channel:  %s", st.State)
	if st.Attempts > 0 {
		fmt.Fprintf(w, " (%s)", plural(st.Attempts, "reconnect attempt"))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Conversations: %s, %s unread\n", humanize.Comma(int64(st.Conversations)), humanize.Comma(int64(st.TotalUnread)))
	if st.Active != "" {
		fmt.Fprintf(w, "Open:          %s\n", st.Active)
	}
	fmt.Fprintf(w, "Uptime:        %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
	if st.EventsDropped > 0 {
		fmt.Fprintf(w, "Dropped:       %s events\n", humanize.Comma(int64(st.EventsDropped)))
	}
}

func printConversations(w io.Writer, resp *api.ConversationsResponse) {
	if len(resp.Conversations) == 0 {
		fmt.Fprintln(w, "No conversations.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWITH\tUNREAD\tLAST\tWHEN")
	for _, c := range resp.Conversations {
		name := c.ParticipantName
		if c.IsOnline {
			name += " *"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, name, unread(c.UnreadCount), preview(c.LastMessage), ago(c.LastMessageAt))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%s unread in total\n", humanize.Comma(int64(resp.TotalUnread)))
}

func printMessages(w io.Writer, resp *api.MessagesResponse) {
	if resp.HasMore && len(resp.Messages) > 0 {
		fmt.Fprintf(w, "… older messages available (--before %s)\n", resp.Messages[0].ID)
	}
	for _, m := range resp.Messages {
		fmt.Fprintf(w, "[%s] %s: %s%s\n", ago(m.CreatedAt), m.SenderType, m.Content, suffix(m))
	}
}

func printEvent(w io.Writer, evt api.EventEnvelope) {
	fmt.Fprintf(w, "%s  %-28s %v\n", evt.OccurredAt.Local().Format(time.TimeOnly), evt.Kind, evt.Payload)
}

func suffix(m model.Message) string {
	var parts []string
	if m.ContentType != "" && m.ContentType != model.ContentText {
		parts = append(parts, string(m.ContentType))
	}
	if m.SenderType == model.SenderBorrower && m.Status != "" {
		parts = append(parts, string(m.Status))
	}
	if m.Pending() {
		parts = append(parts, m.ID)
	}
	if len(parts) == 0 {
		return ""
	}
	return "  (" + strings.Join(parts, ", ") + ")"
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= previewWidth {
		return s
	}
	return string(r[:previewWidth-1]) + "…"
}

func unread(n int) string {
	if n == 0 {
		return "-"
	}
	return humanize.Comma(int64(n))
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return humanize.Comma(int64(n)) + " " + word + "s"
}
