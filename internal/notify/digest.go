// Package notify assembles and dispatches per-user meeting digests. A
// digest covers the user's upcoming events inside their configured advance
// window, grouped into external and internal meetings.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"mrse/internal/model"
	"mrse/internal/storage"
	"mrse/pkg/logx"
)

// Service builds and sends digests, throttled globally so a burst of
// per-user jobs firing at the same minute cannot flood the relay. Every
// dispatch attempt, sent or failed, lands in the notification log.
type Service struct {
	store   storage.Store
	sender  Sender
	limiter *rate.Limiter
	log     logx.Logger
	now     func() time.Time
}

func NewService(store storage.Store, sender Sender, ratePerSec int, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &Service{
		store:   store,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		log:     log,
		now:     time.Now,
	}
}

// SetRate adjusts the global dispatch throttle at runtime.
func (s *Service) SetRate(ratePerSec int) {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	s.limiter.SetLimit(rate.Limit(ratePerSec))
	s.limiter.SetBurst(ratePerSec)
}

// SendDigest collects the user's events inside their advance window,
// filters them by preference, and dispatches the digest. An empty window
// sends nothing and logs nothing; that is the common case, not an error.
func (s *Service) SendDigest(ctx context.Context, userID string) error {
	pref, ok, err := s.store.GetPreference(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		pref = model.DefaultPreference(userID)
	}
	if !pref.Enabled {
		return nil
	}

	now := s.now()
	until := now.Add(time.Duration(pref.AdvanceHours) * time.Hour)
	events, err := s.store.UpcomingEvents(ctx, userID, now, until)
	if err != nil {
		return err
	}

	events = filterByPreference(events, pref)
	if len(events) == 0 {
		s.log.Debug("no events in window; digest skipped", logx.String("user", userID))
		return nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	subject := fmt.Sprintf("Meeting digest: %d upcoming", len(events))
	body := renderDigest(events, pref.AdvanceHours)
	sendErr := s.sender.Send(userID, subject, body)

	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	entry := model.NotificationLog{
		ID:       uuid.NewString(),
		UserID:   userID,
		SentAt:   s.now(),
		Status:   "sent",
		EventIDs: ids,
	}
	if sendErr != nil {
		entry.Status = "failed"
		entry.Error = sendErr.Error()
	}
	if logErr := s.store.AppendNotificationLog(ctx, entry); logErr != nil {
		s.log.Warn("notification log write failed", logx.String("user", userID), logx.Err(logErr))
	}

	if sendErr != nil {
		return sendErr
	}
	s.log.Info("digest sent", logx.String("user", userID), logx.Int("events", len(events)))
	return nil
}

// filterByPreference drops cancelled events and applies the user's
// internal/external toggles.
func filterByPreference(events []model.StoredEvent, pref model.NotificationPreference) []model.StoredEvent {
	out := events[:0]
	for _, ev := range events {
		if ev.Status == model.StatusCancelled {
			continue
		}
		if ev.IsInternal && !pref.IncludeInternal {
			continue
		}
		if !ev.IsInternal && !pref.IncludeExternal {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// renderDigest produces the HTML body, external meetings first since they
// usually need more preparation.
func renderDigest(events []model.StoredEvent, advanceHours int) string {
	var external, internal []model.StoredEvent
	for _, ev := range events {
		if ev.IsInternal {
			internal = append(internal, ev)
		} else {
			external = append(external, ev)
		}
	}

	var b strings.Builder
	b.WriteString("<html><body>")
	fmt.Fprintf(&b, "<h2>Your meetings for the next %d hours</h2>", advanceHours)
	writeSection(&b, "External meetings", external)
	writeSection(&b, "Internal meetings", internal)
	b.WriteString("</body></html>")
	return b.String()
}

func writeSection(b *strings.Builder, title string, events []model.StoredEvent) {
	if len(events) == 0 {
		return
	}
	fmt.Fprintf(b, "<h3>%s (%d)</h3><ul>", title, len(events))
	for _, ev := range events {
		fmt.Fprintf(b, "<li><strong>%s</strong> %s",
			html.EscapeString(ev.Title), formatWhen(ev))
		if ev.Location != "" {
			fmt.Fprintf(b, " at %s", html.EscapeString(ev.Location))
		}
		if ev.Recurring {
			b.WriteString(" (recurring)")
		}
		if n := len(ev.Attendees); n > 1 {
			fmt.Fprintf(b, ", %d attendees", n)
		}
		if ev.Description != "" {
			fmt.Fprintf(b, "<br><em>%s</em>", html.EscapeString(excerpt(ev.Description, 120)))
		}
		b.WriteString("</li>")
	}
	b.WriteString("</ul>")
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}

func formatWhen(ev model.StoredEvent) string {
	if ev.AllDay {
		return ev.Start.Format("Mon Jan 2") + " (all day)"
	}
	return ev.Start.Format("Mon Jan 2 15:04") + " to " + ev.End.Format("15:04")
}
