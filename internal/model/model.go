// Package model holds the data types shared across the sync, scheduling,
// and notification services.
package model

import "time"

// MeetingType classifies an event by its attendee domains relative to the
// calendar owner's domain.
type MeetingType string

const (
	MeetingInternal MeetingType = "internal"
	MeetingExternal MeetingType = "external"
)

// EventStatus mirrors the upstream lifecycle status values we care about.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// RemoteEvent is one event as returned by the upstream calendar, with
// recurring series already expanded into single instances.
type RemoteEvent struct {
	ID          string
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Recurring   bool
	Organizer   string
	Attendees   []string
	Status      string
	HTMLLink    string
}

// Valid reports whether the event carries the fields every stored row
// requires. Invalid events are dropped silently during reconciliation.
func (e RemoteEvent) Valid() bool {
	return e.ID != "" && !e.Start.IsZero() && !e.End.IsZero()
}

// StoredEvent is the locally mirrored projection of a RemoteEvent, keyed by
// the remote identifier. Owner scopes every row to the user whose sync pass
// wrote it; a sync for one user never touches another user's rows.
type StoredEvent struct {
	ID          string      `json:"id"`
	Owner       string      `json:"owner"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Location    string      `json:"location,omitempty"`
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	AllDay      bool        `json:"all_day"`
	Recurring   bool        `json:"recurring"`
	Organizer   string      `json:"organizer"`
	Attendees   []string    `json:"attendees"`
	Status      string      `json:"status,omitempty"`
	HTMLLink    string      `json:"html_link,omitempty"`
	MeetingType MeetingType `json:"meeting_type"`
	IsInternal  bool        `json:"is_internal"`
	LastSynced  time.Time   `json:"last_synced"`
}

// ChangeKind is the transition recorded in the audit trail.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// ChangeRecord is one append-only audit entry. Records are never mutated or
// removed; reads are always bounded (most-recent-N).
type ChangeRecord struct {
	EventID string     `json:"event_id"`
	Owner   string     `json:"owner"`
	Kind    ChangeKind `json:"kind"`
	At      time.Time  `json:"at"`
	// Payload is a snapshot: the new representation for created, an
	// {old,new} pair for updated, and the bare identifier for deleted.
	Payload []byte `json:"payload,omitempty"`
}

// NotificationPreference controls one user's digest job.
type NotificationPreference struct {
	UserID          string `json:"user_id"`
	Enabled         bool   `json:"enabled"`
	Schedule        string `json:"schedule"` // 5-field cron expression
	AdvanceHours    int    `json:"advance_hours"`
	IncludeInternal bool   `json:"include_internal"`
	IncludeExternal bool   `json:"include_external"`
}

// DefaultPreference is the row created for users that have never saved
// settings: digests off, weekday-morning schedule, one-day horizon.
func DefaultPreference(userID string) NotificationPreference {
	return NotificationPreference{
		UserID:          userID,
		Enabled:         false,
		Schedule:        "0 9 * * *",
		AdvanceHours:    24,
		IncludeInternal: true,
		IncludeExternal: true,
	}
}

// Token is a persisted OAuth credential for one user.
type Token struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}

// NotificationLog records one digest dispatch attempt.
type NotificationLog struct {
	ID       string
	UserID   string
	SentAt   time.Time
	Status   string // "sent" or "failed"
	Error    string
	EventIDs []string
}

// EventStats is the per-user dashboard summary over upcoming events.
type EventStats struct {
	Total     int `json:"total"`
	Internal  int `json:"internal"`
	External  int `json:"external"`
	Recurring int `json:"recurring"`
	Today     int `json:"today"`
	ThisWeek  int `json:"this_week"`
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Upserted       int `json:"upserted"`
	ChangesWritten int `json:"changes_written"`
	Skipped        int `json:"skipped"`
	Deleted        int `json:"deleted"`
}
