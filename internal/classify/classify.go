// Package classify derives the meeting type of an event from its attendee
// list and the calendar owner's address.
package classify

import (
	"strings"

	"mrse/internal/model"
)

// MeetingType classifies an event as internal or external.
//
// The rule compares attendee domains against the owner's domain only: an
// event with no attendees is internal (self-only), and any attendee on a
// different domain makes it external. The organizer address is accepted for
// a possible future rule (externally organized, all-internal-attendee
// events) but does not influence the current decision.
func MeetingType(organizer string, attendees []string, owner string) model.MeetingType {
	if len(attendees) == 0 {
		return model.MeetingInternal
	}
	ownerDomain := Domain(owner)
	for _, a := range attendees {
		d := Domain(a)
		if d != "" && d != ownerDomain {
			return model.MeetingExternal
		}
	}
	return model.MeetingInternal
}

// Domain returns the part of an address after '@', lower-cased, or "" when
// the address has no domain.
func Domain(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 || i == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[i+1:])
}
