package scheduler

import (
	"time"

	"wedding-dispatch/internal/models"
)

// Window is the period in which a flow may fire for a guest.
type Window struct {
	Due      time.Time
	Deadline time.Time
}

// Open reports whether now falls inside the window.
func (w Window) Open(now time.Time) bool {
	return !now.Before(w.Due) && now.Before(w.Deadline)
}

// DueWindow computes when flow fires for guest. ok is false when the trigger
// does not apply to the guest at all (no RSVP yet, already answered a
// follow-up). lateness bounds how long after the due time a missed flow may
// still fire; loc is the zone of the event's calendar day.
func DueWindow(flow *models.AutomationFlow, event *models.Event, guest *models.Guest, lateness time.Duration, loc *time.Location) (Window, bool) {
	start := event.StartsAt

	switch flow.Trigger {
	case models.TriggerRSVPReceived:
		if guest.RSVPDate.IsZero() || guest.RSVPStatus == models.RSVPPending || guest.RSVPStatus == models.RSVPNotInvited {
			return Window{}, false
		}
		return Window{Due: guest.RSVPDate, Deadline: guest.RSVPDate.Add(lateness)}, true

	case models.TriggerEventDayOf:
		local := start.In(loc)
		dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		return Window{Due: dayStart, Deadline: dayStart.AddDate(0, 0, 1)}, true

	case models.TriggerEventDayBefore:
		return Window{Due: start.Add(-flow.Delay()), Deadline: start}, true

	case models.TriggerEventDayAfter:
		due := start.Add(flow.Delay())
		return Window{Due: due, Deadline: due.Add(lateness)}, true

	case models.TriggerRSVPFollowUp:
		if guest.RSVPStatus != models.RSVPPending || guest.InvitedDate.IsZero() {
			return Window{}, false
		}
		due := guest.InvitedDate.Add(flow.Delay())
		deadline := due.Add(lateness)
		if deadline.After(start) {
			deadline = start
		}
		return Window{Due: due, Deadline: deadline}, true
	}
	return Window{}, false
}

// inAudience applies the flow's RSVP filter. Guests never invited are not
// messaged by automation.
func inAudience(flow *models.AutomationFlow, guest *models.Guest) bool {
	if guest.RSVPStatus == models.RSVPNotInvited {
		return false
	}
	return flow.Audience == "" || flow.Audience == guest.RSVPStatus
}
