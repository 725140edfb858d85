package models

import (
	"fmt"
	"time"
)

// Trigger is the domain condition an automation flow reacts to
type Trigger string

const (
	TriggerRSVPReceived   Trigger = "RSVP_RECEIVED"
	TriggerEventDayOf     Trigger = "EVENT_DAY_OF"
	TriggerEventDayBefore Trigger = "EVENT_DAY_BEFORE"
	TriggerEventDayAfter  Trigger = "EVENT_DAY_AFTER"
	TriggerRSVPFollowUp   Trigger = "RSVP_FOLLOWUP"
)

// DelayRequired reports whether flows on this trigger must carry delayHours.
func (t Trigger) DelayRequired() bool {
	switch t {
	case TriggerEventDayBefore, TriggerEventDayAfter, TriggerRSVPFollowUp:
		return true
	}
	return false
}

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerRSVPReceived, TriggerEventDayOf, TriggerEventDayBefore, TriggerEventDayAfter, TriggerRSVPFollowUp:
		return true
	}
	return false
}

// FlowStatus is the activation state of a flow
type FlowStatus string

const (
	FlowActive   FlowStatus = "active"
	FlowInactive FlowStatus = "inactive"
)

// AutomationFlow sends Action (the message type) to the event's guests when
// Trigger is due.
type AutomationFlow struct {
	ID            string     `json:"id"`
	EventID       string     `json:"event_id"`
	Trigger       Trigger    `json:"trigger"`
	Action        string     `json:"action"`
	Channel       Channel    `json:"channel,omitempty"`
	Audience      RSVPStatus `json:"audience,omitempty"`
	DelayHours    *int       `json:"delay_hours,omitempty"`
	CustomMessage string     `json:"custom_message,omitempty"`
	Status        FlowStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Delay returns the configured delay, zero when unset.
func (f *AutomationFlow) Delay() time.Duration {
	if f.DelayHours == nil {
		return 0
	}
	return time.Duration(*f.DelayHours) * time.Hour
}

// Validate checks the trigger/delay rules of a flow.
func (f *AutomationFlow) Validate() error {
	if !f.Trigger.Valid() {
		return fmt.Errorf("unknown trigger %q", f.Trigger)
	}
	if f.Action == "" {
		return fmt.Errorf("flow action is required")
	}
	if f.Trigger.DelayRequired() {
		if f.DelayHours == nil {
			return fmt.Errorf("trigger %s requires delay hours", f.Trigger)
		}
		if *f.DelayHours <= 0 {
			return fmt.Errorf("delay hours must be positive, got %d", *f.DelayHours)
		}
	} else if f.DelayHours != nil {
		return fmt.Errorf("trigger %s does not accept delay hours", f.Trigger)
	}
	return nil
}
