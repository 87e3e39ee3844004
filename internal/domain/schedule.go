package domain

import "time"

// ScheduleStatus enumerates the states of a schedule entry.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "scheduled"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

var scheduleTransitions = map[ScheduleStatus][]ScheduleStatus{
	ScheduleActive:    {ScheduleCancelled},
	ScheduleCancelled: nil,
}

// Valid reports whether s is a known schedule status.
func (s ScheduleStatus) Valid() bool {
	_, ok := scheduleTransitions[s]
	return ok
}

// CanTransition reports whether a schedule entry may move from s to next.
func (s ScheduleStatus) CanTransition(next ScheduleStatus) bool {
	for _, to := range scheduleTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// SelectionType describes how the recipients of a schedule were chosen.
type SelectionType string

const (
	SelectAll      SelectionType = "all"
	SelectContacts SelectionType = "contacts"
	SelectGroups   SelectionType = "groups"
	SelectEmails   SelectionType = "emails"
	SelectMixed    SelectionType = "mixed"
)

// RecipientSpec is the caller's recipient selection. An empty spec means
// every eligible contact.
type RecipientSpec struct {
	ContactIDs []string `json:"contact_ids,omitempty"`
	GroupIDs   []string `json:"group_ids,omitempty"`
	Emails     []string `json:"emails,omitempty"`
	All        bool     `json:"all,omitempty"`
}

// IsEmpty reports whether the spec names no clause at all.
func (s RecipientSpec) IsEmpty() bool {
	return len(s.ContactIDs) == 0 && len(s.GroupIDs) == 0 && len(s.Emails) == 0 && !s.All
}

// SelectionType summarizes the spec for the schedule listing.
func (s RecipientSpec) SelectionType() SelectionType {
	n := 0
	t := SelectAll
	if len(s.ContactIDs) > 0 {
		n++
		t = SelectContacts
	}
	if len(s.GroupIDs) > 0 {
		n++
		t = SelectGroups
	}
	if len(s.Emails) > 0 {
		n++
		t = SelectEmails
	}
	if s.All {
		n++
		t = SelectAll
	}
	if n > 1 {
		return SelectMixed
	}
	return t
}

// ScheduleEntry is the calendar record of a scheduled send. It is advisory
// over the queue: queue rows carry their own available_at.
type ScheduleEntry struct {
	ID            string         `json:"id" db:"id"`
	CampaignID    string         `json:"campaign_id" db:"campaign_id"`
	BatchID       string         `json:"batch_id,omitempty" db:"batch_id"`
	ScheduledAt   time.Time      `json:"scheduled_at" db:"scheduled_at"`
	Status        ScheduleStatus `json:"status" db:"status"`
	SelectionType SelectionType  `json:"selection_type" db:"selection_type"`
	Selection     RecipientSpec  `json:"selection" db:"selection"`
	TriggeredAt   *time.Time     `json:"triggered_at" db:"triggered_at"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}
