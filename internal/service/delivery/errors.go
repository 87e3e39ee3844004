package delivery

import "errors"

// Sentinel errors for the delivery service layer.
var (
	ErrCampaignNotFound    = errors.New("campaign not found")
	ErrScheduleNotFound    = errors.New("schedule not found")
	ErrNoRecipients        = errors.New("no eligible recipients")
	ErrInvalidScheduleTime = errors.New("invalid schedule time")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrScheduleConflict    = errors.New("campaign already scheduled at that time")
	ErrInvalidInput        = errors.New("invalid input")
)
