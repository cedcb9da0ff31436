package domain

import "errors"

// UserError is a failure whose message is safe to show in the chat.
type UserError struct {
	Code    string
	Message string
}

func (e *UserError) Error() string {
	return e.Message
}

// NewUserError declares a user-facing sentinel.
func NewUserError(code, message string) *UserError {
	return &UserError{Code: code, Message: message}
}

// AsUserError extracts the user-facing error from err's chain.
func AsUserError(err error) (*UserError, bool) {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

var (
	ErrInvalidAmount     = NewUserError("invalid_amount", "Amount must be a positive number of points.")
	ErrInsufficientFunds = NewUserError("insufficient_funds", "You don't have enough points for that.")
	ErrNotAuthorized     = NewUserError("not_authorized", "You are not allowed to do that.")
	ErrNotMember         = NewUserError("not_member", "That member has no points account in this group yet.")
	ErrSelfAction        = NewUserError("self_action", "You can't do that to yourself.")
	ErrDeadlinePassed    = NewUserError("deadline_passed", "The deadline must be in the future.")
	ErrTitleRequired     = NewUserError("title_required", "A title or description is required.")
	ErrPotTooSmall       = NewUserError("pot_too_small", "The group pot does not hold that many points.")

	ErrWagerNotFound  = NewUserError("wager_not_found", "Wager not found.")
	ErrWagerClosed    = NewUserError("wager_closed", "Betting on this wager is closed.")
	ErrAlreadyJoined  = NewUserError("already_joined", "You already joined this wager.")
	ErrInvalidChoice  = NewUserError("invalid_choice", "That option does not exist.")
	ErrInvalidOptions = NewUserError("invalid_options", "A multiple-choice wager needs between 2 and 10 distinct options.")
	ErrWrongWagerType = NewUserError("wrong_wager_type", "That answer does not fit this wager type.")
	ErrNotSettleable  = NewUserError("not_settleable", "This wager cannot be settled right now.")
	ErrSettleTooEarly = NewUserError("settle_too_early", "Betting is still open; settle after the deadline.")
	ErrAlreadySettled = NewUserError("already_settled", "This wager has already been settled.")
	ErrNotCancellable = NewUserError("not_cancellable", "This can no longer be cancelled.")

	ErrChallengeNotFound   = NewUserError("challenge_not_found", "Challenge not found.")
	ErrChallengeNotOpen    = NewUserError("challenge_not_open", "This challenge is no longer open.")
	ErrChallengeTargeted   = NewUserError("challenge_targeted", "This challenge is reserved for someone else.")
	ErrChallengeNotPending = NewUserError("challenge_not_pending", "There is no completion waiting for review.")
	ErrChallengeWrongState = NewUserError("challenge_wrong_state", "The challenge is not in a state that allows this.")

	ErrEliminationNotFound = NewUserError("elimination_not_found", "Elimination challenge not found.")
	ErrEliminationClosed   = NewUserError("elimination_closed", "Joining is closed for this elimination challenge.")
	ErrEliminationInactive = NewUserError("elimination_inactive", "This elimination challenge is not running.")
	ErrNotParticipant      = NewUserError("not_participant", "You are not taking part in this.")
	ErrAlreadyEliminated   = NewUserError("already_eliminated", "That participant is already out.")
	ErrInvalidSchedule     = NewUserError("invalid_schedule", "The end time must come after the start time.")

	ErrEventNotFound    = NewUserError("event_not_found", "Event not found.")
	ErrEventStarted     = NewUserError("event_started", "This event has already started.")
	ErrAttendanceClosed = NewUserError("attendance_closed", "Attendance can only be recorded after the event starts and before the window closes.")
	ErrAlreadyAttended  = NewUserError("already_attended", "That member is already marked as present.")

	ErrDisputeNotFound  = NewUserError("dispute_not_found", "Dispute not found.")
	ErrDisputeWindow    = NewUserError("dispute_window", "The dispute window has closed.")
	ErrDisputeExists    = NewUserError("dispute_exists", "There is already an open dispute for this.")
	ErrNotDisputable    = NewUserError("not_disputable", "This cannot be disputed.")
	ErrDisputeClosed    = NewUserError("dispute_closed", "Voting on this dispute has ended.")
	ErrAlreadyVoted     = NewUserError("already_voted", "You already voted on this dispute.")
	ErrNotEligibleVoter = NewUserError("not_eligible_voter", "You can't vote on this dispute.")
	ErrSameOutcome      = NewUserError("same_outcome", "The proposed outcome matches the current settlement.")
)
