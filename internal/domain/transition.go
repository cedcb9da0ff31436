package domain

// Transition describes a state change made by the engine, for notifications.
type Transition struct {
	Kind     string
	GroupID  int64
	EntityID string
	Title    string
	From     string
	To       string
	Payouts  []Payout
	Badges   []BadgeAward
	Note     string
}
