package models

// Settings are the admin-configured policy parameters consumed by the
// transition and ordering engines. Changing MaxHoldAttempts is not
// retroactive: tickets already in hold keep their recorded attempt count and
// the new threshold applies only to future hold transitions.
type Settings struct {
	MaxHoldAttempts                int  `json:"max_hold_attempts"`
	DisallowDuplicateActiveTickets bool `json:"disallow_duplicate_active_tickets"`
	UpNextCount                    int  `json:"up_next_count"`
}

func DefaultSettings() Settings {
	return Settings{
		MaxHoldAttempts:                4,
		DisallowDuplicateActiveTickets: true,
		UpNextCount:                    5,
	}
}
