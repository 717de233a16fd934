package companion

// Mode selects the companion persona's conversational register. The set is
// fixed; unknown values fall back to ModeLovely at the prompting layer.
type Mode string

const (
	ModeLovely     Mode = "Lovely"
	ModeHorror     Mode = "Horror"
	ModeShayari    Mode = "Shayari"
	ModeChill      Mode = "Chill"
	ModePossessive Mode = "Possessive"
	ModeNaughty    Mode = "Naughty"
	ModeMystic     Mode = "Mystic"
)

type Tier string

const (
	TierFree    Tier = "Free"
	TierPremium Tier = "Premium"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "kanchana"
)

// Message is one chat turn as the hosting application stores it. The voice
// pipeline only reads these; it never writes history itself.
type Message struct {
	ID        string
	Role      Role
	Text      string
	Timestamp int64
}

// Preferences is the slice of the user profile the voice pipeline consumes.
type Preferences struct {
	Name   string
	Email  string
	Tier   Tier
	Role   string
	IsHost bool
	Mode   Mode
}
