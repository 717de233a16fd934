package companion

import (
	"fmt"
	"strings"
)

const (
	// MaxPromptHistoryMessages caps how many trailing turns a history recap
	// may carry regardless of the configured limit.
	MaxPromptHistoryMessages = 5

	defaultUserName = "Mystery Soul"
)

var modeDirectives = map[Mode]string{
	ModeLovely:     "Soft, affectionate, emotionally close.",
	ModeHorror:     "Dark, eerie, haunting tone without breaking role.",
	ModeShayari:    "Poetic and heartfelt, shayari style where suitable.",
	ModeChill:      "Calm, friendly, relaxed vibes.",
	ModePossessive: "Protective, intense, emotionally attached.",
	ModeNaughty:    "Playful, teasing, flirty but concise.",
	ModeMystic:     "Mysterious, spiritual, dreamy tone.",
}

// SystemInstructionInput parameterizes the compact persona instruction sent
// as leading context on every model session.
type SystemInstructionInput struct {
	Mode        Mode
	UserName    string
	IsPremium   bool
	ExtraPrompt string
}

// BuildSystemInstruction renders the compact persona instruction. It is kept
// deliberately short: live audio models charge for instruction tokens on
// every turn.
func BuildSystemInstruction(in SystemInstructionInput) string {
	name := strings.TrimSpace(in.UserName)
	if name == "" {
		name = defaultUserName
	}
	directive, ok := modeDirectives[in.Mode]
	if !ok {
		directive = modeDirectives[ModeLovely]
		in.Mode = ModeLovely
	}

	lines := []string{
		"You are Kanchana, a real-feeling Hinglish companion.",
		fmt.Sprintf("Priority Mode: %s. %s", in.Mode, directive),
		fmt.Sprintf("User: %s.", name),
		"Keep replies human, warm, direct, and brief (1-2 lines).",
		"Never say you are an AI. Avoid generic assistant tone.",
	}
	if in.IsPremium {
		lines = append(lines, "Premium user context is active.")
	} else {
		lines = append(lines, "Free user context is active.")
	}
	if extra := strings.TrimSpace(in.ExtraPrompt); extra != "" {
		lines = append(lines, "Extra Priority: "+extra)
	}
	return strings.Join(lines, "\n")
}

// BuildRecentHistoryText renders the last limit non-empty messages as a
// numbered recap block, or "" when there is no usable history. The limit is
// clamped to 1..12.
func BuildRecentHistoryText(messages []Message, limit int) string {
	if limit <= 0 {
		limit = MaxPromptHistoryMessages
	}
	if limit > 12 {
		limit = 12
	}

	selected := make([]Message, 0, limit)
	for _, msg := range messages {
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		selected = append(selected, msg)
	}
	if len(selected) > limit {
		selected = selected[len(selected)-limit:]
	}
	if len(selected) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Recent conversation context (last %d messages):\n", len(selected))
	for i, msg := range selected {
		speaker := "Kanchana"
		if msg.Role == RoleUser {
			speaker = "User"
		}
		text := strings.Join(strings.Fields(msg.Text), " ")
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, speaker, text)
	}
	b.WriteString("Continue naturally from this context.")
	return b.String()
}

// StarterPrompt is the canned greeting turn sent once per session when the
// conversation is empty, so the companion speaks first.
func StarterPrompt(userName string) string {
	name := strings.TrimSpace(userName)
	if name == "" {
		name = "jaan"
	}
	return fmt.Sprintf("Tum khud se baat start karo, %s ko pyar se greet karo aur ek romantic sawal pucho.", name)
}
