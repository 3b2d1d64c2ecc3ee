package relay

import (
	"strings"
	"unicode/utf8"

	"github.com/pauline2k/weave-bot-orb/pkg/protocol"
)

// User-facing texts.
const (
	AckText            = "⏳ Parsing event link..."
	DuplicateText      = "I'm already working on that link, hang tight."
	DispatchFailedText = "Hmm, I'm having trouble connecting right now. Mind trying again in a moment?"
	TimedOutText       = "⌛ Still processing, but this is taking a while. Try again later?"

	// NoResultReason is shown when the agent reported success without a result.
	NoResultReason = "the agent returned no result"
)

const (
	maxDescription     = 200
	lowConfidenceBelow = 0.7
)

// FormatCompleted renders a completion reply. Event details are used when the
// agent sent them; otherwise only the saved link is shown.
func FormatCompleted(resultURL string, ev *protocol.Event) string {
	if ev == nil {
		return "All set! I've added your event: " + resultURL
	}

	title := ev.Title
	if title == "" {
		title = "Unknown Event"
	}
	lines := []string{"**" + title + "**"}

	if ev.StartDatetime != "" {
		lines = append(lines, "When: "+ev.StartDatetime)
	}
	if where := formatWhere(ev.Location); where != "" {
		lines = append(lines, "Where: "+where)
	}
	if ev.Description != "" {
		lines = append(lines, "\n"+truncateDescription(ev.Description))
	}
	if ev.Price != "" {
		lines = append(lines, "Price: "+ev.Price)
	}
	if resultURL != "" {
		lines = append(lines, "\nSaved to: "+resultURL)
	}
	// A zero score means the agent did not rate itself.
	if c := ev.ConfidenceScore; c != nil && *c > 0 && *c < lowConfidenceBelow {
		lines = append(lines, "\n_Note: Some details may be incomplete_")
	}
	return strings.Join(lines, "\n")
}

func formatWhere(loc *protocol.EventLocation) string {
	if loc == nil {
		return ""
	}
	switch {
	case loc.Venue != "" && loc.Address != "":
		return loc.Venue + ", " + loc.Address
	case loc.Venue != "":
		return loc.Venue
	default:
		return loc.Address
	}
}

func truncateDescription(s string) string {
	if utf8.RuneCountInString(s) <= maxDescription {
		return s
	}
	return string([]rune(s)[:maxDescription-3]) + "..."
}

// FormatFailed renders the notice for an agent-reported failure.
func FormatFailed(reason string) string {
	if reason == "" {
		reason = "Unknown error"
	}
	return "I couldn't parse that link. " + reason + "\nCould you double-check it's an event link and try again?"
}
