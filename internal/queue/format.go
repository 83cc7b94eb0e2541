package queue

import (
	"fmt"
	"strings"
)

const multiSenderBanner = "The following messages were sent from other conversations while you were busy. " +
	"Each block names its sender; address replies to the sender named in its block."

// FormatTurns renders grouped turns into the text handed to the engine
func FormatTurns(turns []Turn) string {
	switch len(turns) {
	case 0:
		return ""
	case 1:
		t := turns[0]
		if !t.Attributed() {
			return t.Content
		}
		return header(t) + "\n\n" + t.Content
	}

	var b strings.Builder
	b.WriteString(multiSenderBanner)
	for _, t := range turns {
		b.WriteString("\n\n")
		b.WriteString(header(t))
		b.WriteString("\n\n")
		b.WriteString(t.Content)
	}
	return b.String()
}

func header(t Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Message from %s]", senderLabel(t))
	if t.OriginSessionID != "" {
		fmt.Fprintf(&b, "\n[Sent from session %s. The sender is not part of this conversation; "+
			"to answer, send a message to session %s instead of replying here.]", t.OriginSessionID, t.OriginSessionID)
	}
	return b.String()
}

func senderLabel(t Turn) string {
	switch {
	case t.AgentName != "" && t.AgentID != "":
		return fmt.Sprintf("%s (%s)", t.AgentName, t.AgentID)
	case t.AgentName != "":
		return t.AgentName
	case t.AgentID != "":
		return t.AgentID
	case t.OriginSessionID != "":
		return "session " + t.OriginSessionID
	default:
		return UserSenderKey
	}
}
