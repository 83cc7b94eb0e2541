package queue

import "strings"

// turnSeparator joins consecutive messages from one sender
const turnSeparator = "\n\n"

// GroupBySender partitions a batch into one turn per sender key. Turns are
// ordered by the sender's first occurrence and each turn joins that sender's
// messages in arrival order.
func GroupBySender(batch []Message) []Turn {
	var order []string
	groups := make(map[string]*Turn)
	parts := make(map[string][]string)

	for _, msg := range batch {
		key := msg.SenderKey()
		t, ok := groups[key]
		if !ok {
			t = &Turn{SenderKey: key, OriginSessionID: msg.OriginSessionID}
			groups[key] = t
			order = append(order, key)
		}
		if msg.Sender != nil {
			if t.AgentID == "" {
				t.AgentID = msg.Sender.AgentID
			}
			if t.AgentName == "" {
				t.AgentName = msg.Sender.AgentName
			}
		}
		t.Count++
		parts[key] = append(parts[key], msg.Content)
	}

	turns := make([]Turn, 0, len(order))
	for _, key := range order {
		t := groups[key]
		t.Content = strings.Join(parts[key], turnSeparator)
		turns = append(turns, *t)
	}
	return turns
}
