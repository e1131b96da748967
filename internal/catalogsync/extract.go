package catalogsync

import (
	"fmt"
	"strings"

	"github.com/whysosaket/intercom-agent/internal/intercom"
)

const (
	RoleCustomer = "user"
	RoleSupport  = "admin"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func customerAuthor(authorType string) bool {
	switch authorType {
	case "user", "lead", "contact":
		return true
	}
	return false
}

func roleFor(authorType string) string {
	if customerAuthor(authorType) {
		return RoleCustomer
	}
	return RoleSupport
}

// ExtractMessages returns the human turns of a conversation in order. Bot
// authors, notes and system parts are dropped.
func ExtractMessages(conversation intercom.Conversation) []Message {
	var messages []Message

	source := conversation.Get("source")
	sourceAuthor := source.Get("author.type").String()
	if body := intercom.StripHTML(source.Get("body").String()); body != "" && sourceAuthor != "bot" {
		messages = append(messages, Message{Role: roleFor(sourceAuthor), Content: body})
	}

	for _, part := range conversation.Get("conversation_parts.conversation_parts").Array() {
		switch part.Get("part_type").String() {
		case "comment", "assignment":
		default:
			continue
		}
		authorType := part.Get("author.type").String()
		if authorType == "bot" {
			continue
		}
		body := intercom.StripHTML(part.Get("body").String())
		if body == "" {
			continue
		}
		messages = append(messages, Message{Role: roleFor(authorType), Content: body})
	}
	return messages
}

// FindUnanswered reports whether the conversation has customer messages but
// no support reply yet, and returns the newest customer message.
func FindUnanswered(conversation intercom.Conversation) (string, bool) {
	messages := ExtractMessages(conversation)
	if len(messages) == 0 || hasSupportReply(messages) {
		return "", false
	}
	return messages[len(messages)-1].Content, true
}

func hasSupportReply(messages []Message) bool {
	for _, message := range messages {
		if message.Role == RoleSupport {
			return true
		}
	}
	return false
}

// FormatConversation renders messages with the same turn markers used for
// live catalogue entries.
func FormatConversation(platform, conversationID string, messages []Message) string {
	lines := make([]string, 0, len(messages)+1)
	lines = append(lines, fmt.Sprintf("%s conversation %s:", platform, conversationID))
	for _, message := range messages {
		prefix := "Support said"
		if message.Role == RoleCustomer {
			prefix = "Customer said"
		}
		lines = append(lines, prefix+": "+message.Content)
	}
	return strings.Join(lines, "\n")
}
