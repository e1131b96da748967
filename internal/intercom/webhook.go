package intercom

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/whysosaket/intercom-agent/internal/agenterr"
	"github.com/whysosaket/intercom-agent/internal/pipeline"
)

const (
	TopicUserCreated = "conversation.user.created"
	TopicUserReplied = "conversation.user.replied"

	SignatureHeader = "X-Hub-Signature"
)

var htmlTagPattern = regexp.MustCompile(`<[^>]+>`)

// StripHTML removes tags from an Intercom message body.
func StripHTML(body string) string {
	return strings.TrimSpace(htmlTagPattern.ReplaceAllString(body, ""))
}

// Event is a customer message extracted from a webhook notification.
type Event struct {
	Topic          string
	ConversationID string
	Body           string
	Identity       pipeline.Identity
}

// Actionable reports whether the event carries a customer message to answer.
func (e Event) Actionable() bool {
	return (e.Topic == TopicUserCreated || e.Topic == TopicUserReplied) &&
		e.ConversationID != "" && e.Body != ""
}

// ParseWebhook extracts the latest customer message. Topics other than user
// created/replied parse successfully but are not actionable.
func ParseWebhook(payload []byte) (Event, error) {
	if !gjson.ValidBytes(payload) {
		return Event{}, fmt.Errorf("invalid webhook json")
	}
	root := gjson.ParseBytes(payload)
	event := Event{Topic: root.Get("topic").String()}
	if event.Topic != TopicUserCreated && event.Topic != TopicUserReplied {
		return event, nil
	}
	item := root.Get("data.item")
	event.ConversationID = item.Get("id").String()

	body := item.Get("source.body").String()
	if event.Topic == TopicUserReplied {
		parts := item.Get("conversation_parts.conversation_parts").Array()
		if len(parts) > 0 {
			body = parts[len(parts)-1].Get("body").String()
		}
	}
	event.Body = StripHTML(body)

	author := item.Get("source.author")
	event.Identity = pipeline.Identity{
		ID:    author.Get("id").String(),
		Name:  author.Get("name").String(),
		Email: author.Get("email").String(),
	}
	return event, nil
}

// VerifySignature checks "sha1=<hex>" against the HMAC-SHA1 of body. An empty
// secret disables verification.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return nil
	}
	expected, ok := strings.CutPrefix(strings.TrimSpace(header), "sha1=")
	if !ok {
		return fmt.Errorf("%w: missing sha1 prefix", agenterr.ErrInvalidSignature)
	}
	got, err := hex.DecodeString(expected)
	if err != nil {
		return fmt.Errorf("%w: malformed digest", agenterr.ErrInvalidSignature)
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return agenterr.ErrInvalidSignature
	}
	return nil
}

// Sign returns the header value Intercom would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}
