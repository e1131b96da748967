package slack

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	ActionApprove  = "approve_response"
	ActionEdit     = "edit_response"
	ActionReject   = "reject_response"
	EditModalID    = "edit_response_modal"
	responseBlock  = "response_block"
	responseAction = "response_text"

	customerMessagePrefix = "*Customer Message:*\n>"
	noResponseText        = "_No response generated - escalated for human handling_"
)

type Block = map[string]any

// ReviewCard is what a reviewer sees for one pending response.
type ReviewCard struct {
	ReviewID        string
	ConversationID  string
	CustomerMessage string
	CandidateText   string
	Confidence      float64
	Reasoning       string
	UserID          string
	RoutingDecision string
}

type buttonValue struct {
	ReviewID       string `json:"review_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	ResponseText   string `json:"response_text,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Reasoning      string `json:"reasoning,omitempty"`
}

func mrkdwn(text string) Block {
	return Block{"type": "mrkdwn", "text": text}
}

func plainText(text string) Block {
	return Block{"type": "plain_text", "text": text}
}

func section(text string) Block {
	return Block{"type": "section", "text": mrkdwn(text)}
}

func encodeValue(value buttonValue) string {
	raw, _ := json.Marshal(value)
	return string(raw)
}

// ReviewBlocks renders the review card. Approve and edit are offered only
// when there is a candidate to send.
func ReviewBlocks(card ReviewCard) []Block {
	response := card.CandidateText
	if strings.TrimSpace(response) == "" {
		response = noResponseText
	}
	reasoning := card.Reasoning
	if card.RoutingDecision != "" {
		reasoning = fmt.Sprintf("%s (routing: %s)", reasoning, card.RoutingDecision)
	}

	blocks := []Block{
		{"type": "header", "text": plainText("AI Response Review Required")},
		section(customerMessagePrefix + card.CustomerMessage),
		{"type": "section", "fields": []Block{
			mrkdwn("*Conversation ID:* " + card.ConversationID),
			mrkdwn(fmt.Sprintf("*Confidence:* %.2f / 1.0", card.Confidence)),
		}},
		{"type": "divider"},
		section("*AI Response:*\n" + response),
		{"type": "divider"},
		{"type": "context", "elements": []Block{mrkdwn("*AI Reasoning:* " + reasoning)}},
	}

	var buttons []Block
	if strings.TrimSpace(card.CandidateText) != "" {
		buttons = append(buttons,
			Block{
				"type":      "button",
				"text":      plainText("Approve and Send"),
				"style":     "primary",
				"action_id": ActionApprove,
				"value": encodeValue(buttonValue{
					ReviewID:       card.ReviewID,
					ConversationID: card.ConversationID,
					ResponseText:   card.CandidateText,
					UserID:         card.UserID,
					Reasoning:      card.Reasoning,
				}),
			},
			Block{
				"type":      "button",
				"text":      plainText("Edit Response"),
				"action_id": ActionEdit,
				"value": encodeValue(buttonValue{
					ReviewID:       card.ReviewID,
					ConversationID: card.ConversationID,
					ResponseText:   card.CandidateText,
					UserID:         card.UserID,
				}),
			},
		)
	}
	buttons = append(buttons, Block{
		"type":      "button",
		"text":      plainText("Reject"),
		"style":     "danger",
		"action_id": ActionReject,
		"value":     encodeValue(buttonValue{ReviewID: card.ReviewID, ConversationID: card.ConversationID}),
	})
	return append(blocks, Block{"type": "actions", "elements": buttons})
}

// ResultBlocks replaces a review card once a decision was taken.
func ResultBlocks(icon, title, verb, user, conversationID string) []Block {
	return []Block{section(fmt.Sprintf("%s *%s*\n%s by @%s\nConversation: %s", icon, title, verb, user, conversationID))}
}

type modalMetadata struct {
	ReviewID        string `json:"review_id,omitempty"`
	ConversationID  string `json:"conversation_id"`
	UserID          string `json:"user_id,omitempty"`
	ChannelID       string `json:"channel_id"`
	MessageTS       string `json:"message_ts"`
	CustomerMessage string `json:"customer_message"`
}

func editModal(initialText string, metadata modalMetadata) map[string]any {
	rawMetadata, _ := json.Marshal(metadata)
	return map[string]any{
		"type":        "modal",
		"callback_id": EditModalID,
		"title":       plainText("Edit Response"),
		"submit":      plainText("Send"),
		"blocks": []Block{{
			"type":     "input",
			"block_id": responseBlock,
			"label":    plainText("Response"),
			"element": Block{
				"type":          "plain_text_input",
				"action_id":     responseAction,
				"multiline":     true,
				"initial_value": initialText,
			},
		}},
		"private_metadata": string(rawMetadata),
	}
}

// CustomerMessageFromBlocks recovers the quoted customer message of a card.
func CustomerMessageFromBlocks(blocks gjson.Result) string {
	for _, block := range blocks.Array() {
		text := block.Get("text.text").String()
		if rest, ok := strings.CutPrefix(text, customerMessagePrefix); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}
