package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/whysosaket/intercom-agent/internal/agenterr"
	"github.com/whysosaket/intercom-agent/internal/review"
	"github.com/whysosaket/intercom-agent/internal/store"
)

const (
	TimestampHeader = "X-Slack-Request-Timestamp"
	SignatureHeader = "X-Slack-Signature"

	maxRequestAge = 5 * time.Minute
)

// VerifySignature checks a v0 request signature. An empty secret disables
// verification.
func VerifySignature(secret, timestamp, signature string, body []byte, now time.Time) error {
	if secret == "" {
		return nil
	}
	seconds, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", agenterr.ErrInvalidSignature)
	}
	if age := now.Sub(time.Unix(seconds, 0)); age > maxRequestAge || age < -maxRequestAge {
		return fmt.Errorf("%w: stale request", agenterr.ErrInvalidSignature)
	}
	if !hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(strings.TrimSpace(signature))) {
		return agenterr.ErrInvalidSignature
	}
	return nil
}

func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

type Decider interface {
	Approve(ctx context.Context, decision review.Decision) (review.Outcome, error)
	Edit(ctx context.Context, decision review.Decision) (review.Outcome, error)
	Reject(ctx context.Context, decision review.Decision) (review.Outcome, error)
}

// Interactions handles button clicks and modal submissions.
type Interactions struct {
	client  *Client
	decider Decider
	logger  *slog.Logger
}

func NewInteractions(client *Client, decider Decider, logger *slog.Logger) *Interactions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interactions{client: client, decider: decider, logger: logger.With("component", "slack_interactions")}
}

// Handle processes the JSON "payload" form field of an interaction request.
func (i *Interactions) Handle(ctx context.Context, payload []byte) error {
	if !gjson.ValidBytes(payload) {
		return fmt.Errorf("invalid interaction payload")
	}
	root := gjson.ParseBytes(payload)
	switch root.Get("type").String() {
	case "block_actions":
		action := root.Get("actions.0")
		switch action.Get("action_id").String() {
		case ActionApprove:
			return i.approve(ctx, root, action)
		case ActionEdit:
			return i.openEditor(ctx, root, action)
		case ActionReject:
			return i.reject(ctx, root, action)
		}
		return nil
	case "view_submission":
		if root.Get("view.callback_id").String() == EditModalID {
			return i.submitEdit(ctx, root)
		}
	}
	return nil
}

func username(root gjson.Result) string {
	if name := root.Get("user.username").String(); name != "" {
		return name
	}
	return root.Get("user.id").String()
}

func decodeValue(action gjson.Result) (buttonValue, error) {
	var value buttonValue
	if err := json.Unmarshal([]byte(action.Get("value").String()), &value); err != nil {
		return buttonValue{}, fmt.Errorf("decode button value: %w", err)
	}
	if value.ConversationID == "" {
		return buttonValue{}, fmt.Errorf("button value has no conversation id")
	}
	return value, nil
}

func (i *Interactions) approve(ctx context.Context, root, action gjson.Result) error {
	value, err := decodeValue(action)
	if err != nil {
		return err
	}
	user := username(root)
	_, err = i.decider.Approve(ctx, review.Decision{
		ReviewID:       value.ReviewID,
		ConversationID: value.ConversationID,
		CustomerText:   CustomerMessageFromBlocks(root.Get("message.blocks")),
		ResponseText:   value.ResponseText,
		UserID:         value.UserID,
		Reasoning:      value.Reasoning,
		DecidedBy:      user,
	})
	channel, ts := root.Get("channel.id").String(), root.Get("message.ts").String()
	if err != nil {
		return i.reportFailure(ctx, channel, ts, value.ConversationID, err)
	}
	return i.client.UpdateMessage(ctx, channel, ts,
		fmt.Sprintf("Response approved for conversation %s", value.ConversationID),
		ResultBlocks(":white_check_mark:", "Response Sent", "Approved", user, value.ConversationID))
}

func (i *Interactions) openEditor(ctx context.Context, root, action gjson.Result) error {
	value, err := decodeValue(action)
	if err != nil {
		return err
	}
	return i.client.OpenView(ctx, root.Get("trigger_id").String(), editModal(value.ResponseText, modalMetadata{
		ReviewID:        value.ReviewID,
		ConversationID:  value.ConversationID,
		UserID:          value.UserID,
		ChannelID:       root.Get("channel.id").String(),
		MessageTS:       root.Get("message.ts").String(),
		CustomerMessage: CustomerMessageFromBlocks(root.Get("message.blocks")),
	}))
}

func (i *Interactions) submitEdit(ctx context.Context, root gjson.Result) error {
	var metadata modalMetadata
	if err := json.Unmarshal([]byte(root.Get("view.private_metadata").String()), &metadata); err != nil {
		return fmt.Errorf("decode modal metadata: %w", err)
	}
	edited := root.Get("view.state.values." + responseBlock + "." + responseAction + ".value").String()
	user := username(root)
	_, err := i.decider.Edit(ctx, review.Decision{
		ReviewID:       metadata.ReviewID,
		ConversationID: metadata.ConversationID,
		CustomerText:   metadata.CustomerMessage,
		ResponseText:   edited,
		UserID:         metadata.UserID,
		DecidedBy:      user,
	})
	if err != nil {
		return i.reportFailure(ctx, metadata.ChannelID, metadata.MessageTS, metadata.ConversationID, err)
	}
	return i.client.UpdateMessage(ctx, metadata.ChannelID, metadata.MessageTS,
		fmt.Sprintf("Edited response sent for conversation %s", metadata.ConversationID),
		ResultBlocks(":pencil:", "Edited Response Sent", "Edited", user, metadata.ConversationID))
}

func (i *Interactions) reject(ctx context.Context, root, action gjson.Result) error {
	value, err := decodeValue(action)
	if err != nil {
		return err
	}
	user := username(root)
	channel, ts := root.Get("channel.id").String(), root.Get("message.ts").String()
	if _, err := i.decider.Reject(ctx, review.Decision{
		ReviewID:       value.ReviewID,
		ConversationID: value.ConversationID,
		DecidedBy:      user,
	}); err != nil {
		return i.reportFailure(ctx, channel, ts, value.ConversationID, err)
	}
	return i.client.UpdateMessage(ctx, channel, ts,
		fmt.Sprintf("Response rejected for conversation %s", value.ConversationID),
		ResultBlocks(":x:", "Response Rejected", "Rejected", user, value.ConversationID))
}

// reportFailure leaves a note on the card. An already resolved review is not
// an error for the clicking user.
func (i *Interactions) reportFailure(ctx context.Context, channel, ts, conversationID string, cause error) error {
	if errors.Is(cause, store.ErrReviewResolved) {
		i.logger.Info("review already resolved", "conversation_id", conversationID)
		return nil
	}
	i.logger.Error("review decision failed", "conversation_id", conversationID, "error", cause)
	if channel != "" && ts != "" {
		if err := i.client.UpdateMessage(ctx, channel, ts,
			fmt.Sprintf("Decision failed for conversation %s", conversationID),
			[]Block{section(fmt.Sprintf(":warning: *Decision failed*\nConversation: %s\n`%s`", conversationID, cause.Error()))},
		); err != nil {
			i.logger.Warn("update failed card", "error", err)
		}
	}
	return cause
}
