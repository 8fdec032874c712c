// Package notify delivers acknowledgements, streamed partial updates and
// final replies back to the originating chat channel.
package notify

import "context"

// AckSuccess is the status a Handle must carry before the worker proceeds
// with inference.
const AckSuccess = "success"

// Handle identifies the placeholder message created by Acknowledge so later
// updates can edit it in place.
type Handle struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// Notifier is the outbound side of one chat platform. All operations must
// report failure to the caller; the orchestrator falls back to Send with a
// plain-text notice when a rich update fails.
type Notifier interface {
	// Acknowledge posts the initial "pending" placeholder as a reply to
	// messageID in channelID.
	Acknowledge(ctx context.Context, channelID, messageID string) (Handle, error)
	// Update edits the placeholder in place with the text accumulated so
	// far. Safe to call many times; trailer and final shape the last edit.
	Update(ctx context.Context, h Handle, content, trailer string, final bool) error
	// Send posts a new standalone text message, used for command replies
	// and out-of-band errors.
	Send(ctx context.Context, channelID, text string) error
}
