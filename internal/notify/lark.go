package notify

import (
	"context"
	"time"

	"larkbot/internal/lark"
)

// LarkNotifier delivers replies as interactive cards edited in place while
// the response streams.
type LarkNotifier struct {
	client *lark.Client
	now    func() time.Time
}

func NewLark(client *lark.Client) *LarkNotifier {
	return &LarkNotifier{client: client, now: time.Now}
}

func (n *LarkNotifier) Acknowledge(ctx context.Context, channelID, messageID string) (Handle, error) {
	replyID, err := n.client.ReplyMessage(ctx, messageID, lark.PendingCard(), "interactive")
	if err != nil {
		return Handle{}, err
	}
	return Handle{ChannelID: channelID, MessageID: replyID, Status: AckSuccess}, nil
}

func (n *LarkNotifier) Update(ctx context.Context, h Handle, content, trailer string, final bool) error {
	return n.client.PatchMessage(ctx, h.MessageID, lark.BuildCard(content, trailer, final, n.now()))
}

func (n *LarkNotifier) Send(ctx context.Context, channelID, text string) error {
	return n.client.SendText(ctx, channelID, text)
}
