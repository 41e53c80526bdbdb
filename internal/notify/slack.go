// Package notify delivers the daily open-loops digest over Slack.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/loopline/loopline/internal/loops"
)

// SlackNotifier posts digests to a fixed channel.
type SlackNotifier struct {
	api     *slack.Client
	channel string
}

func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{api: slack.New(token), channel: channel}
}

// SendDigest posts one message listing the surfaced now-lane loops.
func (n *SlackNotifier) SendDigest(ctx context.Context, surfaced []loops.SurfacedLoop) error {
	if len(surfaced) == 0 {
		return nil
	}
	text := FormatDigest(surfaced)
	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return fmt.Errorf("slack digest: %w", err)
	}
	return nil
}

// FormatDigest renders the digest body. One line per loop, soonest
// obligations carry their time.
func FormatDigest(surfaced []loops.SurfacedLoop) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Open loops needing attention (%d)*\n", len(surfaced))
	for _, s := range surfaced {
		line := fmt.Sprintf("• [%s] %s", s.SurfaceType, s.Summary)
		if s.HasExplicitTime && s.When != nil {
			line += " (" + s.When.Format("Mon Jan 2 15:04") + ")"
		} else if s.WhenDate != "" {
			line += " (" + s.WhenDate + ")"
		}
		if s.Urgency == loops.UrgencyHigh {
			line += " (!)"
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
