package gatekeeper

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zettelhub/platform/autonomy/internal/models"
)

const (
	// LowAttentionThreshold is the score below which actions are only logged.
	LowAttentionThreshold = 0.3

	recentActionWindow = time.Hour
	dismissalWindow    = 24 * time.Hour
	busyThreshold      = 10
	veryBusyThreshold  = 20
	dismissRateCeiling = 0.7
	busyPenalty        = 0.5
	veryBusyPenalty    = 0.3
	dismissRatePenalty = 0.4
)

// AttentionScore approximates notification fatigue from the number of recent
// automated actions and dismissed reminders. 1 means fully receptive.
func AttentionScore(recentActions, recentDismissals int) float64 {
	score := 1.0
	if recentActions > busyThreshold {
		score -= busyPenalty
	}
	if recentActions > veryBusyThreshold {
		score -= veryBusyPenalty
	}
	if float64(recentDismissals)/float64(max(recentActions, 1)) > dismissRateCeiling {
		score -= dismissRatePenalty
	}
	return math.Max(0, math.Min(1, score))
}

func (e *Engine) attentionScore(ctx context.Context, actorID string) (float64, error) {
	now := e.now()
	var recent, dismissed int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := e.repo.CountRecentDecisions(gctx, actorID,
			[]models.AutonomyLevel{models.AutonomyExecute, models.AutonomySuggest}, now.Add(-recentActionWindow))
		if err != nil {
			return fmt.Errorf("count recent decisions: %w", err)
		}
		recent = n
		return nil
	})
	g.Go(func() error {
		n, err := e.repo.CountDismissedReminders(gctx, actorID, now.Add(-dismissalWindow))
		if err != nil {
			return fmt.Errorf("count dismissed reminders: %w", err)
		}
		dismissed = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return AttentionScore(recent, dismissed), nil
}

// deliversMessage reports whether the action implies outbound delivery.
func deliversMessage(action string) bool {
	return strings.Contains(action, "notification") || strings.Contains(action, "send")
}

// channelFor infers the delivery channel from the action name.
func channelFor(action string) string {
	switch {
	case strings.Contains(action, "email"):
		return "email"
	case strings.Contains(action, "push"):
		return "push"
	case strings.Contains(action, "whatsapp"):
		return "whatsapp"
	case strings.Contains(action, "sms"):
		return "sms"
	}
	return "inapp"
}

// channelAllowed treats an unset toggle as enabled.
func channelAllowed(action string, ch models.Channels) bool {
	var toggle *bool
	switch channelFor(action) {
	case "email":
		toggle = ch.Email
	case "push":
		toggle = ch.Push
	case "whatsapp":
		toggle = ch.WhatsApp
	case "sms":
		toggle = ch.SMS
	default:
		toggle = ch.InApp
	}
	return toggle == nil || *toggle
}
