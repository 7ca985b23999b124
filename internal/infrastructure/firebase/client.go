// Package firebase delivers pushes through Firebase Cloud Messaging.
package firebase

import (
	"context"
	"fmt"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"banklink/internal/domain/notification"
	"banklink/internal/shared/logger"
)

// maxTokensPerCall is the FCM multicast limit.
const maxTokensPerCall = 500

// TokenDeactivator marks a token FCM no longer accepts.
type TokenDeactivator func(ctx context.Context, token string) error

type multicaster interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Client implements notification.Messenger.
type Client struct {
	fcm         multicaster
	deactivator TokenDeactivator
	logger      *zap.Logger
}

// NewClient loads the service account from credentialsFile. deactivator may
// be nil, in which case dead tokens are only logged.
func NewClient(ctx context.Context, credentialsFile string, deactivator TokenDeactivator, log *zap.Logger) (*Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	fcm, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase messaging client: %w", err)
	}
	return newClient(fcm, deactivator, log), nil
}

func newClient(fcm multicaster, deactivator TokenDeactivator, log *zap.Logger) *Client {
	return &Client{fcm: fcm, deactivator: deactivator, logger: logger.OrNop(log).Named("fcm")}
}

// Deliver sends p to tokens in batches of maxTokensPerCall. A transport
// error aborts the remaining batches; per-token failures are counted and
// unregistered tokens are deactivated.
func (c *Client) Deliver(ctx context.Context, tokens []string, p notification.Push) (notification.Delivery, error) {
	var d notification.Delivery
	for start := 0; start < len(tokens); start += maxTokensPerCall {
		batch := tokens[start:min(start+maxTokensPerCall, len(tokens))]

		resp, err := c.fcm.SendEachForMulticast(ctx, buildMessage(batch, p))
		if err != nil {
			return d, fmt.Errorf("failed to send FCM multicast: %w", err)
		}
		d.Sent += resp.SuccessCount
		d.Failed += resp.FailureCount
		if resp.FailureCount > 0 {
			d.Pruned += c.prune(ctx, batch, resp.Responses)
		}
	}

	c.logger.Debug("push delivered",
		zap.String("category", p.Category),
		zap.Int("sent", d.Sent), zap.Int("failed", d.Failed), zap.Int("pruned", d.Pruned))
	return d, nil
}

func buildMessage(tokens []string, p notification.Push) *messaging.MulticastMessage {
	androidPriority, apnsPriority, webUrgency := "normal", "5", "normal"
	if p.Urgent {
		androidPriority, apnsPriority, webUrgency = "high", "10", "high"
	}

	msg := &messaging.MulticastMessage{
		Tokens:       tokens,
		Data:         p.Data,
		Notification: &messaging.Notification{Title: p.Title, Body: p.Body},
		Android: &messaging.AndroidConfig{
			CollapseKey:  p.CollapseKey,
			Priority:     androidPriority,
			Notification: &messaging.AndroidNotification{ChannelID: p.Category},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": apnsPriority},
			Payload: &messaging.APNSPayload{Aps: &messaging.Aps{ThreadID: p.Category}},
		},
		Webpush: &messaging.WebpushConfig{
			Headers: map[string]string{"Urgency": webUrgency},
		},
	}

	if p.CollapseKey != "" {
		msg.APNS.Headers["apns-collapse-id"] = p.CollapseKey
	}
	if p.TTL > 0 {
		ttl := p.TTL
		msg.Android.TTL = &ttl
		msg.APNS.Headers["apns-expiration"] = strconv.FormatInt(time.Now().Add(ttl).Unix(), 10)
		msg.Webpush.Headers["TTL"] = strconv.Itoa(int(ttl.Seconds()))
	}
	return msg
}

// prune deactivates tokens FCM reports as unregistered or malformed and
// returns how many it deactivated.
func (c *Client) prune(ctx context.Context, batch []string, responses []*messaging.SendResponse) int {
	pruned := 0
	for i, r := range responses {
		if r == nil || r.Error == nil || i >= len(batch) {
			continue
		}
		if !messaging.IsUnregistered(r.Error) && !messaging.IsInvalidArgument(r.Error) {
			c.logger.Warn("FCM send error", zap.Int("index", i), zap.Error(r.Error))
			continue
		}
		if c.deactivator == nil {
			c.logger.Info("dead FCM token left active, no deactivator", zap.Int("index", i))
			continue
		}
		if err := c.deactivator(ctx, batch[i]); err != nil {
			c.logger.Warn("failed to deactivate FCM token", zap.Error(err))
			continue
		}
		pruned++
	}
	return pruned
}
