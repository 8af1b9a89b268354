package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/lovelines/internal/channels"
	"github.com/haasonsaas/lovelines/internal/retry"
	"github.com/haasonsaas/lovelines/pkg/models"
)

// SendRequest is one outbound message for a user.
type SendRequest struct {
	Platform models.Platform
	Content  string
	// ChatID overrides the linked identity.
	ChatID   string
	Metadata map[string]any
}

// SendMessage delivers req through userID's running channel. The platform
// rate limiter gates entry and the send itself is retried with backoff.
// Every outcome is written to the notification log; failures are returned.
func (s *Service) SendMessage(ctx context.Context, userID string, req SendRequest) (err error) {
	platform := req.Platform
	ctx, span := s.tracer.TraceSend(ctx, userID, string(platform))
	defer func() {
		s.tracer.RecordError(span, err)
		span.End()
	}()

	if strings.TrimSpace(req.Content) == "" {
		err = ErrEmptyContent
		s.metrics.RecordSend(string(platform), err, 0)
		s.recordNotification(ctx, userID, req, err)
		return err
	}

	ch := s.GetChannel(userID, platform)
	if ch == nil {
		err = channels.NewError(platform, channels.ErrCodeNotInitialized,
			fmt.Sprintf("%s channel not initialized", platform), ErrChannelNotRunning)
		s.logger.Warn("send to a channel that is not running", "user_id", userID, "platform", platform)
		s.metrics.RecordSend(string(platform), err, 0)
		s.recordNotification(ctx, userID, req, err)
		return err
	}

	msg := &models.OutboundMessage{
		UserID:   userID,
		Platform: platform,
		ChatID:   req.ChatID,
		Content:  req.Content,
		Metadata: req.Metadata,
	}

	start := s.config.Now()
	op := func(ctx context.Context) error {
		return retry.WithBackoff(ctx, fmt.Sprintf("send %s message", platform), s.config.Retry, func(ctx context.Context) error {
			return ch.Send(ctx, msg)
		})
	}
	if limiter := s.config.Limiters.For(platform); limiter != nil {
		err = limiter.Execute(ctx, op)
	} else {
		err = op(ctx)
	}
	latency := s.config.Now().Sub(start)

	m := s.config.ChannelMetrics.For(platform)
	s.metrics.RecordSend(string(platform), err, latency)
	if err != nil {
		m.RecordFailed(latency, err)
		s.metrics.RecordError(string(platform), string(channels.GetErrorCode(err)))
		s.config.Connections.MarkUnhealthy(userID, platform)
		s.logger.Error("message delivery failed", "user_id", userID, "platform", platform, "latency", latency, "error", err)
	} else {
		m.RecordSent(latency)
		s.config.Connections.UpdateActivity(userID, platform)
		s.logger.Debug("message delivered", "user_id", userID, "platform", platform, "latency", latency)
	}
	s.recordNotification(ctx, userID, req, err)
	return err
}

// recordNotification appends the outcome of a send. Store failures are only
// logged so they never mask the delivery result.
func (s *Service) recordNotification(ctx context.Context, userID string, req SendRequest, sendErr error) {
	if s.config.Stores.Notifications == nil {
		return
	}
	n := &models.Notification{
		ID:       uuid.NewString(),
		UserID:   userID,
		Platform: req.Platform,
		Type:     models.DirectionOutbound,
		Content:  req.Content,
		Status:   models.NotificationSent,
		SentAt:   s.config.Now().UTC(),
	}
	if sendErr != nil {
		n.Status = models.NotificationFailed
		n.Error = sendErr.Error()
		n.ErrorType = errorType(sendErr)
	}
	if err := s.config.Stores.Notifications.Create(context.WithoutCancel(ctx), n); err != nil {
		s.logger.Error("failed to record notification", "user_id", userID, "platform", req.Platform, "error", err)
	}
}

// errorType classifies err for the notification log.
func errorType(err error) string {
	if code := channels.GetErrorCode(err); code != "" {
		return string(code)
	}
	var exhausted *retry.ExhaustedError
	switch {
	case errors.Is(err, ErrEmptyContent):
		return "EMPTY_CONTENT"
	case errors.Is(err, channels.ErrLimiterShutdown):
		return "RATE_LIMITER_SHUTDOWN"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "CANCELLED"
	case errors.As(err, &exhausted):
		return "RETRIES_EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}
