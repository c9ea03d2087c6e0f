// Package webhook is the provider event intake: HTTP endpoints that
// verify, normalize and publish delivery events, and the consumer that
// applies them. Intake never touches the relational store synchronously;
// the only work between request and response is a bus publish.
package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/internal/batch"
	"courier/internal/bus"
	"courier/internal/observability"
	"courier/internal/wire"
)

type IntakeSecrets struct {
	Resend string
	Telnyx string
}

type Intake struct {
	store   *batch.Store
	bus     *bus.Bus
	secrets IntakeSecrets
	metrics *observability.Metrics
	logger  *zap.Logger
}

func NewIntake(store *batch.Store, b *bus.Bus, secrets IntakeSecrets,
	metrics *observability.Metrics, logger *zap.Logger) *Intake {
	return &Intake{
		store:   store,
		bus:     b,
		secrets: secrets,
		metrics: metrics,
		logger:  logger,
	}
}

func (in *Intake) Register(app *fiber.App) {
	app.Post("/webhooks/resend", in.handleResend)
	app.Post("/webhooks/ses", in.handleSES)
	app.Post("/webhooks/telnyx", in.handleTelnyx)
	app.Post("/webhooks/custom/:moduleId", in.handleCustom)
}

func received(c *fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{"received": true})
}

func (in *Intake) handleResend(c *fiber.Ctx) error {
	body := c.Body()
	if !VerifySvix(body, in.secrets.Resend, c.Get("svix-timestamp"), c.Get("svix-signature")) {
		in.metrics.WebhookEventsTotal.WithLabelValues("resend", "", "unauthorized").Inc()
		return c.SendStatus(http.StatusUnauthorized)
	}

	ev, err := NormalizeResend(body)
	if err != nil {
		in.logger.Warn("rejecting resend webhook", zap.Error(err))
		in.metrics.WebhookEventsTotal.WithLabelValues("resend", "", "invalid").Inc()
		return c.SendStatus(http.StatusBadRequest)
	}
	return in.publish(c, ev)
}

// snsEnvelope is the SNS wrapper SES events arrive in. SNS posts with
// content-type text/plain, so the body is parsed by hand.
type snsEnvelope struct {
	Type         string `json:"Type"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

func (in *Intake) handleSES(c *fiber.Ctx) error {
	var env snsEnvelope
	if err := json.Unmarshal(c.Body(), &env); err != nil {
		in.metrics.WebhookEventsTotal.WithLabelValues("ses", "", "invalid").Inc()
		return c.SendStatus(http.StatusBadRequest)
	}

	switch env.Type {
	case "SubscriptionConfirmation":
		// Confirm off the request path; SNS retries if the GET fails.
		go in.confirmSubscription(env.SubscribeURL)
		return received(c)
	case "UnsubscribeConfirmation":
		return received(c)
	case "Notification":
		ev, err := NormalizeSES([]byte(env.Message))
		if err != nil {
			in.logger.Warn("rejecting ses notification", zap.Error(err))
			in.metrics.WebhookEventsTotal.WithLabelValues("ses", "", "invalid").Inc()
			return c.SendStatus(http.StatusBadRequest)
		}
		if ev == nil {
			in.metrics.WebhookEventsTotal.WithLabelValues("ses", "", "ignored").Inc()
			return received(c)
		}
		return in.publish(c, ev)
	default:
		return received(c)
	}
}

func (in *Intake) confirmSubscription(url string) {
	if url == "" {
		return
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		in.logger.Error("failed to confirm SNS subscription", zap.String("url", url), zap.Error(err))
		return
	}
	resp.Body.Close()
	in.logger.Info("SNS subscription confirmed", zap.Int("status", resp.StatusCode))
}

func (in *Intake) handleTelnyx(c *fiber.Ctx) error {
	body := c.Body()
	if in.secrets.Telnyx != "" && !VerifyHMAC(body, in.secrets.Telnyx, c.Get("telnyx-signature")) {
		in.metrics.WebhookEventsTotal.WithLabelValues("telnyx", "", "unauthorized").Inc()
		return c.SendStatus(http.StatusUnauthorized)
	}

	ev, err := NormalizeTelnyx(body)
	if err != nil {
		in.logger.Warn("rejecting telnyx webhook", zap.Error(err))
		in.metrics.WebhookEventsTotal.WithLabelValues("telnyx", "", "invalid").Inc()
		return c.SendStatus(http.StatusBadRequest)
	}
	return in.publish(c, ev)
}

func (in *Intake) handleCustom(c *fiber.Ctx) error {
	moduleID, err := uuid.Parse(c.Params("moduleId"))
	if err != nil {
		return c.SendStatus(http.StatusNotFound)
	}

	cfg, err := in.store.GetSendConfig(c.Context(), moduleID)
	if err != nil {
		if err == batch.ErrNotFound {
			return c.SendStatus(http.StatusNotFound)
		}
		in.logger.Error("failed to load module for custom webhook", zap.Error(err))
		return c.SendStatus(http.StatusInternalServerError)
	}

	secret, header := customSecret(cfg)
	body := c.Body()
	if secret != "" && !VerifyHMAC(body, secret, c.Get(header)) {
		in.metrics.WebhookEventsTotal.WithLabelValues("custom", "", "unauthorized").Inc()
		return c.SendStatus(http.StatusUnauthorized)
	}

	ev, err := NormalizeCustom(body, moduleID)
	if err != nil {
		in.logger.Warn("rejecting custom webhook", zap.Error(err))
		in.metrics.WebhookEventsTotal.WithLabelValues("custom", "", "invalid").Inc()
		return c.SendStatus(http.StatusBadRequest)
	}
	return in.publish(c, ev)
}

func customSecret(cfg *batch.SendConfig) (secret, header string) {
	header = "x-webhook-signature"
	switch {
	case cfg.Config.Webhook != nil:
		secret = cfg.Config.Webhook.Secret
		if cfg.Config.Webhook.SignatureHdr != "" {
			header = cfg.Config.Webhook.SignatureHdr
		}
	case cfg.Config.Email != nil:
		secret = cfg.Config.Email.WebhookSecret
	case cfg.Config.SMS != nil:
		secret = cfg.Config.SMS.WebhookSecret
	}
	return secret, header
}

func (in *Intake) publish(c *fiber.Ctx, ev *wire.WebhookEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return c.SendStatus(http.StatusInternalServerError)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	subject := wire.WebhookSubject(ev.Provider, ev.EventType)
	if err := in.bus.Publish(ctx, subject, ev.ID, data); err != nil {
		in.logger.Error("failed to publish webhook event",
			zap.String("provider", ev.Provider),
			zap.String("event_id", ev.ID),
			zap.Error(err))
		// 5xx so the provider retries once the bus is back.
		return c.SendStatus(http.StatusServiceUnavailable)
	}

	in.metrics.WebhookEventsTotal.WithLabelValues(ev.Provider, ev.EventType, "accepted").Inc()
	return received(c)
}
