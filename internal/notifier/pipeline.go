package notifier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/checkd/checkd/internal/config"
	"github.com/checkd/checkd/internal/definition"
	"github.com/checkd/checkd/internal/metrics"
	"github.com/checkd/checkd/internal/render"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrUnknownTarget is the delivery error for a target ID missing from the
// registry at send time.
var ErrUnknownTarget = errors.New("target not in registry")

// Message is one rendered notification for one transport.
type Message struct {
	ID        string
	AlertID   string
	Subject   string
	Body      string
	HTML      string
	Addresses []string
}

// Transport delivers rendered messages. Retries, if any, are its own concern.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Notification is everything needed to render and route one notification.
type Notification struct {
	ID       string
	AlertID  string
	Sends    []definition.Send
	Registry *definition.Registry
	Context  map[string]any
}

// Delivery records the outcome for one target and transport.
type Delivery struct {
	TargetID  string
	Transport string
	Addresses []string
	Err       error
}

// Result collects every delivery attempted for a notification.
type Result struct {
	ID         string
	Deliveries []Delivery
}

// Delivered reports whether at least one delivery succeeded.
func (r Result) Delivered() bool {
	for _, d := range r.Deliveries {
		if d.Err == nil {
			return true
		}
	}
	return false
}

// Errors returns the failed deliveries.
func (r Result) Errors() []Delivery {
	var out []Delivery
	for _, d := range r.Deliveries {
		if d.Err != nil {
			out = append(out, d)
		}
	}
	return out
}

// Pipeline renders notifications and hands them to transports.
type Pipeline struct {
	logger         zerolog.Logger
	mail           Transport
	webhook        Transport
	defaultSubject *render.Template
	hostname       string
	now            func() time.Time
}

// NewPipeline creates a pipeline with the transports selected by cfg. Mail
// addresses go over SMTP when smtp.host is set and to the log otherwise.
func NewPipeline(cfg *config.Config, logger zerolog.Logger) (*Pipeline, error) {
	logger = logger.With().Str("component", "notifier").Logger()
	var mail Transport = NewLogTransport(logger)
	if cfg.SMTP.Host != "" {
		mail = NewSMTPTransport(cfg.SMTP)
	}
	return NewPipelineWithTransports(cfg, mail, NewWebhookTransport(cfg.Webhook), logger)
}

// NewPipelineWithTransports creates a pipeline around explicit transports.
func NewPipelineWithTransports(cfg *config.Config, mail, webhook Transport, logger zerolog.Logger) (*Pipeline, error) {
	subject, err := render.Parse("defaults.subject", cfg.Defaults.Subject)
	if err != nil {
		return nil, err
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return &Pipeline{
		logger:         logger,
		mail:           mail,
		webhook:        webhook,
		defaultSubject: subject,
		hostname:       host,
		now:            time.Now,
	}, nil
}

// SetClock replaces the time source used for the "now" variable.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// StandardContext returns the variables every template can use, merged over
// the observation-specific ones in extra.
func (p *Pipeline) StandardContext(alertID string, extra map[string]any) map[string]any {
	ctx := make(map[string]any, len(extra)+5)
	for k, v := range extra {
		ctx[k] = v
	}
	ctx["alert_path"] = alertID
	ctx["alert_name"] = baseName(alertID)
	ctx["hostname"] = p.hostname
	ctx["now"] = p.now().Format(time.RFC3339)
	return ctx
}

// Dispatch renders and sends n to each of its targets. A failure for one
// target is logged and does not stop the others.
func (p *Pipeline) Dispatch(ctx context.Context, n Notification) Result {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	res := Result{ID: n.ID}
	vars := make(map[string]any, len(n.Context)+1)
	for k, v := range n.Context {
		vars[k] = v
	}
	vars["notification_id"] = n.ID

	log := p.logger.With().Str("alert", n.AlertID).Str("notification_id", n.ID).Logger()

	for _, send := range n.Sends {
		target, ok := n.Registry.Lookup(send.TargetID)
		if !ok {
			d := Delivery{TargetID: send.TargetID, Err: fmt.Errorf("%w: %s", ErrUnknownTarget, send.TargetID)}
			log.Error().Err(d.Err).Str("target", send.TargetID).Msg("Skipping target")
			res.Deliveries = append(res.Deliveries, d)
			continue
		}
		msg, err := p.render(send, vars)
		if err != nil {
			log.Error().Err(err).Str("target", send.TargetID).Msg("Failed to render notification")
			res.Deliveries = append(res.Deliveries, Delivery{TargetID: send.TargetID, Err: err})
			continue
		}
		msg.ID, msg.AlertID = n.ID, n.AlertID

		hooks, mails := splitAddresses(target.Addresses)
		for _, group := range []struct {
			transport Transport
			addresses []string
		}{{p.webhook, hooks}, {p.mail, mails}} {
			if len(group.addresses) == 0 {
				continue
			}
			m := msg
			m.Addresses = group.addresses
			d := Delivery{TargetID: target.ID, Transport: group.transport.Name(), Addresses: group.addresses}
			d.Err = group.transport.Send(ctx, m)
			status := "sent"
			if d.Err != nil {
				status = "failed"
				log.Error().
					Err(d.Err).
					Str("target", target.ID).
					Str("transport", d.Transport).
					Msg("Failed to send notification")
			} else {
				log.Info().
					Str("target", target.ID).
					Str("transport", d.Transport).
					Str("subject", m.Subject).
					Msg("Notification sent")
			}
			metrics.DeliveriesTotal.WithLabelValues(d.Transport, status).Inc()
			res.Deliveries = append(res.Deliveries, d)
		}
	}
	return res
}

func (p *Pipeline) render(send definition.Send, vars map[string]any) (Message, error) {
	subjectTmpl := send.Subject
	if subjectTmpl == nil {
		subjectTmpl = p.defaultSubject
	}
	subject, err := subjectTmpl.Execute(vars)
	if err != nil {
		return Message{}, err
	}
	if send.Body == nil {
		return Message{}, fmt.Errorf("target %s has no body template", send.TargetID)
	}
	body, err := send.Body.Execute(vars)
	if err != nil {
		return Message{}, err
	}
	html, err := render.Markdown(body)
	if err != nil {
		return Message{}, err
	}
	return Message{Subject: render.Subject(subject), Body: body, HTML: html}, nil
}

func splitAddresses(addrs []string) (hooks, mails []string) {
	for _, a := range addrs {
		lower := strings.ToLower(a)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			hooks = append(hooks, a)
		} else {
			mails = append(mails, a)
		}
	}
	return hooks, mails
}

func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}
