package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"cmsworkflow/internal/workflow"
)

// Mailer is the transport the Notifier delivers through. *Service satisfies it.
type Mailer interface {
	IsConfigured() bool
	SendHTMLEmailFrom(sender string, to []string, subject, htmlBody string) error
}

type NotifierConfig struct {
	// BaseURL prefixes the site-relative links carried by notifications.
	BaseURL string
	// AdminEmail is the sender used when the acting member has no address.
	AdminEmail string
}

// Notifier renders workflow notifications as HTML email. When the mailer is
// not configured, messages are logged and dropped.
type Notifier struct {
	mailer    Mailer
	cfg       NotifierConfig
	logger    *zap.Logger
	breaker   *gobreaker.CircuitBreaker
	templates map[workflow.Template]*template.Template
}

func NewNotifier(mailer Mailer, cfg NotifierConfig, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{
		mailer:    mailer,
		cfg:       cfg,
		logger:    logger,
		templates: parseTemplates(),
	}
	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 3 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("email circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return n
}

func (n *Notifier) Send(ctx context.Context, msg workflow.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(msg.Recipient.Email) == "" {
		return fmt.Errorf("recipient %s has no email address", msg.Recipient.ID)
	}

	body, err := n.render(msg)
	if err != nil {
		return fmt.Errorf("render %s notification: %w", msg.Template, err)
	}

	if n.mailer == nil || !n.mailer.IsConfigured() {
		n.logger.Info("email not configured, notification logged only",
			zap.String("template", string(msg.Template)),
			zap.String("to", msg.Recipient.Email),
			zap.String("subject", msg.Subject),
		)
		return nil
	}

	sender := n.sender(msg.Sender)
	_, err = n.breaker.Execute(func() (interface{}, error) {
		return nil, n.mailer.SendHTMLEmailFrom(sender, []string{msg.Recipient.Email}, msg.Subject, body)
	})
	if err != nil {
		return fmt.Errorf("send %s notification: %w", msg.Template, err)
	}
	return nil
}

// BreakerState exposes the SMTP breaker state for readiness reporting.
func (n *Notifier) BreakerState() gobreaker.State {
	return n.breaker.State()
}

type templateData struct {
	RecipientName string
	SenderName    string
	PageTitle     string
	KindLabel     string
	StatusLabel   string
	Reason        string
	PageCMSURL    string
	StageURL      string
	LiveURL       string
	DiffURL       string
}

func (n *Notifier) render(msg workflow.Notification) (string, error) {
	tmpl, ok := n.templates[msg.Template]
	if !ok {
		tmpl = n.templates[workflow.TemplateStatusChanged]
	}
	data := templateData{
		RecipientName: msg.Recipient.Name(),
		SenderName:    msg.Sender.Name(),
		PageTitle:     msg.Page.Title,
		KindLabel:     msg.Request.Kind.Label(),
		StatusLabel:   msg.Request.Status.Label(),
		Reason:        msg.Reason,
		PageCMSURL:    n.absolute(msg.Links.PageCMS),
		StageURL:      n.absolute(msg.Links.StageSite),
		LiveURL:       n.absolute(msg.Links.LiveSite),
		DiffURL:       n.absolute(msg.Links.Diff),
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (n *Notifier) sender(member workflow.Member) string {
	if address := strings.TrimSpace(member.Email); address != "" {
		if name := strings.TrimSpace(member.FirstName + " " + member.Surname); name != "" {
			return fmt.Sprintf("%s <%s>", name, address)
		}
		return address
	}
	return n.cfg.AdminEmail
}

func (n *Notifier) absolute(link string) string {
	if link == "" {
		return ""
	}
	base := strings.TrimRight(n.cfg.BaseURL, "/")
	return base + "/" + strings.TrimLeft(link, "/")
}

func parseTemplates() map[workflow.Template]*template.Template {
	bodies := map[workflow.Template]string{
		workflow.TemplateAwaitingApproval: awaitingApprovalTemplate,
		workflow.TemplateApproved:         approvedTemplate,
		workflow.TemplateDeclined:         declinedTemplate,
		workflow.TemplateAwaitingEdit:     awaitingEditTemplate,
		workflow.TemplateStatusChanged:    statusChangedTemplate,
	}
	out := make(map[workflow.Template]*template.Template, len(bodies))
	for name, body := range bodies {
		out[name] = template.Must(template.New(string(name)).Parse(layoutTemplate + body))
	}
	return out
}

const layoutTemplate = `{{define "links"}}
    <ul class="links">
        <li><a href="{{.PageCMSURL}}">Open the page in the CMS</a></li>
        <li><a href="{{.StageURL}}">View the draft site</a></li>
        <li><a href="{{.LiveURL}}">View the live site</a></li>
        {{if .DiffURL}}<li><a href="{{.DiffURL}}">Compare draft and live versions</a></li>{{end}}
    </ul>
{{end}}`

const awaitingApprovalTemplate = `<!DOCTYPE html>
<html>
<body>
    <p>Hi {{.RecipientName}},</p>
    <p>{{.SenderName}} has asked you to approve the {{.KindLabel}} of the page <strong>{{.PageTitle}}</strong>.</p>
    {{template "links" .}}
</body>
</html>`

const approvedTemplate = `<!DOCTYPE html>
<html>
<body>
    <p>Hi {{.RecipientName}},</p>
    <p>{{.SenderName}} approved the {{.KindLabel}} of the page <strong>{{.PageTitle}}</strong>.</p>
    {{template "links" .}}
</body>
</html>`

const declinedTemplate = `<!DOCTYPE html>
<html>
<body>
    <p>Hi {{.RecipientName}},</p>
    <p>{{.SenderName}} declined the {{.KindLabel}} of the page <strong>{{.PageTitle}}</strong>.</p>
    {{if .Reason}}<blockquote>{{.Reason}}</blockquote>{{end}}
    {{template "links" .}}
</body>
</html>`

const awaitingEditTemplate = `<!DOCTYPE html>
<html>
<body>
    <p>Hi {{.RecipientName}},</p>
    <p>{{.SenderName}} asked for changes to the page <strong>{{.PageTitle}}</strong> before it can be approved.</p>
    {{if .Reason}}<blockquote>{{.Reason}}</blockquote>{{end}}
    {{template "links" .}}
</body>
</html>`

const statusChangedTemplate = `<!DOCTYPE html>
<html>
<body>
    <p>Hi {{.RecipientName}},</p>
    <p>The workflow status of the page <strong>{{.PageTitle}}</strong> is now {{.StatusLabel}}.</p>
    {{template "links" .}}
</body>
</html>`
