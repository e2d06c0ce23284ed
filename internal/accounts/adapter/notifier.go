package adapter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"

	"github.com/aelexs/wacrm/internal/accounts/app"
	"github.com/aelexs/wacrm/internal/domain"
)

var (
	_ app.Notifier = (*SMTPNotifier)(nil)
	_ app.Notifier = (*LogNotifier)(nil)
)

// mailSender is the part of *mail.Client the notifier uses.
type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPConfig configures the SMTP notifier.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    domain.SecretString
	Encryption  string // tls, starttls, ssl or none
	FromAddress string
	FromName    string
	AppName     string
}

// NewSMTPClient builds a go-mail client from cfg.
func NewSMTPClient(cfg SMTPConfig) (*mail.Client, error) {
	opts := []mail.Option{mail.WithPort(cfg.Port)}

	switch cfg.Encryption {
	case "ssl":
		opts = append(opts, mail.WithSSL())
	case "none":
		opts = append(opts, mail.WithTLSPortPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	}

	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password.Expose()),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp notifier: create client: %w", err)
	}
	return client, nil
}

// SMTPNotifier e-mails account holders about security-relevant changes.
type SMTPNotifier struct {
	sender  mailSender
	from    string
	appName string
}

// NewSMTPNotifier creates an SMTPNotifier sending through sender.
func NewSMTPNotifier(sender mailSender, cfg SMTPConfig) (*SMTPNotifier, error) {
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("smtp notifier: from address: %w", domain.ErrConfigRequired)
	}
	from := cfg.FromAddress
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromAddress)
	}
	return &SMTPNotifier{sender: sender, from: from, appName: cfg.AppName}, nil
}

// PasswordChanged tells the account holder their password was reset.
func (n *SMTPNotifier) PasswordChanged(ctx context.Context, acct domain.Account) error {
	msg := mail.NewMsg()
	if err := msg.From(n.from); err != nil {
		return fmt.Errorf("smtp notifier: set from: %w", err)
	}
	if err := msg.To(acct.Email); err != nil {
		return fmt.Errorf("smtp notifier: set to: %w", err)
	}
	msg.Subject(fmt.Sprintf("Your %s password was changed", n.appName))
	msg.SetBodyString(mail.TypeTextPlain, passwordChangedBody(n.appName, acct.Name))

	if err := n.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp notifier: send: %w", err)
	}
	return nil
}

func passwordChangedBody(appName, name string) string {
	greeting := "Hello,"
	if name != "" {
		greeting = fmt.Sprintf("Hello %s,", name)
	}
	return fmt.Sprintf("%s\n\nThe password for your %s account was just changed. "+
		"If this was not you, reset your password immediately and contact support.\n", greeting, appName)
}

// LogNotifier logs notifications instead of sending them.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) PasswordChanged(ctx context.Context, acct domain.Account) error {
	n.logger.InfoContext(ctx, "notify.password_changed", slog.String("account_id", acct.ID))
	return nil
}
