package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"sort"
	"time"

	"github.com/pliu/relaychat/internal/logging"
)

type Sender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string

	// Logger receives the mock output when Host is empty.
	Logger logging.Logger
}

func NewSender(host, port, username, password, from string, logger logging.Logger) *Sender {
	return &Sender{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		Logger:   logger,
	}
}

var otpTemplate = template.Must(template.New("otp").Parse(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; border: 1px solid #ddd; border-radius: 5px; }
        .header { background-color: #6200ee; color: white; padding: 10px; text-align: center; border-radius: 5px 5px 0 0; }
        .content { padding: 20px; }
        .code { font-size: 2em; letter-spacing: 0.3em; text-align: center; font-weight: bold; }
        .footer { margin-top: 20px; font-size: 0.8em; color: #777; text-align: center; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Your Chat App code</h1>
        </div>
        <div class="content">
            <p>Hi {{.Name}},</p>
            <p>Use this code to sign in:</p>
            <p class="code">{{.Code}}</p>
            <p>The code is valid for {{.Minutes}} minutes.</p>
            <p>If you did not request a code, you can safely ignore this email.</p>
        </div>
        <div class="footer">
            <p>Chat App</p>
        </div>
    </div>
</body>
</html>
`))

// RenderOTP returns the subject and HTML body of an OTP email.
func RenderOTP(n OTPNotice) (subject, body string, err error) {
	var buf bytes.Buffer
	err = otpTemplate.Execute(&buf, map[string]string{
		"Name":    n.Name,
		"Code":    n.Code,
		"Minutes": fmt.Sprintf("%.f", n.TTL.Round(time.Minute).Minutes()),
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to execute template: %w", err)
	}
	return "Your Chat App OTP", buf.String(), nil
}

func (s *Sender) SendOTP(ctx context.Context, n OTPNotice) error {
	subject, body, err := RenderOTP(n)
	if err != nil {
		return err
	}

	// If no host is configured, just log it (for development/demo purposes).
	// The code stays out of the line; auth logs it when LogCodes is set.
	if s.Host == "" {
		if s.Logger != nil {
			s.Logger.Info(ctx, "mock email", "to", n.Email, "subject", subject)
		}
		return nil
	}

	// Email headers
	headers := map[string]string{
		"From":         s.From,
		"To":           n.Email,
		"Subject":      subject,
		"MIME-Version": "1.0",
		"Content-Type": "text/html; charset=\"UTF-8\"",
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var message bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&message, "%s: %s\r\n", k, headers[k])
	}
	message.WriteString("\r\n" + body)

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	addr := fmt.Sprintf("%s:%s", s.Host, s.Port)

	return smtp.SendMail(addr, auth, s.From, []string{n.Email}, message.Bytes())
}
