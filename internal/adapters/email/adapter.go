// Package email adapts a tenant's SMTP relay to the uniform provider
// contract. The only network side effect is the SMTP conversation itself.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlasops/bizgateway/internal/config"
	"github.com/atlasops/bizgateway/internal/providers"
	"github.com/atlasops/bizgateway/internal/storage"
)

const opSendMessage = "send_message"

type Adapter struct {
	host          string
	port          int
	username      string
	password      string
	from          string
	useTLS        bool
	skipTLSVerify bool
	dialTimeout   time.Duration
}

// Factory builds the email adapter from a tenant binding. Connection settings
// live in the binding's settings map: host, port, username, password, from,
// use_tls.
func Factory(cfg *config.Config, binding storage.ProviderBinding) (providers.Adapter, error) {
	host := strings.TrimSpace(binding.Settings["host"])
	if host == "" {
		return nil, errors.New("email: smtp host required")
	}
	from := strings.TrimSpace(binding.Settings["from"])
	if from == "" {
		return nil, errors.New("email: from address required")
	}
	port := 587
	if raw := strings.TrimSpace(binding.Settings["port"]); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("email: invalid smtp port %q", raw)
		}
		port = parsed
	}
	dialTimeout := cfg.Providers.HTTPTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Adapter{
		host:          host,
		port:          port,
		username:      strings.TrimSpace(binding.Settings["username"]),
		password:      binding.Settings["password"],
		from:          from,
		useTLS:        binding.Settings["use_tls"] != "false",
		skipTLSVerify: binding.Settings["skip_tls_verify"] == "true",
		dialTimeout:   dialTimeout,
	}, nil
}

func (a *Adapter) Execute(ctx context.Context, operation string, params providers.Params, opts providers.ExecOptions) (providers.Result, error) {
	if operation != opSendMessage {
		return providers.Result{}, providers.NewPreFlightError(providers.TypeEmail, operation, "unknown_operation", fmt.Sprintf("operation %q not supported", operation), nil)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	recipients, err := recipientsFrom(params)
	if err != nil {
		return providers.Result{}, providers.NewPreFlightError(providers.TypeEmail, operation, "bad_params", err.Error(), err)
	}
	subject, _ := params["subject"].(string)
	body, _ := params["body"].(string)

	msg := buildMessage(a.from, recipients, subject, body)
	if err := a.send(ctx, recipients, msg); err != nil {
		return providers.Result{}, providers.NewError(providers.TypeEmail, operation,
			providers.ClassTransient, "smtp", err.Error(), err)
	}

	return providers.Result{
		StatusCode: 200,
		Body:       map[string]any{"accepted": len(recipients)},
		Units:      int64(len(recipients)),
	}, nil
}

// CostModel charges one credit per accepted recipient.
func (a *Adapter) CostModel(operation string, params providers.Params, result providers.Result) decimal.Decimal {
	if operation != opSendMessage {
		return decimal.Zero
	}
	if result.Units > 0 {
		return decimal.NewFromInt(result.Units)
	}
	return decimal.NewFromInt(1)
}

func (a *Adapter) IdempotencyClass(operation string) providers.IdempotencyClass {
	return providers.ClassUnsafe
}

func (a *Adapter) send(ctx context.Context, recipients []string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	client, err := a.newClient(ctx, addr)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Mail(a.from); err != nil {
		client.Quit()
		return err
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			client.Quit()
			return err
		}
	}
	wc, err := client.Data()
	if err != nil {
		client.Quit()
		return err
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		client.Quit()
		return err
	}
	if err := wc.Close(); err != nil {
		client.Quit()
		return err
	}
	return client.Quit()
}

func (a *Adapter) newClient(ctx context.Context, addr string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: a.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	client, err := smtp.NewClient(conn, a.host)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if a.useTLS {
		tlsCfg := &tls.Config{ServerName: a.host, InsecureSkipVerify: a.skipTLSVerify}
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsCfg); err != nil {
				client.Close()
				return nil, err
			}
		}
	}

	if a.username != "" {
		auth := smtp.PlainAuth("", a.username, a.password, a.host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

func recipientsFrom(params providers.Params) ([]string, error) {
	raw, ok := params["to"]
	if !ok {
		return nil, errors.New("to required")
	}
	var recipients []string
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			recipients = []string{strings.TrimSpace(v)}
		}
	case []string:
		for _, r := range v {
			if strings.TrimSpace(r) != "" {
				recipients = append(recipients, strings.TrimSpace(r))
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				recipients = append(recipients, strings.TrimSpace(s))
			}
		}
	}
	if len(recipients) == 0 {
		return nil, errors.New("at least one recipient required")
	}
	return recipients, nil
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", from))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ",")))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	buf.WriteString("\r\n")
	return buf.Bytes()
}
