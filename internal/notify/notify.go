package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	// emailRegex is a simple email validation regex
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeFailure  AlertType = "failure"
	AlertTypeRecovery AlertType = "recovery"
	AlertTypeTest     AlertType = "test"
)

// Alert represents a notification alert about one sync.
type Alert struct {
	Type      AlertType
	SyncID    string
	SyncName  string
	UserEmail string // Owner of the sync
	Message   string
	Details   string
	Timestamp time.Time
}

// Config holds notification configuration. A channel is enabled when its
// address is set.
type Config struct {
	WebhookURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string // Admin recipients
	SMTPTLS      bool

	// How long to wait before re-alerting for the same failing sync
	CooldownPeriod time.Duration
}

func (c *Config) webhookEnabled() bool { return c.WebhookURL != "" }
func (c *Config) emailEnabled() bool   { return c.SMTPHost != "" }

// Notifier sends failure and recovery alerts for sync runs.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	lastAlert map[string]time.Time
	failing   map[string]bool
	wg        sync.WaitGroup
}

// New creates a new Notifier.
func New(cfg *Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:    logger.With("component", "notify"),
		now:       time.Now,
		lastAlert: make(map[string]time.Time),
		failing:   make(map[string]bool),
	}
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.webhookEnabled() {
		if err := ValidateWebhookURL(cfg.WebhookURL); err != nil {
			return fmt.Errorf("invalid webhook URL: %w", err)
		}
	}

	if cfg.emailEnabled() {
		if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
			return fmt.Errorf("SMTP port must be between 1 and 65535")
		}
		if cfg.SMTPFrom == "" {
			return fmt.Errorf("SMTP from address is required when email is enabled")
		}
		if !isValidEmail(cfg.SMTPFrom) {
			return fmt.Errorf("invalid SMTP from address")
		}
		for _, to := range cfg.SMTPTo {
			if !isValidEmail(to) {
				return fmt.Errorf("invalid SMTP recipient address: %s", to)
			}
		}
	}

	if cfg.CooldownPeriod < time.Minute {
		return fmt.Errorf("cooldown period must be at least 1 minute")
	}

	return nil
}

// ValidateWebhookURL validates that a webhook URL is safe to post to.
func ValidateWebhookURL(webhookURL string) error {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Scheme != "https" {
		return fmt.Errorf("webhook URL must use HTTPS")
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("webhook URL must include a host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("webhook URL cannot point to internal hosts")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("webhook URL cannot point to private IP addresses")
		}
	}

	return nil
}

func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// sanitizeForEmail removes characters that could be used for email header injection.
func sanitizeForEmail(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// IsEnabled returns true if any notification method is enabled.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.webhookEnabled() || n.cfg.emailEnabled()
}

// SendFailureAlert alerts that a sync run failed. Repeated failures of the
// same sync are suppressed until the cooldown has passed. Returns true if an
// alert was dispatched.
func (n *Notifier) SendFailureAlert(ctx context.Context, syncID, syncName, userEmail, reason string) bool {
	if !n.IsEnabled() {
		return false
	}

	now := n.now()
	n.mu.Lock()
	if n.failing[syncID] {
		if last, ok := n.lastAlert[syncID]; ok && now.Sub(last) < n.cfg.CooldownPeriod {
			n.mu.Unlock()
			return false
		}
	}
	n.failing[syncID] = true
	n.lastAlert[syncID] = now
	n.mu.Unlock()

	n.dispatch(ctx, Alert{
		Type:      AlertTypeFailure,
		SyncID:    syncID,
		SyncName:  syncName,
		UserEmail: userEmail,
		Message:   fmt.Sprintf("Sync to '%s' failed", syncName),
		Details:   reason,
		Timestamp: now,
	})
	return true
}

// SendRecoveryAlert alerts that a previously failing sync succeeded again.
// It does nothing for syncs that were not failing.
func (n *Notifier) SendRecoveryAlert(ctx context.Context, syncID, syncName, userEmail string) bool {
	n.mu.Lock()
	wasFailing := n.failing[syncID]
	delete(n.failing, syncID)
	delete(n.lastAlert, syncID)
	n.mu.Unlock()

	if !wasFailing || !n.IsEnabled() {
		return false
	}

	n.dispatch(ctx, Alert{
		Type:      AlertTypeRecovery,
		SyncID:    syncID,
		SyncName:  syncName,
		UserEmail: userEmail,
		Message:   fmt.Sprintf("Sync to '%s' has recovered", syncName),
		Details:   "Sync is running normally",
		Timestamp: n.now(),
	})
	return true
}

// ClearState forgets a sync, used when it is deleted.
func (n *Notifier) ClearState(syncID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.failing, syncID)
	delete(n.lastAlert, syncID)
}

// FailingSyncIDs returns the IDs of syncs currently in the failing state.
func (n *Notifier) FailingSyncIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	ids := make([]string, 0, len(n.failing))
	for id := range n.failing {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until all dispatched alerts have been delivered or failed.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// dispatch sends in the background so a slow channel never blocks a run.
func (n *Notifier) dispatch(ctx context.Context, alert Alert) {
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(ctx, alert)
	}()
}

func (n *Notifier) send(ctx context.Context, alert Alert) {
	if n.cfg.webhookEnabled() {
		if err := n.sendWebhook(ctx, n.cfg.WebhookURL, alert); err != nil {
			n.logger.Error("webhook alert failed", "sync_id", alert.SyncID, "error", err)
		}
	}

	if n.cfg.emailEnabled() {
		recipients := n.recipients(alert.UserEmail)
		if len(recipients) > 0 {
			if err := n.sendEmail(alert, recipients); err != nil {
				n.logger.Error("email alert failed", "sync_id", alert.SyncID, "error", err)
			}
		}
	}
}

// recipients returns the owner plus the admin list, lowercased and deduplicated.
func (n *Notifier) recipients(userEmail string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(email string) {
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" || !isValidEmail(email) {
			return
		}
		if _, ok := seen[email]; ok {
			return
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	add(userEmail)
	for _, email := range n.cfg.SMTPTo {
		add(email)
	}
	return out
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType string `json:"alert_type"`
	SyncID    string `json:"sync_id"`
	SyncName  string `json:"sync_name"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
	// Slack-compatible fields
	Text string `json:"text,omitempty"`
}

func newPayload(alert Alert) WebhookPayload {
	emoji := ""
	switch alert.Type {
	case AlertTypeFailure:
		emoji = ":x:"
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	case AlertTypeTest:
		emoji = ":rocket:"
	}

	return WebhookPayload{
		AlertType: string(alert.Type),
		SyncID:    alert.SyncID,
		SyncName:  alert.SyncName,
		Message:   alert.Message,
		Details:   alert.Details,
		Timestamp: alert.Timestamp.UTC().Format(time.RFC3339),
		Text:      fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}
}

func (n *Notifier) sendWebhook(ctx context.Context, webhookURL string, alert Alert) error {
	body, err := json.Marshal(newPayload(alert))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.logger.Info("webhook alert sent", "sync_id", alert.SyncID, "type", alert.Type)
	return nil
}

// SendTestWebhook posts a test message to webhookURL.
func (n *Notifier) SendTestWebhook(ctx context.Context, webhookURL string) error {
	if err := ValidateWebhookURL(webhookURL); err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	return n.sendWebhook(ctx, webhookURL, Alert{
		Type:      AlertTypeTest,
		SyncID:    "test",
		SyncName:  "Test",
		Message:   "Test webhook from CalendarSync",
		Details:   "This is a test message to verify your webhook configuration",
		Timestamp: n.now(),
	})
}

// buildEmail renders the RFC 5322 message for an alert.
func (n *Notifier) buildEmail(alert Alert, recipients []string) []byte {
	syncName := sanitizeForEmail(alert.SyncName)
	message := sanitizeForEmail(alert.Message)
	details := sanitizeForEmail(alert.Details)

	var body strings.Builder
	fmt.Fprintf(&body, "Alert Type: %s\n", alert.Type)
	fmt.Fprintf(&body, "Destination: %s\n", syncName)
	fmt.Fprintf(&body, "Sync ID: %s\n", alert.SyncID)
	fmt.Fprintf(&body, "Time: %s\n\n", alert.Timestamp.UTC().Format(time.RFC1123))
	fmt.Fprintf(&body, "Message: %s\n", message)
	fmt.Fprintf(&body, "Details: %s\n", details)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [CalendarSync] %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		n.cfg.SMTPFrom, strings.Join(recipients, ", "), message, body.String())
	return []byte(msg)
}

func (n *Notifier) sendEmail(alert Alert, recipients []string) error {
	msg := n.buildEmail(alert, recipients)
	addr := net.JoinHostPort(n.cfg.SMTPHost, fmt.Sprint(n.cfg.SMTPPort))

	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	var err error
	if n.cfg.SMTPTLS {
		err = n.sendEmailTLS(addr, auth, recipients, msg)
	} else {
		err = smtp.SendMail(addr, auth, n.cfg.SMTPFrom, recipients, msg)
	}
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("email alert sent", "sync_id", alert.SyncID, "recipients", len(recipients))
	return nil
}

// sendEmailTLS sends email over implicit TLS (port 465).
func (n *Notifier) sendEmailTLS(addr string, auth smtp.Auth, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName: n.cfg.SMTPHost,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("dial TLS: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, n.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := client.Mail(n.cfg.SMTPFrom); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("rcpt to %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return client.Quit()
}
