// The notifier drains the "jobs" redis list and delivers ticket notification
// mails over SMTP. Delivery is best effort: a failed job is logged and
// dropped, never retried into the API's request path.
package main

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"net/smtp"
	"os"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/joho/godotenv"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	RedisAddr string
	Env       string
	SMTPHost  string
	SMTPPort  string
	SMTPUser  string
	SMTPPass  string
	SMTPFrom  string
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func cfg() Config {
	_ = godotenv.Load()
	return Config{
		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
		Env:       getEnv("ENV", "dev"),
		SMTPHost:  getEnv("SMTP_HOST", ""),
		SMTPPort:  getEnv("SMTP_PORT", "25"),
		SMTPUser:  getEnv("SMTP_USER", ""),
		SMTPPass:  getEnv("SMTP_PASS", ""),
		SMTPFrom:  getEnv("SMTP_FROM", ""),
	}
}

//go:embed templates/*.tmpl
var templatesFS embed.FS

var mailTemplates = template.Must(template.ParseFS(templatesFS, "templates/*.tmpl"))

type Job struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type EmailJob struct {
	To       string      `json:"to"`
	Template string      `json:"template"`
	Data     interface{} `json:"data"`
}

type sendFunc func(c Config, j EmailJob) error

// Swappable for tests.
var smtpSendMail = smtp.SendMail

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Ticket text is user input; strip anything but basic markup before it goes
// into a mail body.
var htmlPolicy = bluemonday.UGCPolicy()

// sanitizeEmailHeader removes CRLF characters that could be used for header
// injection.
func sanitizeEmailHeader(input string) string {
	sanitized := strings.ReplaceAll(input, "\r", "")
	sanitized = strings.ReplaceAll(sanitized, "\n", "")
	return strings.TrimSpace(sanitized)
}

func sanitizeAndValidateEmail(email string) (string, error) {
	sanitized := sanitizeEmailHeader(email)
	if sanitized == "" {
		return "", fmt.Errorf("email address cannot be empty")
	}
	if !emailRegex.MatchString(sanitized) {
		return "", fmt.Errorf("invalid email address format: %s", sanitized)
	}
	return sanitized, nil
}

func sanitizeEmailBody(body []byte) string {
	return string(htmlPolicy.SanitizeBytes(body))
}

func sendEmail(c Config, j EmailJob) error {
	sanitizedTo, err := sanitizeAndValidateEmail(j.To)
	if err != nil {
		return fmt.Errorf("invalid To address: %w", err)
	}
	sanitizedFrom, err := sanitizeAndValidateEmail(c.SMTPFrom)
	if err != nil {
		return fmt.Errorf("invalid From address: %w", err)
	}

	var subjBuf, bodyBuf bytes.Buffer
	if err := mailTemplates.ExecuteTemplate(&subjBuf, j.Template+"_subject", j.Data); err != nil {
		return err
	}
	if err := mailTemplates.ExecuteTemplate(&bodyBuf, j.Template+"_body", j.Data); err != nil {
		return err
	}

	msg := bytes.Buffer{}
	msg.WriteString("From: " + sanitizedFrom + "\r\n")
	msg.WriteString("To: " + sanitizedTo + "\r\n")
	msg.WriteString("Subject: " + sanitizeEmailHeader(subjBuf.String()) + "\r\n\r\n")
	msg.WriteString(sanitizeEmailBody(bodyBuf.Bytes()))
	addr := c.SMTPHost + ":" + c.SMTPPort
	var auth smtp.Auth
	if c.SMTPUser != "" {
		auth = smtp.PlainAuth("", c.SMTPUser, c.SMTPPass, c.SMTPHost)
	}
	return smtpSendMail(addr, auth, sanitizedFrom, []string{sanitizedTo}, msg.Bytes())
}

// processQueueJob blocks for one job and dispatches it.
func processQueueJob(ctx context.Context, c Config, rdb *redis.Client, send sendFunc) error {
	res, err := rdb.BLPop(ctx, 0, "jobs").Result()
	if err != nil {
		return err
	}
	if len(res) < 2 {
		return nil
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		log.Error().Err(err).Msg("unmarshal job")
		return nil
	}
	switch job.Type {
	case "send_email":
		var ej EmailJob
		if err := json.Unmarshal(job.Data, &ej); err != nil {
			log.Error().Err(err).Msg("unmarshal email job")
			return nil
		}
		if err := send(c, ej); err != nil {
			log.Error().Err(err).Str("to", ej.To).Msg("send email")
		}
	default:
		log.Warn().Str("type", job.Type).Msg("unknown job type")
	}
	return nil
}

func main() {
	c := cfg()
	if c.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Msg("redis ping failed (queue not active yet)")
	}
	defer rdb.Close()

	log.Info().Msg("notifier started")
	for {
		if err := processQueueJob(ctx, c, rdb, sendEmail); err != nil {
			log.Error().Err(err).Msg("queue")
			time.Sleep(time.Second)
		}
	}
}
