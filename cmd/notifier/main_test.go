package main

import (
	"context"
	"encoding/json"
	"net/smtp"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSendEmail(t *testing.T) {
	var captured struct {
		addr string
		from string
		to   []string
		msg  string
	}
	smtpSendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		captured = struct {
			addr string
			from string
			to   []string
			msg  string
		}{addr, from, to, string(msg)}
		return nil
	}
	defer func() { smtpSendMail = smtp.SendMail }()

	c := Config{SMTPHost: "smtp", SMTPPort: "25", SMTPFrom: "directorio@ayto.es"}
	j := EmailJob{
		To:       "admin@ayto.es",
		Template: "ticket_created",
		Data:     map[string]any{"TicketID": 3, "Topic": "Error", "Information": "La extensión ya no existe"},
	}
	if err := sendEmail(c, j); err != nil {
		t.Fatalf("sendEmail: %v", err)
	}
	if captured.addr != "smtp:25" || captured.from != "directorio@ayto.es" || captured.to[0] != "admin@ayto.es" {
		t.Fatalf("unexpected send params: %+v", captured)
	}
	if !strings.Contains(captured.msg, "Nueva incidencia #3") {
		t.Fatalf("unexpected subject: %s", captured.msg)
	}
	if !strings.Contains(captured.msg, "La extensión ya no existe") {
		t.Fatalf("body missing information: %s", captured.msg)
	}
}

// Newlines in an address or topic must not become extra mail headers.
func TestHeaderInjectionStripped(t *testing.T) {
	var captured string
	smtpSendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		captured = string(msg)
		return nil
	}
	defer func() { smtpSendMail = smtp.SendMail }()

	c := Config{SMTPFrom: "directorio@ayto.es"}
	j := EmailJob{
		To:       "admin@ayto.es",
		Template: "ticket_created",
		Data:     map[string]any{"TicketID": 1, "Topic": "x\r\nBcc: victim@example.com", "Information": ""},
	}
	if err := sendEmail(c, j); err != nil {
		t.Fatalf("sendEmail: %v", err)
	}
	header := strings.SplitN(captured, "\r\n\r\n", 2)[0]
	if strings.Contains(header, "Bcc:") {
		t.Fatalf("injected header survived: %q", header)
	}
}

func TestRejectsBadAddresses(t *testing.T) {
	c := Config{SMTPFrom: "directorio@ayto.es"}
	for _, to := range []string{"", "not-an-email", "a@b"} {
		j := EmailJob{To: to, Template: "ticket_created", Data: map[string]any{"TicketID": 1, "Topic": "x", "Information": ""}}
		if err := sendEmail(c, j); err == nil {
			t.Fatalf("expected error for to=%q", to)
		}
	}
}

func TestScriptStrippedFromBody(t *testing.T) {
	var captured string
	smtpSendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		captured = string(msg)
		return nil
	}
	defer func() { smtpSendMail = smtp.SendMail }()

	c := Config{SMTPFrom: "directorio@ayto.es"}
	j := EmailJob{
		To:       "admin@ayto.es",
		Template: "ticket_created",
		Data:     map[string]any{"TicketID": 1, "Topic": "x", "Information": `<script>alert(1)</script>hola`},
	}
	if err := sendEmail(c, j); err != nil {
		t.Fatalf("sendEmail: %v", err)
	}
	if strings.Contains(captured, "<script>") {
		t.Fatalf("script tag survived sanitization: %s", captured)
	}
	if !strings.Contains(captured, "hola") {
		t.Fatalf("legitimate text lost: %s", captured)
	}
}

func TestProcessQueueJob(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := Config{SMTPFrom: "directorio@ayto.es"}
	job := Job{Type: "send_email", Data: json.RawMessage(`{"to":"admin@ayto.es","template":"ticket_created","data":{"TicketID":1,"Topic":"x","Information":""}}`)}
	payload, _ := json.Marshal(job)
	if err := rdb.LPush(context.Background(), "jobs", payload).Err(); err != nil {
		t.Fatalf("lpush: %v", err)
	}
	var got EmailJob
	send := func(c Config, j EmailJob) error {
		got = j
		return nil
	}
	if err := processQueueJob(context.Background(), c, rdb, send); err != nil {
		t.Fatalf("processQueueJob: %v", err)
	}
	if got.To != "admin@ayto.es" || got.Template != "ticket_created" {
		t.Fatalf("job not dispatched: %+v", got)
	}
}

// A job of an unknown type is dropped without error so the loop keeps going.
func TestUnknownJobType(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	payload, _ := json.Marshal(Job{Type: "resize_image", Data: json.RawMessage(`{}`)})
	if err := rdb.LPush(context.Background(), "jobs", payload).Err(); err != nil {
		t.Fatalf("lpush: %v", err)
	}
	called := false
	send := func(c Config, j EmailJob) error { called = true; return nil }
	if err := processQueueJob(context.Background(), Config{}, rdb, send); err != nil {
		t.Fatalf("processQueueJob: %v", err)
	}
	if called {
		t.Fatalf("send called for unknown job type")
	}
}
