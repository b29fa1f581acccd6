package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
)

// DefaultSubject is the subject alerts are published on.
const DefaultSubject = "ransomwatch.alerts"

// Header names set on published alerts.
const (
	HeaderAlertID        = "Ransomwatch-Alert-Id"
	HeaderClassification = "Ransomwatch-Classification"
)

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL           string
	Subject       string
	Name          string
	CredsFile     string
	ConnectTimeout time.Duration
}

// NATSSink publishes each alert as a JSON message.
type NATSSink struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
}

// DialNATS connects to the server in cfg and returns a sink over it.
func DialNATS(cfg NATSConfig) (*NATSSink, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("alert: connect nats %s: %w", cfg.URL, err)
	}
	s := NewNATSSink(nc, cfg.Subject)
	s.conn = nc
	return s, nil
}

// NewNATSSink publishes on subject through pub. An empty subject means
// DefaultSubject.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{pub: pub, subject: subject}
}

// Subject returns the publish subject.
func (s *NATSSink) Subject() string {
	return s.subject
}

// Emit implements Sink.
func (s *NATSSink) Emit(_ context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("alert: marshal: %w", err)
	}

	hdr := nats.Header{}
	hdr.Set(HeaderAlertID, r.ID)
	hdr.Set(HeaderClassification, string(r.Classification))

	msg := &nats.Msg{Subject: s.subject, Data: data, Header: hdr}
	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("alert: publish %s: %w", s.subject, err)
	}
	return nil
}

// Close drains the connection opened by DialNATS.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
