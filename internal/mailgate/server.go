// Package mailgate accepts marketplace messages over a local SMTP listener.
// Each envelope recipient receives one message whose text is the plain body.
package mailgate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.io/infrasutra/marketchat/internal/messaging"
	"github.io/infrasutra/marketchat/internal/metrics"
	"github.io/infrasutra/marketchat/internal/store"
)

const (
	defaultDomain = "marketchat"
	dataTimeout   = 10 * time.Second

	HeaderProductID    = "X-Product-Id"
	HeaderProductTitle = "X-Product-Title"
)

type AuthConfig struct {
	Enabled  bool
	Username string
	Password string
}

type Server struct {
	smtp   *smtp.Server
	logger *zap.Logger
}

func New(service *messaging.Service, m *metrics.Metrics, logger *zap.Logger, addr string, authCfg AuthConfig) *Server {
	logger = logger.Named("mailgate")
	server := smtp.NewServer(newBackend(service, m, logger, authCfg))
	server.Addr = addr
	server.Domain = defaultDomain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 20
	server.MaxMessageBytes = 1 << 20

	return &Server{smtp: server, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp gateway listening", zap.String("addr", s.smtp.Addr))
	err := s.smtp.ListenAndServe()
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	service      *messaging.Service
	metrics      *metrics.Metrics
	logger       *zap.Logger
	authEnabled  bool
	authUsername string
	authPassword string
}

func newBackend(service *messaging.Service, m *metrics.Metrics, logger *zap.Logger, authCfg AuthConfig) *backend {
	return &backend{
		service:      service,
		metrics:      m,
		logger:       logger,
		authEnabled:  authCfg.Enabled,
		authUsername: authCfg.Username,
		authPassword: authCfg.Password,
	}
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend       *backend
	from          string
	to            []string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.authEnabled {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.authEnabled {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username == s.backend.authUsername && password == s.backend.authPassword {
			s.authenticated = true
			return nil
		}
		return errors.New("invalid credentials")
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	reqs, err := parseMessage(s.from, s.to, raw)
	if err != nil {
		return s.backend.reject(err)
	}

	// Every recipient is validated before the first append so a bad
	// recipient list delivers nothing.
	for _, req := range reqs {
		if _, err := store.Validate(toMessage(req)); err != nil {
			return s.backend.reject(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), dataTimeout)
	defer cancel()
	for _, req := range reqs {
		if _, err := s.backend.service.SendMessage(ctx, req); err != nil {
			return s.backend.reject(err)
		}
	}
	s.backend.metrics.MailAccepted.WithLabelValues("accepted").Add(float64(len(reqs)))
	s.backend.logger.Debug("mail accepted", zap.String("from", s.from), zap.Int("recipients", len(reqs)))
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// reject turns an engine error into the SMTP reply for the DATA command.
func (b *backend) reject(err error) error {
	switch messaging.Kind(err) {
	case "validation", "precondition":
		b.metrics.MailAccepted.WithLabelValues("rejected").Inc()
		b.logger.Info("mail rejected", zap.Error(err))
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      err.Error(),
		}
	default:
		b.metrics.MailAccepted.WithLabelValues("failed").Inc()
		b.logger.Error("store mail message", zap.Error(err))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "message could not be stored, try again later",
		}
	}
}

// parseMessage builds one send request per envelope recipient. The envelope
// sender wins over the From header; the From display name becomes the sender name.
func parseMessage(envelopeFrom string, envelopeTo []string, raw []byte) ([]messaging.SendRequest, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, &store.ValidationError{Field: "body", Reason: fmt.Sprintf("unreadable message: %v", err)}
	}

	base := messaging.SendRequest{
		SenderEmail:  envelopeFrom,
		ProductID:    reader.Header.Get(HeaderProductID),
		ProductTitle: reader.Header.Get(HeaderProductTitle),
	}
	if fromList, err := reader.Header.AddressList("From"); err == nil && len(fromList) > 0 {
		if strings.TrimSpace(base.SenderEmail) == "" {
			base.SenderEmail = fromList[0].Address
		}
		base.SenderName = fromList[0].Name
	}

	var body strings.Builder
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &store.ValidationError{Field: "body", Reason: fmt.Sprintf("unreadable message: %v", err)}
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := header.ContentType()
		if mediaType != "" && !strings.HasPrefix(mediaType, "text/plain") {
			continue
		}
		text, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		if body.Len() > 0 {
			body.WriteString("\n")
		}
		body.Write(text)
	}
	base.Text = body.String()

	reqs := make([]messaging.SendRequest, 0, len(envelopeTo))
	for _, to := range envelopeTo {
		req := base
		req.ReceiverEmail = to
		reqs = append(reqs, req)
	}
	if len(reqs) == 0 {
		return nil, &store.ValidationError{Field: "receiver email", Reason: "no recipients"}
	}
	return reqs, nil
}

func toMessage(req messaging.SendRequest) store.Message {
	return store.Message{
		SenderEmail:   req.SenderEmail,
		SenderName:    req.SenderName,
		ReceiverEmail: req.ReceiverEmail,
		ProductID:     req.ProductID,
		ProductTitle:  req.ProductTitle,
		Text:          req.Text,
	}
}
