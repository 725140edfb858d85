// Package whatsapp is the chat-app channel provider, sending through a
// linked WhatsApp device and routing inbound replies.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"wedding-dispatch/internal/models"
	"wedding-dispatch/internal/providers"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// Client is the part of the whatsmeow client used for sending.
type Client interface {
	IsConnected() bool
	IsLoggedIn() bool
	IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error)
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// Inbound is a text message received from a contact.
type Inbound struct {
	MessageID   string
	SenderPhone string
	Text        string
}

// MessageHandler is a callback for inbound messages
type MessageHandler func(ctx context.Context, msg Inbound) error

type Config struct {
	DataDir string
}

type Service struct {
	wm             *whatsmeow.Client
	client         Client
	log            zerolog.Logger
	messageHandler MessageHandler
}

// NewService creates the WhatsApp service over the device store in
// cfg.DataDir.
func NewService(ctx context.Context, cfg Config, log zerolog.Logger) (*Service, error) {
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s/whatsmeow.db?_foreign_keys=on", cfg.DataDir), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	wm := whatsmeow.NewClient(deviceStore, nil)
	service := newService(wm, log)
	service.wm = wm
	wm.AddEventHandler(service.eventHandler)
	return service, nil
}

func newService(client Client, log zerolog.Logger) *Service {
	return &Service{
		client: client,
		log:    log.With().Str("component", "whatsapp").Logger(),
	}
}

// Connect connects to WhatsApp. On first run it writes the pairing QR code
// to out and blocks until the device is linked.
func (s *Service) Connect(ctx context.Context, out io.Writer) error {
	if s.wm.Store.ID != nil {
		if err := s.wm.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		return nil
	}

	qrChan, err := s.wm.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := s.wm.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			s.log.Info().Str("event", evt.Event).Msg("Login event")
			continue
		}
		q, err := qrcode.New(evt.Code, qrcode.Medium)
		if err != nil {
			fmt.Fprintf(out, "QR Code: %s\n", evt.Code)
			continue
		}
		fmt.Fprintln(out, "\n"+q.ToSmallString(false))
		fmt.Fprintln(out, "Scan the QR code above in WhatsApp under Settings > Linked Devices > Link a Device")
	}
	return nil
}

// Disconnect disconnects from WhatsApp
func (s *Service) Disconnect() {
	if s.wm != nil {
		s.wm.Disconnect()
	}
}

// Channel implements providers.Provider.
func (s *Service) Channel() models.Channel { return models.ChannelWhatsApp }

// Send implements providers.Provider. The recipient is verified on WhatsApp
// before the rendered body is sent.
func (s *Service) Send(ctx context.Context, msg providers.Message) providers.Result {
	if msg.Recipient == "" {
		return providers.Failure(models.KindNoContact, "", "recipient has no phone number")
	}
	if !s.client.IsLoggedIn() {
		return providers.Failure(models.KindConfigMissing, "NOT_LOGGED_IN", "whatsapp device is not linked")
	}

	phone := strings.TrimPrefix(msg.Recipient, "+")
	resp, err := s.client.IsOnWhatsApp(ctx, []string{"+" + phone})
	if err != nil {
		return classifyError(err)
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return providers.Failure(models.KindRejectedByProvider, "NOT_ON_WHATSAPP",
			fmt.Sprintf("number %s is not registered on WhatsApp", phone))
	}
	jid := resp[0].JID

	s.log.Debug().Str("jid", jid.String()).Str("template", msg.TemplateRef).Msg("Sending message")
	body := msg.Body
	sent, err := s.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body})
	if err != nil {
		return classifyError(err)
	}
	return providers.Sent(string(sent.ID))
}

// TestConnection implements providers.Provider.
func (s *Service) TestConnection(ctx context.Context) providers.ConnectionInfo {
	switch {
	case !s.client.IsLoggedIn():
		return providers.ConnectionInfo{Error: "device is not linked"}
	case !s.client.IsConnected():
		return providers.ConnectionInfo{Error: "not connected"}
	}
	info := "linked device"
	if s.wm != nil && s.wm.Store.ID != nil {
		info = fmt.Sprintf("linked as %s", s.wm.Store.ID.User)
	}
	return providers.ConnectionInfo{Success: true, AccountInfo: info}
}

// Reply sends a free-form text outside the dispatch pipeline, used for
// conversational acknowledgements of inbound messages.
func (s *Service) Reply(ctx context.Context, phone, text string) error {
	return s.Send(ctx, providers.Message{Recipient: phone, Body: text}).Err()
}

func classifyError(err error) providers.Result {
	switch {
	case errors.Is(err, whatsmeow.ErrNotLoggedIn):
		return providers.Failure(models.KindConfigMissing, "NOT_LOGGED_IN", err.Error())
	case errors.Is(err, whatsmeow.ErrNotConnected),
		errors.Is(err, whatsmeow.ErrIQTimedOut),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return providers.Failure(models.KindTransient, "", err.Error())
	case strings.Contains(err.Error(), "unknown server"), strings.Contains(err.Error(), "can't send message"):
		return providers.Failure(models.KindRejectedByProvider, "", err.Error())
	}
	return providers.Failure(models.KindTransient, "", err.Error())
}

// eventHandler handles incoming WhatsApp events
func (s *Service) eventHandler(evt interface{}) {
	switch evt := evt.(type) {
	case *events.Message:
		s.handleMessage(evt)
	case *events.Connected:
		s.log.Info().Msg("Connected to WhatsApp")
	case *events.Disconnected:
		s.log.Info().Msg("Disconnected from WhatsApp")
	case *events.LoggedOut:
		s.log.Warn().Msg("Logged out from WhatsApp")
	}
}

func (s *Service) handleMessage(msg *events.Message) {
	if msg.Info.IsFromMe || msg.Message == nil {
		return
	}
	text := msg.Message.GetConversation()
	if text == "" {
		text = msg.Message.GetExtendedTextMessage().GetText()
	}
	s.dispatchInbound(context.Background(), Inbound{
		MessageID:   string(msg.Info.ID),
		SenderPhone: senderPhone(msg.Info.MessageSource),
		Text:        text,
	})
}

// senderPhone returns the sender's phone number. Senders addressed by LID
// carry their phone-number JID in SenderAlt; without it there is no number.
func senderPhone(src types.MessageSource) string {
	if src.Sender.Server != types.HiddenUserServer {
		return src.Sender.User
	}
	if src.SenderAlt.Server == types.DefaultUserServer {
		return src.SenderAlt.User
	}
	return ""
}

func (s *Service) dispatchInbound(ctx context.Context, in Inbound) {
	if in.Text == "" {
		return
	}
	if in.SenderPhone == "" {
		s.log.Debug().Str("message", in.MessageID).Msg("Ignoring message without a sender phone number")
		return
	}
	if s.messageHandler == nil {
		s.log.Info().Str("sender", in.SenderPhone).Msg("Received message")
		return
	}
	if err := s.messageHandler(ctx, in); err != nil {
		s.log.Error().Err(err).Str("sender", in.SenderPhone).Msg("Error handling message")
	}
}

// SetMessageHandler sets a custom handler for incoming messages
func (s *Service) SetMessageHandler(handler MessageHandler) {
	s.messageHandler = handler
}
