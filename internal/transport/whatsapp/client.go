// Package whatsapp wraps the WhatsMeow client for outbound sends, inbound
// message capture and delivery receipts.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
	"github.com/ajitkushawaha/lead-flow-ai/internal/metrics"
)

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
}

// InboundHandler receives text messages sent to the connected account.
type InboundHandler interface {
	HandleInbound(ctx context.Context, fromPhone, text string)
}

// StatusSink receives delivery and read receipts for sent messages.
type StatusSink interface {
	OnStatusUpdate(ctx context.Context, externalID string, status domain.DeliveryStatus) error
}

// Client wraps the WhatsMeow client and associated dependencies.
type Client struct {
	client  *whatsmeow.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	inbound InboundHandler
	sink    StatusSink
}

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client:  client,
		logger:  logger.With("component", "whatsapp"),
		metrics: m,
	}
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// SetInboundHandler registers the callback for incoming text messages.
func (c *Client) SetInboundHandler(h InboundHandler) {
	c.inbound = h
}

// SetStatusSink registers the callback for delivery and read receipts.
func (c *Client) SetStatusSink(s StatusSink) {
	c.sink = s
}

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
					c.logger.Info("scan the QR code with WhatsApp")
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

// Send delivers a text message to the lead's WhatsApp number and returns
// the message id used in subsequent receipts.
func (c *Client) Send(ctx context.Context, lead *domain.Lead, text string) (string, error) {
	jid, err := jidFromPhone(lead.Phone)
	if err != nil {
		return "", err
	}

	message := &waProto.Message{
		Conversation: proto.String(text),
	}
	resp, err := c.client.SendMessage(ctx, jid, message)
	if err != nil {
		return "", fmt.Errorf("send text: %w", err)
	}
	return string(resp.ID), nil
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Receipt:
		c.handleReceipt(v)
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	}
}

func (c *Client) handleMessage(evt *events.Message) {
	msg := evt.Message
	if msg == nil || evt.Info.IsFromMe {
		return
	}

	var text string
	switch {
	case msg.GetConversation() != "":
		text = msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		text = msg.GetExtendedTextMessage().GetText()
	default:
		c.logger.Info("ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	phone := evt.Info.Sender.ToNonAD().User
	c.logger.Info("received text message", "from", phone)

	if c.inbound != nil {
		go c.inbound.HandleInbound(context.Background(), phone, text)
	}
}

func (c *Client) handleReceipt(evt *events.Receipt) {
	if c.sink == nil {
		return
	}

	var status domain.DeliveryStatus
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		status = domain.StatusDelivered
	case types.ReceiptTypeRead:
		status = domain.StatusRead
	default:
		return
	}

	ctx := context.Background()
	for _, id := range evt.MessageIDs {
		if err := c.sink.OnStatusUpdate(ctx, string(id), status); err != nil {
			c.logger.Warn("apply receipt failed", "message_id", id, "error", err)
			if c.metrics != nil {
				c.metrics.Errors.WithLabelValues("whatsapp").Inc()
			}
		}
	}
}

// jidFromPhone builds a user JID from a phone number in any common
// formatting. WhatsApp JIDs carry bare digits without the plus.
func jidFromPhone(phone string) (types.JID, error) {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return types.JID{}, fmt.Errorf("phone %q has no digits", phone)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
