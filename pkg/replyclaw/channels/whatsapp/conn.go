package whatsapp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
)

// conn is one linked device.
type conn struct {
	accountID string
	cfg       Config
	client    *whatsmeow.Client
	history   History
	logger    *slog.Logger

	// messages is the channel for incoming messages.
	messages       chan *channels.IncomingMessage
	messagesClosed atomic.Bool
	closeMu        sync.RWMutex

	// first reports the outcome of the first connection attempt.
	first     chan error
	firstOnce sync.Once

	// senders maps recent message IDs to their sender JID so replies can
	// quote them.
	senders *lru.Cache[string, string]

	active            atomic.Bool
	connected         atomic.Bool
	state             atomic.Value // ConnectionState
	lastMsg           atomic.Value // time.Time
	errorCount        atomic.Int64
	reconnectAttempts atomic.Int32
	reconnectGuard    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

var _ channels.Connection = (*conn)(nil)

func (p *Platform) newConn(accountID string, device *store.Device) *conn {
	senders, _ := lru.New[string, string](1024)
	c := &conn{
		accountID: accountID,
		cfg:       p.cfg,
		history:   p.history,
		logger:    p.logger.With("account", accountID),
		messages:  make(chan *channels.IncomingMessage, 256),
		first:     make(chan error, 1),
		senders:   senders,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.setState(StateConnecting)

	c.client = whatsmeow.NewClient(device, waLog.Noop)
	c.client.AddEventHandler(c.handleEvent)
	c.client.EnableAutoReconnect = true
	return c
}

// activate starts health monitoring once the device is logged in.
func (c *conn) activate() {
	if !c.active.CompareAndSwap(false, true) {
		return
	}
	c.connected.Store(true)
	c.setState(StateConnected)
	c.UpdateLastMsgTime()
	c.StartHealthMonitor(c.ctx, c.cfg.HealthMonitor)
	c.logger.Info("whatsapp: connected", "jid", c.jid())
}

func (c *conn) reportFirst(err error) {
	c.firstOnce.Do(func() { c.first <- err })
}

func (c *conn) getState() ConnectionState {
	if v := c.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

func (c *conn) setState(state ConnectionState) {
	c.state.Store(state)
}

func (c *conn) jid() string {
	if c.client.Store.ID != nil {
		return c.client.Store.ID.ToNonAD().String()
	}
	return ""
}

func (c *conn) AccountID() string { return c.accountID }
func (c *conn) Platform() string  { return "whatsapp" }
func (c *conn) SelfID() string    { return c.jid() }

func (c *conn) Receive() <-chan *channels.IncomingMessage { return c.messages }

func (c *conn) RecentMessages(ctx context.Context, chatID string, limit int) ([]channels.HistoryMessage, error) {
	return c.history.Recent(ctx, c.accountID, chatID, limit)
}

// Download fetches and decrypts the attachment of msg.
func (c *conn) Download(ctx context.Context, msg *channels.IncomingMessage, w io.Writer) error {
	if msg.Media == nil {
		return channels.ErrNoMedia
	}
	dm, ok := msg.Media.Ref.(whatsmeow.DownloadableMessage)
	if !ok {
		return channels.ErrNoMedia
	}
	data, err := c.client.Download(ctx, dm)
	if err != nil {
		c.errorCount.Add(1)
		return fmt.Errorf("%w: %v", channels.ErrMediaDownloadFailed, err)
	}
	_, err = io.Copy(w, bytes.NewReader(data))
	return err
}

// SendReply sends text quoting replyToID.
func (c *conn) SendReply(ctx context.Context, chatID, replyToID, text string) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	to, err := parseJID(chatID)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", chatID, err)
	}

	participant, _ := c.senders.Get(replyToID)
	resp, err := c.client.SendMessage(ctx, to, buildReply(text, replyToID, participant))
	if err != nil {
		c.errorCount.Add(1)
		return fmt.Errorf("sending message: %w", err)
	}

	c.record(channels.HistoryMessage{
		ID:        string(resp.ID),
		ChatID:    chatID,
		From:      c.jid(),
		Text:      text,
		Type:      channels.MessageText,
		Timestamp: resp.Timestamp,
	})
	return nil
}

// SendSelf messages the account's own number.
func (c *conn) SendSelf(ctx context.Context, text string) error {
	if c.client.Store.ID == nil {
		return channels.ErrChannelDisconnected
	}
	self := c.client.Store.ID.ToNonAD()
	if _, err := c.client.SendMessage(ctx, self, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
		return fmt.Errorf("sending self message: %w", err)
	}
	return nil
}

// Ping refreshes presence, which requires a live logged-in socket.
func (c *conn) Ping(ctx context.Context) error {
	if !c.client.IsLoggedIn() {
		if c.getState() == StateLoggedOut {
			return channels.ErrCredentialsRejected
		}
		return channels.ErrChannelDisconnected
	}
	if err := c.client.SendPresence(ctx, types.PresenceAvailable); err != nil {
		c.errorCount.Add(1)
		return fmt.Errorf("whatsapp ping: %w", err)
	}
	return nil
}

// Health returns the connection health status.
func (c *conn) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  c.connected.Load(),
		ErrorCount: int(c.errorCount.Load()),
		Details:    make(map[string]any),
	}
	if t, ok := c.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	h.Details["state"] = string(c.getState())
	if c.client.Store.ID != nil {
		h.Details["jid"] = c.jid()
		h.Details["platform"] = c.client.Store.Platform
	}
	h.Details["reconnect_attempts"] = c.reconnectAttempts.Load()
	return h
}

// Disconnect closes the socket and the Receive channel. Device keys stay in
// the store.
func (c *conn) Disconnect() error {
	c.setState(StateDisconnected)
	c.connected.Store(false)
	c.cancel()
	c.client.Disconnect()

	c.closeMu.Lock()
	if c.messagesClosed.CompareAndSwap(false, true) {
		close(c.messages)
	}
	c.closeMu.Unlock()

	c.logger.Info("whatsapp: disconnected")
	return nil
}

// attemptReconnect tries to reconnect with linear backoff until it succeeds
// or the attempt budget runs out.
func (c *conn) attemptReconnect() {
	if !c.reconnectGuard.CompareAndSwap(false, true) {
		c.logger.Debug("whatsapp: reconnect already in progress, skipping")
		return
	}
	defer c.reconnectGuard.Store(false)

	c.setState(StateReconnecting)

	for {
		if c.ctx.Err() != nil {
			return
		}

		attempts := c.reconnectAttempts.Add(1)
		if c.cfg.MaxReconnectAttempts > 0 && attempts > int32(c.cfg.MaxReconnectAttempts) {
			c.logger.Error("whatsapp: max reconnect attempts reached", "attempts", attempts)
			c.setState(StateDisconnected)
			return
		}

		backoff := min(c.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)
		c.logger.Info("whatsapp: attempting reconnect", "attempt", attempts, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-c.ctx.Done():
			return
		}

		// Clear stale websocket state first.
		if c.client.IsConnected() {
			c.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}

		if err := c.client.Connect(); err != nil {
			c.logger.Warn("whatsapp: reconnect attempt failed, will retry", "attempt", attempts, "error", err)
			continue
		}

		// The Connected event updates state.
		c.logger.Info("whatsapp: reconnect initiated, waiting for confirmation")
		return
	}
}

// emitMessage hands msg to the receiver without blocking the event loop.
func (c *conn) emitMessage(msg *channels.IncomingMessage) {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.messagesClosed.Load() {
		return
	}

	select {
	case c.messages <- msg:
	case <-c.ctx.Done():
	default:
		c.logger.Warn("whatsapp: message channel full, dropping message",
			"chat", msg.ChatID, "type", msg.Type)
	}
}

// record appends to the message log; failures only lose context.
func (c *conn) record(msg channels.HistoryMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.history.Append(ctx, c.accountID, msg); err != nil {
		c.logger.Warn("whatsapp: message log append failed", "error", err)
	}
}

func buildReply(text, replyToID, participant string) *waE2E.Message {
	if replyToID == "" {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	ctxInfo := &waE2E.ContextInfo{StanzaID: proto.String(replyToID)}
	if participant != "" {
		ctxInfo.Participant = proto.String(participant)
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(text),
			ContextInfo: ctxInfo,
		},
	}
}
