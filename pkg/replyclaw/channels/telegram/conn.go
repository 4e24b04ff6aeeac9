package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
)

// conn is one MTProto client. It exists before authorization (during
// login) and becomes a usable connection once activated.
type conn struct {
	accountID string
	warmup    int
	logger    *slog.Logger

	storage *memorySession
	client  *telegram.Client
	gaps    *updates.Manager
	sender  *message.Sender
	dl      *downloader.Downloader
	peers   *peerCache

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
	runErr error

	self      atomic.Pointer[tg.User]
	connected atomic.Bool

	inMu   sync.RWMutex
	in     chan *channels.IncomingMessage
	closed bool

	lastMsg atomic.Int64
	errors  atomic.Int64

	disconnectOnce sync.Once
}

var (
	_ channels.Connection = (*conn)(nil)
	_ channels.ChatLister = (*conn)(nil)
)

func (p *Platform) newConn(accountID string, storage *memorySession) *conn {
	c := &conn{
		accountID: accountID,
		warmup:    p.cfg.DialogWarmup,
		logger:    p.logger.With("account", accountID),
		storage:   storage,
		dl:        downloader.NewDownloader(),
		peers:     newPeerCache(),
		in:        make(chan *channels.IncomingMessage, 256),
		done:      make(chan struct{}),
	}

	d := tg.NewUpdateDispatcher()
	d.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.onMessage(ctx, e, u.Message)
		return nil
	})
	d.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.onMessage(ctx, e, u.Message)
		return nil
	})
	c.gaps = updates.New(updates.Config{Handler: d})
	c.client = p.newClient(storage, c.gaps)
	return c
}

// start runs the MTProto client in the background and returns once it is
// connected.
func (c *conn) start(ctx context.Context) error {
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	ready := make(chan struct{})

	go func() {
		defer close(c.done)
		c.runErr = c.client.Run(c.runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-ready:
		return nil
	case <-c.done:
		return fmt.Errorf("telegram connect: %w", c.runErr)
	case <-ctx.Done():
		c.cancel()
		<-c.done
		return fmt.Errorf("telegram connect: %w", ctx.Err())
	}
}

// activate marks the connection authorized, warms the peer cache and
// starts receiving updates.
func (c *conn) activate(ctx context.Context, self *tg.User) error {
	api := c.client.API()
	c.self.Store(self)
	c.sender = message.NewSender(api)
	c.peers.addUser(self)

	if err := c.warmPeers(ctx); err != nil {
		c.logger.Warn("dialog warmup failed", "error", err)
	}

	go func() {
		err := c.gaps.Run(c.runCtx, api, self.ID, updates.AuthOptions{
			OnStart: func(context.Context) { c.logger.Info("telegram updates started") },
		})
		if err != nil && c.runCtx.Err() == nil {
			c.errors.Add(1)
			c.connected.Store(false)
			c.logger.Error("telegram updates stopped", "error", err)
		}
	}()

	c.connected.Store(true)
	c.logger.Info("telegram connected", "self", self.ID, "username", self.Username)
	return nil
}

func (c *conn) active() bool { return c.self.Load() != nil }

func (c *conn) warmPeers(ctx context.Context) error {
	_, err := c.ListChats(ctx, c.warmup)
	return err
}

func (c *conn) onMessage(ctx context.Context, e tg.Entities, mc tg.MessageClass) {
	m, ok := mc.(*tg.Message)
	if !ok {
		return
	}
	c.peers.addEntities(e)

	msg := c.toIncoming(m)
	c.lastMsg.Store(time.Now().UnixNano())

	c.inMu.RLock()
	defer c.inMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.in <- msg:
	case <-ctx.Done():
	}
}

func (c *conn) selfID() string {
	if u := c.self.Load(); u != nil {
		return strconv.FormatInt(u.ID, 10)
	}
	return ""
}

func (c *conn) AccountID() string { return c.accountID }
func (c *conn) Platform() string  { return "telegram" }
func (c *conn) SelfID() string    { return c.selfID() }

func (c *conn) Receive() <-chan *channels.IncomingMessage { return c.in }

func (c *conn) RecentMessages(ctx context.Context, chatID string, limit int) ([]channels.HistoryMessage, error) {
	peer, err := c.peers.input(chatID)
	if err != nil {
		return nil, err
	}
	res, err := c.client.API().MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  peer,
		Limit: limit,
	})
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("get history: %w", err)
	}

	var msgs []tg.MessageClass
	switch r := res.(type) {
	case *tg.MessagesMessages:
		c.peers.addLists(r.Users, r.Chats)
		msgs = r.Messages
	case *tg.MessagesMessagesSlice:
		c.peers.addLists(r.Users, r.Chats)
		msgs = r.Messages
	case *tg.MessagesChannelMessages:
		c.peers.addLists(r.Users, r.Chats)
		msgs = r.Messages
	default:
		return nil, nil
	}

	out := make([]channels.HistoryMessage, 0, len(msgs))
	for _, mc := range msgs {
		m, ok := mc.(*tg.Message)
		if !ok {
			continue
		}
		out = append(out, c.toHistory(m))
	}
	return out, nil
}

func (c *conn) Download(ctx context.Context, msg *channels.IncomingMessage, w io.Writer) error {
	if msg.Media == nil {
		return channels.ErrNoMedia
	}
	loc, ok := msg.Media.Ref.(tg.InputFileLocationClass)
	if !ok {
		return channels.ErrNoMedia
	}
	if _, err := c.dl.Download(c.client.API(), loc).Stream(ctx, w); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("%w: %v", channels.ErrMediaDownloadFailed, err)
	}
	return nil
}

func (c *conn) SendReply(ctx context.Context, chatID, replyToID, text string) error {
	if !c.connected.Load() || c.sender == nil {
		return channels.ErrChannelDisconnected
	}
	peer, err := c.peers.input(chatID)
	if err != nil {
		return err
	}
	to := c.sender.To(peer)
	if id, convErr := strconv.Atoi(replyToID); convErr == nil {
		_, err = to.Reply(id).Text(ctx, text)
	} else {
		_, err = to.Text(ctx, text)
	}
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// SendSelf writes to Saved Messages.
func (c *conn) SendSelf(ctx context.Context, text string) error {
	if c.sender == nil {
		return channels.ErrChannelDisconnected
	}
	if _, err := c.sender.Self().Text(ctx, text); err != nil {
		return fmt.Errorf("send to saved messages: %w", err)
	}
	return nil
}

func (c *conn) Ping(ctx context.Context) error {
	if _, err := c.client.Self(ctx); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("telegram ping: %w", err)
	}
	return nil
}

func (c *conn) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  c.connected.Load(),
		ErrorCount: int(c.errors.Load()),
		Details: map[string]any{
			"peers": c.peers.len(),
		},
	}
	if ns := c.lastMsg.Load(); ns > 0 {
		h.LastMessageAt = time.Unix(0, ns)
	}
	return h
}

func (c *conn) Disconnect() error {
	c.disconnectOnce.Do(func() {
		c.connected.Store(false)
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
		c.inMu.Lock()
		c.closed = true
		close(c.in)
		c.inMu.Unlock()
		c.logger.Info("telegram disconnected")
	})
	return nil
}

// ListChats returns the most recent dialogs.
func (c *conn) ListChats(ctx context.Context, limit int) ([]channels.ChatInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := c.client.API().MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get dialogs: %w", err)
	}

	var (
		dialogs []tg.DialogClass
		msgs    []tg.MessageClass
	)
	switch r := res.(type) {
	case *tg.MessagesDialogs:
		c.peers.addLists(r.Users, r.Chats)
		dialogs, msgs = r.Dialogs, r.Messages
	case *tg.MessagesDialogsSlice:
		c.peers.addLists(r.Users, r.Chats)
		dialogs, msgs = r.Dialogs, r.Messages
	default:
		return nil, nil
	}

	dates := make(map[string]time.Time, len(msgs))
	for _, mc := range msgs {
		if m, ok := mc.(*tg.Message); ok {
			dates[markedID(m.PeerID)] = time.Unix(int64(m.Date), 0)
		}
	}

	out := make([]channels.ChatInfo, 0, len(dialogs))
	for _, dc := range dialogs {
		d, ok := dc.(*tg.Dialog)
		if !ok {
			continue
		}
		id := markedID(d.Peer)
		_, isUser := d.Peer.(*tg.PeerUser)
		out = append(out, channels.ChatInfo{
			ID:           id,
			Title:        c.peers.title(id),
			IsGroup:      !isUser,
			LastActivity: dates[id],
		})
	}
	return out, nil
}
