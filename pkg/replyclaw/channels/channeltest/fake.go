// Package channeltest provides in-memory channels.Platform and
// channels.Connection implementations for tests.
package channeltest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
)

// Sent is a message written through a Conn.
type Sent struct {
	ChatID    string
	ReplyToID string
	Text      string
	At        time.Time
}

// Conn is an in-memory channels.Connection.
type Conn struct {
	Account string
	Self    string
	Name    string

	// History maps chat ID to messages, newest first.
	History map[string][]channels.HistoryMessage

	// Media maps message ID to attachment bytes.
	Media map[string][]byte

	HistoryErr  error
	DownloadErr error
	SendErr     error
	PingErr     error

	mu           sync.Mutex
	in           chan *channels.IncomingMessage
	sent         []Sent
	selfSent     []string
	disconnected bool
	closeOnce    sync.Once
}

// NewConn creates a connection for account with the given self ID.
func NewConn(account, self string) *Conn {
	return &Conn{
		Account: account,
		Self:    self,
		Name:    "fake",
		History: make(map[string][]channels.HistoryMessage),
		Media:   make(map[string][]byte),
		in:      make(chan *channels.IncomingMessage, 64),
	}
}

// Deliver pushes msg onto the Receive channel.
func (c *Conn) Deliver(msg *channels.IncomingMessage) {
	if msg.AccountID == "" {
		msg.AccountID = c.Account
	}
	if msg.Platform == "" {
		msg.Platform = c.Name
	}
	c.in <- msg
}

func (c *Conn) AccountID() string { return c.Account }
func (c *Conn) Platform() string  { return c.Name }
func (c *Conn) SelfID() string    { return c.Self }

func (c *Conn) Receive() <-chan *channels.IncomingMessage { return c.in }

func (c *Conn) RecentMessages(_ context.Context, chatID string, limit int) ([]channels.HistoryMessage, error) {
	if c.HistoryErr != nil {
		return nil, c.HistoryErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.History[chatID]
	if len(h) > limit {
		h = h[:limit]
	}
	return append([]channels.HistoryMessage(nil), h...), nil
}

func (c *Conn) Download(_ context.Context, msg *channels.IncomingMessage, w io.Writer) error {
	if c.DownloadErr != nil {
		return c.DownloadErr
	}
	data, ok := c.Media[msg.ID]
	if !ok {
		return channels.ErrNoMedia
	}
	_, err := w.Write(data)
	return err
}

func (c *Conn) SendReply(_ context.Context, chatID, replyToID, text string) error {
	if c.SendErr != nil {
		return c.SendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return channels.ErrChannelDisconnected
	}
	c.sent = append(c.sent, Sent{ChatID: chatID, ReplyToID: replyToID, Text: text, At: time.Now()})
	return nil
}

func (c *Conn) SendSelf(_ context.Context, text string) error {
	if c.SendErr != nil {
		return c.SendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selfSent = append(c.selfSent, text)
	return nil
}

func (c *Conn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return channels.ErrChannelDisconnected
	}
	return c.PingErr
}

func (c *Conn) Health() channels.HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return channels.HealthStatus{Connected: !c.disconnected}
}

func (c *Conn) Disconnect() error {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.in) })
	return nil
}

// Sent returns the replies sent so far.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// SelfSent returns the texts sent to the self-chat.
func (c *Conn) SelfSent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.selfSent...)
}

// Disconnected reports whether Disconnect was called.
func (c *Conn) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// Platform is an in-memory channels.Platform. Codes are accepted when they
// equal Code; credentials are the account ID prefixed with "creds:".
type Platform struct {
	PlatformName string
	Code         string

	StartErr   error
	RestoreErr error

	// Block, when set, makes Complete wait until it is closed.
	Block chan struct{}

	// Entered, when set, receives a value each time Complete starts.
	Entered chan struct{}

	mu        sync.Mutex
	conns     []*Conn
	forgotten []string
	cancelled int
	starts    int
}

// NewPlatform creates a platform accepting code.
func NewPlatform(code string) *Platform {
	return &Platform{PlatformName: "fake", Code: code}
}

func (p *Platform) Name() string { return p.PlatformName }

func (p *Platform) StartLogin(ctx context.Context, accountID, _ string) (channels.LoginAttempt, error) {
	p.mu.Lock()
	p.starts++
	p.mu.Unlock()
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	return &attempt{p: p, account: accountID}, nil
}

func (p *Platform) Restore(_ context.Context, accountID string, creds []byte) (channels.Connection, error) {
	if p.RestoreErr != nil {
		return nil, p.RestoreErr
	}
	if string(creds) != "creds:"+accountID {
		return nil, channels.ErrCredentialsRejected
	}
	return p.newConn(accountID), nil
}

func (p *Platform) Forget(_ context.Context, accountID string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgotten = append(p.forgotten, accountID)
	return nil
}

func (p *Platform) newConn(accountID string) *Conn {
	c := NewConn(accountID, "self-"+accountID)
	c.Name = p.PlatformName
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	return c
}

// Conns returns every connection the platform has created.
func (p *Platform) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Conn(nil), p.conns...)
}

// Forgotten returns the accounts passed to Forget.
func (p *Platform) Forgotten() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.forgotten...)
}

// Cancelled returns how many attempts were cancelled.
func (p *Platform) Cancelled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// Starts returns how many logins were started.
func (p *Platform) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

type attempt struct {
	p       *Platform
	account string

	once sync.Once
}

func (a *attempt) DisplayCode() string { return "" }

func (a *attempt) Complete(ctx context.Context, code string) (channels.Connection, []byte, error) {
	if a.p.Entered != nil {
		a.p.Entered <- struct{}{}
	}
	if a.p.Block != nil {
		select {
		case <-a.p.Block:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if code != a.p.Code {
		return nil, nil, fmt.Errorf("code %q: %w", code, channels.ErrCodeRejected)
	}
	return a.p.newConn(a.account), []byte("creds:" + a.account), nil
}

func (a *attempt) Cancel() {
	a.once.Do(func() {
		a.p.mu.Lock()
		a.p.cancelled++
		a.p.mu.Unlock()
	})
}
