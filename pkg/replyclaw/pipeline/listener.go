package pipeline

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/session"
)

var _ session.Listener = (*Pipeline)(nil)

// accountWorker consumes one connection. Messages are fanned out to one
// FIFO worker per chat, so a chat is processed in arrival order while
// different chats proceed concurrently.
type accountWorker struct {
	p    *Pipeline
	conn channels.Connection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	chats map[string]chan *channels.IncomingMessage
}

// SessionStarted starts consuming the session's connection. A worker still
// running for the same account is stopped first.
func (p *Pipeline) SessionStarted(s *session.Session) {
	p.workersMu.Lock()
	if p.closed {
		p.workersMu.Unlock()
		return
	}
	old := p.workers[s.AccountID]
	ctx, cancel := context.WithCancel(context.Background())
	w := &accountWorker{
		p:      p,
		conn:   s.Conn(),
		ctx:    ctx,
		cancel: cancel,
		chats:  make(map[string]chan *channels.IncomingMessage),
	}
	p.workers[s.AccountID] = w
	p.workersMu.Unlock()

	if old != nil {
		old.stop()
	}

	w.wg.Add(1)
	go w.run()
	p.logger.Info("listening", "account", s.AccountID, "platform", s.Platform)
}

// SessionStopped stops the worker consuming the session's connection.
func (p *Pipeline) SessionStopped(s *session.Session) {
	p.workersMu.Lock()
	w, ok := p.workers[s.AccountID]
	if ok && w.conn == s.Conn() {
		delete(p.workers, s.AccountID)
	} else {
		w = nil
	}
	p.workersMu.Unlock()

	if w != nil {
		w.stop()
		p.logger.Info("stopped listening", "account", s.AccountID)
	}
}

// Listening returns the accounts currently being consumed.
func (p *Pipeline) Listening() []string {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()
	out := make([]string, 0, len(p.workers))
	for id := range p.workers {
		out = append(out, id)
	}
	return out
}

// Close stops every worker. Replies already past their completion still go
// out.
func (p *Pipeline) Close() {
	p.workersMu.Lock()
	p.closed = true
	workers := p.workers
	p.workers = make(map[string]*accountWorker)
	p.workersMu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}

func (w *accountWorker) stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *accountWorker) run() {
	defer w.wg.Done()
	in := w.conn.Receive()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			w.dispatch(msg)
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *accountWorker) dispatch(msg *channels.IncomingMessage) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = w.p.now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	q, ok := w.chats[msg.ChatID]
	if !ok {
		q = make(chan *channels.IncomingMessage, w.p.cfg.ChatQueueSize)
		w.chats[msg.ChatID] = q
		w.wg.Add(1)
		go w.runChat(msg.ChatID, q)
	}

	select {
	case q <- msg:
	default:
		w.p.logger.Warn("chat backlog full, message dropped",
			"account", w.conn.AccountID(), "chat", msg.ChatID, "message_id", msg.ID)
		w.p.metrics.IncMessage(w.conn.Platform(), "backlog_full")
	}
}

func (w *accountWorker) runChat(chatID string, q chan *channels.IncomingMessage) {
	defer w.wg.Done()

	idle := time.NewTimer(w.p.cfg.ChatIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case msg := <-q:
			w.handle(msg)
			idle.Reset(w.p.cfg.ChatIdleTimeout)

		case <-idle.C:
			w.mu.Lock()
			if len(q) == 0 {
				delete(w.chats, chatID)
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
			idle.Reset(w.p.cfg.ChatIdleTimeout)

		case <-w.ctx.Done():
			return
		}
	}
}

// handle runs one message, containing any panic to that message.
func (w *accountWorker) handle(msg *channels.IncomingMessage) {
	defer func() {
		if r := recover(); r != nil {
			w.p.logger.Error("panic while handling message",
				"account", w.conn.AccountID(), "chat", msg.ChatID, "message_id", msg.ID,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	w.p.Handle(w.ctx, w.conn, msg)
}
