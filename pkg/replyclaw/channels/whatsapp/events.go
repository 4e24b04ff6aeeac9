// Package whatsapp – events.go processes whatsmeow events and converts
// messages into channels.IncomingMessage values.
package whatsapp

import (
	"fmt"
	"strings"
	"time"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
)

// ConnectionState represents the current connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateLoggedOut    ConnectionState = "logged_out"
	StateBanned       ConnectionState = "banned"
)

// handleEvent is the main whatsmeow event dispatcher.
func (c *conn) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		c.handleMessageEvt(evt)

	case *events.Connected:
		c.handleConnected()

	case *events.Disconnected:
		c.handleDisconnected()

	case *events.StreamReplaced:
		c.setState(StateDisconnected)
		c.connected.Store(false)
		c.logger.Error("whatsapp: stream replaced - another client took over this device")

	case *events.LoggedOut:
		c.handleLoggedOut(evt)

	case *events.TemporaryBan:
		c.setState(StateBanned)
		c.connected.Store(false)
		c.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)

	case *events.KeepAliveTimeout:
		c.handleKeepAliveTimeout(evt)

	case *events.KeepAliveRestored:
		c.logger.Info("whatsapp: keep-alive restored")
		c.errorCount.Store(0)

	case *events.ConnectFailure:
		c.handleConnectFailure(evt)

	case *events.PairSuccess:
		c.logger.Info("whatsapp: device paired", "jid", evt.ID, "platform", evt.Platform)
	}
}

func (c *conn) handleConnected() {
	c.setState(StateConnected)
	c.errorCount.Store(0)
	c.reconnectAttempts.Store(0)
	c.UpdateLastMsgTime()
	if c.active.Load() {
		c.connected.Store(true)
		c.logger.Info("whatsapp: reconnected", "jid", c.jid())
	}
	c.reportFirst(nil)
}

func (c *conn) handleDisconnected() {
	previous := c.getState()
	c.setState(StateDisconnected)
	c.connected.Store(false)
	c.logger.Warn("whatsapp: disconnected", "previous", previous)

	if previous == StateConnected && c.active.Load() && c.ctx.Err() == nil {
		go c.attemptReconnect()
	}
}

func (c *conn) handleLoggedOut(evt *events.LoggedOut) {
	c.setState(StateLoggedOut)
	c.connected.Store(false)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	c.logger.Error("whatsapp: logged out", "reason", reason, "on_connect", evt.OnConnect)
	c.reportFirst(fmt.Errorf("%w: logged out (%s)", channels.ErrCredentialsRejected, reason))
}

func (c *conn) handleKeepAliveTimeout(evt *events.KeepAliveTimeout) {
	c.logger.Warn("whatsapp: keep-alive timeout",
		"error_count", evt.ErrorCount,
		"last_success", evt.LastSuccess)
	c.errorCount.Add(1)

	// Repeated failures mean a half-open socket.
	if evt.ErrorCount >= 3 && c.getState() == StateConnected {
		c.setState(StateReconnecting)
		c.connected.Store(false)
		go c.attemptReconnect()
	}
}

func (c *conn) handleConnectFailure(evt *events.ConnectFailure) {
	c.setState(StateDisconnected)
	c.connected.Store(false)

	permanent := evt.PermanentDisconnectDescription()
	c.logger.Error("whatsapp: connect failure",
		"reason", evt.Reason.String(),
		"message", evt.Message,
		"permanent", permanent)

	if permanent != "" {
		if evt.Reason.IsLoggedOut() {
			c.setState(StateLoggedOut)
			c.reportFirst(fmt.Errorf("%w: %s", channels.ErrCredentialsRejected, permanent))
		} else {
			c.reportFirst(fmt.Errorf("whatsapp connect failure: %s", permanent))
		}
		return
	}
	if c.active.Load() && c.ctx.Err() == nil {
		go c.attemptReconnect()
	}
}

// handleMessageEvt converts, logs and emits one message.
func (c *conn) handleMessageEvt(evt *events.Message) {
	c.UpdateLastMsgTime()

	// Status broadcasts are not chats.
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	msg := c.toIncoming(evt)
	if msg.From != "" {
		c.senders.Add(msg.ID, evt.Info.Sender.ToNonAD().String())
	}

	c.record(channels.HistoryMessage{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		From:      msg.From,
		Text:      msg.Content,
		Type:      msg.Type,
		Timestamp: msg.Timestamp,
	})

	c.emitMessage(msg)
}

func (c *conn) toIncoming(evt *events.Message) *channels.IncomingMessage {
	msg := &channels.IncomingMessage{
		ID:         string(evt.Info.ID),
		AccountID:  c.accountID,
		Platform:   "whatsapp",
		ChatID:     c.resolve(evt.Info.Chat),
		From:       c.resolve(evt.Info.Sender),
		FromName:   evt.Info.PushName,
		IsGroup:    evt.Info.IsGroup,
		FromSelf:   evt.Info.IsFromMe,
		Timestamp:  evt.Info.Timestamp,
		ReceivedAt: time.Now(),
	}
	extractMessageContent(evt.Message, msg)
	return msg
}

// resolve maps LID addressing to the phone-number JID when the mapping is
// known, so chat IDs stay stable for chat settings.
func (c *conn) resolve(jid types.JID) string {
	jid = jid.ToNonAD()
	if jid.Server == types.HiddenUserServer && c.client.Store.LIDs != nil {
		if pn, err := c.client.Store.LIDs.GetPNForLID(c.ctx, jid); err == nil && !pn.IsEmpty() {
			return pn.String()
		}
	}
	return jid.String()
}

// extractMessageContent fills the type, text and media of msg.
func extractMessageContent(waMsg *waE2E.Message, msg *channels.IncomingMessage) {
	msg.Type = channels.MessageText
	if waMsg == nil {
		return
	}

	switch {
	case waMsg.Conversation != nil:
		msg.Content = waMsg.GetConversation()

	case waMsg.ExtendedTextMessage != nil:
		msg.Content = waMsg.GetExtendedTextMessage().GetText()

	case waMsg.ImageMessage != nil:
		img := waMsg.GetImageMessage()
		msg.Type = channels.MessageImage
		msg.Content = img.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageImage,
			MimeType: img.GetMimetype(),
			FileSize: int64(img.GetFileLength()),
			Ref:      img,
		}

	case waMsg.AudioMessage != nil:
		audio := waMsg.GetAudioMessage()
		msg.Type = channels.MessageAudio
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageAudio,
			MimeType: audio.GetMimetype(),
			FileSize: int64(audio.GetFileLength()),
			Duration: int(audio.GetSeconds()),
			Voice:    audio.GetPTT(),
			Ref:      audio,
		}

	case waMsg.VideoMessage != nil:
		video := waMsg.GetVideoMessage()
		msg.Type = channels.MessageVideo
		msg.Content = video.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageVideo,
			MimeType: video.GetMimetype(),
			FileSize: int64(video.GetFileLength()),
			Duration: int(video.GetSeconds()),
			Ref:      video,
		}

	case waMsg.DocumentMessage != nil:
		doc := waMsg.GetDocumentMessage()
		msg.Type = channels.MessageDocument
		msg.Content = doc.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageDocument,
			MimeType: doc.GetMimetype(),
			Filename: doc.GetFileName(),
			FileSize: int64(doc.GetFileLength()),
			Ref:      doc,
		}

	case waMsg.StickerMessage != nil:
		sticker := waMsg.GetStickerMessage()
		msg.Type = channels.MessageSticker
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageSticker,
			MimeType: sticker.GetMimetype(),
			FileSize: int64(sticker.GetFileLength()),
			Ref:      sticker,
		}

	default:
		msg.Type = channels.MessageOther
	}
}

// parseJID converts a string JID to types.JID.
// Accepts "5511999999999", "5511999999999@s.whatsapp.net" or group IDs
// like "123456789-1234@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := digitsOnly(s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
