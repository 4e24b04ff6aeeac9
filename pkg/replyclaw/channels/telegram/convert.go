package telegram

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
)

// Chat identifiers use the marked form: users are "<id>", basic groups
// "-<id>" and channels/supergroups "-100<id>".

const channelPrefix = "-100"

func markedID(p tg.PeerClass) string {
	switch v := p.(type) {
	case *tg.PeerUser:
		return strconv.FormatInt(v.UserID, 10)
	case *tg.PeerChat:
		return "-" + strconv.FormatInt(v.ChatID, 10)
	case *tg.PeerChannel:
		return channelPrefix + strconv.FormatInt(v.ChannelID, 10)
	default:
		return ""
	}
}

type peerKind int

const (
	kindUser peerKind = iota
	kindChat
	kindChannel
)

// parseMarkedID splits a marked ID into its kind and raw ID.
func parseMarkedID(id string) (peerKind, int64, bool) {
	kind := kindUser
	raw := id
	switch {
	case strings.HasPrefix(id, channelPrefix):
		kind, raw = kindChannel, strings.TrimPrefix(id, channelPrefix)
	case strings.HasPrefix(id, "-"):
		kind, raw = kindChat, strings.TrimPrefix(id, "-")
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, 0, false
	}
	return kind, n, true
}

// peerCache maps marked IDs to input peers (with access hashes) and
// display titles, learned from updates, history and dialogs.
type peerCache struct {
	mu     sync.RWMutex
	peers  map[string]tg.InputPeerClass
	titles map[string]string
}

func newPeerCache() *peerCache {
	return &peerCache{
		peers:  make(map[string]tg.InputPeerClass),
		titles: make(map[string]string),
	}
}

func (pc *peerCache) addUser(u *tg.User) {
	if u == nil {
		return
	}
	id := strconv.FormatInt(u.ID, 10)
	title := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if title == "" {
		title = u.Username
	}
	pc.mu.Lock()
	pc.peers[id] = &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}
	pc.titles[id] = title
	pc.mu.Unlock()
}

func (pc *peerCache) addChat(ch *tg.Chat) {
	id := "-" + strconv.FormatInt(ch.ID, 10)
	pc.mu.Lock()
	pc.peers[id] = &tg.InputPeerChat{ChatID: ch.ID}
	pc.titles[id] = ch.Title
	pc.mu.Unlock()
}

func (pc *peerCache) addChannel(ch *tg.Channel) {
	id := channelPrefix + strconv.FormatInt(ch.ID, 10)
	pc.mu.Lock()
	pc.peers[id] = &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
	pc.titles[id] = ch.Title
	pc.mu.Unlock()
}

func (pc *peerCache) addEntities(e tg.Entities) {
	for _, u := range e.Users {
		pc.addUser(u)
	}
	for _, ch := range e.Chats {
		pc.addChat(ch)
	}
	for _, ch := range e.Channels {
		pc.addChannel(ch)
	}
}

func (pc *peerCache) addLists(users []tg.UserClass, chats []tg.ChatClass) {
	for _, uc := range users {
		if u, ok := uc.(*tg.User); ok {
			pc.addUser(u)
		}
	}
	for _, cc := range chats {
		switch ch := cc.(type) {
		case *tg.Chat:
			pc.addChat(ch)
		case *tg.Channel:
			pc.addChannel(ch)
		}
	}
}

// input resolves a marked ID. Basic groups need no access hash and resolve
// without a cache entry.
func (pc *peerCache) input(id string) (tg.InputPeerClass, error) {
	pc.mu.RLock()
	p, ok := pc.peers[id]
	pc.mu.RUnlock()
	if ok {
		return p, nil
	}
	kind, raw, valid := parseMarkedID(id)
	if valid && kind == kindChat {
		return &tg.InputPeerChat{ChatID: raw}, nil
	}
	return nil, channels.ErrUnknownPeer
}

func (pc *peerCache) title(id string) string {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.titles[id]
}

func (pc *peerCache) len() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.peers)
}

// author returns the marked ID of the author of m.
func (c *conn) author(m *tg.Message) string {
	if m.Out {
		return c.selfID()
	}
	if from, ok := m.GetFromID(); ok {
		return markedID(from)
	}
	return markedID(m.PeerID)
}

func (c *conn) toIncoming(m *tg.Message) *channels.IncomingMessage {
	chatID := markedID(m.PeerID)
	from := c.author(m)
	_, isUser := m.PeerID.(*tg.PeerUser)

	msg := &channels.IncomingMessage{
		ID:         strconv.Itoa(m.ID),
		AccountID:  c.accountID,
		Platform:   "telegram",
		ChatID:     chatID,
		From:       from,
		FromName:   c.peers.title(from),
		IsGroup:    !isUser,
		FromSelf:   m.Out,
		Type:       channels.MessageText,
		Content:    m.Message,
		Timestamp:  time.Unix(int64(m.Date), 0),
		ReceivedAt: time.Now(),
	}
	if info := mediaInfo(m.Media); info != nil {
		msg.Media = info
		msg.Type = info.Type
	}
	return msg
}

func (c *conn) toHistory(m *tg.Message) channels.HistoryMessage {
	h := channels.HistoryMessage{
		ID:        strconv.Itoa(m.ID),
		ChatID:    markedID(m.PeerID),
		From:      c.author(m),
		Text:      m.Message,
		Type:      channels.MessageText,
		Timestamp: time.Unix(int64(m.Date), 0),
	}
	if info := mediaInfo(m.Media); info != nil {
		h.Type = info.Type
	}
	return h
}

// mediaInfo describes the attachment of a message, or nil.
func mediaInfo(mc tg.MessageMediaClass) *channels.MediaInfo {
	switch media := mc.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := media.Photo.(*tg.Photo)
		if !ok {
			return nil
		}
		thumb, size := largestPhotoSize(photo.Sizes)
		return &channels.MediaInfo{
			Type:     channels.MessageImage,
			MimeType: "image/jpeg",
			FileSize: int64(size),
			Ref: &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     thumb,
			},
		}

	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			return nil
		}
		info := &channels.MediaInfo{
			Type:     channels.MessageDocument,
			MimeType: doc.MimeType,
			FileSize: doc.Size,
			Ref: &tg.InputDocumentFileLocation{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
		}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeAudio:
				info.Type = channels.MessageAudio
				info.Voice = a.Voice
				info.Duration = a.Duration
			case *tg.DocumentAttributeVideo:
				info.Type = channels.MessageVideo
			case *tg.DocumentAttributeSticker:
				info.Type = channels.MessageSticker
			case *tg.DocumentAttributeFilename:
				info.Filename = a.FileName
			}
		}
		if info.Type == channels.MessageDocument && strings.HasPrefix(doc.MimeType, "image/") {
			info.Type = channels.MessageImage
		}
		return info

	case nil, *tg.MessageMediaEmpty:
		return nil

	default:
		return &channels.MediaInfo{Type: channels.MessageOther}
	}
}

// largestPhotoSize picks the biggest downloadable size.
func largestPhotoSize(sizes []tg.PhotoSizeClass) (string, int) {
	var (
		best     string
		bestSize int
	)
	for _, sc := range sizes {
		switch s := sc.(type) {
		case *tg.PhotoSize:
			if s.Size > bestSize {
				best, bestSize = s.Type, s.Size
			}
		case *tg.PhotoSizeProgressive:
			if n := len(s.Sizes); n > 0 && s.Sizes[n-1] > bestSize {
				best, bestSize = s.Type, s.Sizes[n-1]
			}
		}
	}
	return best, bestSize
}
