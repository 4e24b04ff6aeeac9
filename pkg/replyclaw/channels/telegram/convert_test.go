package telegram

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/gotd/td/tg"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
)

func TestMarkedID(t *testing.T) {
	tests := []struct {
		peer tg.PeerClass
		want string
	}{
		{&tg.PeerUser{UserID: 42}, "42"},
		{&tg.PeerChat{ChatID: 7}, "-7"},
		{&tg.PeerChannel{ChannelID: 1234}, "-1001234"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := markedID(tt.peer); got != tt.want {
			t.Errorf("markedID(%v) = %q, want %q", tt.peer, got, tt.want)
		}
	}
}

func TestParseMarkedID(t *testing.T) {
	tests := []struct {
		in   string
		kind peerKind
		id   int64
		ok   bool
	}{
		{"42", kindUser, 42, true},
		{"-7", kindChat, 7, true},
		{"-1001234", kindChannel, 1234, true},
		{"abc", 0, 0, false},
		{"", 0, 0, false},
		{"-", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			kind, id, ok := parseMarkedID(tt.in)
			if ok != tt.ok || kind != tt.kind || id != tt.id {
				t.Errorf("parseMarkedID(%q) = (%v, %d, %v), want (%v, %d, %v)", tt.in, kind, id, ok, tt.kind, tt.id, tt.ok)
			}
		})
	}
}

func TestPeerCache(t *testing.T) {
	pc := newPeerCache()
	pc.addLists(
		[]tg.UserClass{&tg.User{ID: 5, AccessHash: 99, FirstName: "Ana", LastName: "Lima"}},
		[]tg.ChatClass{
			&tg.Chat{ID: 8, Title: "family"},
			&tg.Channel{ID: 300, AccessHash: 11, Title: "news"},
		},
	)

	t.Run("user", func(t *testing.T) {
		p, err := pc.input("5")
		if err != nil {
			t.Fatal(err)
		}
		u, ok := p.(*tg.InputPeerUser)
		if !ok || u.AccessHash != 99 {
			t.Errorf("input(5) = %#v", p)
		}
		if got := pc.title("5"); got != "Ana Lima" {
			t.Errorf("title = %q", got)
		}
	})

	t.Run("channel", func(t *testing.T) {
		p, err := pc.input("-100300")
		if err != nil {
			t.Fatal(err)
		}
		if ch, ok := p.(*tg.InputPeerChannel); !ok || ch.AccessHash != 11 {
			t.Errorf("input(-100300) = %#v", p)
		}
	})

	t.Run("uncached basic group", func(t *testing.T) {
		p, err := pc.input("-55")
		if err != nil {
			t.Fatal(err)
		}
		if ch, ok := p.(*tg.InputPeerChat); !ok || ch.ChatID != 55 {
			t.Errorf("input(-55) = %#v", p)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		if _, err := pc.input("777"); !errors.Is(err, channels.ErrUnknownPeer) {
			t.Errorf("err = %v, want ErrUnknownPeer", err)
		}
	})
}

func TestMediaInfo(t *testing.T) {
	t.Run("voice note", func(t *testing.T) {
		info := mediaInfo(&tg.MessageMediaDocument{Document: &tg.Document{
			ID:       1,
			MimeType: "audio/ogg",
			Size:     2048,
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeAudio{Voice: true, Duration: 4},
			},
		}})
		if info == nil || info.Type != channels.MessageAudio || !info.Voice || info.Duration != 4 {
			t.Fatalf("info = %#v", info)
		}
		if _, ok := info.Ref.(*tg.InputDocumentFileLocation); !ok {
			t.Errorf("ref = %T", info.Ref)
		}
	})

	t.Run("music file is not voice", func(t *testing.T) {
		info := mediaInfo(&tg.MessageMediaDocument{Document: &tg.Document{
			MimeType:   "audio/mpeg",
			Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeAudio{Title: "song"}},
		}})
		if info.Type != channels.MessageAudio || info.Voice {
			t.Errorf("info = %#v", info)
		}
	})

	t.Run("photo uses largest size", func(t *testing.T) {
		info := mediaInfo(&tg.MessageMediaPhoto{Photo: &tg.Photo{
			ID: 3,
			Sizes: []tg.PhotoSizeClass{
				&tg.PhotoSize{Type: "s", Size: 100},
				&tg.PhotoSize{Type: "x", Size: 9000},
				&tg.PhotoSizeProgressive{Type: "y", Sizes: []int{1000, 5000}},
			},
		}})
		if info == nil || info.Type != channels.MessageImage {
			t.Fatalf("info = %#v", info)
		}
		loc, ok := info.Ref.(*tg.InputPhotoFileLocation)
		if !ok || loc.ThumbSize != "x" {
			t.Errorf("ref = %#v", info.Ref)
		}
	})

	t.Run("image document", func(t *testing.T) {
		info := mediaInfo(&tg.MessageMediaDocument{Document: &tg.Document{MimeType: "image/png"}})
		if info.Type != channels.MessageImage {
			t.Errorf("type = %s", info.Type)
		}
	})

	t.Run("no media", func(t *testing.T) {
		if info := mediaInfo(nil); info != nil {
			t.Errorf("info = %#v", info)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		info := mediaInfo(&tg.MessageMediaGeo{})
		if info == nil || info.Type != channels.MessageOther {
			t.Errorf("info = %#v", info)
		}
	})
}

func TestToIncoming(t *testing.T) {
	p, err := New(Config{APIID: 1, APIHash: "hash"}, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	if err != nil {
		t.Fatal(err)
	}
	c := p.newConn("+15550001", &memorySession{})
	c.self.Store(&tg.User{ID: 10})
	c.peers.addUser(&tg.User{ID: 20, FirstName: "Bob"})

	t.Run("incoming dm", func(t *testing.T) {
		msg := c.toIncoming(&tg.Message{ID: 5, PeerID: &tg.PeerUser{UserID: 20}, Message: "hi", Date: 1700000000})
		if msg.ID != "5" || msg.ChatID != "20" || msg.From != "20" || msg.FromName != "Bob" {
			t.Errorf("msg = %#v", msg)
		}
		if msg.FromSelf || msg.IsGroup || msg.Type != channels.MessageText {
			t.Errorf("msg = %#v", msg)
		}
	})

	t.Run("outgoing", func(t *testing.T) {
		msg := c.toIncoming(&tg.Message{ID: 6, Out: true, PeerID: &tg.PeerUser{UserID: 20}, Message: "yo"})
		if !msg.FromSelf || msg.From != "10" {
			t.Errorf("msg = %#v", msg)
		}
	})

	t.Run("group", func(t *testing.T) {
		m := &tg.Message{ID: 7, PeerID: &tg.PeerChannel{ChannelID: 9}, Message: "hey"}
		m.SetFromID(&tg.PeerUser{UserID: 20})
		msg := c.toIncoming(m)
		if !msg.IsGroup || msg.ChatID != "-1009" || msg.From != "20" {
			t.Errorf("msg = %#v", msg)
		}
	})
}

func TestNewRequiresAppCredentials(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected error without api_id/api_hash")
	}
}

func TestMemorySession(t *testing.T) {
	s := &memorySession{}
	if _, err := s.LoadSession(t.Context()); err == nil {
		t.Error("expected not found on empty session")
	}
	if err := s.StoreSession(t.Context(), []byte("abc")); err != nil {
		t.Fatal(err)
	}
	got := s.Bytes()
	got[0] = 'z'
	if data, _ := s.LoadSession(t.Context()); string(data) != "abc" {
		t.Errorf("session = %q", data)
	}
}
