package discord

import (
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/pauline2k/weave-bot-orb/internal/bus"
	"github.com/pauline2k/weave-bot-orb/internal/channels"
	"github.com/pauline2k/weave-bot-orb/internal/store"
)

type fakeAPI struct {
	sent      []string
	edited    map[string]string
	deleted   []string
	sendErr   error
	editErr   error
	deleteErr error
	lastRef   *discordgo.MessageReference
}

func (f *fakeAPI) ChannelMessageSendReply(channelID, content string, ref *discordgo.MessageReference, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, content)
	f.lastRef = ref
	return &discordgo.Message{ID: "bot-msg-1", ChannelID: channelID}, nil
}

func (f *fakeAPI) ChannelMessageEdit(channelID, messageID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.editErr != nil {
		return nil, f.editErr
	}
	if f.edited == nil {
		f.edited = map[string]string{}
	}
	f.edited[messageID] = content
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, nil
}

func (f *fakeAPI) ChannelMessageDelete(_, messageID string, _ ...discordgo.RequestOption) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

func newTestChannel(api restAPI, b bus.InboundRouter) *Channel {
	c := &Channel{
		BaseChannel: channels.NewBaseChannel(Name, b, []string{"chan-1"}, nil),
		api:         api,
	}
	c.setBotUserID("bot-1")
	return c
}

func restErr(status, code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "boom"},
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unknown message", restErr(http.StatusNotFound, codeUnknownMessage), channels.ErrMessageNotFound},
		{"plain 404", restErr(http.StatusNotFound, 0), channels.ErrMessageNotFound},
		{"missing perms", restErr(http.StatusForbidden, codeMissingPerms), channels.ErrForbidden},
		{"plain 403", restErr(http.StatusForbidden, 0), channels.ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mapError(tc.err); !errors.Is(got, tc.want) {
				t.Fatalf("expected %v, got: %v", tc.want, got)
			}
		})
	}

	other := errors.New("network down")
	if got := mapError(other); got != other {
		t.Fatalf("expected non-REST error unchanged, got: %v", got)
	}
	if got := mapError(restErr(http.StatusInternalServerError, 0)); errors.Is(got, channels.ErrMessageNotFound) || errors.Is(got, channels.ErrForbidden) {
		t.Fatalf("expected 500 to stay unmapped, got: %v", got)
	}
}

func TestPostRepliesToSource(t *testing.T) {
	api := &fakeAPI{}
	c := newTestChannel(api, bus.New(1))

	ref, err := c.Post(t.Context(), store.MessageRef{Platform: Name, ChatID: "chan-1", MessageID: "user-msg"}, "hello")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	want := store.MessageRef{Platform: Name, ChatID: "chan-1", MessageID: "bot-msg-1"}
	if ref != want {
		t.Fatalf("expected %+v, got: %+v", want, ref)
	}
	if api.lastRef == nil || api.lastRef.MessageID != "user-msg" {
		t.Fatalf("expected reply reference to user-msg, got: %+v", api.lastRef)
	}
}

func TestEditMissingMessage(t *testing.T) {
	api := &fakeAPI{editErr: restErr(http.StatusNotFound, codeUnknownMessage)}
	c := newTestChannel(api, bus.New(1))

	err := c.Edit(t.Context(), store.MessageRef{Platform: Name, ChatID: "chan-1", MessageID: "gone"}, "x")
	if !errors.Is(err, channels.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got: %v", err)
	}
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	api := &fakeAPI{deleteErr: restErr(http.StatusNotFound, codeUnknownMessage)}
	c := newTestChannel(api, bus.New(1))

	if err := c.Delete(t.Context(), store.MessageRef{Platform: Name, ChatID: "chan-1", MessageID: "gone"}); err != nil {
		t.Fatalf("expected nil, got: %v", err)
	}

	api.deleteErr = restErr(http.StatusForbidden, codeMissingPerms)
	if err := c.Delete(t.Context(), store.MessageRef{Platform: Name, ChatID: "chan-1", MessageID: "x"}); !errors.Is(err, channels.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got: %v", err)
	}
}

func TestHandleMessage(t *testing.T) {
	b := bus.New(4)
	c := newTestChannel(&fakeAPI{}, b)

	event := func(author *discordgo.User, channelID string) *discordgo.MessageCreate {
		return &discordgo.MessageCreate{Message: &discordgo.Message{
			ID:        "m-" + author.ID,
			ChannelID: channelID,
			GuildID:   "guild-1",
			Author:    author,
			Content:   "see https://example.com/e",
			Attachments: []*discordgo.MessageAttachment{
				{URL: "https://cdn.example/flyer.png", ContentType: "image/png", Filename: "flyer.png", Size: 1234},
			},
		}}
	}

	c.handleMessage(nil, event(&discordgo.User{ID: "bot-1"}, "chan-1"))
	c.handleMessage(nil, event(&discordgo.User{ID: "other-bot", Bot: true}, "chan-1"))
	c.handleMessage(nil, event(&discordgo.User{ID: "u1"}, "elsewhere"))
	if b.Len() != 0 {
		t.Fatalf("expected bot and off-list messages dropped, got %d queued", b.Len())
	}

	c.handleMessage(nil, event(&discordgo.User{ID: "u1", Username: "ann", GlobalName: "Ann"}, "chan-1"))
	msg, ok := b.ConsumeInbound(t.Context())
	if !ok {
		t.Fatal("expected a message on the bus")
	}
	if msg.Channel != Name || msg.ChatID != "chan-1" || msg.MessageID != "m-u1" || msg.PeerKind != bus.PeerGroup {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if len(msg.Media) != 1 || !msg.Media[0].IsImage() || msg.Media[0].Size != 1234 {
		t.Fatalf("expected one image attachment, got: %+v", msg.Media)
	}
	if msg.Metadata["display_name"] != "Ann" {
		t.Fatalf("expected display name Ann, got: %q", msg.Metadata["display_name"])
	}
}

func TestInboundWhileIdentityChanges(t *testing.T) {
	c := newTestChannel(&fakeAPI{}, bus.New(1))
	own := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m1", ChannelID: "chan-1", Content: "https://x.io",
		Author: &discordgo.User{ID: "bot-2"},
	}}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.setBotUserID("bot-2")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.inbound(own)
		}
	}()
	wg.Wait()

	if _, ok := c.inbound(own); ok {
		t.Fatal("expected own message to be dropped once identity is known")
	}
}

func TestInboundBeforeIdentity(t *testing.T) {
	c := &Channel{BaseChannel: channels.NewBaseChannel(Name, bus.New(1), []string{"chan-1"}, nil)}
	if c.selfID() != "" {
		t.Fatalf("expected empty identity, got: %q", c.selfID())
	}
	bot := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m1", ChannelID: "chan-1", Content: "https://x.io",
		Author: &discordgo.User{ID: "bot-9", Bot: true},
	}}
	if _, ok := c.inbound(bot); ok {
		t.Fatal("expected bot-authored message to be dropped")
	}
}
