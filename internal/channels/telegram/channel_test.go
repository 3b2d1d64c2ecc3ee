package telegram

import (
	"context"
	"errors"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/pauline2k/weave-bot-orb/internal/bus"
	"github.com/pauline2k/weave-bot-orb/internal/channels"
	"github.com/pauline2k/weave-bot-orb/internal/store"
)

type fakeBot struct {
	sent      []*telego.SendMessageParams
	edits     []*telego.EditMessageTextParams
	editErr   error
	deleteErr error
	fileErr   error
}

func (f *fakeBot) SendMessage(_ context.Context, p *telego.SendMessageParams) (*telego.Message, error) {
	f.sent = append(f.sent, p)
	return &telego.Message{MessageID: 77, Chat: telego.Chat{ID: p.ChatID.ID}}, nil
}

func (f *fakeBot) EditMessageText(_ context.Context, p *telego.EditMessageTextParams) (*telego.Message, error) {
	if f.editErr != nil {
		return nil, f.editErr
	}
	f.edits = append(f.edits, p)
	return &telego.Message{MessageID: p.MessageID}, nil
}

func (f *fakeBot) DeleteMessage(_ context.Context, _ *telego.DeleteMessageParams) error {
	return f.deleteErr
}

func (f *fakeBot) GetFile(_ context.Context, p *telego.GetFileParams) (*telego.File, error) {
	if f.fileErr != nil {
		return nil, f.fileErr
	}
	return &telego.File{FileID: p.FileID, FilePath: "photos/file_1.jpg"}, nil
}

func (f *fakeBot) FileDownloadURL(path string) string {
	return "https://files.example/" + path
}

func newTestChannel(api botAPI, b bus.InboundRouter) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel(Name, b, []string{"-100"}, nil),
		api:         api,
	}
}

func TestPostRepliesToSource(t *testing.T) {
	api := &fakeBot{}
	c := newTestChannel(api, bus.New(1))

	ref, err := c.Post(context.Background(), store.MessageRef{Platform: Name, ChatID: "-100", MessageID: "12"}, "hi")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	want := store.MessageRef{Platform: Name, ChatID: "-100", MessageID: "77"}
	if ref != want {
		t.Fatalf("expected %+v, got: %+v", want, ref)
	}
	if len(api.sent) != 1 || api.sent[0].ReplyParameters == nil || api.sent[0].ReplyParameters.MessageID != 12 {
		t.Fatalf("expected reply to message 12, got: %+v", api.sent)
	}

	if _, err := c.Post(context.Background(), store.MessageRef{Platform: Name, ChatID: "nope", MessageID: "1"}, "hi"); err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}
}

func TestEditErrors(t *testing.T) {
	api := &fakeBot{editErr: errors.New("telego: editMessageText: api: 400 \"Bad Request: message to edit not found\"")}
	c := newTestChannel(api, bus.New(1))
	ref := store.MessageRef{Platform: Name, ChatID: "-100", MessageID: "5"}

	if err := c.Edit(context.Background(), ref, "x"); !errors.Is(err, channels.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got: %v", err)
	}

	api.editErr = errors.New("Bad Request: message is not modified")
	if err := c.Edit(context.Background(), ref, "x"); err != nil {
		t.Fatalf("expected unchanged edit to be ignored, got: %v", err)
	}
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	api := &fakeBot{deleteErr: errors.New("Bad Request: message to delete not found")}
	c := newTestChannel(api, bus.New(1))
	ref := store.MessageRef{Platform: Name, ChatID: "-100", MessageID: "5"}

	if err := c.Delete(context.Background(), ref); err != nil {
		t.Fatalf("expected nil, got: %v", err)
	}
	api.deleteErr = errors.New("Forbidden: bot was kicked from the group chat")
	if err := c.Delete(context.Background(), ref); !errors.Is(err, channels.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got: %v", err)
	}
}

func TestHandleMessage(t *testing.T) {
	b := bus.New(4)
	c := newTestChannel(&fakeBot{}, b)

	msg := func(from *telego.User, chatID int64) *telego.Message {
		return &telego.Message{
			MessageID: 9,
			From:      from,
			Chat:      telego.Chat{ID: chatID, Type: "supergroup"},
			Caption:   "tonight https://example.com/e",
			Photo: []telego.PhotoSize{
				{FileID: "small", FileSize: 10},
				{FileID: "large", FileSize: 2048},
			},
		}
	}

	c.handleMessage(context.Background(), msg(&telego.User{ID: 1, IsBot: true}, -100))
	c.handleMessage(context.Background(), msg(&telego.User{ID: 2}, -200))
	if b.Len() != 0 {
		t.Fatalf("expected bot and off-list messages dropped, got %d queued", b.Len())
	}

	c.handleMessage(context.Background(), msg(&telego.User{ID: 3, Username: "ann", FirstName: "Ann"}, -100))
	got, ok := b.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("expected a message on the bus")
	}
	if got.SenderID != "3|ann" || got.ChatID != "-100" || got.MessageID != "9" {
		t.Fatalf("unexpected message: %+v", got)
	}
	if got.Content != "tonight https://example.com/e" {
		t.Fatalf("expected caption as content, got: %q", got.Content)
	}
	if len(got.Media) != 1 || got.Media[0].URL != "https://files.example/photos/file_1.jpg" || got.Media[0].Size != 2048 {
		t.Fatalf("expected largest photo attachment, got: %+v", got.Media)
	}
}

func TestHandleMessage_PhotoLookupFailureStillForwards(t *testing.T) {
	b := bus.New(1)
	c := newTestChannel(&fakeBot{fileErr: errors.New("timeout")}, b)

	c.handleMessage(context.Background(), &telego.Message{
		MessageID: 1,
		From:      &telego.User{ID: 3},
		Chat:      telego.Chat{ID: -100, Type: "group"},
		Text:      "https://example.com/e",
		Photo:     []telego.PhotoSize{{FileID: "x"}},
	})
	got, ok := b.ConsumeInbound(context.Background())
	if !ok || len(got.Media) != 0 {
		t.Fatalf("expected text message without media, got: %+v ok=%v", got, ok)
	}
}
