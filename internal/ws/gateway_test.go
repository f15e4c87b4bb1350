package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/helpinghands/assist-chat/internal/auth"
	"github.com/helpinghands/assist-chat/internal/models"
	"github.com/helpinghands/assist-chat/internal/repository"
	"github.com/helpinghands/assist-chat/internal/requests"
	"github.com/helpinghands/assist-chat/internal/service"
)

type fixture struct {
	g     *Gateway
	svc   *service.ChatService
	store *repository.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithNotifier(t, nil)
}

func newFixtureWithNotifier(t *testing.T, n service.Notifier) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	store := repository.NewMemoryStore()
	src := requests.NewMemorySource()
	src.Approve("R1", "U1", "V1")
	src.Approve("42", "U1", "V1")
	svc := service.NewChatService(store, store, src, n, 0, log)
	t.Cleanup(svc.Close)
	return &fixture{g: NewGateway(svc, nil, nil, Config{}, log), svc: svc, store: store}
}

func (f *fixture) connect(t *testing.T, id string, role models.Role) *Client {
	t.Helper()
	c := newClient(uuid.NewString(), auth.Identity{ID: id, Role: role}, nil, nil)
	f.g.connect(c)
	if ev := recv(t, c); ev.Event != EventConnected {
		t.Fatalf("expected connected, got %s", ev.Event)
	}
	return c
}

func send(t *testing.T, f *fixture, c *Client, event string, data any) {
	t.Helper()
	raw, err := encode(event, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.g.HandleEvent(context.Background(), c, raw)
}

func recv(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case b := <-c.Send:
		var env Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatalf("no frame for %s", c.Identity.ID)
	}
	return Envelope{}
}

func expectNone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case b := <-c.Send:
		t.Fatalf("unexpected frame for %s: %s", c.Identity.ID, b)
	default:
	}
}

func join(t *testing.T, f *fixture, c *Client, requestID string) {
	t.Helper()
	send(t, f, c, EventJoinConversation, roomPayload{RequestID: requestID})
	expectNone(t, c)
	if !f.g.hub.InRoom(c, RequestRoom(requestID)) {
		t.Fatalf("%s not in request room", c.Identity.ID)
	}
}

func TestSendMessageDeliversToBothRooms(t *testing.T) {
	f := newFixture(t)
	conv, err := f.svc.GetOrCreateConversation(context.Background(), "R1", models.Participant{ID: "U1", Role: models.RoleUser}, models.Participant{ID: "V1", Role: models.RoleVolunteer})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	userChat := f.connect(t, "U1", models.RoleUser)
	userList := f.connect(t, "U1", models.RoleUser) // second tab, personal room only
	volunteer := f.connect(t, "V1", models.RoleVolunteer)
	join(t, f, userChat, "R1")

	send(t, f, volunteer, EventSendMessage, sendMessagePayload{
		ReceiverID: "U1", RequestID: "R1", ConversationID: conv.ID,
		Content: "Hello", SenderRole: models.RoleVolunteer, ReceiverRole: models.RoleUser,
	})

	for _, c := range []*Client{userChat, userList} {
		ev := recv(t, c)
		if ev.Event != EventNewMessage {
			t.Fatalf("expected new-message, got %s", ev.Event)
		}
		var m models.Message
		_ = json.Unmarshal(ev.Data, &m)
		if m.Content != "Hello" || m.ID == "" || m.Read || m.Sender != "V1" {
			t.Fatalf("unexpected message %+v", m)
		}
		// in both rooms, still one frame
		expectNone(t, c)
	}
	expectNone(t, volunteer)
}

func TestSendMessageCreatesConversationFromRequest(t *testing.T) {
	f := newFixture(t)
	user := f.connect(t, "U1", models.RoleUser)
	volunteer := f.connect(t, "V1", models.RoleVolunteer)

	send(t, f, user, EventSendMessage, sendMessagePayload{ReceiverID: "V1", RequestID: "R1", Content: "first"})
	ev := recv(t, volunteer)
	if ev.Event != EventNewMessage {
		t.Fatalf("expected new-message, got %s", ev.Event)
	}
	var m models.Message
	_ = json.Unmarshal(ev.Data, &m)
	if m.ConversationID == "" || m.RequestID != "R1" || m.ReceiverRole != models.RoleVolunteer {
		t.Fatalf("unexpected message %+v", m)
	}
	expectNone(t, user)
}

func TestSendMessageEmptyContentNoBroadcast(t *testing.T) {
	f := newFixture(t)
	conv, _ := f.svc.GetOrCreateConversation(context.Background(), "R1", models.Participant{ID: "U1", Role: models.RoleUser}, models.Participant{ID: "V1", Role: models.RoleVolunteer})
	user := f.connect(t, "U1", models.RoleUser)
	volunteer := f.connect(t, "V1", models.RoleVolunteer)
	join(t, f, user, "R1")
	join(t, f, volunteer, "R1")

	send(t, f, volunteer, EventSendMessage, sendMessagePayload{ReceiverID: "U1", RequestID: "R1", ConversationID: conv.ID, Content: "", SenderRole: models.RoleVolunteer, ReceiverRole: models.RoleUser})

	ev := recv(t, volunteer)
	if ev.Event != EventError {
		t.Fatalf("expected error, got %s", ev.Event)
	}
	var p errorPayload
	_ = json.Unmarshal(ev.Data, &p)
	if p.Event != EventSendMessage || p.Message == "" {
		t.Fatalf("unexpected error payload %+v", p)
	}
	expectNone(t, volunteer)
	expectNone(t, user)
	if msgs, _ := f.svc.ListMessages(context.Background(), conv.ID); len(msgs) != 0 {
		t.Fatalf("nothing may be persisted, got %d", len(msgs))
	}
}

func TestSendMessageRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _ := f.svc.GetOrCreateConversation(ctx, "R1", models.Participant{ID: "U1", Role: models.RoleUser}, models.Participant{ID: "V1", Role: models.RoleVolunteer})
	_, _ = f.svc.GetOrCreateConversation(ctx, "42", models.Participant{ID: "U1", Role: models.RoleUser}, models.Participant{ID: "V1", Role: models.RoleVolunteer})
	user := f.connect(t, "U1", models.RoleUser)
	volunteer := f.connect(t, "V1", models.RoleVolunteer)
	outsider := f.connect(t, "V9", models.RoleVolunteer)

	cases := []struct {
		name string
		from *Client
		p    sendMessagePayload
	}{
		{"role spoof", user, sendMessagePayload{ConversationID: conv.ID, ReceiverID: "V1", Content: "hi", SenderRole: models.RoleVolunteer}},
		{"wrong request room", user, sendMessagePayload{ConversationID: conv.ID, RequestID: "42", ReceiverID: "V1", Content: "hi"}},
		{"outsider", outsider, sendMessagePayload{ConversationID: conv.ID, ReceiverID: "U1", Content: "hi"}},
		{"unknown conversation", user, sendMessagePayload{ConversationID: "missing", ReceiverID: "V1", Content: "hi"}},
		{"no addressing", user, sendMessagePayload{Content: "hi"}},
	}
	for _, tc := range cases {
		send(t, f, tc.from, EventSendMessage, tc.p)
		if ev := recv(t, tc.from); ev.Event != EventError {
			t.Fatalf("%s: expected error, got %s", tc.name, ev.Event)
		}
		expectNone(t, user)
		expectNone(t, volunteer)
	}
}

func TestSendMessageStoreFailureIsGeneric(t *testing.T) {
	f := newFixture(t)
	conv, _ := f.svc.GetOrCreateConversation(context.Background(), "R1", models.Participant{ID: "U1", Role: models.RoleUser}, models.Participant{ID: "V1", Role: models.RoleVolunteer})
	user := f.connect(t, "U1", models.RoleUser)
	volunteer := f.connect(t, "V1", models.RoleVolunteer)
	f.store.FailInsert = context.DeadlineExceeded

	send(t, f, user, EventSendMessage, sendMessagePayload{ConversationID: conv.ID, Content: "hi"})
	ev := recv(t, user)
	var p errorPayload
	_ = json.Unmarshal(ev.Data, &p)
	if ev.Event != EventError || p.Message != "message could not be delivered, please retry" {
		t.Fatalf("expected generic error, got %s %+v", ev.Event, p)
	}
	expectNone(t, volunteer)
}

func TestTypingExcludesSender(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "U1", models.RoleUser)
	b := f.connect(t, "V1", models.RoleVolunteer)
	c := f.connect(t, "U1", models.RoleUser)
	join(t, f, a, "42")
	join(t, f, b, "42")
	join(t, f, c, "42")

	send(t, f, a, EventTyping, typingPayload{RequestID: "42", IsTyping: true})

	for _, peer := range []*Client{b, c} {
		ev := recv(t, peer)
		var p userTyping
		_ = json.Unmarshal(ev.Data, &p)
		if ev.Event != EventUserTyping || p.UserID != a.ID || !p.IsTyping {
			t.Fatalf("unexpected typing frame %s %+v", ev.Event, p)
		}
	}
	expectNone(t, a)
}

func TestJoinRequiresMembership(t *testing.T) {
	f := newFixture(t)
	outsider := f.connect(t, "V9", models.RoleVolunteer)
	send(t, f, outsider, EventJoinConversation, roomPayload{RequestID: "R1"})
	if ev := recv(t, outsider); ev.Event != EventError {
		t.Fatalf("expected error, got %s", ev.Event)
	}
	if f.g.hub.InRoom(outsider, RequestRoom("R1")) {
		t.Fatalf("outsider must not join")
	}

	send(t, f, outsider, EventTyping, typingPayload{RequestID: "R1", IsTyping: true})
	if ev := recv(t, outsider); ev.Event != EventError {
		t.Fatalf("typing outside a joined room must fail, got %s", ev.Event)
	}
}

func TestLeaveAndDisconnect(t *testing.T) {
	f := newFixture(t)
	u := f.connect(t, "U1", models.RoleUser)
	join(t, f, u, "R1")

	send(t, f, u, EventLeaveConversation, roomPayload{RequestID: "R1"})
	if f.g.hub.InRoom(u, RequestRoom("R1")) {
		t.Fatalf("expected to have left")
	}
	join(t, f, u, "R1")

	f.g.disconnect(u)
	for _, room := range []string{RequestRoom("R1"), UserRoom(models.RoleUser, "U1"), ConnRoom(u.ID)} {
		if f.g.hub.RoomSize(room) != 0 {
			t.Fatalf("room %s not cleaned up", room)
		}
	}
	if _, ok := <-u.Send; ok {
		t.Fatalf("send channel should be closed")
	}
}

func TestMarkReadEvent(t *testing.T) {
	f := newFixture(t)
	conv, _ := f.svc.GetOrCreateConversation(context.Background(), "R1", models.Participant{ID: "U1", Role: models.RoleUser}, models.Participant{ID: "V1", Role: models.RoleVolunteer})
	user := f.connect(t, "U1", models.RoleUser)
	volunteer := f.connect(t, "V1", models.RoleVolunteer)

	send(t, f, volunteer, EventSendMessage, sendMessagePayload{ConversationID: conv.ID, Content: "Hello"})
	_ = recv(t, user)

	send(t, f, user, EventMarkRead, markReadPayload{ConversationID: conv.ID})
	ev := recv(t, volunteer)
	var p messagesRead
	_ = json.Unmarshal(ev.Data, &p)
	if ev.Event != EventMessagesRead || p.ReaderID != "U1" || p.Count != 1 {
		t.Fatalf("unexpected frame %s %+v", ev.Event, p)
	}
	msgs, _ := f.svc.ListMessages(context.Background(), conv.ID)
	if !msgs[0].Read {
		t.Fatalf("message should be read")
	}
}

func TestMalformedAndUnknownEvents(t *testing.T) {
	f := newFixture(t)
	u := f.connect(t, "U1", models.RoleUser)

	f.g.HandleEvent(context.Background(), u, []byte("{not json"))
	if ev := recv(t, u); ev.Event != EventError {
		t.Fatalf("expected error, got %s", ev.Event)
	}
	send(t, f, u, "shout", map[string]string{})
	if ev := recv(t, u); ev.Event != EventError {
		t.Fatalf("expected error, got %s", ev.Event)
	}
}

func TestRateLimitedClient(t *testing.T) {
	f := newFixture(t)
	c := newClient(uuid.NewString(), auth.Identity{ID: "U1", Role: models.RoleUser}, nil, rate.NewLimiter(rate.Every(time.Hour), 1))
	f.g.connect(c)
	_ = recv(t, c)

	send(t, f, c, EventLeaveConversation, roomPayload{RequestID: "R1"})
	expectNone(t, c)
	send(t, f, c, EventLeaveConversation, roomPayload{RequestID: "R1"})
	ev := recv(t, c)
	var p errorPayload
	_ = json.Unmarshal(ev.Data, &p)
	if ev.Event != EventError || p.Message != "rate limit exceeded" {
		t.Fatalf("expected rate limit error, got %s %+v", ev.Event, p)
	}
}

// stalledNotifier holds every message.sent event until released.
type stalledNotifier struct {
	release chan struct{}
}

func (s *stalledNotifier) MessageSent(context.Context, *models.Message) error {
	<-s.release
	return nil
}

func (s *stalledNotifier) ConversationRead(context.Context, string, string, int64) error { return nil }

func (s *stalledNotifier) ConversationCreated(context.Context, *models.Conversation) error {
	return nil
}

func TestSendMessageNotDelayedByEventPublishing(t *testing.T) {
	n := &stalledNotifier{release: make(chan struct{})}
	f := newFixtureWithNotifier(t, n)
	// registered after the fixture's cleanup so it runs first
	t.Cleanup(func() { close(n.release) })

	user := f.connect(t, "U1", models.RoleUser)
	volunteer := f.connect(t, "V1", models.RoleVolunteer)

	start := time.Now()
	for i := 0; i < 3; i++ {
		send(t, f, user, EventSendMessage, sendMessagePayload{ReceiverID: "V1", RequestID: "R1", Content: "ping"})
		if ev := recv(t, volunteer); ev.Event != EventNewMessage {
			t.Fatalf("expected new-message, got %s", ev.Event)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("3 messages took %s while the notifier was stalled", elapsed)
	}
}

func TestSameIDDifferentRoleHaveSeparateInboxes(t *testing.T) {
	f := newFixture(t)
	conv, err := f.svc.GetOrCreateConversation(context.Background(), "R1", models.Participant{ID: "U1", Role: models.RoleUser}, models.Participant{ID: "V1", Role: models.RoleVolunteer})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	user := f.connect(t, "U1", models.RoleUser)
	namesake := f.connect(t, "U1", models.RoleVolunteer)
	volunteer := f.connect(t, "V1", models.RoleVolunteer)

	send(t, f, volunteer, EventSendMessage, sendMessagePayload{ConversationID: conv.ID, RequestID: "R1", Content: "for the user"})
	if ev := recv(t, user); ev.Event != EventNewMessage {
		t.Fatalf("expected new-message, got %s", ev.Event)
	}
	expectNone(t, namesake)
}
