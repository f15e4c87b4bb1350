package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/helpinghands/assist-chat/internal/chaterr"
	"github.com/helpinghands/assist-chat/internal/models"
	"github.com/helpinghands/assist-chat/internal/repository"
	"github.com/helpinghands/assist-chat/internal/requests"
)

var (
	u1 = models.Participant{ID: "U1", Role: models.RoleUser}
	v1 = models.Participant{ID: "V1", Role: models.RoleVolunteer}
)

type recordingNotifier struct {
	mu      sync.Mutex
	sent    []*models.Message
	created []*models.Conversation
	reads   []int64
}

func (r *recordingNotifier) MessageSent(_ context.Context, m *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	return nil
}

func (r *recordingNotifier) ConversationRead(_ context.Context, _, _ string, n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, n)
	return nil
}

func (r *recordingNotifier) ConversationCreated(_ context.Context, c *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, c)
	return nil
}

func newTestService(t *testing.T) (*ChatService, *repository.MemoryStore, *recordingNotifier) {
	t.Helper()
	store := repository.NewMemoryStore()
	src := requests.NewMemorySource()
	src.Approve("R1", u1.ID, v1.ID)
	n := &recordingNotifier{}
	svc := NewChatService(store, store, src, n, 0, zap.NewNop().Sugar())
	t.Cleanup(svc.Close)
	return svc, store, n
}

func TestGetOrCreateConversationConcurrent(t *testing.T) {
	svc, store, n := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := u1, v1
			if i%2 == 0 {
				a, b = v1, u1
			}
			c, err := svc.GetOrCreateConversation(ctx, "R1", a, b)
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			ids <- c.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	first := ""
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Fatalf("duplicate conversation: %s vs %s", first, id)
		}
	}
	list, _ := store.ListForParticipant(ctx, u1.ID)
	if len(list) != 1 {
		t.Fatalf("expected one conversation record, got %d", len(list))
	}
	svc.Close()
	if len(n.created) != 1 {
		t.Fatalf("expected one created notification, got %d", len(n.created))
	}
}

func TestGetOrCreateConversationRejects(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.GetOrCreateConversation(ctx, "R2", u1, v1); !errors.Is(err, chaterr.ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}
	stranger := models.Participant{ID: "V9", Role: models.RoleVolunteer}
	if _, err := svc.GetOrCreateConversation(ctx, "R1", u1, stranger); !errors.Is(err, chaterr.ErrInvalidParticipant) {
		t.Fatalf("expected ErrInvalidParticipant, got %v", err)
	}
	wrongRole := models.Participant{ID: "V1", Role: models.RoleUser}
	if _, err := svc.GetOrCreateConversation(ctx, "R1", u1, wrongRole); !errors.Is(err, chaterr.ErrInvalidParticipant) {
		t.Fatalf("expected ErrInvalidParticipant for role mismatch, got %v", err)
	}
}

func TestAppendMessageOrderAndRoundTrip(t *testing.T) {
	svc, _, n := newTestService(t)
	ctx := context.Background()
	conv, err := svc.GetOrCreateConversation(ctx, "R1", u1, v1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var want []string
	for i := 0; i < 10; i++ {
		from, to := u1, v1
		if i%2 == 1 {
			from, to = v1, u1
		}
		content := fmt.Sprintf("  message %d ✓ ", i)
		want = append(want, content)
		if _, err := svc.AppendMessage(ctx, AppendInput{
			SenderID: from.ID, SenderRole: from.Role,
			ReceiverID: to.ID, ReceiverRole: to.Role,
			Content: content, ConversationID: conv.ID,
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	msgs, err := svc.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Fatalf("message %d: content %q, want %q", i, m.Content, want[i])
		}
		if m.RequestID != "R1" || m.ConversationID != conv.ID {
			t.Fatalf("message %d: wrong references %+v", i, m)
		}
		if i > 0 && m.CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("message %d out of order", i)
		}
	}
	if msgs[0].Sender != u1.ID || msgs[0].Receiver != v1.ID {
		t.Fatalf("sender/receiver not preserved: %+v", msgs[0])
	}
	svc.Close()
	if len(n.sent) != 10 {
		t.Fatalf("expected 10 sent notifications, got %d", len(n.sent))
	}

	updated, _ := svc.GetConversation(ctx, conv.ID)
	if updated.LastMessage != want[9] || updated.LastMessageTime == nil {
		t.Fatalf("last message preview not updated: %+v", updated)
	}
}

func TestAppendMessageValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	conv, _ := svc.GetOrCreateConversation(ctx, "R1", u1, v1)

	base := AppendInput{SenderID: "V1", SenderRole: models.RoleVolunteer, ReceiverID: "U1", ReceiverRole: models.RoleUser, ConversationID: conv.ID}
	cases := []struct {
		name string
		mod  func(in *AppendInput)
		want error
	}{
		{"empty", func(in *AppendInput) { in.Content = "" }, chaterr.ErrValidation},
		{"whitespace", func(in *AppendInput) { in.Content = " \n\t" }, chaterr.ErrValidation},
		{"self", func(in *AppendInput) { in.Content = "hi"; in.ReceiverID = "V1"; in.ReceiverRole = models.RoleVolunteer }, chaterr.ErrValidation},
		{"bad role", func(in *AppendInput) { in.Content = "hi"; in.SenderRole = "admin" }, chaterr.ErrValidation},
		{"outsider", func(in *AppendInput) { in.Content = "hi"; in.SenderID = "V2" }, chaterr.ErrNotAParticipant},
		{"role swap", func(in *AppendInput) { in.Content = "hi"; in.SenderRole = models.RoleUser }, chaterr.ErrNotAParticipant},
		{"missing conversation", func(in *AppendInput) { in.Content = "hi"; in.ConversationID = "nope" }, chaterr.ErrNotFound},
	}
	for _, tc := range cases {
		in := base
		tc.mod(&in)
		if _, err := svc.AppendMessage(ctx, in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	msgs, _ := svc.ListMessages(ctx, conv.ID)
	if len(msgs) != 0 {
		t.Fatalf("rejected appends must not persist, got %d", len(msgs))
	}
}

func TestAppendMessageStoreFailure(t *testing.T) {
	svc, store, n := newTestService(t)
	ctx := context.Background()
	conv, _ := svc.GetOrCreateConversation(ctx, "R1", u1, v1)
	store.FailInsert = errors.New("store unavailable")

	_, err := svc.AppendMessage(ctx, AppendInput{SenderID: "U1", SenderRole: models.RoleUser, ReceiverID: "V1", ReceiverRole: models.RoleVolunteer, Content: "hi", ConversationID: conv.ID})
	if err == nil {
		t.Fatalf("expected store error")
	}
	if chaterr.PublicMessage(err) == err.Error() {
		t.Fatalf("store error text must not leak to clients")
	}
	svc.Close()
	if len(n.sent) != 0 {
		t.Fatalf("no event may be emitted for a failed append")
	}
}

func TestHelloScenario(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	convs := make([]*models.Conversation, 2)
	for i := range convs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			convs[i], _ = svc.GetOrCreateConversation(ctx, "R1", u1, v1)
		}(i)
	}
	wg.Wait()
	if convs[0] == nil || convs[1] == nil || convs[0].ID != convs[1].ID {
		t.Fatalf("expected a single conversation C1")
	}
	c1 := convs[0].ID

	msg, err := svc.AppendMessage(ctx, AppendInput{SenderID: "V1", SenderRole: models.RoleVolunteer, ReceiverID: "U1", ReceiverRole: models.RoleUser, Content: "Hello", ConversationID: c1})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.Read || msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Fatalf("unexpected persisted message %+v", msg)
	}

	if err := svc.MarkConversationRead(ctx, c1, "U1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	msgs, _ := svc.ListMessages(ctx, c1)
	if len(msgs) != 1 || !msgs[0].Read || msgs[0].ReadAt == nil {
		t.Fatalf("expected message marked read, got %+v", msgs)
	}
}

func TestMarkConversationReadOnlyReceiver(t *testing.T) {
	svc, _, n := newTestService(t)
	ctx := context.Background()
	conv, _ := svc.GetOrCreateConversation(ctx, "R1", u1, v1)
	_, _ = svc.AppendMessage(ctx, AppendInput{SenderID: "U1", SenderRole: models.RoleUser, ReceiverID: "V1", ReceiverRole: models.RoleVolunteer, Content: "to volunteer", ConversationID: conv.ID})
	_, _ = svc.AppendMessage(ctx, AppendInput{SenderID: "V1", SenderRole: models.RoleVolunteer, ReceiverID: "U1", ReceiverRole: models.RoleUser, Content: "to user", ConversationID: conv.ID})

	count, err := svc.MarkConversationReadCount(ctx, conv.ID, "U1")
	if err != nil || count != 1 {
		t.Fatalf("expected 1 read, got %d (%v)", count, err)
	}
	summaries, err := svc.ListConversations(ctx, "V1")
	if err != nil || len(summaries) != 1 || summaries[0].Unread != 1 {
		t.Fatalf("volunteer should still have one unread: %+v (%v)", summaries, err)
	}
	if err := svc.MarkConversationRead(ctx, conv.ID, "X9"); !errors.Is(err, chaterr.ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
	svc.Close()
	if len(n.reads) != 1 {
		t.Fatalf("expected one read notification, got %d", len(n.reads))
	}
}

func TestListMessagesForOutsider(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	conv, _ := svc.GetOrCreateConversation(ctx, "R1", u1, v1)
	if _, err := svc.ListMessagesFor(ctx, conv.ID, "X9"); !errors.Is(err, chaterr.ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
	if _, err := svc.ListMessagesFor(ctx, conv.ID, "U1"); err != nil {
		t.Fatalf("participant should list: %v", err)
	}
}

func TestAuthorizeRequestRoom(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.AuthorizeRequestRoom(ctx, "R1", v1); err != nil {
		t.Fatalf("assigned volunteer should join before a conversation exists: %v", err)
	}
	if _, err := svc.GetOrCreateConversation(ctx, "R1", u1, v1); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.AuthorizeRequestRoom(ctx, "R1", u1); err != nil {
		t.Fatalf("requester should join: %v", err)
	}
	outsider := models.Participant{ID: "V7", Role: models.RoleVolunteer}
	if err := svc.AuthorizeRequestRoom(ctx, "R1", outsider); !errors.Is(err, chaterr.ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
	if err := svc.AuthorizeRequestRoom(ctx, "R404", u1); !errors.Is(err, chaterr.ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}
}

type blockingNotifier struct {
	recordingNotifier
	release chan struct{}
}

func (b *blockingNotifier) MessageSent(ctx context.Context, m *models.Message) error {
	<-b.release
	return b.recordingNotifier.MessageSent(ctx, m)
}

func TestAppendMessageDoesNotWaitForNotifier(t *testing.T) {
	store := repository.NewMemoryStore()
	src := requests.NewMemorySource()
	src.Approve("R1", u1.ID, v1.ID)
	n := &blockingNotifier{release: make(chan struct{})}
	svc := NewChatService(store, store, src, n, 0, zap.NewNop().Sugar())
	ctx := context.Background()
	conv, err := svc.GetOrCreateConversation(ctx, "R1", u1, v1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		in := AppendInput{SenderID: "U1", SenderRole: models.RoleUser, ReceiverID: "V1", ReceiverRole: models.RoleVolunteer, Content: fmt.Sprintf("m%d", i), ConversationID: conv.ID}
		if _, err := svc.AppendMessage(ctx, in); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("appends waited on the notifier: %s", elapsed)
	}

	close(n.release)
	svc.Close()
	if len(n.sent) != 3 {
		t.Fatalf("expected 3 sent notifications, got %d", len(n.sent))
	}
	for i, m := range n.sent {
		if m.Content != fmt.Sprintf("m%d", i) {
			t.Fatalf("notification %d out of order: %q", i, m.Content)
		}
	}
}

func TestGetOrCreateConversationAfterApprovalEnds(t *testing.T) {
	store := repository.NewMemoryStore()
	src := requests.NewMemorySource()
	src.Approve("R1", u1.ID, v1.ID)
	svc := NewChatService(store, store, src, nil, 0, zap.NewNop().Sugar())
	t.Cleanup(svc.Close)
	ctx := context.Background()

	conv, err := svc.GetOrCreateConversation(ctx, "R1", u1, v1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	src.Revoke("R1")

	again, err := svc.GetOrCreateConversation(ctx, "R1", v1, u1)
	if err != nil {
		t.Fatalf("existing conversation must still resolve: %v", err)
	}
	if again.ID != conv.ID {
		t.Fatalf("expected %s, got %s", conv.ID, again.ID)
	}
	stranger := models.Participant{ID: "V9", Role: models.RoleVolunteer}
	if _, err := svc.GetOrCreateConversation(ctx, "R1", u1, stranger); !errors.Is(err, chaterr.ErrInvalidParticipant) {
		t.Fatalf("expected ErrInvalidParticipant, got %v", err)
	}
}
