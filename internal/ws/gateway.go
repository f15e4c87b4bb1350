package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/helpinghands/assist-chat/internal/auth"
	"github.com/helpinghands/assist-chat/internal/chaterr"
	"github.com/helpinghands/assist-chat/internal/keylock"
	"github.com/helpinghands/assist-chat/internal/metrics"
	"github.com/helpinghands/assist-chat/internal/models"
	"github.com/helpinghands/assist-chat/internal/service"
)

const localsIdentity = "ws_identity"

// ChatService is the part of service.ChatService the gateway drives.
type ChatService interface {
	GetOrCreateConversation(ctx context.Context, requestID string, a, b models.Participant) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	AppendMessage(ctx context.Context, in service.AppendInput) (*models.Message, error)
	MarkConversationReadCount(ctx context.Context, conversationID, readerID string) (int64, error)
	AuthorizeRequestRoom(ctx context.Context, requestID string, p models.Participant) error
}

type Authenticator interface {
	AuthenticateConnection(ctx context.Context, token string) (auth.Identity, error)
}

type PresenceTracker interface {
	AddConnection(ctx context.Context, identity, connID, role string, ttl time.Duration) error
	RemoveConnection(ctx context.Context, identity, connID string) error
}

type Config struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteDeadline   time.Duration
	MaxMessageSize  int64
	EventTimeout    time.Duration
	EventsPerSecond float64
	EventBurst      int
	PresenceTTL     time.Duration
}

func (c *Config) setDefaults() {
	if c.PingInterval == 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait == 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteDeadline == 0 {
		c.WriteDeadline = 10 * time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 65536
	}
	if c.EventTimeout == 0 {
		c.EventTimeout = 10 * time.Second
	}
	if c.EventBurst == 0 {
		c.EventBurst = 20
	}
	if c.PresenceTTL == 0 {
		c.PresenceTTL = 24 * time.Hour
	}
}

// Gateway owns all realtime state for the process. Build one with NewGateway
// and close it with Shutdown.
type Gateway struct {
	hub       *Hub
	chat      ChatService
	authn     Authenticator
	presence  PresenceTracker
	convLocks *keylock.Locker
	cfg       Config
	log       *zap.SugaredLogger
}

// NewGateway accepts a nil presence tracker.
func NewGateway(chat ChatService, authn Authenticator, presence PresenceTracker, cfg Config, log *zap.SugaredLogger) *Gateway {
	cfg.setDefaults()
	return &Gateway{
		hub:       NewHub(log),
		chat:      chat,
		authn:     authn,
		presence:  presence,
		convLocks: keylock.New(),
		cfg:       cfg,
		log:       log,
	}
}

func (g *Gateway) Hub() *Hub { return g.hub }

// Upgrade authenticates the handshake and rejects it with 401 before the
// socket is opened. Token comes from ?token= or the Authorization header.
func (g *Gateway) Upgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		token := c.Query("token")
		if token == "" {
			token, _ = auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
		}
		id, err := g.authn.AuthenticateConnection(c.UserContext(), token)
		if err != nil {
			g.log.Infow("ws handshake rejected", "ip", c.IP(), "err", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": chaterr.ErrUnauthorized.Error()})
		}
		c.Locals(localsIdentity, id)
		return c.Next()
	}
}

// Handler is mounted with websocket.New after Upgrade.
func (g *Gateway) Handler() func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		id, ok := c.Locals(localsIdentity).(auth.Identity)
		if !ok {
			var err error
			id, err = g.authn.AuthenticateConnection(context.Background(), c.Query("token"))
			if err != nil {
				_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
				_ = c.Close()
				return
			}
		}
		g.Serve(c, id)
	}
}

// Serve runs an authenticated connection until it closes.
func (g *Gateway) Serve(conn Conn, id auth.Identity) {
	var limiter *rate.Limiter
	if g.cfg.EventsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(g.cfg.EventsPerSecond), g.cfg.EventBurst)
	}
	c := newClient(uuid.NewString(), id, conn, limiter)
	g.connect(c)
	defer g.disconnect(c)

	go g.writePump(c)
	g.readPump(c)
}

func (g *Gateway) connect(c *Client) {
	g.hub.Register(c)
	metrics.Connections.Inc()
	g.log.Infow("client connected", "conn_id", c.ID, "user_id", c.Identity.ID, "role", c.Identity.Role)

	if g.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := g.presence.AddConnection(ctx, c.Identity.ID, c.ID, string(c.Identity.Role), g.cfg.PresenceTTL); err != nil {
			g.log.Warnw("presence add", "user_id", c.Identity.ID, "err", err)
		}
		cancel()
	}
	g.emitTo(c, EventConnected, connected{ConnectionID: c.ID, UserID: c.Identity.ID, Role: c.Identity.Role})
}

func (g *Gateway) disconnect(c *Client) {
	g.hub.Unregister(c)
	metrics.Connections.Dec()
	g.log.Infow("client disconnected", "conn_id", c.ID, "user_id", c.Identity.ID)

	if g.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := g.presence.RemoveConnection(ctx, c.Identity.ID, c.ID); err != nil {
			g.log.Warnw("presence remove", "user_id", c.Identity.ID, "err", err)
		}
		cancel()
	}
}

// Shutdown closes every live connection.
func (g *Gateway) Shutdown() {
	g.hub.CloseAll()
}

// HandleEvent dispatches one inbound frame. Failures are reported to c only.
func (g *Gateway) HandleEvent(ctx context.Context, c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		g.fail(c, "", chaterr.Validation("malformed frame"))
		return
	}
	label := env.Event
	if !knownEvent(label) {
		label = "unknown"
	}
	metrics.Events.WithLabelValues(label).Inc()

	defer func() {
		if r := recover(); r != nil {
			g.log.Errorw("event handler panic", "event", env.Event, "conn_id", c.ID, "panic", r)
			g.fail(c, env.Event, fmt.Errorf("panic: %v", r))
		}
	}()

	if !c.allow() {
		g.fail(c, env.Event, chaterr.ErrRateLimited)
		return
	}

	var err error
	switch env.Event {
	case EventJoinConversation:
		err = g.onJoin(ctx, c, env.Data)
	case EventLeaveConversation:
		err = g.onLeave(c, env.Data)
	case EventSendMessage:
		err = g.onSendMessage(ctx, c, env.Data)
	case EventTyping:
		err = g.onTyping(c, env.Data)
	case EventMarkRead:
		err = g.onMarkRead(ctx, c, env.Data)
	default:
		err = chaterr.Validation("unknown event %q", env.Event)
	}
	if err != nil {
		g.fail(c, env.Event, err)
	}
}

func knownEvent(ev string) bool {
	switch ev {
	case EventJoinConversation, EventLeaveConversation, EventSendMessage, EventTyping, EventMarkRead:
		return true
	}
	return false
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return chaterr.Validation("missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return chaterr.Validation("malformed data")
	}
	return nil
}

func (g *Gateway) onJoin(ctx context.Context, c *Client, data json.RawMessage) error {
	var p roomPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.RequestID == "" {
		return chaterr.Validation("requestId is required")
	}
	if err := g.chat.AuthorizeRequestRoom(ctx, p.RequestID, c.participant()); err != nil {
		return err
	}
	g.hub.Join(c, RequestRoom(p.RequestID))
	return nil
}

func (g *Gateway) onLeave(c *Client, data json.RawMessage) error {
	var p roomPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.RequestID == "" {
		return chaterr.Validation("requestId is required")
	}
	g.hub.Leave(c, RequestRoom(p.RequestID))
	return nil
}

func (g *Gateway) onSendMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	var p sendMessagePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	sender := c.participant()
	if p.SenderRole != "" && p.SenderRole != sender.Role {
		return chaterr.Validation("senderRole does not match the authenticated user")
	}

	conv, err := g.resolveConversation(ctx, sender, p)
	if err != nil {
		return err
	}
	receiver, err := counterpart(conv, sender, p)
	if err != nil {
		return err
	}

	// persist and fan out under one lock so peers see persistence order
	unlock := g.convLocks.Lock(conv.ID)
	defer unlock()

	msg, err := g.chat.AppendMessage(ctx, service.AppendInput{
		SenderID:       sender.ID,
		SenderRole:     sender.Role,
		ReceiverID:     receiver.ID,
		ReceiverRole:   receiver.Role,
		Content:        p.Content,
		ConversationID: conv.ID,
	})
	if err != nil {
		return err
	}
	out, err := encode(EventNewMessage, msg)
	if err != nil {
		return err
	}
	g.hub.Emit(out, nil, UserRoom(receiver.Role, receiver.ID), RequestRoom(conv.RequestID))
	metrics.MessagesSent.Inc()
	return nil
}

// resolveConversation loads the addressed conversation, or creates it from
// requestId when the client has none yet.
func (g *Gateway) resolveConversation(ctx context.Context, sender models.Participant, p sendMessagePayload) (*models.Conversation, error) {
	if p.ConversationID == "" {
		if p.RequestID == "" {
			return nil, chaterr.Validation("conversationId or requestId is required")
		}
		if p.ReceiverID == "" {
			return nil, chaterr.Validation("receiverId is required")
		}
		role := p.ReceiverRole
		if role == "" {
			role = opposite(sender.Role)
		}
		return g.chat.GetOrCreateConversation(ctx, p.RequestID, sender, models.Participant{ID: p.ReceiverID, Role: role})
	}

	conv, err := g.chat.GetConversation(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}
	if p.RequestID != "" && p.RequestID != conv.RequestID {
		return nil, chaterr.Validation("requestId does not match the conversation")
	}
	return conv, nil
}

// counterpart picks the receiver: the addressed participant, or the other
// member of the conversation when receiverId is omitted.
func counterpart(conv *models.Conversation, sender models.Participant, p sendMessagePayload) (models.Participant, error) {
	if p.ReceiverID == "" {
		for _, x := range conv.Participants {
			if !x.Equal(sender) {
				return x, nil
			}
		}
		return models.Participant{}, chaterr.ErrNotAParticipant
	}
	if p.ReceiverRole != "" {
		return models.Participant{ID: p.ReceiverID, Role: p.ReceiverRole}, nil
	}
	for _, x := range conv.Participants {
		if x.ID == p.ReceiverID {
			return x, nil
		}
	}
	return models.Participant{}, chaterr.ErrNotAParticipant
}

func opposite(r models.Role) models.Role {
	if r == models.RoleUser {
		return models.RoleVolunteer
	}
	return models.RoleUser
}

func (g *Gateway) onTyping(c *Client, data json.RawMessage) error {
	var p typingPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.RequestID == "" {
		return chaterr.Validation("requestId is required")
	}
	room := RequestRoom(p.RequestID)
	if !g.hub.InRoom(c, room) {
		return chaterr.Validation("join the conversation before sending typing events")
	}
	out, err := encode(EventUserTyping, userTyping{UserID: c.ID, IsTyping: p.IsTyping})
	if err != nil {
		return err
	}
	g.hub.Emit(out, c, room)
	return nil
}

func (g *Gateway) onMarkRead(ctx context.Context, c *Client, data json.RawMessage) error {
	var p markReadPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.ConversationID == "" {
		return chaterr.Validation("conversationId is required")
	}
	conv, err := g.chat.GetConversation(ctx, p.ConversationID)
	if err != nil {
		return err
	}
	n, err := g.chat.MarkConversationReadCount(ctx, conv.ID, c.Identity.ID)
	if err != nil {
		return err
	}
	return g.BroadcastRead(conv, c.Identity.ID, n)
}

// BroadcastRead tells the request room and both participants that readerID
// has read n messages. No-op when n is zero.
func (g *Gateway) BroadcastRead(conv *models.Conversation, readerID string, n int64) error {
	if n == 0 {
		return nil
	}
	out, err := encode(EventMessagesRead, messagesRead{ConversationID: conv.ID, ReaderID: readerID, Count: n})
	if err != nil {
		return err
	}
	rooms := []string{RequestRoom(conv.RequestID)}
	for _, x := range conv.Participants {
		rooms = append(rooms, UserRoom(x.Role, x.ID))
	}
	g.hub.Emit(out, nil, rooms...)
	return nil
}

func (c *Client) participant() models.Participant {
	return models.Participant{ID: c.Identity.ID, Role: c.Identity.Role}
}

func (g *Gateway) emitTo(c *Client, event string, data any) {
	out, err := encode(event, data)
	if err != nil {
		g.log.Errorw("encode event", "event", event, "err", err)
		return
	}
	g.hub.SendTo(c, out)
}

func (g *Gateway) fail(c *Client, event string, err error) {
	label := event
	if !knownEvent(label) {
		label = "unknown"
	}
	metrics.EventErrors.WithLabelValues(label).Inc()

	switch {
	case errors.Is(err, chaterr.ErrValidation), errors.Is(err, chaterr.ErrRateLimited):
		g.log.Debugw("event rejected", "event", event, "conn_id", c.ID, "err", err)
	case isClientError(err):
		g.log.Warnw("event rejected", "event", event, "conn_id", c.ID, "user_id", c.Identity.ID, "err", err)
	default:
		g.log.Errorw("event failed", "event", event, "conn_id", c.ID, "user_id", c.Identity.ID, "err", err)
	}
	g.emitTo(c, EventError, errorPayload{Event: event, Message: chaterr.PublicMessage(err)})
}

func isClientError(err error) bool {
	return errors.Is(err, chaterr.ErrNotAParticipant) ||
		errors.Is(err, chaterr.ErrInvalidParticipant) ||
		errors.Is(err, chaterr.ErrNotApproved) ||
		errors.Is(err, chaterr.ErrNotFound) ||
		errors.Is(err, chaterr.ErrUnauthorized)
}
