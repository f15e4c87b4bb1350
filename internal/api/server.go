package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/helpinghands/assist-chat/internal/auth"
	"github.com/helpinghands/assist-chat/internal/chaterr"
	"github.com/helpinghands/assist-chat/internal/metrics"
	"github.com/helpinghands/assist-chat/internal/models"
	"github.com/helpinghands/assist-chat/internal/redis"
	"github.com/helpinghands/assist-chat/internal/service"
	"github.com/helpinghands/assist-chat/internal/ws"
)

// PresenceLookup answers presence across instances; nil falls back to the local hub.
type PresenceLookup interface {
	GetPresence(ctx context.Context, identity string) (redis.Presence, error)
}

type Server struct {
	chat     *service.ChatService
	gw       *ws.Gateway
	presence PresenceLookup
	log      *zap.Logger
}

type Options struct {
	Validator *auth.JWTValidator
	Presence  PresenceLookup
	// RateLimit guards the authenticated routes; nil disables it.
	RateLimit fiber.Handler
	AccessLog bool
	// CORSOrigins is passed to the cors middleware; empty disables it.
	CORSOrigins string
}

func NewServer(chat *service.ChatService, gw *ws.Gateway, opts Options, log *zap.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "assist-chat",
		ErrorHandler: errorHandler(log),
	})
	s := &Server{chat: chat, gw: gw, presence: opts.Presence, log: log}

	app.Use(recover.New())
	if opts.CORSOrigins != "" {
		app.Use(cors.New(cors.Config{
			AllowOrigins: opts.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		}))
	}
	if opts.AccessLog {
		app.Use(logger.New())
	}
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	v1 := app.Group("/v1")
	v1.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	v1.Get("/ws", gw.Upgrade(), websocket.New(gw.Handler()))

	protected := v1.Group("", JWTAuthMiddleware(opts.Validator))
	if opts.RateLimit != nil {
		protected.Use(opts.RateLimit)
	}
	protected.Post("/conversations", s.createConversation)
	protected.Get("/conversations", s.listConversations)
	protected.Get("/conversations/:id", s.getConversation)
	protected.Get("/conversations/:id/messages", s.listMessages)
	protected.Post("/conversations/:id/read", s.markRead)
	protected.Get("/presence/:userId", s.getPresence)

	return app
}

func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
		}
		status := statusFor(err)
		if status >= fiber.StatusInternalServerError {
			log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		}
		return c.Status(status).JSON(fiber.Map{"error": chaterr.PublicMessage(err)})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chaterr.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, chaterr.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, chaterr.ErrNotAParticipant), errors.Is(err, chaterr.ErrInvalidParticipant):
		return fiber.StatusForbidden
	case errors.Is(err, chaterr.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, chaterr.ErrNotApproved):
		return fiber.StatusConflict
	case errors.Is(err, chaterr.ErrRateLimited):
		return fiber.StatusTooManyRequests
	default:
		return fiber.StatusInternalServerError
	}
}

type createConversationRequest struct {
	RequestID    string               `json:"requestId" validate:"required"`
	Participants []models.Participant `json:"participants" validate:"required,len=2,dive"`
}

func (s *Server) createConversation(c *fiber.Ctx) error {
	me, _ := identity(c)
	var body createConversationRequest
	if err := c.BodyParser(&body); err != nil {
		return chaterr.Validation("invalid body")
	}
	if err := validateBody(body); err != nil {
		return err
	}
	self := models.Participant{ID: me.ID, Role: me.Role}
	if !body.Participants[0].Equal(self) && !body.Participants[1].Equal(self) {
		return chaterr.ErrInvalidParticipant
	}
	conv, err := s.chat.GetOrCreateConversation(c.UserContext(), body.RequestID, body.Participants[0], body.Participants[1])
	if err != nil {
		return err
	}
	return c.JSON(conv)
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	me, _ := identity(c)
	list, err := s.chat.ListConversations(c.UserContext(), me.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversations": list})
}

func (s *Server) getConversation(c *fiber.Ctx) error {
	me, _ := identity(c)
	conv, err := s.chat.GetConversation(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if !conv.HasParticipantID(me.ID) {
		return chaterr.ErrNotAParticipant
	}
	return c.JSON(conv)
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	me, _ := identity(c)
	msgs, err := s.chat.ListMessagesFor(c.UserContext(), c.Params("id"), me.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

func (s *Server) markRead(c *fiber.Ctx) error {
	me, _ := identity(c)
	convID := c.Params("id")
	n, err := s.chat.MarkConversationReadCount(c.UserContext(), convID, me.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		if conv, err := s.chat.GetConversation(c.UserContext(), convID); err == nil {
			_ = s.gw.BroadcastRead(conv, me.ID, n)
		}
	}
	return c.JSON(fiber.Map{"conversationId": convID, "count": n})
}

func (s *Server) getPresence(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if s.presence != nil {
		p, err := s.presence.GetPresence(c.UserContext(), userID)
		if err == nil {
			return c.JSON(fiber.Map{"userId": userID, "status": p.Status, "lastSeen": p.LastSeen})
		}
		s.log.Warn("presence lookup", zap.String("user_id", userID), zap.Error(err))
	}
	status := "offline"
	if s.gw.Hub().Online(userID) {
		status = "online"
	}
	return c.JSON(fiber.Map{"userId": userID, "status": status})
}
