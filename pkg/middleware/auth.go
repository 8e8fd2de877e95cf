package middleware

import (
	"strings"

	"expense-ingest/pkg/auth"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const identityKey = "identity"

// Identity is the authenticated caller of a protected route.
type Identity struct {
	UserID       uuid.UUID
	Username     string
	Email        string
	HomeCurrency string
}

// SetIdentity attaches id to the request.
func SetIdentity(c *fiber.Ctx, id Identity) {
	c.Locals(identityKey, id)
}

// CurrentIdentity returns the caller set by AuthMiddleware.
func CurrentIdentity(c *fiber.Ctx) (Identity, bool) {
	id, ok := c.Locals(identityKey).(Identity)
	if !ok || id.UserID == uuid.Nil {
		return Identity{}, false
	}
	return id, true
}

// AuthMiddleware accepts "Bearer <token>" or a bare access token. Refresh
// tokens and tokens without a valid user id are rejected.
func AuthMiddleware(jwtManager *auth.JWTManager, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
		if !ok {
			logger.Debug("Missing authorization token", zap.String("path", c.Path()))
			return unauthorized(c, "Authorization token required")
		}

		claims, err := jwtManager.ValidateToken(token)
		if err != nil {
			logger.Warn("Invalid token", zap.String("path", c.Path()), zap.Error(err))
			return unauthorized(c, "Invalid or expired token")
		}

		userID, err := uuid.Parse(claims.UserID)
		if err != nil || userID == uuid.Nil {
			logger.Warn("Token carries no usable user id", zap.String("user_id", claims.UserID))
			return unauthorized(c, "Invalid or expired token")
		}

		SetIdentity(c, Identity{
			UserID:       userID,
			Username:     claims.Username,
			Email:        claims.Email,
			HomeCurrency: claims.HomeCurrency,
		})
		return c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found {
		return header, true
	}
	if !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(c *fiber.Ctx, msg string) error {
	c.Set(fiber.HeaderWWWAuthenticate, `Bearer realm="expenses"`)
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": msg,
	})
}
