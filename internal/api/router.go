package api

import (
	"expense-ingest/docs"
	"expense-ingest/internal/api/handlers"
	"expense-ingest/pkg/auth"
	"expense-ingest/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/swagger"
	"go.uber.org/zap"
)

type RouterConfig struct {
	BodyLimitMB int
}

func SetupRouter(
	authHandler *handlers.AuthHandler,
	expenseHandler *handlers.ExpenseHandler,
	jwtManager *auth.JWTManager,
	cfg RouterConfig,
	appLogger *zap.Logger,
) *fiber.App {
	bodyLimit := cfg.BodyLimitMB
	if bodyLimit <= 0 {
		bodyLimit = 20
	}

	app := fiber.New(fiber.Config{
		BodyLimit: bodyLimit * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))
	app.Use(logger.New())

	// importing docs registers the spec with swag
	_ = docs.SwaggerInfo
	app.Get("/swagger/*", swagger.HandlerDefault)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	authGroup := app.Group("/user/auth")
	authGroup.Post("/register", authHandler.Register)
	authGroup.Post("/login", authHandler.Login)
	authGroup.Post("/refresh", authHandler.RefreshToken)

	protected := app.Group("/api/v1", middleware.AuthMiddleware(jwtManager, appLogger))

	expenses := protected.Group("/expenses")
	expenses.Post("/text", expenseHandler.IngestText)
	expenses.Post("/audio", expenseHandler.IngestAudio)
	expenses.Post("/receipt", expenseHandler.IngestReceipt)
	expenses.Post("/upload", expenseHandler.IngestUpload)
	expenses.Get("", expenseHandler.ListExpenses)
	expenses.Get("/:id", expenseHandler.GetExpense)
	expenses.Get("/:id/audit", expenseHandler.GetAudit)
	expenses.Post("/:id/state", expenseHandler.UpdateState)

	appLogger.Info("Routes registered", zap.Int("body_limit_mb", bodyLimit))
	return app
}
