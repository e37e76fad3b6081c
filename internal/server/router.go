package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/simple-cache/internal/cache"
	"github.com/any-hub/simple-cache/internal/logging"
)

// Store 是检查 API 所依赖的 cache.Client 子集。
type Store interface {
	Stats(ctx context.Context) (cache.Stats, error)
	Keys(ctx context.Context) ([]string, error)
	Open(ctx context.Context, key string) (*cache.Handle, error)
	OpenOrCreate(ctx context.Context, key string) (*cache.Handle, error)
	Doom(ctx context.Context, key string) error
	DoomSince(ctx context.Context, begin time.Time) error
	DoomAll(ctx context.Context) error
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Store      Store
	ListenPort int
	// KeysTTL 为 key 列表在内存中的保留时长，0 使用 defaultKeysTTL。
	KeysTTL time.Duration
}

const (
	contextKeyRequestID = "_simplecache_request_id"
	defaultKeysTTL      = 5 * time.Second
)

// NewApp 构建带请求 ID、panic 恢复与 /-/ 检查路由的 Fiber 应用。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	ttl := opts.KeysTTL
	if ttl <= 0 {
		ttl = defaultKeysTTL
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	h := &entryHandlers{
		store:  opts.Store,
		logger: opts.Logger,
		keys:   newKeyMemo(ttl),
	}
	h.register(app)

	app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "route_not_found"})
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后输出访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()
		status := c.Response().StatusCode()
		logger.WithFields(logging.RequestFields(reqID, c.Method(), c.Path(), status)).Debug("request served")
		return err
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
