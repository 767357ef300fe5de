package server

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nix-hub/nix-hub/internal/version"
)

// ArtifactHandler describes the component serving artifact requests. It
// allows injecting fake handlers during tests.
type ArtifactHandler interface {
	Get(fiber.Ctx) error
	Head(fiber.Ctx) error
	Put(fiber.Ctx) error
	Delete(fiber.Ctx) error
}

// CacheInfo 描述 /nix-cache-info 端点公布的缓存元数据。
type CacheInfo struct {
	StoreDir string
	Priority int
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger    *logrus.Logger
	Artifacts ArtifactHandler
	CacheInfo CacheInfo
	Inflight  func() int
}

const contextKeyRequestID = "_nixhub_request_id"

// NewApp builds the Fiber application: cache metadata endpoint,
// diagnostics, then the artifact catch-all.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("artifact handler is required")
	}
	if opts.CacheInfo.StoreDir == "" {
		return nil, errors.New("store dir is required")
	}

	// StreamRequestBody 让 PUT 正文以流的形式到达 handler，
	// 大归档上传不会整体落入内存。
	app := fiber.New(fiber.Config{
		CaseSensitive:     true,
		StreamRequestBody: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	app.Get("/nix-cache-info", cacheInfoHandler(opts.CacheInfo))
	app.Head("/nix-cache-info", cacheInfoHandler(opts.CacheInfo))
	app.Get("/-/status", statusHandler(opts))

	app.Head("/*", opts.Artifacts.Head)
	app.Get("/*", opts.Artifacts.Get)
	app.Put("/*", opts.Artifacts.Put)
	app.Delete("/*", opts.Artifacts.Delete)

	return app, nil
}

// cacheInfoHandler 渲染 Nix 客户端握手用的缓存描述文件。
func cacheInfoHandler(info CacheInfo) fiber.Handler {
	body := fmt.Sprintf("StoreDir: %s\nWantMassQuery: 1\nPriority: %d\n", info.StoreDir, info.Priority)
	return func(c fiber.Ctx) error {
		c.Set("Content-Type", "text/x-nix-cache-info")
		if c.Method() == fiber.MethodHead {
			c.Set("Content-Length", fmt.Sprintf("%d", len(body)))
			return c.SendStatus(fiber.StatusOK)
		}
		return c.SendString(body)
	}
}

func statusHandler(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		inflight := 0
		if opts.Inflight != nil {
			inflight = opts.Inflight()
		}
		return c.JSON(fiber.Map{
			"version":  version.Full(),
			"inflight": inflight,
		})
	}
}

// requestIDMiddleware 为每个请求生成 ID，响应头与日志共用。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
