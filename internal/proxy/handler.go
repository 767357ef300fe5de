package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/nix-hub/nix-hub/internal/artifact"
	"github.com/nix-hub/nix-hub/internal/backend"
	"github.com/nix-hub/nix-hub/internal/gateway"
	"github.com/nix-hub/nix-hub/internal/logging"
	"github.com/nix-hub/nix-hub/internal/server"
)

// Handler 把 HTTP 请求翻译为制品键并交给解析引擎，再把 Delivery
// 流式写回客户端。上传与删除绕过解析引擎直达存储层。
type Handler struct {
	resolver *gateway.Resolver
	store    backend.Store
	logger   *logrus.Logger
}

// NewHandler constructs the artifact handler. store may be nil when no
// S3 tier is configured; PUT/DELETE then answer 405.
func NewHandler(resolver *gateway.Resolver, store backend.Store, logger *logrus.Logger) *Handler {
	return &Handler{
		resolver: resolver,
		store:    store,
		logger:   logger,
	}
}

// Get 解析制品并把正文写给客户端：narinfo 整体缓冲，nar 挂到
// 响应流上逐块发送。
func (h *Handler) Get(c fiber.Ctx) error {
	started := time.Now()
	key, err := parseKey(c)
	if err != nil {
		return h.writeError(c, fiber.StatusNotFound, "unknown_path")
	}

	ctx := requestContext(c)
	delivery, err := h.resolver.Resolve(ctx, key)
	if err != nil {
		status := statusForResolveError(err)
		h.logResult(c, key, "", false, status, started, err)
		return h.writeError(c, status, errorCode(err))
	}

	h.setArtifactHeaders(c, key, delivery.Source, delivery.Size)
	if delivery.Coalesced {
		c.Set("X-Nix-Hub-Coalesced", "true")
	}
	c.Status(fiber.StatusOK)

	if key.IsMetadata() {
		// narinfo 很小，整体缓冲后一次写出。
		defer delivery.Body.Close()
		data, readErr := io.ReadAll(delivery.Body)
		h.logResult(c, key, delivery.Source, delivery.Coalesced, fiber.StatusOK, started, readErr)
		if readErr != nil {
			return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("artifact stream failed: %v", readErr))
		}
		return c.Send(data)
	}

	// nar 直接挂到响应流上，边读边写，整个归档不落入内存。
	// fasthttp 读尽或写失败后会关闭 Body，客户端断开由此传回广播流。
	h.logResult(c, key, delivery.Source, delivery.Coalesced, fiber.StatusOK, started, nil)
	if delivery.Size >= 0 {
		return c.SendStream(delivery.Body, int(delivery.Size))
	}
	return c.SendStream(delivery.Body)
}

// Head 按层级探测制品存在性，不取正文、不参与请求合并。
func (h *Handler) Head(c fiber.Ctx) error {
	started := time.Now()
	key, err := parseKey(c)
	if err != nil {
		return h.writeError(c, fiber.StatusNotFound, "unknown_path")
	}

	size, source, err := h.resolver.Check(requestContext(c), key)
	if err != nil {
		status := statusForResolveError(err)
		h.logResult(c, key, "", false, status, started, err)
		return c.SendStatus(status)
	}

	h.setArtifactHeaders(c, key, source, size)
	h.logResult(c, key, source, false, fiber.StatusOK, started, nil)
	return c.SendStatus(fiber.StatusOK)
}

// Put 把请求体流式写入存储层，不在内存里缓冲整个制品。
// chunked 上传没有 Content-Length，按未知长度走分片通道。
func (h *Handler) Put(c fiber.Ctx) error {
	started := time.Now()
	key, err := parseKey(c)
	if err != nil {
		return h.writeError(c, fiber.StatusNotFound, "unknown_path")
	}
	if h.store == nil {
		return h.writeError(c, fiber.StatusMethodNotAllowed, "store_disabled")
	}

	size := int64(c.Request().Header.ContentLength())
	if size < 0 {
		size = backend.SizeUnknown
	}
	err = h.store.Put(requestContext(c), key, c.Request().BodyStream(), size)
	if err != nil {
		h.logResult(c, key, "store", false, fiber.StatusBadGateway, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "store_put_failed")
	}

	h.logResult(c, key, "store", false, fiber.StatusCreated, started, nil)
	return c.SendStatus(fiber.StatusCreated)
}

// Delete 从存储层删除制品。键不存在视为成功，删除是幂等的。
func (h *Handler) Delete(c fiber.Ctx) error {
	started := time.Now()
	key, err := parseKey(c)
	if err != nil {
		return h.writeError(c, fiber.StatusNotFound, "unknown_path")
	}
	if h.store == nil {
		return h.writeError(c, fiber.StatusMethodNotAllowed, "store_disabled")
	}

	if err := h.store.Delete(requestContext(c), key); err != nil {
		h.logResult(c, key, "store", false, fiber.StatusBadGateway, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "store_delete_failed")
	}

	h.logResult(c, key, "store", false, fiber.StatusNoContent, started, nil)
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) setArtifactHeaders(c fiber.Ctx, key artifact.Key, source string, size int64) {
	c.Set("Content-Type", key.ContentType())
	if size >= 0 {
		c.Set("Content-Length", strconv.FormatInt(size, 10))
	} else {
		c.Response().Header.Del("Content-Length")
	}
	c.Set("X-Nix-Hub-Source", source)
	if requestID := server.RequestID(c); requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(c fiber.Ctx, key artifact.Key, source string, coalesced bool, status int, started time.Time, err error) {
	fields := logging.RequestFields(key.RequestPath(), string(key.Kind), source, coalesced)
	fields["action"] = "serve"
	fields["method"] = c.Method()
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID := server.RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("serve_failed")
		return
	}
	h.logger.WithFields(fields).Info("serve_complete")
}

func parseKey(c fiber.Ctx) (artifact.Key, error) {
	return artifact.ParsePath(string(c.Request().URI().Path()))
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func statusForResolveError(err error) int {
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusBadGateway
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "resolve_timeout"
	default:
		return "upstream_failed"
	}
}
