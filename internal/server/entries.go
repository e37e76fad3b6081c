package server

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/simple-cache/internal/cache"
	"github.com/any-hub/simple-cache/internal/logging"
)

// metaHeader 在 PUT 与 GET 中承载条目的 stream 0。
const metaHeader = "X-Cache-Meta"

// entryHandlers 实现 /-/ 下的条目检查路由。
type entryHandlers struct {
	store  Store
	logger *logrus.Logger
	keys   *keyMemo
}

func (h *entryHandlers) register(app *fiber.App) {
	app.Get("/-/stats", h.stats)
	app.Get("/-/entries", h.list)
	app.Delete("/-/entries", h.doomSince)
	app.Get("/-/entries/:key", h.read)
	app.Put("/-/entries/:key", h.write)
	app.Delete("/-/entries/:key", h.doom)
}

type statsPayload struct {
	EntryCount int   `json:"entry_count"`
	Size       int64 `json:"size"`
	MaxSize    int64 `json:"max_size"`
}

func (h *entryHandlers) stats(c fiber.Ctx) error {
	st, err := h.store.Stats(requestContext(c))
	if err != nil {
		return h.fail(c, "stats", "", err)
	}
	return c.JSON(statsPayload{EntryCount: st.EntryCount, Size: st.Size, MaxSize: st.MaxSize})
}

func (h *entryHandlers) list(c fiber.Ctx) error {
	keys, cached, err := h.keys.get(requestContext(c), func(ctx context.Context) ([]string, error) {
		keys, err := h.store.Keys(ctx)
		sort.Strings(keys)
		return keys, err
	})
	if err != nil {
		return h.fail(c, "list", "", err)
	}
	return c.JSON(fiber.Map{"keys": keys, "cached": cached})
}

// read 返回条目某个流的全部内容，stream 0 同时放入 X-Cache-Meta 头。
func (h *entryHandlers) read(c fiber.Ctx) error {
	key, err := entryKey(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_key"})
	}
	stream := 1
	if raw := c.Query("stream"); raw != "" {
		stream, err = strconv.Atoi(raw)
		if err != nil || stream < 0 || stream > 2 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_stream"})
		}
	}

	ctx := requestContext(c)
	entry, err := h.store.Open(ctx, key)
	if err != nil {
		return h.fail(c, "read", key, err)
	}
	defer entry.Close()

	body, err := readStream(ctx, entry, stream)
	if err != nil {
		return h.fail(c, "read", key, err)
	}
	if stream != 0 {
		if meta, err := readStream(ctx, entry, 0); err == nil && len(meta) > 0 {
			c.Set(metaHeader, string(meta))
		}
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	return c.Send(body)
}

// write 用请求体替换 stream 1，X-Cache-Meta 头存在时一并写入 stream 0。
func (h *entryHandlers) write(c fiber.Ctx) error {
	key, err := entryKey(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_key"})
	}

	ctx := requestContext(c)
	entry, err := h.store.OpenOrCreate(ctx, key)
	if err != nil {
		return h.fail(c, "write", key, err)
	}
	defer entry.Close()
	h.keys.invalidate()

	body := c.Body()
	if _, err := entry.Write(ctx, 1, 0, body, true); err != nil {
		return h.fail(c, "write", key, err)
	}
	if _, err := entry.Write(ctx, 0, 0, []byte(c.Get(metaHeader)), true); err != nil {
		return h.fail(c, "write", key, err)
	}

	h.logger.WithFields(logging.EntryFields("write", key)).
		WithFields(logrus.Fields{"bytes": len(body), "request_id": RequestID(c)}).
		Debug("entry stored")
	if entry.Opened() {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.SendStatus(fiber.StatusCreated)
}

func (h *entryHandlers) doom(c fiber.Ctx) error {
	key, err := entryKey(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_key"})
	}
	if err := h.store.Doom(requestContext(c), key); err != nil {
		return h.fail(c, "doom", key, err)
	}
	h.keys.invalidate()
	return c.SendStatus(fiber.StatusNoContent)
}

// doomSince 删除 since 之后使用过的条目，未提供 since 时清空缓存。
func (h *entryHandlers) doomSince(c fiber.Ctx) error {
	ctx := requestContext(c)
	raw := c.Query("since")
	if raw == "" {
		err := h.store.DoomAll(ctx)
		if err != nil {
			return h.fail(c, "doom_all", "", err)
		}
	} else {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_since"})
		}
		if err := h.store.DoomSince(ctx, since); err != nil {
			return h.fail(c, "doom_since", "", err)
		}
	}
	h.keys.invalidate()
	return c.SendStatus(fiber.StatusNoContent)
}

// fail 将缓存错误映射为 HTTP 状态码。
func (h *entryHandlers) fail(c fiber.Ctx, action, key string, err error) error {
	status, code := fiber.StatusInternalServerError, "cache_error"
	switch {
	case cache.IsInvalidArgument(err):
		status, code = fiber.StatusBadRequest, "invalid_argument"
	case cache.IsClosed(err):
		status, code = fiber.StatusServiceUnavailable, "cache_closed"
	case cache.IsFailed(err) && action == "read":
		status, code = fiber.StatusNotFound, "entry_not_found"
	}

	fields := logrus.Fields{"action": action, "request_id": RequestID(c)}
	if key != "" {
		fields = logging.EntryFields(action, key)
		fields["request_id"] = RequestID(c)
	}
	entry := h.logger.WithFields(fields).WithError(err)
	if status >= fiber.StatusInternalServerError {
		entry.Warn("inspection request failed")
	} else {
		entry.Debug("inspection request rejected")
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func entryKey(c fiber.Ctx) (string, error) {
	return url.PathUnescape(c.Params("key"))
}

// readStream 读取 stream 的全部内容。
func readStream(ctx context.Context, entry *cache.Handle, stream int) ([]byte, error) {
	size, err := entry.DataSize(ctx, stream)
	if err != nil {
		return nil, err
	}
	return entry.Read(ctx, stream, 0, size)
}
