package server

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/hath-node/hath-node/internal/cache"
	"github.com/hath-node/hath-node/internal/servercmd"
)

const (
	robotsBody  = "User-agent: *\nDisallow: /"
	faviconURL  = "https://e-hentai.org/favicon.ico"
	commandPath = "/servercmd/"
)

type nodeRoutes struct {
	opts AppOptions
}

func registerNodeRoutes(app *fiber.App, opts AppOptions) {
	r := &nodeRoutes{opts: opts}

	app.Get("/robots.txt", r.robots)
	app.Get("/favicon.ico", r.favicon)
	app.Get("/t/:testSize/:testTime/:testKey/*", r.speedTest)
	app.Get("/servercmd/*", r.serverCommand)

	filesPath := "/h/:fileId/:additional/:fileName/*"
	if opts.Admission != nil {
		app.Get(filesPath, opts.Admission, r.file)
	} else {
		app.Get(filesPath, r.file)
	}
}

func (r *nodeRoutes) robots(c fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(robotsBody)
}

func (r *nodeRoutes) favicon(c fiber.Ctx) error {
	return c.Redirect().Status(fiber.StatusMovedPermanently).To(faviconURL)
}

// speedTest 输出 testSize 字节伪随机数据。
func (r *nodeRoutes) speedTest(c fiber.Ctx) error {
	testSize, err := strconv.Atoi(c.Params("testSize"))
	if err != nil || testSize < 0 {
		return fiber.NewError(fiber.StatusBadRequest)
	}
	testTime, err := strconv.ParseInt(c.Params("testTime"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest)
	}
	if err := r.opts.Validator.ValidateTest(testTime, testSize, c.Params("testKey")); err != nil {
		r.logRejected(c, "speed_test", err)
		return fiber.NewError(fiber.StatusForbidden)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Response().SetBodyStream(servercmd.RandomBody(int64(testSize)), testSize)
	return nil
}

// serverCommand 处理 /servercmd/<command>/<additional>/<time>/<key>。
// additional 可以为空，因此从原始路径切分，避免路径规范化合并双斜杠。
func (r *nodeRoutes) serverCommand(c fiber.Ctx) error {
	if !r.opts.Control.IsControlAddress(c.IP()) {
		r.opts.Logger.WithFields(logrus.Fields{
			"action":     "servercmd",
			"request_id": RequestID(c),
			"client_ip":  c.IP(),
		}).Warn("servercmd_forbidden_source")
		return fiber.NewError(fiber.StatusForbidden)
	}

	command, additional, unixTime, key, ok := splitCommandPath(string(c.Request().URI().PathOriginal()))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound)
	}
	if err := r.opts.Validator.ValidateCommand(unixTime, command, additional, key); err != nil {
		r.logRejected(c, "servercmd", err)
		return fiber.NewError(fiber.StatusForbidden)
	}

	result := r.opts.Commands.Execute(c.Context(), command, additional, RequestID(c))
	if result.Status != fiber.StatusOK {
		return fiber.NewError(result.Status)
	}
	if result.Body != nil {
		c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
		c.Response().SetBodyStream(result.Body, int(result.Size))
		return nil
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(result.Text)
}

// splitCommandPath 解析原始请求路径中的命令段。
func splitCommandPath(raw string) (command, additional string, unixTime int64, key string, ok bool) {
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		raw = raw[:idx]
	}
	rest, found := strings.CutPrefix(raw, commandPath)
	if !found {
		return "", "", 0, "", false
	}
	parts := strings.SplitN(rest, "/", 5)
	if len(parts) < 4 || parts[0] == "" || parts[3] == "" {
		return "", "", 0, "", false
	}
	unixTime, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", "", 0, "", false
	}
	return parts[0], parts[1], unixTime, parts[3], true
}

// file 处理 /h/<fileId>/<keystamp=...;fileindex=...;xres=...>/<fileName>。
func (r *nodeRoutes) file(c fiber.Ctx) error {
	fileID := c.Params("fileId")
	args := servercmd.ParseArgs(c.Params("additional"))

	unixTime, key := parseKeystamp(args.String("keystamp", ""))
	if err := r.opts.Validator.ValidateFile(unixTime, fileID, key); err != nil {
		r.logRejected(c, "serve_file", err)
		return fiber.NewError(fiber.StatusForbidden)
	}

	file, err := cache.ParseFileID(fileID)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest)
	}
	fileIndex, err := args.Int("fileindex")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest)
	}
	xres, err := args.Require("xres")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest)
	}
	file.FileIndex = fileIndex
	file.XResType = xres
	file.FileName = c.Params("fileName")

	return r.opts.Files.ServeFile(c, file, RequestID(c))
}

// parseKeystamp 拆分 "<unixTime>-<key>"；格式不符时返回零值，交由签名校验拒绝。
func parseKeystamp(keystamp string) (int64, string) {
	ts, key, ok := strings.Cut(keystamp, "-")
	if !ok || strings.Contains(key, "-") {
		return 0, ""
	}
	unixTime, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, ""
	}
	return unixTime, key
}

func (r *nodeRoutes) logRejected(c fiber.Ctx, action string, err error) {
	r.opts.Logger.WithFields(logrus.Fields{
		"action":     action,
		"request_id": RequestID(c),
		"client_ip":  c.IP(),
	}).WithError(err).Debug("request_key_rejected")
}
