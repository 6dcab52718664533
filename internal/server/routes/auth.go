package routes

import (
	"crypto/subtle"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
)

// Credentials 提供管理接口的账号：用户名为 client id，密码为 client key。
type Credentials interface {
	ClientID() int
	ClientKey() string
}

// BasicAuth 校验 HTTP Basic 凭据，失败时返回 401 并附带质询头。
func BasicAuth(creds Credentials) fiber.Handler {
	return func(c fiber.Ctx) error {
		user, pass, ok := parseBasicAuth(c.Get(fiber.HeaderAuthorization))
		if ok && credentialsMatch(creds, user, pass) {
			return c.Next()
		}
		c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="hath-node"`)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}
}

func parseBasicAuth(header string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(decoded), ":")
}

func credentialsMatch(creds Credentials, user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(strconv.Itoa(creds.ClientID()))) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(creds.ClientKey())) == 1
	return userOK && passOK
}
