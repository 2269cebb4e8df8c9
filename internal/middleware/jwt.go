package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cast"

	"github.com/noah-isme/gema-grader/internal/utils"
)

const clockSkew = 30 * time.Second

var (
	subjectClaims = []string{"sub", "user_id", "id"}
	roleClaims    = []string{"role", "roles"}
)

// JWTProtected validates HS256 bearer tokens issued by the GEMA identity
// service and stores the caller in the user_id and user_role locals.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(clockSkew),
	)
	key := []byte(secret)

	return func(c *fiber.Ctx) error {
		tokenString, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, "missing or malformed bearer token")
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil || !token.Valid {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		userID := subjectFromClaims(claims)
		if userID == 0 {
			return utils.SendError(c, fiber.StatusUnauthorized, "token has no subject")
		}

		c.Locals("user_id", userID)
		if role := roleFromClaims(claims); role != "" {
			c.Locals("user_role", role)
		}

		return c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func subjectFromClaims(claims jwt.MapClaims) uint {
	for _, key := range subjectClaims {
		value, ok := claims[key]
		if !ok {
			continue
		}
		if id, err := cast.ToUintE(value); err == nil && id > 0 {
			return id
		}
	}
	return 0
}

func roleFromClaims(claims jwt.MapClaims) string {
	for _, key := range roleClaims {
		value, ok := claims[key]
		if !ok {
			continue
		}
		if roles, err := cast.ToStringSliceE(value); err == nil {
			for _, role := range roles {
				if normalized := normalizeRole(role); normalized != "" {
					return normalized
				}
			}
		}
	}
	return ""
}

func normalizeRole(value interface{}) string {
	return strings.ToLower(strings.TrimSpace(cast.ToString(value)))
}
