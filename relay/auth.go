package relay

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// deviceIDKey is the gin context key holding the authenticated device id.
const deviceIDKey = "device_id"

// Claims identifies the device a token was issued to.
type Claims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for deviceID valid for ttl.
func IssueToken(secret, deviceID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: empty signing secret", ErrInvalidToken)
	}
	if deviceID == "" {
		return "", fmt.Errorf("%w: empty device id", ErrInvalidToken)
	}

	now := time.Now()
	claims := Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates token and returns its claims.
func ParseToken(secret, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device claims", ErrInvalidToken)
	}
	return claims, nil
}

// bearerToken extracts the token from the Authorization header, falling
// back to the token query parameter used by browser websocket clients.
func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

// JWTAuth rejects requests without a valid device token and stores the
// device id in the gin context.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required",
			})
			return
		}

		claims, err := ParseToken(secret, token)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "JWTAuth",
				"path":     c.FullPath(),
				"error":    err.Error(),
			}).Warn("Rejected device token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid token",
			})
			return
		}

		c.Set(deviceIDKey, claims.DeviceID)
		c.Next()
	}
}

func deviceID(c *gin.Context) string {
	return c.GetString(deviceIDKey)
}
