package testutil

import (
	"strconv"
	"time"

	"github.com/Panda-1024/premium-bot/libs/auth"
	"github.com/golang-jwt/jwt/v5"
)

const (
	AdminUserID = int64(100)
	BuyerUserID = int64(200)
)

func GenerateJWT(userID int64, username string, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	claims := auth.Claims{
		Username: username,
		Roles:    []string{"user"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "premium-bot",
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
