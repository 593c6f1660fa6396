package telephony

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// streamTokenTTL is the lifetime of a stream token. The provider connects
// within seconds of fetching the connect document; the margin covers retry
// and queueing delay on its side.
const streamTokenTTL = 5 * time.Minute

// StreamClaims binds a media-stream connection to the call it belongs to.
type StreamClaims struct {
	CallID string `json:"call_id"`
	jwt.RegisteredClaims
}

// MintStreamToken creates a signed short-lived token authorizing a media
// stream for callID. The token rides in the stream URL of the connect
// document and is verified when the provider opens the WebSocket.
func MintStreamToken(secret []byte, callID string) (string, error) {
	now := time.Now()
	claims := StreamClaims{
		CallID: callID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(streamTokenTTL)),
			Issuer:    "voicebridge",
			Subject:   callID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign stream token: %w", err)
	}
	return signed, nil
}

// VerifyStreamToken validates a stream token and returns the call ID it was
// minted for.
func VerifyStreamToken(secret []byte, tokenString string) (string, error) {
	claims := &StreamClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse stream token: %w", err)
	}
	if !token.Valid || claims.CallID == "" {
		return "", fmt.Errorf("invalid stream token claims")
	}
	return claims.CallID, nil
}
