package gateway

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// NewEd25519JWTVerifier builds a DeviceJWTVerifier over a compact EdDSA JWT:
// the token's signature is checked against pub, an expired token is
// rejected, and the subject claim becomes the authenticated principal.
// Devices hold the private key; the gateway only ever sees the public half.
func NewEd25519JWTVerifier(pub ed25519.PublicKey) DeviceJWTVerifier {
	return func(token string) (string, bool) {
		parts := strings.Split(token, ".")
		if len(parts) != 3 {
			return "", false
		}

		var header struct {
			Alg string `json:"alg"`
		}
		if !decodeSegment(parts[0], &header) || header.Alg != "EdDSA" {
			return "", false
		}

		sig, err := base64.RawURLEncoding.DecodeString(parts[2])
		if err != nil {
			return "", false
		}
		signed := parts[0] + "." + parts[1]
		if !ed25519.Verify(pub, []byte(signed), sig) {
			return "", false
		}

		var claims struct {
			Sub string `json:"sub"`
			Exp int64  `json:"exp,omitempty"`
		}
		if !decodeSegment(parts[1], &claims) || claims.Sub == "" {
			return "", false
		}
		if claims.Exp > 0 && time.Now().Unix() >= claims.Exp {
			return "", false
		}
		return claims.Sub, true
	}
}

func decodeSegment(seg string, into any) bool {
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, into) == nil
}
