package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const headerPrefix = "sha256="

// Verify проверяет HMAC-SHA256 подпись над сырыми байтами тела запроса.
// Тело должно быть ровно тем, что пришло по сети, до любого JSON-декодирования.
// Пустой секрет, заголовок или тело дают false.
func Verify(rawBody []byte, signatureHeader string, secret []byte) bool {
	if len(secret) == 0 || len(rawBody) == 0 {
		return false
	}
	sig := strings.TrimSpace(signatureHeader)
	if len(sig) > len(headerPrefix) && strings.EqualFold(sig[:len(headerPrefix)], headerPrefix) {
		sig = sig[len(headerPrefix):]
	}
	if sig == "" {
		return false
	}

	expected, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(rawBody)
	return hmac.Equal(mac.Sum(nil), expected)
}

// Sign возвращает hex-подпись тела, в том виде, в каком ее шлет провайдер.
func Sign(rawBody []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
