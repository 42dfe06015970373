package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign вычисляет HMAC-SHA256 подпись сообщения и возвращает hex-строку
// Используется для аутентификации REST запросов и WebSocket сессий
func Sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest подписывает REST запрос к бирже
//
// Строка для подписи: method + timestamp + path + query + body
// Порядок конкатенации фиксирован протоколом биржи и должен
// совпадать на клиенте и сервере байт в байт.
//
// Параметры:
//   - secret: API secret
//   - method: HTTP метод в верхнем регистре (GET, POST, ...)
//   - timestamp: unix-время в секундах, строкой
//   - path: путь запроса (/v2/orders)
//   - query: строка запроса без '?' (пустая если нет параметров)
//   - body: сырое тело запроса (пустое для GET)
func SignRequest(secret, method, timestamp, path, query, body string) string {
	return Sign(secret, method+timestamp+path+query+body)
}

// SignWebSocketAuth подписывает кадр аутентификации WebSocket
//
// Строка для подписи: "GET" + timestamp + "/live"
func SignWebSocketAuth(secret, timestamp string) string {
	return Sign(secret, "GET"+timestamp+"/live")
}

// VerifySignature проверяет подпись в constant time
// Защищает от timing attacks при проверке входящих подписей
func VerifySignature(secret, message, signature string) bool {
	expected := Sign(secret, message)
	return hmac.Equal([]byte(expected), []byte(signature))
}
