package crypto

import (
	"testing"
)

// TestSign проверяет детерминированность и формат подписи
func TestSign(t *testing.T) {
	sig := Sign("secret", "message")

	// HMAC-SHA256 в hex - всегда 64 символа
	if len(sig) != 64 {
		t.Errorf("len(sig) = %d, want 64", len(sig))
	}

	// та же пара (secret, message) даёт ту же подпись
	if again := Sign("secret", "message"); again != sig {
		t.Errorf("Sign not deterministic: %q != %q", again, sig)
	}

	// другой secret или сообщение - другая подпись
	if Sign("other", "message") == sig {
		t.Error("different secrets produced identical signatures")
	}
	if Sign("secret", "other") == sig {
		t.Error("different messages produced identical signatures")
	}
}

// TestSign_KnownVector проверяет подпись по известному вектору
func TestSign_KnownVector(t *testing.T) {
	// echo -n "hello" | openssl dgst -sha256 -hmac "key"
	got := Sign("key", "hello")
	want := "9307b3b915efb5171ff14d8cb55fbcc798c6c0ef1456d66ded1a6aa723a58b7b"

	if got != want {
		t.Errorf("Sign(key, hello) = %q, want %q", got, want)
	}
}

// TestSignRequest проверяет порядок конкатенации компонентов запроса
func TestSignRequest(t *testing.T) {
	got := SignRequest("secret", "GET", "1700000000", "/v2/tickers", "symbol=BTCUSDT", "")
	want := Sign("secret", "GET1700000000/v2/tickerssymbol=BTCUSDT")

	if got != want {
		t.Errorf("SignRequest() = %q, want %q (method+timestamp+path+query+body)", got, want)
	}
}

// TestSignRequest_WithBody проверяет включение тела запроса в подпись
func TestSignRequest_WithBody(t *testing.T) {
	body := `{"symbol":"BTCUSDT","size":1}`
	withBody := SignRequest("secret", "POST", "1700000000", "/v2/orders", "", body)
	withoutBody := SignRequest("secret", "POST", "1700000000", "/v2/orders", "", "")

	if withBody == withoutBody {
		t.Error("body does not participate in the signature")
	}
}

// TestSignWebSocketAuth проверяет формат строки аутентификации
func TestSignWebSocketAuth(t *testing.T) {
	got := SignWebSocketAuth("secret", "1700000000")
	want := Sign("secret", "GET1700000000/live")

	if got != want {
		t.Errorf("SignWebSocketAuth() = %q, want %q", got, want)
	}
}

// TestVerifySignature проверяет сравнение подписей
func TestVerifySignature(t *testing.T) {
	sig := Sign("secret", "message")

	if !VerifySignature("secret", "message", sig) {
		t.Error("VerifySignature rejected a valid signature")
	}
	if VerifySignature("secret", "message", "deadbeef") {
		t.Error("VerifySignature accepted an invalid signature")
	}
	if VerifySignature("wrong", "message", sig) {
		t.Error("VerifySignature accepted a signature made with another secret")
	}
}
