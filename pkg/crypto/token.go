package crypto

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Ошибки работы с операторскими токенами
var (
	ErrEmptyToken       = errors.New("token cannot be empty")
	ErrTokenMismatch    = errors.New("token does not match hash")
	ErrInvalidTokenHash = errors.New("invalid token hash format")
	ErrTokenTooLong     = errors.New("token exceeds maximum length of 72 bytes")
)

// DefaultCost - стоимость bcrypt по умолчанию для операторских токенов.
// Токен проверяется один раз на мутирующий запрос, поэтому сотни
// миллисекунд на проверку допустимы.
const DefaultCost = 12

// MaxTokenLength - ограничение bcrypt на длину входа (72 байта)
const MaxTokenLength = 72

// HashToken хеширует операторский токен через bcrypt
//
// Salt генерируется автоматически, поэтому каждый вызов дает новый хэш.
// Результат кладется в OPERATOR_TOKEN_HASH; сам токен нигде не хранится.
func HashToken(token string) (string, error) {
	return HashTokenWithCost(token, DefaultCost)
}

// HashTokenWithCost хеширует токен с указанной стоимостью.
// cost вне диапазона bcrypt [4, 31] приводится к ближайшей границе.
func HashTokenWithCost(token string, cost int) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}

	// bcrypt ограничен 72 байтами входа
	if len(token) > MaxTokenLength {
		return "", ErrTokenTooLong
	}

	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// VerifyToken проверяет соответствие токена bcrypt хэшу
//
// Пустой токен намеренно не отсекается заранее: запрос без заголовка
// Authorization проходит полную проверку, чтобы время ответа не выдавало,
// настроена ли авторизация.
func VerifyToken(token, hash string) error {
	if hash == "" {
		return ErrInvalidTokenHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrTokenMismatch
		}
		// Невалидный формат хэша или другая ошибка
		return ErrInvalidTokenHash
	}

	return nil
}

// CheckTokenMatch проверяет токен и возвращает bool
// Удобная обёртка для использования в условиях
func CheckTokenMatch(token, hash string) bool {
	return VerifyToken(token, hash) == nil
}

// TokenHashCost извлекает cost из bcrypt хэша
// Заодно валидирует формат: конфигурация проверяет так OPERATOR_TOKEN_HASH
// при старте, вместо разбора префиксов вручную
func TokenHashCost(hash string) (int, error) {
	if hash == "" {
		return 0, ErrInvalidTokenHash
	}

	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return 0, ErrInvalidTokenHash
	}

	return cost, nil
}
