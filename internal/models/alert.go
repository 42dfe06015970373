package models

import "time"

// AlertLevel уровень важности алерта
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "INFO"
	AlertLevelWarning  AlertLevel = "WARNING"
	AlertLevelError    AlertLevel = "ERROR"
	AlertLevelCritical AlertLevel = "CRITICAL"
)

// Alert представляет событие мониторинга: сработавший риск-лимит,
// упавшую проверку здоровья или иное требующее внимания событие.
// После создания алерт не мутирует, кроме полей подтверждения и разрешения.
type Alert struct {
	ID           string                 `json:"id" db:"id"`
	Level        AlertLevel             `json:"level" db:"level"`
	Component    string                 `json:"component" db:"component"` // risk, exchange, monitoring, ...
	Message      string                 `json:"message" db:"message"`
	Meta         map[string]interface{} `json:"meta,omitempty" db:"meta"` // дополнительные данные (JSON в БД)
	Acknowledged bool                   `json:"acknowledged" db:"acknowledged"`
	Resolved     bool                   `json:"resolved" db:"resolved"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
	ResolvedAt   *time.Time             `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Valid сообщает, известен ли уровень алерта.
func (l AlertLevel) Valid() bool {
	switch l {
	case AlertLevelInfo, AlertLevelWarning, AlertLevelError, AlertLevelCritical:
		return true
	}
	return false
}
