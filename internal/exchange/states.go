package exchange

// ConnState состояние WebSocket соединения с биржей
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateReconnecting
	StateClosed
)

// String возвращает текстовое представление состояния
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ValidTransitions определяет допустимые переходы между состояниями соединения
var ValidTransitions = map[ConnState][]ConnState{
	StateDisconnected:   {StateConnecting, StateClosed},
	StateConnecting:     {StateConnected, StateDisconnected, StateReconnecting, StateClosed},
	StateConnected:      {StateAuthenticating, StateAuthenticated, StateReconnecting, StateDisconnected, StateClosed},
	StateAuthenticating: {StateAuthenticated, StateReconnecting, StateDisconnected, StateClosed},
	StateAuthenticated:  {StateReconnecting, StateDisconnected, StateClosed},
	StateReconnecting:   {StateConnecting, StateDisconnected, StateClosed},
	StateClosed:         {}, // терминальное состояние
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to ConnState) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// ============================================================
// Классификация кодов закрытия
// ============================================================

// CloseCategory категория причины закрытия соединения
type CloseCategory string

const (
	CloseNormal      CloseCategory = "normal"      // штатное закрытие
	CloseGoingAway   CloseCategory = "going_away"  // сервер уходит на рестарт
	CloseProtocol    CloseCategory = "protocol"    // нарушение протокола
	CloseAbnormal    CloseCategory = "abnormal"    // разрыв без кадра закрытия
	CloseServerError CloseCategory = "server_error"
	ClosePolicy      CloseCategory = "policy" // прикладные коды 4000-4999
	CloseUnknown     CloseCategory = "unknown"
)

// Код, которым биржа отклоняет аутентификацию на сокете.
// Переподключение с теми же учетными данными бессмысленно.
const closeCodeAuthRejected = 4001

// CloseReason результат классификации кода закрытия: категория и решение
// о переподключении
type CloseReason struct {
	Code      int
	Category  CloseCategory
	Reconnect bool
}

// ClassifyClose классифицирует код закрытия WebSocket и решает,
// следует ли переподключаться. Для кодов 1000/1001 решение зависит от
// того, закрыла ли соединение наша сторона.
func ClassifyClose(code int, clientInitiated bool) CloseReason {
	switch code {
	case 1000:
		return CloseReason{Code: code, Category: CloseNormal, Reconnect: !clientInitiated}
	case 1001:
		return CloseReason{Code: code, Category: CloseGoingAway, Reconnect: !clientInitiated}
	case 1002, 1003, 1007, 1008:
		return CloseReason{Code: code, Category: CloseProtocol, Reconnect: true}
	case 1006:
		return CloseReason{Code: code, Category: CloseAbnormal, Reconnect: true}
	case 1011, 1012, 1013:
		return CloseReason{Code: code, Category: CloseServerError, Reconnect: true}
	}
	if code >= 4000 && code <= 4999 {
		return CloseReason{
			Code:      code,
			Category:  ClosePolicy,
			Reconnect: code != closeCodeAuthRejected,
		}
	}
	return CloseReason{Code: code, Category: CloseUnknown, Reconnect: true}
}
