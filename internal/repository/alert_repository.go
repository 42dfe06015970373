package repository

import (
	"database/sql"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"

	"tradedesk/internal/models"
	"tradedesk/internal/monitoring"
)

var jsonMeta = jsoniter.ConfigCompatibleWithStandardLibrary

// Ошибки репозитория алертов
var (
	ErrAlertNotFound = errors.New("alert not found")
)

// AlertRepository - работа с таблицей alerts
//
// Назначение: журнал алертов мониторинга, переживающий рестарт.
// Владелец записей - Monitor: все изменения статусов проходят через
// него, репозиторий только отражает их в БД.
type AlertRepository struct {
	db *sql.DB
}

var _ monitoring.AlertStore = (*AlertRepository)(nil)

// NewAlertRepository создает новый экземпляр репозитория
func NewAlertRepository(db *sql.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Create сохраняет новый алерт. Метаданные сериализуются в JSONB.
func (r *AlertRepository) Create(alert *models.Alert) error {
	query := `
		INSERT INTO alerts (id, level, component, message, meta, acknowledged, resolved, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	meta, err := jsonMeta.Marshal(alert.Meta)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(
		query,
		alert.ID,
		alert.Level,
		alert.Component,
		alert.Message,
		meta,
		alert.Acknowledged,
		alert.Resolved,
		alert.CreatedAt,
		alert.ResolvedAt,
	)

	return err
}

// MarkAcknowledged помечает алерт подтвержденным
func (r *AlertRepository) MarkAcknowledged(id string) error {
	query := `
		UPDATE alerts
		SET acknowledged = true
		WHERE id = $1`

	result, err := r.db.Exec(query, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrAlertNotFound
	}

	return nil
}

// MarkResolved помечает алерт разрешенным. Уже разрешенный алерт не
// трогается: resolved_at первого разрешения сохраняется.
func (r *AlertRepository) MarkResolved(id string, at time.Time) error {
	query := `
		UPDATE alerts
		SET resolved = true, resolved_at = $1
		WHERE id = $2 AND resolved = false`

	result, err := r.db.Exec(query, at, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrAlertNotFound
	}

	return nil
}

// GetRecent возвращает последние N алертов
func (r *AlertRepository) GetRecent(limit int) ([]*models.Alert, error) {
	query := `
		SELECT id, level, component, message, meta, acknowledged, resolved, created_at, resolved_at
		FROM alerts
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		alert := &models.Alert{}
		var meta []byte
		err := rows.Scan(
			&alert.ID,
			&alert.Level,
			&alert.Component,
			&alert.Message,
			&meta,
			&alert.Acknowledged,
			&alert.Resolved,
			&alert.CreatedAt,
			&alert.ResolvedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := jsonMeta.Unmarshal(meta, &alert.Meta); err != nil {
				return nil, err
			}
		}
		alerts = append(alerts, alert)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return alerts, nil
}

// GetByComponent возвращает последние алерты компонента
func (r *AlertRepository) GetByComponent(component string, limit int) ([]*models.Alert, error) {
	query := `
		SELECT id, level, component, message, meta, acknowledged, resolved, created_at, resolved_at
		FROM alerts
		WHERE component = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(query, component, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		alert := &models.Alert{}
		var meta []byte
		err := rows.Scan(
			&alert.ID,
			&alert.Level,
			&alert.Component,
			&alert.Message,
			&meta,
			&alert.Acknowledged,
			&alert.Resolved,
			&alert.CreatedAt,
			&alert.ResolvedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := jsonMeta.Unmarshal(meta, &alert.Meta); err != nil {
				return nil, err
			}
		}
		alerts = append(alerts, alert)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return alerts, nil
}
