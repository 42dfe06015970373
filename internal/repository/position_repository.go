package repository

import (
	"database/sql"
	"errors"
	"time"

	"tradedesk/internal/models"
	"tradedesk/internal/risk"
)

// Ошибки репозитория позиций
var (
	ErrPositionNotFound = errors.New("position not found")
)

// PositionRepository - работа с таблицей positions
//
// Назначение: журнал позиций риск-менеджера. Открытие и закрытие
// персистируются, тики цен - нет: текущее состояние открытых позиций
// живет в памяти риск-менеджера и восстанавливается при рестарте
// через GetOpen и SumRealizedPnLSince.
type PositionRepository struct {
	db *sql.DB
}

var _ risk.PositionStore = (*PositionRepository)(nil)

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// InsertOpen сохраняет только что открытую позицию
func (r *PositionRepository) InsertOpen(p *models.Position) error {
	query := `
		INSERT INTO positions (id, symbol, side, quantity, entry_price, current_price, stop_loss, take_profit, unrealized_pnl, realized_pnl, strategy, status, close_reason, close_price, entry_time, close_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := r.db.Exec(
		query,
		p.ID,
		p.Symbol,
		p.Side,
		p.Quantity,
		p.EntryPrice,
		p.CurrentPrice,
		p.StopLoss,
		p.TakeProfit,
		p.UnrealizedPnL,
		p.RealizedPnL,
		p.Strategy,
		p.Status,
		p.CloseReason,
		p.ClosePrice,
		p.EntryTime,
		p.CloseTime,
	)

	return err
}

// UpdateClose фиксирует закрытие позиции
func (r *PositionRepository) UpdateClose(p *models.Position) error {
	query := `
		UPDATE positions
		SET current_price = $1, unrealized_pnl = $2, realized_pnl = $3, status = $4, close_reason = $5, close_price = $6, close_time = $7
		WHERE id = $8`

	result, err := r.db.Exec(
		query,
		p.CurrentPrice,
		p.UnrealizedPnL,
		p.RealizedPnL,
		p.Status,
		p.CloseReason,
		p.ClosePrice,
		p.CloseTime,
		p.ID,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrPositionNotFound
	}

	return nil
}

// GetOpen возвращает все открытые позиции для восстановления
// леджера после рестарта
func (r *PositionRepository) GetOpen() ([]*models.Position, error) {
	query := `
		SELECT id, symbol, side, quantity, entry_price, current_price, stop_loss, take_profit, unrealized_pnl, realized_pnl, strategy, status, close_reason, close_price, entry_time, close_time
		FROM positions
		WHERE status = $1
		ORDER BY entry_time`

	rows, err := r.db.Query(query, models.PositionStatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p := &models.Position{}
		err := rows.Scan(
			&p.ID,
			&p.Symbol,
			&p.Side,
			&p.Quantity,
			&p.EntryPrice,
			&p.CurrentPrice,
			&p.StopLoss,
			&p.TakeProfit,
			&p.UnrealizedPnL,
			&p.RealizedPnL,
			&p.Strategy,
			&p.Status,
			&p.CloseReason,
			&p.ClosePrice,
			&p.EntryTime,
			&p.CloseTime,
		)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return positions, nil
}

// GetRecentClosed возвращает последние закрытые позиции
func (r *PositionRepository) GetRecentClosed(limit int) ([]*models.Position, error) {
	query := `
		SELECT id, symbol, side, quantity, entry_price, current_price, stop_loss, take_profit, unrealized_pnl, realized_pnl, strategy, status, close_reason, close_price, entry_time, close_time
		FROM positions
		WHERE status = $1
		ORDER BY close_time DESC
		LIMIT $2`

	rows, err := r.db.Query(query, models.PositionStatusClosed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p := &models.Position{}
		err := rows.Scan(
			&p.ID,
			&p.Symbol,
			&p.Side,
			&p.Quantity,
			&p.EntryPrice,
			&p.CurrentPrice,
			&p.StopLoss,
			&p.TakeProfit,
			&p.UnrealizedPnL,
			&p.RealizedPnL,
			&p.Strategy,
			&p.Status,
			&p.CloseReason,
			&p.ClosePrice,
			&p.EntryTime,
			&p.CloseTime,
		)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return positions, nil
}

// SumRealizedPnLSince возвращает суммарный реализованный PnL позиций,
// закрытых начиная с указанного момента. Нулевое время дает сумму за
// всю историю.
func (r *PositionRepository) SumRealizedPnLSince(since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM positions
		WHERE status = $1 AND close_time >= $2`

	var total float64
	err := r.db.QueryRow(query, models.PositionStatusClosed, since).Scan(&total)
	if err != nil {
		return 0, err
	}

	return total, nil
}
