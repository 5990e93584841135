package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/eggstream/internal/domain"
)

const (
	uniqueViolation = "23505"
	checkViolation  = "23514"

	defaultPageLimit = 100
	maxPageLimit     = 1000

	sensorColumns = "id, sensor_name, sensor_data_rate, is_active"
)

type SensorRepo struct {
	pool *pgxpool.Pool
}

var _ domain.SensorRepository = (*SensorRepo)(nil)

func NewSensorRepo(pool *pgxpool.Pool) *SensorRepo {
	return &SensorRepo{pool: pool}
}

func scanSensor(row pgx.Row) (*domain.Sensor, error) {
	var s domain.Sensor
	if err := row.Scan(&s.ID, &s.Name, &s.DataRate, &s.IsActive); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SensorRepo) GetByID(ctx context.Context, id domain.SensorID) (*domain.Sensor, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sensorColumns+` FROM sensors WHERE id = $1`, id)
	sensor, err := scanSensor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSensorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sensor %d: %w", id, err)
	}
	return sensor, nil
}

func (r *SensorRepo) List(ctx context.Context, page domain.Page) ([]domain.Sensor, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	limit = min(limit, maxPageLimit)
	offset := max(page.Offset, 0)

	rows, err := r.pool.Query(ctx, `SELECT `+sensorColumns+` FROM sensors ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sensors: %w", err)
	}

	sensors, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Sensor, error) {
		s, err := scanSensor(row)
		if err != nil {
			return domain.Sensor{}, err
		}
		return *s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan sensors: %w", err)
	}
	return sensors, nil
}

func (r *SensorRepo) Create(ctx context.Context, in domain.NewSensor) (*domain.Sensor, error) {
	in, err := in.Normalize()
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO sensors (sensor_name, sensor_data_rate) VALUES ($1, $2) RETURNING `+sensorColumns,
		in.Name, in.DataRate)
	sensor, err := scanSensor(row)
	if err != nil {
		return nil, mapWriteError(fmt.Sprintf("create sensor %q", in.Name), err)
	}
	return sensor, nil
}

// Update applies the set fields of patch. An empty patch returns the sensor unchanged.
func (r *SensorRepo) Update(ctx context.Context, id domain.SensorID, patch domain.SensorPatch) (*domain.Sensor, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE sensors
		SET sensor_name      = COALESCE($2, sensor_name),
		    sensor_data_rate = COALESCE($3, sensor_data_rate),
		    updated_at       = now()
		WHERE id = $1
		RETURNING `+sensorColumns,
		id, patch.Name, patch.DataRate)
	sensor, err := scanSensor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSensorNotFound
	}
	if err != nil {
		return nil, mapWriteError(fmt.Sprintf("update sensor %d", id), err)
	}
	return sensor, nil
}

func (r *SensorRepo) Delete(ctx context.Context, id domain.SensorID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sensors WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sensor %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSensorNotFound
	}
	return nil
}

func (r *SensorRepo) SetActive(ctx context.Context, id domain.SensorID, active bool) (*domain.Sensor, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE sensors SET is_active = $2, updated_at = now() WHERE id = $1 RETURNING `+sensorColumns,
		id, active)
	sensor, err := scanSensor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSensorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set sensor %d active=%t: %w", id, active, err)
	}
	return sensor, nil
}

func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%s: %w", op, domain.ErrDuplicateName)
		case checkViolation:
			return fmt.Errorf("%s: %w", op, domain.ErrInvalidRate)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
