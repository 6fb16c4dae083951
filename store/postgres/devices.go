package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrEthical07/tenantAuth/identity"
)

var _ identity.Devices = (*Devices)(nil)

// Devices implements identity.Devices.
type Devices struct {
	db  *Connection
	now func() time.Time
}

func NewDevices(db *Connection, now func() time.Time) *Devices {
	if now == nil {
		now = time.Now
	}
	return &Devices{db: db, now: now}
}

func (r *Devices) Upsert(ctx context.Context, tenantID string, d identity.Device) (identity.Device, error) {
	now := r.now()
	err := r.db.QueryRow(ctx, `INSERT INTO devices (tenant_id, id, name, class, blocked, created_at, seen_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, $5)
		ON CONFLICT (tenant_id, id) DO UPDATE
		SET name = EXCLUDED.name, class = EXCLUDED.class, seen_at = EXCLUDED.seen_at
		RETURNING blocked`,
		tenant(tenantID), d.ID, d.Name, string(d.Class), now,
	).Scan(&d.Blocked)
	if err != nil {
		return identity.Device{}, fmt.Errorf("upsert device: %w", err)
	}
	return d, nil
}

func (r *Devices) ByID(ctx context.Context, tenantID, id string) (identity.Device, error) {
	var (
		d     identity.Device
		class string
	)
	err := r.db.QueryRow(ctx, `SELECT id, name, class, blocked FROM devices WHERE tenant_id = $1 AND id = $2`,
		tenant(tenantID), id,
	).Scan(&d.ID, &d.Name, &class, &d.Blocked)
	if errors.Is(err, pgx.ErrNoRows) {
		return identity.Device{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Device{}, fmt.Errorf("get device: %w", err)
	}
	d.Class = identity.DeviceClass(class)
	return d, nil
}

func (r *Devices) SetBlocked(ctx context.Context, tenantID, id string, blocked bool) (identity.Device, error) {
	var (
		d     identity.Device
		class string
	)
	err := r.db.QueryRow(ctx, `UPDATE devices SET blocked = $3
		WHERE tenant_id = $1 AND id = $2 AND blocked <> $3
		RETURNING id, name, class, blocked`,
		tenant(tenantID), id, blocked,
	).Scan(&d.ID, &d.Name, &class, &d.Blocked)
	if err == nil {
		d.Class = identity.DeviceClass(class)
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return identity.Device{}, fmt.Errorf("block device: %w", err)
	}

	if _, err := r.ByID(ctx, tenantID, id); err != nil {
		return identity.Device{}, err
	}
	return identity.Device{}, identity.ErrConflict
}
