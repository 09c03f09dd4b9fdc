// Package presence answers "who is online now". Lookups go through tiers:
// a fast in-process cache, then an optional shared Redis cache, then the
// source-of-truth storage. Presence-relevant events invalidate per-device
// keys so the next read recomputes from storage.
package presence

import (
	"context"
	"encoding/json"
	"time"

	"cdr.dev/slog/v3"
	"github.com/ammario/tlru"
	"github.com/coder/quartz"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/worklens/worklens/internal/database"
	"github.com/worklens/worklens/internal/models"
)

// ErrUnknownDevice is returned for device IDs that never registered.
var ErrUnknownDevice = errors.New("unknown device")

const memCacheSize = 4096

// Status is the live state of a device.
type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
)

// Snapshot is the cached live view of one device.
type Snapshot struct {
	DeviceID   string            `json:"device_id"`
	EmployeeID string            `json:"employee_id"`
	Status     Status            `json:"status"`
	LastSeen   time.Time         `json:"last_seen"`
	CurrentApp models.CurrentApp `json:"current_app"`
}

// Cache is the tiered presence cache. The Redis tier is optional; when it is
// absent or unavailable the cache degrades to the next tier instead of
// failing the read.
type Cache struct {
	log   slog.Logger
	repo  *database.Repository
	rdb   *redis.Client
	clock quartz.Clock
	ttl   time.Duration
	mem   *tlru.Cache[string, Snapshot]
}

func New(log slog.Logger, repo *database.Repository, rdb *redis.Client, clock quartz.Clock, ttl time.Duration) *Cache {
	return &Cache{
		log:   log.Named("presence"),
		repo:  repo,
		rdb:   rdb,
		clock: clock,
		ttl:   ttl,
		mem:   tlru.New[string](tlru.ConstantCost[Snapshot], memCacheSize),
	}
}

// Device returns the live snapshot for a device, preferring the fastest tier
// with a fresh entry.
func (c *Cache) Device(ctx context.Context, deviceID string) (Snapshot, error) {
	if snapshot, _, ok := c.mem.Get(deviceID); ok {
		return snapshot, nil
	}

	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, redisKey(deviceID)).Bytes()
		if err == nil {
			var snapshot Snapshot
			if err := json.Unmarshal(raw, &snapshot); err == nil {
				c.mem.Set(deviceID, snapshot, c.ttl)
				return snapshot, nil
			}
			c.log.Warn(ctx, "discarding undecodable presence entry", slog.F("device_id", deviceID))
		} else if !errors.Is(err, redis.Nil) {
			c.log.Warn(ctx, "presence redis tier unavailable, falling through", slog.Error(err))
		}
	}

	snapshot, err := c.compute(ctx, deviceID)
	if err != nil {
		return Snapshot{}, err
	}
	c.store(ctx, snapshot)
	return snapshot, nil
}

// Invalidate drops the device's entry from every tier. Best effort: a failed
// Redis delete is logged, not surfaced, since storage remains authoritative.
func (c *Cache) Invalidate(ctx context.Context, deviceID string) {
	c.mem.Delete(deviceID)
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, redisKey(deviceID)).Err(); err != nil {
			c.log.Warn(ctx, "failed to invalidate presence redis entry",
				slog.F("device_id", deviceID),
				slog.Error(err),
			)
		}
	}
}

// compute derives a snapshot from storage. A device is online only when it
// was seen within the TTL window AND an open work session exists; a
// recently-seen device with no open session must not appear online.
func (c *Cache) compute(ctx context.Context, deviceID string) (Snapshot, error) {
	device, err := c.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return Snapshot{}, err
	}
	if device == nil {
		return Snapshot{}, errors.WithMessage(ErrUnknownDevice, deviceID)
	}

	open, err := c.repo.OpenSessionExists(ctx, device.EmployeeID, deviceID)
	if err != nil {
		return Snapshot{}, err
	}

	status := StatusOffline
	if open && c.clock.Now().Sub(device.LastSeen) <= c.ttl {
		if device.CurrentApp.IsIdle {
			status = StatusIdle
		} else {
			status = StatusOnline
		}
	}

	return Snapshot{
		DeviceID:   device.ID,
		EmployeeID: device.EmployeeID,
		Status:     status,
		LastSeen:   device.LastSeen,
		CurrentApp: device.CurrentApp,
	}, nil
}

// store writes the snapshot to every available tier.
func (c *Cache) store(ctx context.Context, snapshot Snapshot) {
	c.mem.Set(snapshot.DeviceID, snapshot, c.ttl)
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKey(snapshot.DeviceID), raw, c.ttl).Err(); err != nil {
		c.log.Warn(ctx, "failed to write presence redis entry",
			slog.F("device_id", snapshot.DeviceID),
			slog.Error(err),
		)
	}
}

func redisKey(deviceID string) string {
	return "worklens:presence:" + deviceID
}
