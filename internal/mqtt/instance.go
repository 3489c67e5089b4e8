package mqtt

import (
	"fmt"

	"github.com/google/uuid"
)

const instanceIDKey = "instance_id"

// KV persists small kiosk state values.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// LoadOrCreateInstanceID returns the kiosk's persistent instance ID,
// generating and storing a UUIDv7 on first use. It keys the HA device
// so entity history survives a device_name change.
func LoadOrCreateInstanceID(kv KV) (string, error) {
	id, err := kv.Get(instanceIDKey)
	if err != nil {
		return "", fmt.Errorf("load instance ID: %w", err)
	}
	if id != "" {
		return id, nil
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := kv.Set(instanceIDKey, u.String()); err != nil {
		return "", fmt.Errorf("persist instance ID: %w", err)
	}
	return u.String(), nil
}
