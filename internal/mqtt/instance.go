package mqtt

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KeyValue is the slice of the operational state store the instance ID
// lives in.
type KeyValue interface {
	Get(ctx context.Context, namespace, key string) (string, error)
	Set(ctx context.Context, namespace, key, value string, ttl time.Duration) error
}

const (
	stateNamespace = "mqtt"
	instanceKey    = "instance_id"
)

// LoadOrCreateInstanceID returns the stored HA device identifier, or
// generates a UUIDv7 and stores it. The ID survives device_name
// changes so HA keeps entity history.
func LoadOrCreateInstanceID(ctx context.Context, kv KeyValue) (string, error) {
	id, err := kv.Get(ctx, stateNamespace, instanceKey)
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
	id = u.String()
	if err := kv.Set(ctx, stateNamespace, instanceKey, id, 0); err != nil {
		return "", fmt.Errorf("persist instance ID: %w", err)
	}
	return id, nil
}
