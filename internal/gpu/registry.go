package gpu

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotRegistered means no URL was configured and the service has not
// registered itself yet.
var ErrNotRegistered = errors.New("gpu service not registered")

// Registry resolves service URLs from service_registry.
type Registry interface {
	ServiceURL(ctx context.Context, name string) (string, error)
}

// Resolve returns a client for configured, or for the registered URL when
// configured is empty.
func Resolve(ctx context.Context, configured string, reg Registry, timeout time.Duration) (*Client, error) {
	if configured != "" {
		return New(configured, timeout), nil
	}
	url, err := reg.ServiceURL(ctx, ServiceName)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ServiceName, err)
	}
	if url == "" {
		return nil, ErrNotRegistered
	}
	return New(url, timeout), nil
}
