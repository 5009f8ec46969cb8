package plugins

import "context"

// ManagerInterface defines the plugin management operations used by the
// HTTP layer. This allows for easier mocking in tests.
type ManagerInterface interface {
	Registry
	Register(ctx context.Context, p Plugin) error
	Enable(ctx context.Context, id string) error
	Disable(ctx context.Context, id string) error
	Unregister(ctx context.Context, id string) error
	AutoEnablePlugins(ctx context.Context) error
}

// Ensure Manager implements ManagerInterface
var _ ManagerInterface = (*Manager)(nil)
