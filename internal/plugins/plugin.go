// Package plugins defines the plugin contract and the manager that drives
// every plugin through its lifecycle, plus the goja runtime for plugins
// written as scripts.
package plugins

import (
	"context"

	"github.com/vrsandeep/pplx-kit/internal/logger"
	"github.com/vrsandeep/pplx-kit/internal/messaging"
	"github.com/vrsandeep/pplx-kit/internal/panel"
	"github.com/vrsandeep/pplx-kit/internal/storage"
)

// Metadata identifies a plugin.
type Metadata struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Version             string   `json:"version"`
	Description         string   `json:"description"`
	Author              string   `json:"author"`
	Dependencies        []string `json:"dependencies,omitempty"`
	RequiredCoreVersion string   `json:"required_core_version,omitempty"`
}

// Plugin is anything the manager can register. Lifecycle hooks are optional
// and picked up by implementing Loader, Enabler, Disabler or Unloader.
type Plugin interface {
	Metadata() Metadata
}

type Loader interface {
	OnLoad(ctx context.Context, api *API) error
}

type Enabler interface {
	OnEnable(ctx context.Context) error
}

type Disabler interface {
	OnDisable(ctx context.Context) error
}

type Unloader interface {
	OnUnload(ctx context.Context) error
}

// API is the set of core services handed to OnLoad.
type API struct {
	Storage   storage.Service
	Messaging *messaging.Bus
	Logger    *logger.Service
	Panels    *panel.Factory
	Plugins   Registry
}

// Registry is the read-only view of the manager available to plugins.
type Registry interface {
	Get(id string) (Info, bool)
	GetAll() []Info
	IsEnabled(id string) bool
	IsLoaded(id string) bool
	GetState(id string) (State, bool)
}

// Definition adapts plain functions to the Plugin contract. Nil hooks are
// skipped.
type Definition struct {
	Meta    Metadata
	Load    func(ctx context.Context, api *API) error
	Enable  func(ctx context.Context) error
	Disable func(ctx context.Context) error
	Unload  func(ctx context.Context) error
}

func (d *Definition) Metadata() Metadata { return d.Meta }

func (d *Definition) OnLoad(ctx context.Context, api *API) error {
	if d.Load == nil {
		return nil
	}
	return d.Load(ctx, api)
}

func (d *Definition) OnEnable(ctx context.Context) error {
	if d.Enable == nil {
		return nil
	}
	return d.Enable(ctx)
}

func (d *Definition) OnDisable(ctx context.Context) error {
	if d.Disable == nil {
		return nil
	}
	return d.Disable(ctx)
}

func (d *Definition) OnUnload(ctx context.Context) error {
	if d.Unload == nil {
		return nil
	}
	return d.Unload(ctx)
}
