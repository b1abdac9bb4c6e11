package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
)

// Loader turns a plugin file into a Plugin.
type Loader interface {
	Load(path string) (Plugin, error)
}

// GoPluginLoader opens shared objects built with -buildmode=plugin. The
// object must export either a `Plugin` variable or a `NewPlugin` constructor.
type GoPluginLoader struct{}

// Load implements Loader.
func (GoPluginLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	if symbol, err := so.Lookup("Plugin"); err == nil {
		return fromSymbol(symbol)
	}
	symbol, err := so.Lookup("NewPlugin")
	if err != nil {
		return nil, fmt.Errorf("%s exports neither Plugin nor NewPlugin", path)
	}
	return fromSymbol(symbol)
}

func fromSymbol(symbol any) (Plugin, error) {
	switch p := symbol.(type) {
	case *Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case Plugin:
		return p, nil
	case func() Plugin:
		return p(), nil
	default:
		return nil, fmt.Errorf("unsupported plugin symbol type %T", symbol)
	}
}
