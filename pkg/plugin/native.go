package plugin

import (
	"plugin"
	"strings"

	"github.com/pkg/errors"
)

// NativeExt is the shared-library extension scanned for native plugins.
const NativeExt = ".so"

// Native plugins export two symbols:
//
//	func PluginCreate() plugin.Handler
//	func PluginDestroy(h plugin.Handler)
//
// PluginCreate runs once at load; PluginDestroy runs after OnUnload. The
// library itself stays mapped for the process lifetime (Go plugins cannot
// be unloaded).
type nativePlugin struct {
	Handler
	destroy func(Handler)
}

// LoadNative opens a shared library and instantiates its plugin.
func LoadNative(path string) (Handler, error) {
	lib, err := plugin.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "plugin: open native %q", path)
	}

	createSym, err := lib.Lookup("PluginCreate")
	if err != nil {
		return nil, errors.Wrapf(err, "plugin: %q missing PluginCreate", path)
	}
	create, ok := createSym.(func() Handler)
	if !ok {
		return nil, errors.Errorf("plugin: %q PluginCreate has wrong signature", path)
	}

	destroySym, err := lib.Lookup("PluginDestroy")
	if err != nil {
		return nil, errors.Wrapf(err, "plugin: %q missing PluginDestroy", path)
	}
	destroy, ok := destroySym.(func(Handler))
	if !ok {
		return nil, errors.Errorf("plugin: %q PluginDestroy has wrong signature", path)
	}

	h := create()
	if h == nil {
		return nil, errors.Errorf("plugin: %q PluginCreate returned nil", path)
	}
	return &nativePlugin{Handler: h, destroy: destroy}, nil
}

func (n *nativePlugin) OnUnload() {
	n.Handler.OnUnload()
	if n.destroy != nil {
		n.destroy(n.Handler)
	}
}

// IsNative reports whether a directory entry looks like a native plugin.
func IsNative(name string) bool {
	return strings.HasSuffix(name, NativeExt)
}
