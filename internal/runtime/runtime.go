// Package runtime defines the base-image build recipes sandboxes are
// created from. The orchestrator treats a recipe as opaque: it only hands
// the Dockerfile to the provider and uses the defaults as fallbacks.
package runtime

// Recipe describes a runtime image and its project defaults.
type Recipe interface {
	// Dockerfile returns the image build file for the provider's snapshot
	// builder.
	Dockerfile() string
	// DefaultInstall returns install commands for projects that configure
	// none.
	DefaultInstall() []string
	// DefaultProcesses returns the Procfile entries for projects that
	// configure none.
	DefaultProcesses() map[string]string
	// DefaultPort is the HTTP port the app process listens on.
	DefaultPort() int
}
