// Package settings holds the operational toggles polled by the pipeline:
// the maintenance flag and per-platform kill switches. Values seed from
// static config and can be flipped at runtime.
package settings

import (
	"context"
	"strings"
	"sync"

	"github.com/mediafetch/fetchq/internal/download"
)

// Provider implements download.ConfigProvider.
type Provider struct {
	mu          sync.RWMutex
	maintenance download.MaintenanceState
	disabled    map[string]bool
}

// New seeds a Provider from static configuration.
func New(maintenance download.MaintenanceState, disabledPlatforms []string) *Provider {
	disabled := make(map[string]bool, len(disabledPlatforms))
	for _, p := range disabledPlatforms {
		disabled[strings.ToLower(strings.TrimSpace(p))] = true
	}
	return &Provider{maintenance: maintenance, disabled: disabled}
}

// MaintenanceMode implements download.ConfigProvider.
func (p *Provider) MaintenanceMode(ctx context.Context) download.MaintenanceState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maintenance
}

// PlatformEnabled implements download.ConfigProvider.
func (p *Provider) PlatformEnabled(ctx context.Context, platform string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.disabled[strings.ToLower(platform)]
}

// SetMaintenance flips the maintenance flag at runtime.
func (p *Provider) SetMaintenance(state download.MaintenanceState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maintenance = state
}

// SetPlatformEnabled flips one platform's kill switch at runtime.
func (p *Provider) SetPlatformEnabled(platform string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled[strings.ToLower(platform)] = !enabled
}
