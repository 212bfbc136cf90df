//go:build !linux

package platform

import (
	"go.uber.org/zap"

	"github.com/sockaudit/sockaudit/probes"
)

// Provider is inert off Linux. Plant succeeds but the hooks observe
// nothing, so the rest of the pipeline keeps working without kernel
// support.
type Provider struct {
	log *zap.Logger
}

func NewProvider(cfg Config, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("kernel instrumentation is not supported on this platform; probes are inert")
	return &Provider{log: logger}, nil
}

func (p *Provider) Plant(symbol string, cb probes.Callbacks) (probes.PlantedHook, error) {
	return inertHook{}, nil
}

func (p *Provider) Close() error {
	return nil
}

type inertHook struct{}

func (inertHook) Unplant() error { return nil }
