package loaders

import (
	"errors"

	"github.com/ALEYI17/InfraSight_nexus/internal/config"
	"github.com/ALEYI17/InfraSight_nexus/pkg/types"
)

func NewProbeLoaders(program string, cfg *config.Config) (types.Probe_loaders, error) {
	switch program {
	case types.LoaderRuntimeCalls:
		return NewRuntimeCallsLoader(cfg.ProbeLibrary, RuntimeSymbols)
	default:
		return nil, errors.New("unsupported or unknown program")
	}
}
