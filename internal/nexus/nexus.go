// Package nexus wires the tracer into a runtime: it captures the dispatch
// tables, installs the hooks and owns every piece of tracing state.
package nexus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ALEYI17/InfraSight_nexus/internal/collector"
	"github.com/ALEYI17/InfraSight_nexus/internal/collector/aggregator"
	"github.com/ALEYI17/InfraSight_nexus/internal/collector/timeserie"
	"github.com/ALEYI17/InfraSight_nexus/internal/config"
	"github.com/ALEYI17/InfraSight_nexus/internal/dispatch"
	"github.com/ALEYI17/InfraSight_nexus/internal/hsa"
	"github.com/ALEYI17/InfraSight_nexus/internal/identity"
	"github.com/ALEYI17/InfraSight_nexus/internal/registrar"
	"github.com/ALEYI17/InfraSight_nexus/internal/shadow"
	"github.com/ALEYI17/InfraSight_nexus/internal/source"
	"github.com/ALEYI17/InfraSight_nexus/internal/symdb"
	"github.com/ALEYI17/InfraSight_nexus/internal/symdb/elfdb"
	"github.com/ALEYI17/InfraSight_nexus/internal/tracedoc"
	"github.com/ALEYI17/InfraSight_nexus/pkg/logutil"
	"github.com/ALEYI17/InfraSight_nexus/pkg/types"
	"github.com/spf13/afero"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var ErrNoGPU = errors.New("no GPU agent found")

// Nexus is the traced runtime. It implements hsa.Runtime by calling through
// to the captured tables and recording what it sees on the way.
type Nexus struct {
	cfg    *config.Config
	live   *hsa.ApiTable
	shadow *shadow.Shadow
	direct *hsa.Direct

	agents []hsa.AgentDescriptor
	gpu    hsa.AgentDescriptor

	db        symdb.Database
	sourceFs  afero.Fs
	resolver  *identity.Resolver
	registrar *registrar.Registrar
	tracer    *dispatch.Tracer
	stats     *aggregator.DispatchAggregator
	series    *timeserie.TimeSeriesCollector

	allocMu      sync.Mutex
	pointerSizes map[uintptr]uint64

	calls map[string]*atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

var _ hsa.Runtime = (*Nexus)(nil)

type Option func(*Nexus)

// WithDatabase replaces the ELF symbol database.
func WithDatabase(db symdb.Database) Option {
	return func(n *Nexus) { n.db = db }
}

// WithSourceFs sets the filesystem source files are searched in.
func WithSourceFs(fs afero.Fs) Option {
	return func(n *Nexus) { n.sourceFs = fs }
}

// Attach captures live, discovers the agents and installs the hooks. On
// success every hooked entry of live calls into the returned Nexus.
func Attach(live *hsa.ApiTable, cfg *config.Config, opts ...Option) (*Nexus, error) {
	logger := logutil.GetLogger()

	s, err := shadow.Capture(live)
	if err != nil {
		return nil, fmt.Errorf("capture api table: %w", err)
	}

	n := &Nexus{
		cfg:          cfg,
		live:         live,
		shadow:       s,
		direct:       s.Original(),
		resolver:     identity.NewResolver(),
		pointerSizes: make(map[uintptr]uint64),
		calls:        make(map[string]*atomic.Uint64, len(shadow.Hooked)),
	}
	for _, name := range shadow.Hooked {
		n.calls[name] = atomic.NewUint64(0)
	}
	for _, o := range opts {
		o(n)
	}

	n.agents, err = hsa.DiscoverAgents(n.direct)
	if err != nil {
		return nil, fmt.Errorf("discover agents: %w", err)
	}
	for _, a := range n.agents {
		logger.Debug("Discovered agent",
			zap.String("name", a.Name),
			zap.Stringer("type", a.Type),
			zap.Uint64("handle", a.Agent.Handle),
			zap.Int("regions", len(a.Regions)))
		for _, r := range a.Regions {
			logger.Debug("Agent memory region",
				zap.Uint64("agent", a.Agent.Handle),
				zap.Uint64("region", r.Region.Handle),
				zap.Bool("fine_grained", r.FineGrained),
				zap.Bool("coarse_grained", r.CoarseGrained))
		}
	}
	gpu, ok := hsa.FirstGPU(n.agents)
	if !ok {
		return nil, ErrNoGPU
	}
	n.gpu = gpu

	if n.db == nil {
		n.db = elfdb.New(gpu.Name)
	}
	if n.sourceFs == nil {
		n.sourceFs = afero.NewOsFs()
	}
	locator, err := source.NewLocator(n.sourceFs, source.ParseRoots(cfg.ExtraSearchPrefix))
	if err != nil {
		return nil, err
	}

	n.registrar = registrar.New(n.db, gpu.Agent, registrar.Options{
		TempDir:    cfg.TempDir,
		HashWindow: cfg.HashWindow,
	})

	var collectors []types.Nexus_collectors
	if cfg.StatsInterval > 0 {
		n.stats = aggregator.NewDispatchAggregator(cfg.StatsInterval)
		n.series = timeserie.NewTimeSeriesCollector(cfg.StatsInterval)
		collectors = append(collectors, n.stats, n.series)
	}

	n.tracer = dispatch.New(dispatch.Options{
		Resolver:   n.resolver,
		DB:         n.db,
		Locator:    locator,
		Document:   tracedoc.New(),
		OutputFile: cfg.OutputFile,
		Filter:     dispatch.Filter(cfg.KernelToTrace),
		Collectors: collectors,
	})

	if cfg.PipeName != "" {
		if err := createPipe(cfg.PipeName); err != nil {
			logger.Warn("Unable to create control pipe", zap.String("path", cfg.PipeName), zap.Error(err))
		}
	}

	if err := s.Install(live, n); err != nil {
		return nil, fmt.Errorf("install hooks: %w", err)
	}
	logger.Info("Attached to runtime",
		zap.String("gpu", gpu.Name),
		zap.Int("agents", len(n.agents)),
		zap.String("output", cfg.OutputFile),
		zap.Strings("filter", cfg.KernelToTrace))

	n.dumpKernels()
	n.startStats()
	return n, nil
}

func createPipe(path string) error {
	err := unix.Mkfifo(path, 0o666)
	if err != nil && !errors.Is(err, unix.EEXIST) {
		return err
	}
	return nil
}

// dumpKernels logs every kernel already known to the symbol database.
func (n *Nexus) dumpKernels() {
	logger := logutil.GetLogger()
	for _, name := range n.db.Kernels() {
		lines, err := n.db.KernelLines(name)
		if err != nil {
			logger.Warn("Unable to list kernel lines", zap.String("kernel", name), zap.Error(err))
			continue
		}
		logger.Info("Kernel", zap.String("name", name), zap.Int("lines", len(lines)))

		seen := make(map[uint32]struct{}, len(lines))
		for _, line := range lines {
			if _, ok := seen[line]; ok {
				continue
			}
			seen[line] = struct{}{}
			insts, err := n.db.InstructionsForLine(name, line)
			if err != nil {
				continue
			}
			for _, inst := range insts {
				logger.Debug(fmt.Sprintf("%s:%d -> %s", inst.FileName, line, inst.Disassembly))
			}
		}
	}
}

func (n *Nexus) startStats() {
	if n.stats == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan struct{})

	go func() {
		defer close(n.done)
		collector.RunWithAggregation(ctx, n.stats, n.series)
	}()
}

// Close stops the statistics loop and puts the captured entries back into
// the live tables.
func (n *Nexus) Close() error {
	if n.cancel != nil {
		n.cancel()
		<-n.done
	}
	var err error
	err = multierr.Append(err, n.shadow.Restore(n.live))
	err = multierr.Append(err, logutil.GetLogger().Sync())
	return err
}

func (n *Nexus) Agents() []hsa.AgentDescriptor { return n.agents }

func (n *Nexus) GPU() hsa.AgentDescriptor { return n.gpu }

func (n *Nexus) Document() *tracedoc.Document { return n.tracer.Document() }

func (n *Nexus) Resolver() *identity.Resolver { return n.resolver }

// PointerSize returns the size of the allocation that returned ptr.
func (n *Nexus) PointerSize(ptr uintptr) (uint64, bool) {
	n.allocMu.Lock()
	defer n.allocMu.Unlock()
	size, ok := n.pointerSizes[ptr]
	return size, ok
}

// HookCalls returns how many times each hook ran.
func (n *Nexus) HookCalls() map[string]uint64 {
	out := make(map[string]uint64, len(n.calls))
	for name, c := range n.calls {
		out[name] = c.Load()
	}
	return out
}

// HookNames lists the hooks in sorted order.
func HookNames() []string {
	names := append([]string(nil), shadow.Hooked...)
	sort.Strings(names)
	return names
}
