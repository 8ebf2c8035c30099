package loaders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ALEYI17/InfraSight_nexus/pkg/logutil"
	"github.com/ALEYI17/InfraSight_nexus/pkg/types"
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RuntimeSymbols are the runtime entry points whose table slots the tracer
// hooks, in the order of their counter slots.
var RuntimeSymbols = []string{
	"hsa_queue_create",
	"hsa_queue_destroy",
	"hsa_amd_memory_pool_allocate",
	"hsa_memory_allocate",
	"hsa_executable_get_symbol_by_name",
	"hsa_code_object_reader_create_from_file",
	"hsa_code_object_reader_create_from_memory",
	"hsa_executable_symbol_get_info",
}

var ErrNothingAttached = errors.New("no runtime entry point could be attached")

// CountersMapSpec is an array with one 64-bit counter per symbol.
func CountersMapSpec(symbols int) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       "nexus_calls",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: uint32(symbols),
	}
}

// CounterProgramSpec increments slot of the counters map every time the
// program runs.
func CounterProgramSpec(countersFD int, slot uint32) *ebpf.ProgramSpec {
	return &ebpf.ProgramSpec{
		Name: "nexus_count",
		Type: ebpf.Kprobe,
		Instructions: asm.Instructions{
			asm.StoreImm(asm.RFP, -4, int64(slot), asm.Word),
			asm.Mov.Reg(asm.R2, asm.RFP),
			asm.Add.Imm(asm.R2, -4),
			asm.LoadMapPtr(asm.R1, countersFD),
			asm.FnMapLookupElem.Call(),
			asm.JEq.Imm(asm.R0, 0, "exit"),
			asm.Mov.Imm(asm.R1, 1),
			asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
			asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
			asm.Return(),
		},
		License: "GPL",
	}
}

type RuntimeCallsLoader struct {
	Counters *ebpf.Map
	Progs    []*ebpf.Program
	Up       []link.Link
	slots    map[string]uint32
}

func NewRuntimeCallsLoader(library string, symbols []string) (*RuntimeCallsLoader, error) {
	logger := logutil.GetLogger()
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, err
	}

	counters, err := ebpf.NewMap(CountersMapSpec(len(symbols)))
	if err != nil {
		logger.Error("error", zap.Error(err))
		return nil, err
	}

	rl := &RuntimeCallsLoader{
		Counters: counters,
		slots:    make(map[string]uint32),
	}

	ex, err := link.OpenExecutable(library)
	if err != nil {
		logger.Error("error", zap.Error(err))
		rl.Close()
		return nil, err
	}

	for i, sym := range symbols {
		prog, err := ebpf.NewProgram(CounterProgramSpec(counters.FD(), uint32(i)))
		if err != nil {
			logger.Error("failed to load counter program", zap.String("function", sym), zap.Error(err))
			rl.Close()
			return nil, err
		}
		up, err := ex.Uprobe(sym, prog, nil)
		if err != nil {
			logger.Warn("failed to attach uprobe", zap.String("function", sym), zap.Error(err))
			prog.Close()
			continue
		}
		rl.Progs = append(rl.Progs, prog)
		rl.Up = append(rl.Up, up)
		rl.slots[sym] = uint32(i)
		logger.Info("attached uprobe", zap.String("function", sym))
	}

	if len(rl.Up) == 0 {
		rl.Close()
		return nil, fmt.Errorf("%s: %w", library, ErrNothingAttached)
	}
	return rl, nil
}

// Counts reads the current call count of every attached symbol.
func (rl *RuntimeCallsLoader) Counts() (types.CallCounts, error) {
	counts := make(types.CallCounts, len(rl.slots))
	var errs error
	for sym, slot := range rl.slots {
		var v uint64
		if err := rl.Counters.Lookup(slot, &v); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", sym, err))
			continue
		}
		counts[sym] = v
	}
	return counts, errs
}

func (rl *RuntimeCallsLoader) Close() {
	var err error
	for _, up := range rl.Up {
		if up != nil {
			err = multierr.Append(err, up.Close())
		}
	}
	for _, p := range rl.Progs {
		err = multierr.Append(err, p.Close())
	}
	if rl.Counters != nil {
		err = multierr.Append(err, rl.Counters.Close())
	}
	if err != nil {
		logutil.GetLogger().Warn("closing runtime call probe", zap.Error(err))
	}
}

// Run samples the counters every interval until ctx is done.
func (rl *RuntimeCallsLoader) Run(ctx context.Context, interval time.Duration) <-chan types.CallCounts {
	out := make(chan types.CallCounts)
	logger := logutil.GetLogger()

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("Context cancelled, stopping loader...")
				return
			case <-ticker.C:
				counts, err := rl.Counts()
				if err != nil {
					logger.Warn("Reading counters", zap.Error(err))
				}
				select {
				case out <- counts:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
