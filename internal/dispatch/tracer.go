// Package dispatch inspects the packets written to intercepted queues and
// records source-correlated traces of the kernels they launch.
package dispatch

import (
	"fmt"
	"strings"

	"github.com/ALEYI17/InfraSight_nexus/internal/hsa"
	"github.com/ALEYI17/InfraSight_nexus/internal/symdb"
	"github.com/ALEYI17/InfraSight_nexus/internal/tracedoc"
	"github.com/ALEYI17/InfraSight_nexus/pkg/logutil"
	"github.com/ALEYI17/InfraSight_nexus/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Resolver interface {
	Resolve(kernelObject uint64) (string, error)
}

type Locator interface {
	Locate(name string) (string, error)
	ReadLine(path string, idx int) string
}

// Filter selects kernels by substring. An empty filter selects everything.
type Filter []string

func (f Filter) Match(name string) bool {
	if len(f) == 0 {
		return true
	}
	for _, tok := range f {
		if tok != "" && strings.Contains(name, tok) {
			return true
		}
	}
	return false
}

type Options struct {
	Resolver Resolver
	DB       symdb.Database
	Locator  Locator
	Document *tracedoc.Document
	// OutputFile is where the document is written after each traced
	// dispatch. Empty disables writing.
	OutputFile string
	Filter     Filter
	Collectors []types.Nexus_collectors
}

type Tracer struct {
	resolver   Resolver
	db         symdb.Database
	locator    Locator
	doc        *tracedoc.Document
	output     string
	filter     Filter
	collectors []types.Nexus_collectors
}

func New(opts Options) *Tracer {
	doc := opts.Document
	if doc == nil {
		doc = tracedoc.New()
	}
	return &Tracer{
		resolver:   opts.Resolver,
		db:         opts.DB,
		locator:    opts.Locator,
		doc:        doc,
		output:     opts.OutputFile,
		filter:     opts.Filter,
		collectors: opts.Collectors,
	}
}

func (t *Tracer) Document() *tracedoc.Document {
	return t.doc
}

// Interceptor returns the packet interceptor to register on queue.
func (t *Tracer) Interceptor(queue *hsa.Queue) hsa.PacketInterceptor {
	var id uint64
	if queue != nil {
		id = queue.ID
	}
	return func(packets []hsa.Packet, _ uint64, writer hsa.PacketWriter) {
		t.write(id, packets, writer)
	}
}

// Write forwards packets to writer, then traces them. Forwarding always
// happens first and nothing raised while tracing reaches the caller.
func (t *Tracer) Write(packets []hsa.Packet, writer hsa.PacketWriter) {
	t.write(0, packets, writer)
}

func (t *Tracer) write(queue uint64, packets []hsa.Packet, writer hsa.PacketWriter) {
	logger := logutil.GetLogger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered while tracing packets",
				zap.Any("panic", r),
				zap.Uint64("queue", queue),
				zap.Stack("stack"))
		}
	}()

	writer(packets)

	for i := range packets {
		t.trace(queue, &packets[i])
	}
}

// Classify returns the packet type and whether the packet is a kernel
// dispatch.
func Classify(p *hsa.Packet) (hsa.PacketType, bool) {
	typ := p.Type()
	return typ, typ == hsa.PacketTypeKernelDispatch
}

func (t *Tracer) trace(queue uint64, p *hsa.Packet) {
	logger := logutil.GetLogger()

	typ, ok := Classify(p)
	if !ok {
		logger.Debug("Packet passed through", zap.Stringer("type", typ), zap.Uint64("queue", queue))
		return
	}

	d, err := hsa.DecodeDispatch(p)
	if err != nil {
		logger.Warn("Unable to decode dispatch packet", zap.Error(err))
		return
	}

	name, traceable := t.IsTraceable(d)
	describe(logger, queue, name, d)

	t.sendToCollectors(types.DispatchEvent{
		Kernel:        name,
		KernelObject:  d.KernelObject,
		Queue:         queue,
		WorkItems:     d.WorkItems(),
		WorkgroupSize: d.WorkgroupSize(),
		Traced:        traceable,
	})

	if !traceable {
		return
	}

	k, err := t.Correlate(name)
	if err != nil {
		logger.Warn("Unable to correlate kernel", zap.String("kernel", name), zap.Error(err))
		return
	}
	t.Persist(name, k)
}

// IsTraceable resolves the dispatched kernel and applies the filter. A kernel
// that cannot be resolved is never traceable.
func (t *Tracer) IsTraceable(d hsa.KernelDispatchPacket) (string, bool) {
	name, err := t.resolver.Resolve(d.KernelObject)
	if err != nil {
		logutil.GetLogger().Debug("Kernel object not resolved",
			zap.Uint64("kernel_object", d.KernelObject),
			zap.Error(err))
		return name, false
	}
	return name, t.filter.Match(name)
}

type fileLine struct {
	file string
	line uint32
}

// Correlate builds the trace record of kernel from the symbol database. Each
// (file, line) pair contributes one line, file and source entry while every
// instruction contributes to the assembly. A kernel without lines falls back
// to the instructions of its basic blocks.
func (t *Tracer) Correlate(kernel string) (tracedoc.Kernel, error) {
	logger := logutil.GetLogger()
	rec := tracedoc.Kernel{Signature: kernel}

	lines, err := t.db.KernelLines(kernel)
	if err != nil {
		return rec, fmt.Errorf("kernel lines: %w", err)
	}

	if len(lines) == 0 {
		blocks, err := t.db.BasicBlocks(kernel)
		if err != nil {
			return rec, fmt.Errorf("basic blocks: %w", err)
		}
		for _, b := range blocks {
			for _, inst := range b.Instructions {
				rec.Assembly = append(rec.Assembly, stripTabs(inst.Disassembly))
			}
		}
		logger.Debug("Kernel has no line information, dumped basic blocks",
			zap.String("kernel", kernel),
			zap.Int("blocks", len(blocks)),
			zap.Int("instructions", len(rec.Assembly)))
		return rec, nil
	}

	visitedLines := make(map[uint32]struct{}, len(lines))
	seen := make(map[fileLine]struct{}, len(lines))
	for _, line := range lines {
		if _, ok := visitedLines[line]; ok {
			continue
		}
		visitedLines[line] = struct{}{}

		insts, err := t.db.InstructionsForLine(kernel, line)
		if err != nil {
			logger.Warn("Unable to get instructions for line",
				zap.String("kernel", kernel),
				zap.Uint32("line", line),
				zap.Error(err))
			continue
		}
		for _, inst := range insts {
			rec.Assembly = append(rec.Assembly, stripTabs(inst.Disassembly))

			key := fileLine{file: inst.FileName, line: line}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			rec.Lines = append(rec.Lines, line)
			rec.Files = append(rec.Files, inst.FileName)
			rec.Hip = append(rec.Hip, t.sourceLine(inst.FileName, line))
		}
	}
	return rec, nil
}

func (t *Tracer) sourceLine(file string, line uint32) string {
	if t.locator == nil {
		return ""
	}
	path, err := t.locator.Locate(file)
	if err != nil {
		logutil.GetLogger().Debug("Source file not located", zap.String("file", file), zap.Error(err))
		return ""
	}
	return t.locator.ReadLine(path, int(line)-1)
}

// Persist stores rec under kernel and rewrites the output file. Write
// failures are logged only.
func (t *Tracer) Persist(kernel string, rec tracedoc.Kernel) {
	if err := t.doc.Update(t.output, kernel, rec); err != nil {
		logutil.GetLogger().Error("Unable to write trace document",
			zap.String("path", t.output),
			zap.String("kernel", kernel),
			zap.Error(err))
		return
	}
	if t.output != "" {
		logutil.GetLogger().Info("Trace updated",
			zap.String("kernel", kernel),
			zap.Int("lines", len(rec.Lines)),
			zap.Int("instructions", len(rec.Assembly)))
	}
}

func (t *Tracer) sendToCollectors(e any) {
	for _, c := range t.collectors {
		c.Update(e)
	}
}

func stripTabs(s string) string {
	return strings.ReplaceAll(s, "\t", "")
}

func describe(logger *zap.Logger, queue uint64, name string, d hsa.KernelDispatchPacket) {
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	p := d.Encode()
	logger.Debug("Kernel dispatch packet",
		zap.Uint64("queue", queue),
		zap.String("kernel", name),
		zap.Stringer("acquire_fence", p.AcquireScope()),
		zap.Stringer("release_fence", p.ReleaseScope()),
		zap.Uint16("setup", d.Setup),
		zap.Uint16s("workgroup", []uint16{d.WorkgroupSizeX, d.WorkgroupSizeY, d.WorkgroupSizeZ}),
		zap.Uint32s("grid", []uint32{d.GridSizeX, d.GridSizeY, d.GridSizeZ}),
		zap.Uint32("private_segment_size", d.PrivateSegmentSize),
		zap.Uint32("group_segment_size", d.GroupSegmentSize),
		zap.Uint64("kernel_object", d.KernelObject),
		zap.Uint64("kernarg_address", d.KernargAddress),
		zap.Uint64("completion_signal", d.CompletionSignal))
}
