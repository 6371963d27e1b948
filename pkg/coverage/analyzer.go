package coverage

import (
	"context"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/covtools/covtrace/pkg/drcov"
	"github.com/covtools/covtrace/pkg/peinspect"
)

// DefaultCodeSectionSize is the .text size assumed when image inspection is
// unavailable. The value is the known size for the reference build of the
// target library, so degraded-mode percentages stay comparable across runs.
const DefaultCodeSectionSize = 168232

// Inspector supplies section and export metadata for the module image.
// *peinspect.Client implements it; tests substitute fakes.
type Inspector interface {
	TextSection(ctx context.Context, imagePath string) (peinspect.Section, error)
	Exports(ctx context.Context, imagePath string) (map[string]uint32, error)
}

// Config carries the per-run analysis parameters.
type Config struct {
	// TargetPattern selects the module under test by case-insensitive
	// substring match against module-table paths.
	TargetPattern string
	// ImagePath overrides the module-table path for image inspection,
	// needed when the trace embeds paths that are not locally resolvable.
	ImagePath string
	// ExpectedExports is the list of function names that must be exercised.
	ExpectedExports []string

	FallbackCodeSectionSize uint64
	HitWindow               uint32
	TailAllowance           uint32
	TopGaps                 int
}

func (cfg *Config) Validate() error {
	if cfg.TargetPattern == "" {
		return errors.New("target pattern must not be empty")
	}
	if cfg.HitWindow == 0 {
		return errors.New("hit window must be positive")
	}
	if cfg.TopGaps < 0 {
		return errors.New("top gap count must not be negative")
	}
	return nil
}

// Analyzer runs the full pipeline over one trace: decode, resolve the target
// module, aggregate byte coverage, correlate exports, build the report. A
// run is single-threaded and owns all of its state; analyzers are safe to
// reuse across traces.
type Analyzer struct {
	logger    log.Logger
	cfg       Config
	inspector Inspector
	metrics   *metrics
}

func New(logger log.Logger, cfg Config, reg prometheus.Registerer, inspector Inspector) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FallbackCodeSectionSize == 0 {
		cfg.FallbackCodeSectionSize = DefaultCodeSectionSize
	}
	return &Analyzer{
		logger:    logger,
		cfg:       cfg,
		inspector: inspector,
		metrics:   newMetrics(reg),
	}, nil
}

// AnalyzeFile reads a trace file whole and analyzes it. Trace files are
// bounded by instrumentation run length; there is no streaming path.
func (a *Analyzer) AnalyzeFile(ctx context.Context, path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading trace file")
	}
	return a.Analyze(ctx, data)
}

// Analyze runs the pipeline over raw trace bytes. A *drcov.FormatError or
// *drcov.ModuleNotFoundError is fatal and yields a nil report; inspection
// failures degrade to fallback values and are reflected in Report.Degraded.
func (a *Analyzer) Analyze(ctx context.Context, data []byte) (*Report, error) {
	start := time.Now()
	status := statusError
	defer func() {
		a.metrics.analyses.WithLabelValues(status).Inc()
		a.metrics.analysisDurations.Observe(time.Since(start).Seconds())
	}()

	trace, err := drcov.Parse(a.logger, data)
	if err != nil {
		return nil, err
	}
	a.metrics.recordsDecoded.Add(float64(len(trace.Records)))
	level.Info(a.logger).Log("msg", "decoded trace", "modules", len(trace.Modules), "blocks", len(trace.Records))

	target, err := trace.FindModule(a.cfg.TargetPattern)
	if err != nil {
		return nil, err
	}
	level.Info(a.logger).Log(
		"msg", "found target module",
		"id", target.ID,
		"path", target.Path,
		"start", fmtHex(target.Start),
		"end", fmtHex(target.End),
		"size", target.Size,
	)

	agg := Aggregate(trace.Records, target)

	section, exports, degraded := a.inspectImage(ctx, target)

	correlator := NewCorrelator(
		WithHitWindow(a.cfg.HitWindow),
		WithTailAllowance(a.cfg.TailAllowance),
		WithTopGaps(a.cfg.TopGaps),
	)
	correlation := correlator.Correlate(a.cfg.ExpectedExports, exports, agg)

	status = statusSuccess
	return &Report{
		Module:          *target,
		TraceBlocks:     trace.BlockCount,
		TargetBlocks:    len(agg.Records),
		BytesCovered:    agg.Covered.Len(),
		CoverageOfTotal: agg.CoverageOfTotal(target),
		CodeSection:     section,
		CoverageOfCode:  agg.CoverageOfCode(section.Size),
		Degraded:        degraded,
		Stats:           agg.Stats,
		Correlation:     correlation,
	}, nil
}

// inspectImage queries the collaborator for section and export metadata.
// Any failure switches the run to degraded mode: a fixed code-section size
// and an empty export table, logged but never fatal.
func (a *Analyzer) inspectImage(ctx context.Context, target *drcov.Module) (peinspect.Section, map[string]uint32, bool) {
	imagePath := target.Path
	if a.cfg.ImagePath != "" {
		imagePath = a.cfg.ImagePath
		level.Info(a.logger).Log("msg", "using local image for inspection", "path", imagePath)
	}

	if a.inspector == nil {
		a.metrics.inspectFallbacks.Inc()
		return peinspect.Section{Size: a.cfg.FallbackCodeSectionSize}, nil, true
	}

	degraded := false

	section, err := a.inspector.TextSection(ctx, imagePath)
	if err != nil {
		level.Warn(a.logger).Log("msg", "image section inspection failed, using fallback size", "err", err)
		section = peinspect.Section{Size: a.cfg.FallbackCodeSectionSize}
		degraded = true
	}

	exports, err := a.inspector.Exports(ctx, imagePath)
	if err != nil {
		level.Warn(a.logger).Log("msg", "export table inspection failed, export correlation degraded", "err", err)
		exports = nil
		degraded = true
	}

	if degraded {
		a.metrics.inspectFallbacks.Inc()
	}
	return section, exports, degraded
}
