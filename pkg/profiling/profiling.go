package profiling

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

type Config struct {
	EnableCPU bool
	EnableMem bool
	// OutputDir defaults to the working directory.
	OutputDir string
	Prefix    string
}

// Profiler writes CPU and heap profiles for one command.
type Profiler struct {
	cpuFile     *os.File
	cpuFilePath string
	memFilePath string
	cfg         Config
}

// New returns nil when cfg enables neither profile. A nil Profiler does nothing.
// Files are named cpu[-prefix]-YYYYMMDD-HHMMSS.prof and mem[-prefix]-YYYYMMDD-HHMMSS.prof.
func New(cfg Config) *Profiler {
	return newAt(cfg, time.Now())
}

func newAt(cfg Config, now time.Time) *Profiler {
	if !cfg.EnableCPU && !cfg.EnableMem {
		return nil
	}

	outputDir := cfg.OutputDir
	if outputDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil
		}
		outputDir = wd
	}

	timestamp := now.Format("20060102-150405")
	cpuFilename := "cpu"
	memFilename := "mem"
	if cfg.Prefix != "" {
		cpuFilename = fmt.Sprintf("cpu-%s", cfg.Prefix)
		memFilename = fmt.Sprintf("mem-%s", cfg.Prefix)
	}

	return &Profiler{
		cfg:         cfg,
		cpuFilePath: filepath.Join(outputDir, fmt.Sprintf("%s-%s.prof", cpuFilename, timestamp)),
		memFilePath: filepath.Join(outputDir, fmt.Sprintf("%s-%s.prof", memFilename, timestamp)),
	}
}

func (p *Profiler) Start(ctx context.Context) error {
	if p == nil || !p.cfg.EnableCPU {
		return nil
	}

	l := ctxzap.Extract(ctx)

	if err := os.MkdirAll(filepath.Dir(p.cpuFilePath), 0o755); err != nil {
		return fmt.Errorf("failed to create profile output directory: %w", err)
	}

	f, err := os.Create(p.cpuFilePath)
	if err != nil {
		return err
	}
	p.cpuFile = f

	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		p.cpuFile = nil
		return err
	}

	l.Info("CPU profiling started", zap.String("output_path", p.cpuFilePath))
	return nil
}

// Stop ends CPU profiling and writes the heap profile, whichever are enabled.
func (p *Profiler) Stop(ctx context.Context) error {
	if p == nil {
		return nil
	}

	l := ctxzap.Extract(ctx)

	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := p.cpuFile.Close(); err != nil {
			l.Error("failed to close CPU profile file", zap.Error(err))
			return err
		}
		l.Info("CPU profile written", zap.String("path", p.cpuFilePath))
		p.cpuFile = nil
	}

	return p.writeMemProfile(ctx)
}

func (p *Profiler) writeMemProfile(ctx context.Context) error {
	if !p.cfg.EnableMem {
		return nil
	}

	l := ctxzap.Extract(ctx)

	if err := os.MkdirAll(filepath.Dir(p.memFilePath), 0o755); err != nil {
		return fmt.Errorf("failed to create profile output directory: %w", err)
	}
	f, err := os.Create(p.memFilePath)
	if err != nil {
		l.Error("failed to create memory profile file", zap.Error(err))
		return err
	}
	defer f.Close()

	if err := pprof.WriteHeapProfile(f); err != nil {
		l.Error("failed to write memory profile", zap.Error(err))
		return err
	}

	l.Info("Memory profile written", zap.String("path", p.memFilePath))
	return nil
}
