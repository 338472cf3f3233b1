// Package amplitude turns a live PCM stream into the eased scale that drives the
// voice visualizer.
package amplitude

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/bt-bridge/realtime-voice/visual"
	"go.uber.org/zap"
)

type Config struct {
	Interval time.Duration `yaml:"interval"`
	FFTSize  int           `yaml:"fft_size"`
	// StaleAfter is how long a source may go without samples before it reads as silence.
	StaleAfter time.Duration `yaml:"stale_after"`
	Scaler     ScalerConfig  `yaml:"scaler"`
	// PauseWhenMuted stops sampling the microphone while it is disabled.
	PauseWhenMuted bool `yaml:"pause_when_muted"`
}

func DefaultConfig() Config {
	return Config{
		Interval:   16 * time.Millisecond,
		FFTSize:    512,
		StaleAfter: 200 * time.Millisecond,
		Scaler:     DefaultScalerConfig(),
	}
}

var ErrInvalidConfig = errors.New("invalid amplitude config")

// Extractor samples at most one attached Window at a time and publishes the result
// to a visual.State. It never owns the stream behind the window.
type Extractor struct {
	logger shared.LoggerAdapter
	cfg    Config
	state  *visual.State

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewExtractor(logger shared.LoggerAdapter, cfg Config, state *visual.State) (*Extractor, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if state == nil {
		return nil, errors.New("no visual state provided")
	}
	if cfg.Interval <= 0 || cfg.FFTSize < 32 || cfg.FFTSize&(cfg.FFTSize-1) != 0 || !cfg.Scaler.valid() {
		return nil, ErrInvalidConfig
	}
	return &Extractor{
		logger: logger.With(zap.String("component", "amplitude")),
		cfg:    cfg,
		state:  state,
	}, nil
}

func (e *Extractor) Config() Config {
	return e.cfg
}

// Attach replaces the current source and starts sampling it on every interval tick
// until ctx ends, the window closes, or Detach is called. paused may be nil.
func (e *Extractor) Attach(ctx context.Context, src *Window, kind visual.Source, paused func() bool) {
	e.Detach()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.mu.Lock()
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	e.state.SetSource(kind)
	go func() {
		defer close(done)
		e.run(ctx, src, paused)
	}()
}

// Detach stops sampling and waits for the sampling goroutine to exit.
func (e *Extractor) Detach() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.state.Rest()
}

func (e *Extractor) run(ctx context.Context, src *Window, paused func() bool) {
	analyzer := NewAnalyzer(e.cfg.FFTSize)
	scaler := NewScaler(e.cfg.Scaler)
	samples := make([]int16, e.cfg.FFTSize)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	e.logger.Debug("amplitude sampling started", zap.Duration("interval", e.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("amplitude sampling stopped", zap.Error(ctx.Err()))
			return
		case <-src.Done():
			e.logger.Debug("amplitude source ended")
			e.state.Rest()
			return
		case <-ticker.C:
			if paused != nil && paused() {
				scaler.Reset()
				e.state.SetScale(e.cfg.Scaler.Output.Min)
				continue
			}
			e.state.SetScale(e.sample(analyzer, scaler, src, samples))
		}
	}
}

func (e *Extractor) sample(analyzer *Analyzer, scaler *Scaler, src *Window, samples []int16) float64 {
	var avg float64
	if src.Latest(samples) {
		avg = analyzer.Average(samples)
	}
	return scaler.Scale(avg)
}
