package connectivity

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// CheckFunc reports nil when the weather source answers.
type CheckFunc func(ctx context.Context) error

// Prober periodically runs a check and publishes the result to a Monitor.
type Prober struct {
	scheduler *gocron.Scheduler
	monitor   *Monitor
	check     CheckFunc
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
}

// NewProber creates a Prober. interval defaults to 10s, timeout to 2s.
func NewProber(monitor *Monitor, check CheckFunc, interval, timeout time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		scheduler: gocron.NewScheduler(time.UTC),
		monitor:   monitor,
		check:     check,
		interval:  interval,
		timeout:   timeout,
		logger:    logger,
	}
}

// Start schedules the probe (first run immediately) and starts the scheduler.
func (p *Prober) Start() error {
	_, err := p.scheduler.Every(p.interval).SingletonMode().Do(p.Probe)
	if err != nil {
		return err
	}
	p.scheduler.StartAsync()
	return nil
}

// Probe runs the check once and publishes the outcome.
func (p *Prober) Probe() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	err := p.check(ctx)
	online := err == nil
	if p.monitor.Publish(online) {
		if online {
			p.logger.Info("weather source reachable again")
		} else {
			p.logger.Warn("weather source unreachable", zap.Error(err))
		}
	}
}

// Stop stops the scheduler and cancels any future probes.
func (p *Prober) Stop() {
	if p.scheduler != nil {
		p.scheduler.Stop()
	}
}
