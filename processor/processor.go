package processor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	Reload   = "reload"
	Shutdown = "shutdown"
)

type job struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
}

type Processor struct {
	ForceShutdownTimeout time.Duration // force shutdown timeout
	rChan                chan os.Signal
	shutOps              map[string]func() error
	reloadOps            map[string]func() error
	jobs                 []job
	stopJobs             context.CancelFunc
	group                *errgroup.Group
	wg                   sync.WaitGroup
	log                  *zap.SugaredLogger
}

// New - creates new processor
func New(timeout time.Duration, log *zap.SugaredLogger) *Processor {
	return &Processor{
		ForceShutdownTimeout: timeout,
		rChan:                make(chan os.Signal, 1),
		shutOps:              map[string]func() error{},
		reloadOps:            map[string]func() error{},
		log:                  log,
	}
}

// Run starts periodic jobs, assigns proper signals and starts processing
func (p *Processor) Run() error {
	p.startJobs(context.Background())
	p.spinup()
	return nil
}

// spinup - assigns signals to proper process... calls
func (p *Processor) spinup() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	signal.Notify(p.rChan, syscall.SIGHUP)
	ctxReload, cancel := context.WithCancel(context.Background())
	p.wg.Add(2)
	go p.processReloadSignal(ctxReload, stop)
	go p.processStopSignal(ctx, cancel)
}

// processReloadSignal reload all operations assigned to Reload
func (p *Processor) processReloadSignal(ctx context.Context, cancel context.CancelFunc) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.log.Infof("shutdown reload")
			cancel() // release signal context of processStopSignal
			return
		case <-p.rChan:
			p.callProcess(p.reloadOps, Reload)
		}
	}
}

// processStopSignal stops jobs, executes Shutdown operations and forces exit after ForceShutdownTimeout
func (p *Processor) processStopSignal(ctx context.Context, cancel context.CancelFunc) {
	defer p.wg.Done()
	<-ctx.Done()
	tF := time.AfterFunc(p.ForceShutdownTimeout, func() {
		p.log.Warnf("timeout %d ms has been elapsed, force exit, staging artifacts are removed on next start", p.ForceShutdownTimeout.Milliseconds())
		os.Exit(1)
	})
	defer tF.Stop()
	p.Shutdown()
	cancel() // cancel processReloadSignal
}

// callProcess execute operation specified to process
func (p *Processor) callProcess(oper map[string]func() error, process string) {
	var wg sync.WaitGroup

	for key, op := range oper {
		wg.Add(1)
		oper := key
		operCall := op
		go func() {
			defer wg.Done()
			if err := operCall(); err != nil {
				p.log.Warnf("%s %s: failed (%s)", process, oper, err.Error())
				return
			}
			p.log.Infof("%s %s: succeeded", process, oper)
		}()
	}
	wg.Wait()
	p.log.Infof("%s sequence completed", process)
}

// Register register shutdown and reload operation
func (p *Processor) Register(process, operationName string, operationFunction func() error) error {
	switch process {
	case Shutdown:
		p.shutOps[operationName] = operationFunction
	case Reload:
		p.reloadOps[operationName] = operationFunction
	default:
		return fmt.Errorf("%s process unknown", process)
	}
	return nil
}

// Every registers fn to be run every interval between Run and Shutdown.
// A failed run is logged and the job keeps its schedule.
func (p *Processor) Every(name string, interval time.Duration, fn func(ctx context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	if p.group != nil {
		return fmt.Errorf("job %s: processor already running", name)
	}
	p.jobs = append(p.jobs, job{name: name, interval: interval, fn: fn})
	return nil
}

func (p *Processor) startJobs(ctx context.Context) {
	ctx, p.stopJobs = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	for _, j := range p.jobs {
		j := j
		p.group.Go(func() error {
			return p.runJob(ctx, j)
		})
	}
}

func (p *Processor) runJob(ctx context.Context, j job) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Debugf("job %s stopped", j.name)
			return nil
		case <-ticker.C:
			if err := j.fn(ctx); err != nil {
				p.log.Warnf("job %s: failed (%s)", j.name, err.Error())
				continue
			}
			p.log.Debugf("job %s: succeeded", j.name)
		}
	}
}

// StopJobs cancels periodic jobs and waits for running ones
func (p *Processor) StopJobs() error {
	if p.group == nil {
		return nil
	}
	p.stopJobs()
	return p.group.Wait()
}

// Shutdown - stops jobs then runs all shutdown operations
func (p *Processor) Shutdown() {
	if err := p.StopJobs(); err != nil {
		p.log.Warnf("jobs stopped with error: %v", err)
	}
	p.callProcess(p.shutOps, Shutdown)
}

func (p *Processor) Wait() {
	p.wg.Wait()
}
