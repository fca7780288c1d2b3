// Package event runs registered cleanup callbacks on process shutdown
package event

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/topicline-dev/topicline-go-stomp-broker/internal/logger"
)

// Callable is one cleanup step, given a bounded context to finish in.
type Callable interface {
	Invoke(ctx context.Context) error
}

// Cleaner collects cleanup callbacks and runs them once on SIGINT/SIGTERM.
// The logger callback is held separately so it flushes after everything else
// has logged its own shutdown.
type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	cleaning       bool
	loggerShutdown Callable
}

var cleanerInstance = &Cleaner{}

func NewCleaner() *Cleaner {
	return cleanerInstance
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

func (c *Cleaner) Init(loggerShutdown Callable) {
	c.initOnce.Do(func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		c.loggerShutdown = loggerShutdown

		go func() {
			<-ctx.Done()
			stop()
			logger.Info("Received interrupt signal, shutting down")

			c.mu.Lock()
			c.cleaning = true
			cleanersCopy := make([]Callable, len(c.cleaners))
			copy(cleanersCopy, c.cleaners)
			c.mu.Unlock()

			logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

			var errs []error
			for i, callable := range cleanersCopy {
				func(idx int, c Callable) {
					logger.DebugF("Invoking cleaner #%d (%T)", idx+1, c)
					timeoutCtx, cancelFunc := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancelFunc()
					if err := c.Invoke(timeoutCtx); err != nil {
						logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, c, err)
						errs = append(errs, err)
					}
				}(i, callable)
			}

			if len(errs) > 0 {
				logger.ErrorF("%d errors occurred during cleanup:", len(errs))
				for i, err := range errs {
					logger.ErrorF("Error %d: %v", i+1, err)
				}
			} else {
				logger.Debug("All cleaners executed successfully")
			}
			logger.Info("Cleanup finished, server offline")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := c.loggerShutdown.Invoke(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
			}
			syscall.Exit(0)
		}()
	})
}
