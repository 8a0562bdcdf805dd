/*
Copyright 2019 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/membuf/cmd/membuf/api"
	log "github.com/gravitational/logrus"
	"github.com/gravitational/trace"
	"github.com/logrange/logrange/pkg/utils"
)

type (
	// Service runs the buffer API server together with the periodic
	// usage report of the buffers it holds.
	//
	// Service has certain lifecycle and it's caller's responsibility to call
	// Run(ctx) and cancel the context (ctx) in order to stop the service.
	Service struct {
		cfg Config
		srv *api.Server
		// Wait group to wait async jobs (started goroutines)
		wg sync.WaitGroup

		logger *log.Entry
	}
)

// Runs new Service instance and blocks till err or context is cancelled
func Run(ctx context.Context, cfg Config) error {
	sv, err := NewService(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := sv.Run(ctx); err != nil {
		return trace.WrapWithMessage(err, "failed to run service")
	}
	return nil
}

// Creates new Service instance
func NewService(cfg Config) (*Service, error) {
	if err := cfg.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	f, err := cfg.Archive.format()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	partSize, err := cfg.Archive.partSize()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sv := new(Service)
	sv.cfg = cfg
	sv.srv = api.NewServer(cfg.Server.ApiListenAddr, api.Config{
		Buffer:     *cfg.Buffer,
		Format:     f,
		PartSize:   partSize,
		MaxBuffers: cfg.Server.MaxBuffers,
	})
	sv.logger = log.WithField(trace.Component, "membuf.service")
	return sv, nil
}

// Runs Service, that includes starting the goroutine of the recurring
// usage report and running API server.
// Passed context controls service's lifespan (including started goroutines).
func (sv *Service) Run(ctx context.Context) error {
	sv.logger.Info("Starting, config=", sv.cfg)

	// cancel in case if apiServer fails with error
	// we need to cancel jobs in terms of this function
	ctx, cancel := context.WithCancel(ctx)

	// async recurring jobs
	sv.runStats(ctx)

	// blocking call to serve API
	err := sv.runApiServer(ctx)
	cancel()

	// wait started goroutines
	errW := sv.wait()
	sv.logger.Warn("Shutdown, err=", errW)
	return err
}

func (sv *Service) wait() error {
	if !utils.WaitWaitGroup(&sv.wg, time.Minute) {
		return trace.Errorf("wait timeout") // probably some goroutine got stuck...
	}
	return nil
}

// blocking
func (sv *Service) runApiServer(ctx context.Context) error {
	sv.logger.Info("Running API server on ", sv.cfg.Server.ApiListenAddr)

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(sv.cfg.Server.ShutdownTimeoutSec)*time.Second)
		defer cancel()
		if err := sv.srv.Shutdown(sctx); err != nil {
			sv.logger.Warn("API server shutdown, err=", err)
		}
	}()

	err := sv.srv.Serve(ctx)
	sv.logger.Warn("API server stopped, err=", err)
	return trace.Wrap(err)
}

// non-blocking
func (sv *Service) runStats(ctx context.Context) {
	sv.logger.Info("Reporting buffers usage every ", sv.cfg.Server.StatsIntervalSec, " seconds...")
	ticker := time.NewTicker(time.Second *
		time.Duration(sv.cfg.Server.StatsIntervalSec))

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		defer ticker.Stop()
		for utils.Wait(ctx, ticker) {
			sv.reportStats()
		}
		sv.logger.Warn("Stats stopped.")
	}()
}

func (sv *Service) reportStats() {
	var size, capacity int64
	buffers := sv.srv.Buffers()
	for _, b := range buffers {
		size += b.Size
		capacity += b.Capacity
	}
	sv.logger.Infof("Holding %v buffers, size=%v, allocated=%v.",
		len(buffers), humanize.IBytes(uint64(size)), humanize.IBytes(uint64(capacity)))
}
