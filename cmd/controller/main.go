/*
 * Copyright 2026 Overmesh, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/overmesh/merang/pkg/config"
	"github.com/overmesh/merang/pkg/controller"
	"github.com/overmesh/merang/pkg/logger"
	"github.com/overmesh/merang/pkg/natsrpc"
	"github.com/overmesh/merang/pkg/natsutil"
	"github.com/overmesh/merang/pkg/session"
	"github.com/overmesh/merang/pkg/tunnel"
	"github.com/overmesh/merang/pkg/version"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/merang/controller.json", "Path to controller config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootLog, err := logger.New(logger.DefaultConfig())
	if err != nil {
		return err
	}

	var cfg controller.Config
	if err := config.NewConfig(bootLog).LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return err
	}

	mainLog, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}

	var nc *nats.Conn

	var notifier session.Notifier = session.NopNotifier{}

	if cfg.NATS != nil {
		nc, err = natsutil.ConnectWithSecurity(cfg.NATS.URL, cfg.NATS.Security, mainLog)
		if err != nil {
			return err
		}
		defer nc.Close()

		if cfg.Events.Enabled {
			publisher, err := natsutil.CreateEventPublisher(
				ctx, nc, cfg.NATS.Domain, cfg.Events.StreamName, cfg.Events.Subjects, mainLog)
			if err != nil {
				return err
			}

			notifier = publisher
		}
	}

	alloc, err := tunnel.NewMemAllocator(cfg.MgmtIPv4Pool, cfg.MgmtIPv6Pool)
	if err != nil {
		return err
	}

	store := session.NewStore(session.StoreConfig{
		Allocator:            alloc,
		VXLANPort:            cfg.VXLANPort,
		MaxReconcileFailures: cfg.MaxReconcileFailures,
		Logger:               mainLog,
	})

	// TODO: swap for a netlink-backed provisioner once the dataplane
	// agent lands; until then endpoints are tracked in memory only.
	prov := tunnel.NewMemProvisioner()

	reconciler := session.NewReconciler(session.ReconcilerConfig{
		Store:       store,
		Provisioner: prov,
		Logger:      mainLog,
	})

	monitor := session.NewMonitor(session.MonitorConfig{
		Store:       store,
		Interval:    time.Duration(cfg.KeepAliveInterval),
		Threshold:   cfg.KeepAliveThreshold(),
		Notifier:    notifier,
		Provisioner: prov,
		Logger:      mainLog,
	})

	var auth controller.Authenticator = controller.AllowAllAuthenticator{TenantID: cfg.DefaultTenant}
	if len(cfg.AuthTokens) > 0 {
		auth = controller.NewStaticTokenAuthenticator(cfg.AuthTokens)
	}

	server := controller.NewServer(controller.ServerConfig{
		Store:       store,
		Reconciler:  reconciler,
		Auth:        auth,
		Provisioner: prov,
		Notifier:    notifier,
		Logger:      mainLog,
	})

	// Restart path: replay stored sessions into the dataplane before
	// accepting new traffic.
	if err := reconciler.ReconcileAll(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		monitor.Run(gctx)

		return nil
	})

	if nc != nil {
		transport := natsrpc.NewTransport(nc, server, mainLog)
		if err := transport.Start(); err != nil {
			return err
		}

		g.Go(func() error {
			<-gctx.Done()

			return transport.Stop()
		})
	} else {
		mainLog.Warn().Msg("No NATS configuration; running in transport-less development mode")
	}

	mainLog.Info().
		Str("version", version.GetFullVersion()).
		Int("vxlan_port", cfg.VXLANPort).
		Dur("keepalive_threshold", cfg.KeepAliveThreshold()).
		Msg("Controller started")

	return g.Wait()
}
