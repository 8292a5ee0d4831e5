// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"context"
	"net/netip"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flygate/internal/api"
	"grimm.is/flygate/internal/config"
	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/gateway"
	"grimm.is/flygate/internal/logging"
	"grimm.is/flygate/internal/policy"
)

// runGateway is the daemon path: it assembles the engine, applies the
// leak-protection policy, and serves until SIGINT or SIGTERM.
func runGateway(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logCfg := logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
	}
	if cfg.Log.Syslog != nil && cfg.Log.Syslog.Enabled {
		w, err := logging.NewSyslogWriter(*cfg.Log.Syslog)
		if err != nil {
			return err
		}
		defer w.Close()
		logCfg.Output = w
	}
	logger := logging.New(logCfg)
	logging.SetDefault(logger)
	log := logger.WithComponent("main")
	log.Info("flygate starting", "version", version, "config", configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev, err := gateway.OpenDevice(cfg.Gateway.Interface, cfg.Gateway.ListenPort, logger.WithComponent("device"))
	if err != nil {
		return err
	}
	defer dev.Close()

	engine, err := gateway.New(cfg, dev, nil, logger.WithComponent("gateway"))
	if err != nil {
		return err
	}

	teardownPolicy, err := applyPolicy(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer teardownPolicy()

	server := api.New(engine.Sink(), engine.Registry(), engine, logger.WithComponent("api"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error {
		log.Info("api listening", "addr", cfg.API.Listen)
		return server.Start(cfg.API.Listen)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("flygate stopped")
	return nil
}

// applyPolicy installs the kill switch, DNS leak protection, and the
// multi-hop route from the configuration. The returned function removes
// whatever was installed.
func applyPolicy(ctx context.Context, cfg *config.Config, logger *logging.Logger) (func(), error) {
	log := logger.WithComponent("policy")

	var undos []func()
	teardown := func() {
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
	}

	wantKill := cfg.KillSwitch != nil && cfg.KillSwitch.Enabled
	wantDNS := cfg.DNS != nil && cfg.DNS.Enforce

	if wantKill || wantDNS {
		backend, err := policy.NewNftablesBackend(log)
		if err != nil {
			return teardown, err
		}
		if wantKill {
			kill := policy.NewKillSwitch(backend, cfg.Gateway.Interface, cfg.Gateway.ListenPort, log)
			if err := kill.Enable(); err != nil {
				return teardown, err
			}
			undos = append(undos, func() {
				if err := kill.Disable(); err != nil {
					log.Warn("failed to remove kill switch rules", "error", err)
				}
			})
		}
		if wantDNS {
			resolvers := make([]policy.Resolver, 0, len(cfg.DNS.Resolvers))
			for _, r := range cfg.DNS.Resolvers {
				addr, err := netip.ParseAddr(r)
				if err != nil {
					teardown()
					return func() {}, errors.Wrapf(err, errors.KindValidation, "dns resolver %s", r)
				}
				resolvers = append(resolvers, policy.Resolver{Addr: addr, ServerName: cfg.DNS.ServerName})
			}
			dns := policy.NewDNSProtector(backend, resolvers, log)
			if err := dns.Enable(); err != nil {
				teardown()
				return func() {}, err
			}
			undos = append(undos, func() {
				if err := dns.Disable(); err != nil {
					log.Warn("failed to remove DNS rules", "error", err)
				}
			})
			if cfg.DNS.VerifyDoT {
				for _, r := range resolvers {
					if err := dns.VerifyDoT(ctx, r); err != nil {
						log.Warn("DoT verification failed", "resolver", r.Addr, "error", err)
					}
				}
			}
		}
	}

	if len(cfg.Hops) > 0 {
		chain := policy.NewHopChain(log)
		for _, h := range cfg.Hops {
			key, err := wgtypes.ParseKey(h.PublicKey)
			if err != nil {
				teardown()
				return func() {}, errors.Wrapf(err, errors.KindValidation, "hop %s: invalid public key", h.Name)
			}
			ep, err := netip.ParseAddrPort(h.Endpoint)
			if err != nil {
				teardown()
				return func() {}, errors.Wrapf(err, errors.KindValidation, "hop %s: invalid endpoint", h.Name)
			}
			if err := chain.Append(policy.Hop{Name: h.Name, PublicKey: key, Endpoint: ep}); err != nil {
				teardown()
				return func() {}, err
			}
		}
		log.Info("relay route built", "hops", chain.Len())
	}

	return teardown, nil
}
