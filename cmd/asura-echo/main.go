// Command asura-echo serves the echo protocol over reliable UDP and TCP.
//
//	asura-echo -config ./configs -env development
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lcx/asura-transport/codec"
	"github.com/lcx/asura-transport/config"
	"github.com/lcx/asura-transport/log"
	"github.com/lcx/asura-transport/metrics"
	asuranet "github.com/lcx/asura-transport/net"
	"github.com/lcx/asura-transport/registry"
	"github.com/lcx/asura-transport/server"
)

func main() {
	configDir := flag.String("config", "./configs", "directory holding the yaml config files")
	env := flag.String("env", "", "environment subdirectory searched after the config directory")
	advertise := flag.String("advertise", "", "host published to consul for wildcard listen addresses")
	flag.Parse()

	if err := run(*configDir, *env, *advertise); err != nil {
		fmt.Fprintln(os.Stderr, "asura-echo:", err)
		os.Exit(1)
	}
}

func run(configDir, env, advertise string) error {
	cm := config.NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(configDir)
	if env != "" {
		cm.SetEnvironment(env)
	}

	if err := log.InitializeWithConfigManager(cm); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Refresh()

	srvCfg := &server.ServerCfg{}
	if err := cm.LoadConfig("server", srvCfg); err != nil {
		return fmt.Errorf("load server config: %w", err)
	}

	var opts []server.Option
	opts = append(opts, server.WithLogger(log.Default()))
	if srvCfg.Consul.Enabled() {
		reg, err := registry.NewConsulRegistry(&srvCfg.Consul, registry.WithConsulLogger(log.Default()))
		if err != nil {
			return err
		}
		opts = append(opts, server.WithRegistry(reg))
	}
	srv, err := server.New(srvCfg, opts...)
	if err != nil {
		return err
	}
	cm.AddChangeListener(srv)

	st := &stats{}
	kcpMod, err := newKcpModule(cm, st, advertise)
	if err != nil {
		return err
	}
	tcpMod, err := newTcpModule(cm, st, advertise)
	if err != nil {
		return err
	}
	peerMod, err := newPeerModule(cm, srvCfg.Name, st, advertise)
	if err != nil {
		return err
	}
	timers := server.NewTimerModule(log.Default())
	for _, m := range []server.Module{kcpMod, tcpMod, peerMod, timers} {
		if err := srv.AddModule(m); err != nil {
			return err
		}
	}

	if _, err := timers.AddTimer(30*time.Second, func(time.Time) {
		log.Info().Uint64("echoes", st.echoes).Uint64("heartbeats", st.heartbeats).Msg("echo stats")
	}, true); err != nil {
		return err
	}

	if addr := srvCfg.MetricsAddr; addr != "" {
		ms := &http.Server{Addr: addr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = ms.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("name", srvCfg.Name).Int("tickMs", srvCfg.TickMs).Msg("asura-echo starting")
	err = srv.Run(ctx)
	log.Info().Msg("asura-echo stopped")
	return err
}

func newKcpModule(cm config.ConfigManager, st *stats, advertise string) (*server.NetModule, error) {
	svc, err := asuranet.NewKcpServiceWithConfigManager(cm, asuranet.WithKcpLogger(log.Default()))
	if err != nil {
		return nil, err
	}
	mgr, err := newMessageManager(st)
	if err != nil {
		return nil, err
	}
	disp, err := asuranet.NewDispatcherWithConfigManager(cm, mgr, svc, asuranet.WithDispatcherLogger(log.Default()))
	if err != nil {
		return nil, err
	}
	return server.NewNetModule("kcp", "kcp", svc, disp, server.WithAdvertiseHost(advertise), server.WithCallbacks(connectionLogger("kcp")))
}

func newTcpModule(cm config.ConfigManager, st *stats, advertise string) (*server.NetModule, error) {
	svc, err := asuranet.NewTcpServiceWithConfigManager(cm, asuranet.WithTcpLogger(log.Default()))
	if err != nil {
		return nil, err
	}
	mgr, err := newMessageManager(st)
	if err != nil {
		return nil, err
	}
	disp, err := asuranet.NewDispatcherWithConfigManager(cm, mgr, svc, asuranet.WithDispatcherLogger(log.Default()))
	if err != nil {
		return nil, err
	}
	return server.NewNetModule("tcp", "tcp", svc, disp, server.WithAdvertiseHost(advertise), server.WithCallbacks(connectionLogger("tcp")))
}

// newPeerModule serves other servers on a separate TCP port with CBOR payloads.
func newPeerModule(cm config.ConfigManager, name string, st *stats, advertise string) (*server.NetModule, error) {
	cfg := &asuranet.TcpServiceCfg{}
	if err := cm.LoadConfig("peer_service", cfg); err != nil {
		return nil, fmt.Errorf("load peer_service config: %w", err)
	}
	svc, err := asuranet.NewTcpService(cfg, asuranet.WithTcpLogger(log.Default()))
	if err != nil {
		return nil, err
	}
	cbor, err := codec.NewCborCodec()
	if err != nil {
		return nil, err
	}
	mgr, err := newPeerMessageManager(name, st)
	if err != nil {
		return nil, err
	}
	disp, err := asuranet.NewDispatcherWithConfigManager(cm, mgr, svc, asuranet.WithCodec(cbor), asuranet.WithDispatcherLogger(log.Default()))
	if err != nil {
		return nil, err
	}
	return server.NewNetModule("peer", "peer", svc, disp, server.WithAdvertiseHost(advertise), server.WithCallbacks(connectionLogger("peer")))
}
