// Command sandstormd runs the SOCKS5 proxy and its Sandstorm management
// listener side by side, wired together through a single coordinator
// (spec.md §4.1).
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sandstormd/sandstorm/internal/config"
	"github.com/sandstormd/sandstorm/internal/consolelog"
	"github.com/sandstormd/sandstorm/internal/coordinator"
	"github.com/sandstormd/sandstorm/internal/metricsexport"
	"github.com/sandstormd/sandstorm/internal/model"
	"github.com/sandstormd/sandstorm/internal/sandstorm"
	"github.com/sandstormd/sandstorm/internal/socks5session"
	"github.com/sandstormd/sandstorm/internal/userstore"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

const byteTickInterval = 5 * time.Second

func main() {
	_ = godotenv.Load()
	os.Exit(config.Execute(version, os.Args[1:], run))
}

func run(cfg *config.Config) int {
	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			consolelog.Errf("cannot open log file %s: %v", cfg.LogFile, err)
			return 1
		}
		log.SetOutput(file)
	}

	users, usersErr := loadUsers(cfg)
	if usersErr != nil {
		consolelog.Errf("loading %s: %v, falling back to default admin", cfg.UsersFile, usersErr)
	}

	socksHandler := socks5session.NewHandler(nil)
	sandstormHandler := sandstorm.NewHandler(nil)
	sandstormHandler.DisableEventStream = cfg.DisableEvents

	onSession := func(conn net.Conn, family model.ListenerFamily, sessionID uint64) {
		switch family {
		case model.FamilySOCKS5:
			socksHandler.Handle(conn, sessionID)
		case model.FamilySandstorm:
			sandstormHandler.Handle(conn, sessionID)
		default:
			conn.Close()
		}
	}

	var persist func([]model.User) error
	if cfg.UsersFile != "" {
		persist = func(users []model.User) error { return userstore.SaveFile(cfg.UsersFile, users) }
	}

	coord := coordinator.New(users, onSession, byteTickInterval,
		coordinator.WithMetricsSink(metricsexport.NewSink()),
		coordinator.WithPersist(persist),
	)
	socksHandler.Coordinator = coord
	sandstormHandler.Coordinator = coord

	for _, spec := range cfg.UserSpecs {
		u, err := config.ParseUserSpec(spec)
		if err != nil {
			consolelog.Errf("--user %q: %v", spec, err)
			return 1
		}
		if err := coord.AddUser(u); err != nil {
			consolelog.Errf("--user %q: %v", spec, err)
			return 1
		}
	}

	if err := applyAuthMethods(coord, cfg); err != nil {
		consolelog.Errf("%v", err)
		return 1
	}

	if uint32(cfg.BufferSize) != 0 {
		_ = coord.SetBufferSize(uint32(cfg.BufferSize))
	}

	socksAddrs, sandAddrs, bound := bindListeners(coord, cfg)
	if bound == 0 {
		consolelog.Errf("no listener bound, exiting")
		return 1
	}

	// Server-side console logging is the ambient logging stack and runs
	// regardless of --disable-events, which only suppresses the
	// Sandstorm wire event stream (internal/sandstorm.Handler.DisableEventStream).
	printer := consolelog.NewPrinter(cfg.Silent, cfg.Verbose)
	_, sub := coord.SnapshotAndSubscribe()
	go printer.Run(sub)

	var metricsSrv *metricsexport.Server
	if cfg.MetricsListen != "" {
		metricsSrv = metricsexport.NewServer(cfg.MetricsListen)
		metricsErrc := make(chan error, 1)
		metricsSrv.Start(metricsErrc)
		go func() {
			if err := <-metricsErrc; err != nil {
				consolelog.Errf("metrics server: %v", err)
			}
		}()
	}

	consolelog.EmitBanner(version, socksAddrs, sandAddrs)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		coord.RequestShutdown()
	}()

	select {
	case <-coord.Done():
	case <-ctx.Done():
		<-coord.Done()
	}

	if metricsSrv != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		if err := metricsSrv.Shutdown(shCtx); err != nil {
			consolelog.Errf("metrics server shutdown: %v", err)
		}
	}

	return 0
}

func loadUsers(cfg *config.Config) ([]model.User, error) {
	if cfg.UsersFile == "" {
		return []model.User{userstore.DefaultAdmin()}, nil
	}
	users, err := userstore.LoadFile(cfg.UsersFile)
	if err != nil {
		return []model.User{userstore.DefaultAdmin()}, err
	}
	return users, nil
}

func applyAuthMethods(coord *coordinator.Coordinator, cfg *config.Config) error {
	for _, name := range cfg.AuthEnable {
		m, err := config.ParseAuthMethod(name)
		if err != nil {
			return err
		}
		if err := coord.SetAuthEnabled(m, true); err != nil {
			return err
		}
	}
	for _, name := range cfg.AuthDisable {
		m, err := config.ParseAuthMethod(name)
		if err != nil {
			return err
		}
		if err := coord.SetAuthEnabled(m, false); err != nil {
			return err
		}
	}
	return nil
}

// bindListeners binds every configured address, tolerating individual
// failures (spec.md §6.4: exit 1 only if every configured socket fails).
func bindListeners(coord *coordinator.Coordinator, cfg *config.Config) (socksAddrs, sandAddrs []string, bound int) {
	for _, addr := range cfg.Listen {
		tcpAddr, err := coord.AddListener(model.FamilySOCKS5, addr)
		if err != nil {
			consolelog.Errf("socks5 listen %s: %v", addr, err)
			continue
		}
		socksAddrs = append(socksAddrs, tcpAddr.String())
		bound++
	}
	for _, addr := range cfg.Management {
		tcpAddr, err := coord.AddListener(model.FamilySandstorm, addr)
		if err != nil {
			consolelog.Errf("management listen %s: %v", addr, err)
			continue
		}
		sandAddrs = append(sandAddrs, tcpAddr.String())
		bound++
	}
	return socksAddrs, sandAddrs, bound
}
