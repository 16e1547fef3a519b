package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bindmgr/internal/api"
	"bindmgr/internal/auth"
	"bindmgr/internal/config"
	"bindmgr/internal/database"
	"bindmgr/internal/export"
	"bindmgr/internal/push"
	"bindmgr/internal/recovery"
	"bindmgr/internal/server"
	"bindmgr/internal/service"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/bindmgr/config.yaml", "Path to configuration file")
	mode := flag.String("mode", "serve", "One of: serve, export, recover, stop, status, adduser")
	recoverTo := flag.Int64("to", 0, "Target audit id for -mode recover")
	username := flag.String("user", "", "Username for -mode adduser")
	password := flag.String("password", "", "Password for -mode adduser")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	switch *mode {
	case "serve":
		err = runServe(cfg)
	case "export":
		err = runExport(cfg)
	case "recover":
		err = runRecover(cfg, *recoverTo)
	case "stop":
		err = server.Stop(cfg.Server.LockFile)
	case "status":
		var pid int
		pid, err = server.Status(cfg.Server.LockFile)
		if err == nil {
			fmt.Printf("running, pid %d\n", pid)
		}
	case "adduser":
		err = runAddUser(cfg, *username, *password)
	default:
		log.Fatalf("Unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}

func openDB(cfg *config.Config) (*database.DB, error) {
	return database.Open(
		cfg.Database.DSN(),
		database.MigrationsFS(),
		time.Duration(cfg.Database.BigLockTimeout)*time.Second,
		time.Duration(cfg.Database.BigLockWait)*time.Second,
	)
}

func buildPipeline(cfg *config.Config, db *database.DB) (*export.Pipeline, error) {
	tools := export.Tools{
		NamedCheckconf:   cfg.Exporter.NamedCheckconf,
		NamedCheckzone:   cfg.Exporter.NamedCheckzone,
		NamedCompilezone: cfg.Exporter.CompileZonePath,
		Tar:              cfg.Exporter.TarPath,
	}
	pipeline := &export.Pipeline{
		DB: db,
		Mat: export.Materializer{
			RootDir:  filepath.Join(cfg.Exporter.RootConfigDir, "trees"),
			NamedDir: cfg.Exporter.NamedDir,
			Tools:    tools,
		},
		Checker: export.Checker{
			Tools:       tools,
			MaxParallel: cfg.Exporter.MaxParallelChecks,
		},
		Pusher: &push.Pusher{
			Copier: &push.SSHCopier{
				KeyFile:        cfg.Push.SSHKeyFile,
				KnownHostsFile: cfg.Push.KnownHostsFile,
			},
			ReloadCommand: cfg.Push.ReloadCommand,
			MaxAttempts:   cfg.Push.MaxAttempts,
			MaxBackoff:    time.Duration(cfg.Push.MaxBackoffSeconds) * time.Second,
			MaxParallel:   cfg.Push.MaxParallel,
		},
		BackupDir: cfg.Exporter.BackupDir,
	}
	if cfg.Mirror.Enabled {
		mirror, err := service.NewRoute53Mirror(cfg.Mirror)
		if err != nil {
			return nil, fmt.Errorf("failed to init Route53 mirror: %w", err)
		}
		pipeline.Mirror = mirror
		log.Printf("Route53 mirror enabled for %d zone(s)", len(cfg.Mirror.Zones))
	}
	return pipeline, nil
}

func runServe(cfg *config.Config) error {
	lock, err := server.AcquireLock(cfg.Server.LockFile)
	if err != nil {
		return err
	}
	defer lock.Release()

	if cfg.Server.ServerLogFile != "" {
		f, err := server.RedirectLog(cfg.Server.ServerLogFile)
		if err != nil {
			return fmt.Errorf("failed to open server log file: %w", err)
		}
		defer f.Close()
	}

	if err := server.DropPrivileges(cfg.Server.RunAsUsername); err != nil {
		return err
	}

	log.Printf("=== bindmgr %s ===", version)

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	pipeline, err := buildPipeline(cfg, db)
	if err != nil {
		return err
	}
	surface := api.NewSurface(db, pipeline)

	method, err := auth.New(cfg, db)
	if err != nil {
		return err
	}
	authCache := auth.NewCache(method, time.Duration(cfg.Credentials.ExpTime)*time.Minute)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go lock.Renew(ctx, time.Duration(cfg.Server.InfRenewTime)*time.Second)

	srv := server.New(cfg.Server, surface, authCache)
	return srv.Run(ctx)
}

func runExport(cfg *config.Config) error {
	// The backup and tree directories are single-writer; a CLI export
	// must not race the daemon or another export run.
	lock, err := server.AcquireLock(cfg.Server.LockFile)
	if err != nil {
		return err
	}
	defer lock.Release()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	pipeline, err := buildPipeline(cfg, db)
	if err != nil {
		return err
	}
	surface := api.NewSurface(db, pipeline)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return surface.Call(ctx, currentUser(), api.ExportAction, nil)
}

func runRecover(cfg *config.Config, target int64) error {
	if target <= 0 {
		return errors.New("recover needs -to <audit id>")
	}
	lock, err := server.AcquireLock(cfg.Server.LockFile)
	if err != nil {
		return err
	}
	defer lock.Release()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// Recovery replays against an export-free surface; the tape's
	// ExportAllBindTrees entries are skipped anyway.
	engine := &recovery.Engine{
		Store:      db,
		Dispatcher: api.NewSurface(db, nil),
		BackupDir:  cfg.Exporter.BackupDir,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return engine.RecoverTo(ctx, target)
}

func runAddUser(cfg *config.Config, username, password string) error {
	if username == "" || password == "" {
		return errors.New("adduser needs -user and -password")
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.CreateUser(context.Background(), username, password)
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "root"
}
