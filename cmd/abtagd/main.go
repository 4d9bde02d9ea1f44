// abtagd polls Allen-Bradley controllers through the tag library and
// republishes tag values over REST, MQTT, Valkey and Kafka.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	plctag "github.com/srdgame/libplctag-sub000"
	"github.com/srdgame/libplctag-sub000/api"
	"github.com/srdgame/libplctag-sub000/brokertest"
	"github.com/srdgame/libplctag-sub000/config"
	"github.com/srdgame/libplctag-sub000/kafka"
	"github.com/srdgame/libplctag-sub000/logging"
	"github.com/srdgame/libplctag-sub000/mqtt"
	"github.com/srdgame/libplctag-sub000/plcman"
	"github.com/srdgame/libplctag-sub000/tui"
	"github.com/srdgame/libplctag-sub000/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag turns a bare -log-debug into -log-debug all.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i, arg := range args {
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
	}
}

var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	noTUI       = flag.Bool("d", false, "Disable local TUI (headless mode)")
	noTUILong   = flag.Bool("no-tui", false, "Disable local TUI (headless mode)")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	adminUser   = flag.String("admin-user", "", "Create/update admin user (saves to config)")
	adminPass   = flag.String("admin-pass", "", "Password for admin user (saves to config)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log (optionally a protocol filter)")

	testBrokers  = flag.Bool("stress-test-republishing", false, "Run stress tests for republishing and exit")
	testDuration = flag.Duration("test-duration", 10*time.Second, "Duration for each broker stress test")
	testTags     = flag.Int("test-tags", 100, "Number of simulated tags per gateway for stress test")
	testGateways = flag.Int("test-gateways", 10, "Number of simulated gateways for stress test")
)

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("abtagd %s\n", Version)
		return
	}
	headless := *noTUI || *noTUILong

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("Error loading config: %v", err)
	}

	save := false
	if *namespace != "" {
		cfg.Namespace = *namespace
		save = true
	}
	if *adminUser != "" && *adminPass != "" {
		hash, err := api.HashPassword(*adminPass)
		if err != nil {
			fatalf("Error hashing password: %v", err)
		}
		setAdmin(cfg, *adminUser, hash)
		if cfg.Web.SessionSecret == "" {
			secret := make([]byte, 32)
			rand.Read(secret)
			cfg.Web.SessionSecret = base64.StdEncoding.EncodeToString(secret)
		}
		save = true
	}
	if err := cfg.Validate(); err != nil {
		fatalf("Config error: %v", err)
	}
	if save {
		if err := cfg.Save(*configPath); err != nil {
			fatalf("Error saving config: %v", err)
		}
		fmt.Printf("Configuration saved to %s\n", *configPath)
	}

	// Port and host overrides are not persisted.
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}

	if *testBrokers {
		brokertest.NewRunner(cfg, brokertest.TestConfig{
			Duration:    *testDuration,
			NumTags:     *testTags,
			NumGateways: *testGateways,
			BatchSize:   brokertest.DefaultTestConfig().BatchSize,
		}, os.Stdout).Run()
		return
	}

	run(cfg, headless)
}

func setAdmin(cfg *config.Config, username, hash string) {
	for i := range cfg.Web.Users {
		if cfg.Web.Users[i].Username == username {
			cfg.Web.Users[i].PasswordHash = hash
			cfg.Web.Users[i].Role = config.RoleAdmin
			return
		}
	}
	cfg.Web.Users = append(cfg.Web.Users, config.WebUser{
		Username:     username,
		PasswordHash: hash,
		Role:         config.RoleAdmin,
	})
}

// run is the startup flow shared by TUI and headless modes.
func run(cfg *config.Config, headless bool) {
	logging.SetDebugLevel(cfg.Library.DebugLevel)

	var fileLogger *logging.FileLogger
	if *logFile != "" {
		fl, err := logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		} else {
			fileLogger = fl
			defer fileLogger.Close()
		}
	}
	fileLogger.Log("abtagd %s starting with %s", Version, *configPath)

	// Debug output goes to the TUI log pane, and to debug.log when requested.
	store := tui.NewLogStore(2000)
	var sinks []io.Writer
	if !headless {
		sinks = append(sinks, store)
	}
	filter := ""
	if *logDebug != "" {
		f, err := os.OpenFile("debug.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			defer f.Close()
			sinks = append(sinks, f)
		}
		if *logDebug != "all" && *logDebug != "true" && *logDebug != "1" {
			filter = *logDebug
		}
	}
	if len(sinks) > 0 {
		dl := logging.NewDebugWriter(io.MultiWriter(sinks...))
		dl.SetFilter(filter)
		logging.SetGlobalDebugLogger(dl)
	}

	lib := plctag.NewLibrary(plctag.Options{PollInterval: cfg.Library.PollInterval})

	manager := plcman.NewManager(lib, cfg.PollRate, cfg.Library.Timeout)
	manager.LoadFromConfig(cfg)

	mqttMgr := mqtt.NewManager()
	mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)
	valkeyMgr := valkey.NewManager()
	valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace)
	kafkaMgr := kafka.NewManager()
	kafkaMgr.LoadFromConfig(cfg.Kafka, cfg.Namespace)

	mqttMgr.SetWriteHandler(manager.WriteTag)
	valkeyMgr.SetWriteHandler(manager.WriteTag)
	names := make([]string, len(cfg.Gateways))
	for i, g := range cfg.Gateways {
		names[i] = g.Name
	}
	mqttMgr.SetGateways(names)

	apiServer := api.NewServer(manager, cfg.Web)

	manager.SetOnValueChange(func(changes []plcman.ValueChange) {
		mqttMgr.Publish(changes)
		valkeyMgr.Publish(changes)
		kafkaMgr.Publish(changes)
		apiServer.Publish(changes)
	})

	manager.Start()
	fileLogger.Log("Polling %d gateways", len(cfg.Gateways))

	if cfg.Web.Enabled {
		if err := apiServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start API server: %v\n", err)
			fileLogger.Error("API server: %v", err)
		} else {
			fmt.Printf("REST API at %s/api/\n", apiServer.Address())
			fileLogger.Log("REST API at %s/api/", apiServer.Address())
		}
	}

	// Brokers connect in the background; late subscribers get current values.
	go func() {
		if mqttMgr.StartAll() > 0 {
			for _, c := range manager.GetAllCurrentValues() {
				for _, p := range mqttMgr.List() {
					p.Publish(c, true)
				}
			}
		}
	}()
	go func() {
		if valkeyMgr.StartAll() > 0 {
			valkeyMgr.Publish(manager.GetAllCurrentValues())
		}
	}()
	go func() {
		if kafkaMgr.ConnectEnabled() > 0 {
			kafkaMgr.Publish(manager.GetAllCurrentValues())
		}
	}()

	shutdown := func() {
		done := make(chan struct{})
		go func() {
			mqttMgr.StopAll()
			valkeyMgr.StopAll()
			kafkaMgr.StopAll()
			apiServer.Stop()
			manager.Stop()
			lib.Shutdown(time.Second)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			fileLogger.Warn("shutdown timed out")
		}
		fileLogger.Log("Stopped")
	}

	if headless {
		fmt.Println("Running in headless mode. Press Ctrl+C to stop.")
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		fmt.Printf("\nReceived %v, shutting down...\n", sig)
		shutdown()
		fmt.Println("Stopped")
		return
	}

	// Runtime errors written to stderr would corrupt the terminal.
	crashPath := filepath.Join(filepath.Dir(*configPath), "abtagd-crash.log")
	if f, err := os.OpenFile(crashPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
		redirectStderr(f)
		defer f.Close()
	}

	app := tui.NewApp(cfg, manager, store)
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stdout, "Error: %v\n", err)
	}
	shutdown()
}
