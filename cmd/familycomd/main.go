// Command familycomd is the FamilyCom background daemon: it discovers other
// daemons on the LAN, speaks the peer wire protocol, persists peers and
// messages, and exposes the local control socket that a terminal client
// connects to. Grounded on main.go's runCLIPeer (signal handling, context
// cancellation, banner print), reduced to the single mode FamilyCom needs.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/familycom/familycom/internal/bus"
	"github.com/familycom/familycom/internal/config"
	"github.com/familycom/familycom/internal/control"
	"github.com/familycom/familycom/internal/core"
	"github.com/familycom/familycom/internal/discovery"
	"github.com/familycom/familycom/internal/inbound"
	"github.com/familycom/familycom/internal/store"
	"github.com/familycom/familycom/internal/types"
)

var (
	dataDir     = flag.String("data-dir", defaultDataDir(), "per-user application-data directory holding config.json and familycom.db")
	runtimeDir  = flag.String("runtime-dir", defaultRuntimeDir(), "per-user runtime directory holding the control socket")
	displayName = flag.String("display-name", "", "display name to use when no config file exists yet")
)

// defaultDataDir follows §6's "per-user application-data directory" for the
// config file and store.
func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "familycom")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".familycom")
	}
	return ".familycom"
}

// defaultRuntimeDir follows §6's "platform's per-user runtime directory when
// available, otherwise a world-temporary directory named to be unique per
// user" for the control socket.
func defaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "familycom")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("familycom-%d", os.Getuid()))
}

func main() {
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		log.Fatalf("familycomd: create data dir: %v", err)
	}

	cfgPath := filepath.Join(*dataDir, "config.json")
	name := *displayName
	if name == "" {
		name = defaultDisplayName()
	}
	cfg, created, err := config.Ensure(cfgPath, func() string { return string(types.NewPeerIdentity()) }, name)
	if err != nil {
		log.Fatalf("familycomd: load config: %v", err)
	}
	if created {
		log.Printf("familycomd: generated new peer identity %s", cfg.PeerID)
	}

	st, err := store.Open(*dataDir)
	if err != nil {
		log.Fatalf("familycomd: open store: %v", err)
	}
	defer st.Close()

	in, err := inbound.Listen(fmt.Sprintf(":%d", cfg.TCPPort))
	if err != nil {
		log.Fatalf("familycomd: listen inbound: %v", err)
	}
	defer in.Close()

	boundPort := in.Addr().(*net.TCPAddr).Port
	if cfg.TCPPort == 0 {
		cfg.TCPPort = boundPort
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Printf("familycomd: persist bound port: %v", err)
		}
	}

	disc, err := discovery.Start(types.PeerIdentity(cfg.PeerID), cfg.DisplayName, boundPort, cfg.NetworkInterface)
	if err != nil {
		log.Fatalf("familycomd: start discovery: %v", err)
	}

	cfgWatcher, err := config.WatchFile(cfgPath)
	if err != nil {
		log.Printf("familycomd: watch config file: %v", err)
	} else {
		defer cfgWatcher.Close()
	}

	eventBus := bus.New[control.Message]()
	var configChanged <-chan struct{}
	if cfgWatcher != nil {
		configChanged = cfgWatcher.Changed
	}
	c := core.New(st, eventBus, cfg, cfgPath, disc, disc.Events(), in.Events(), configChanged)

	socketPath := filepath.Join(*runtimeDir, "control.sock")
	ctl, err := control.Listen(socketPath, c, eventBus)
	if err != nil {
		log.Fatalf("familycomd: listen control socket: %v", err)
	}
	defer ctl.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	shutdown := make(chan struct{})
	go func() {
		<-sigCh
		log.Println("familycomd: shutting down")
		close(shutdown)
	}()

	go func() {
		if err := in.Serve(); err != nil {
			log.Printf("familycomd: inbound server stopped: %v", err)
		}
	}()
	go func() {
		if err := ctl.Serve(); err != nil {
			log.Printf("familycomd: control server stopped: %v", err)
		}
	}()

	log.Printf("familycomd: peer %s (%s) listening on tcp :%d, control socket %s", cfg.PeerID, cfg.DisplayName, boundPort, socketPath)
	if err := c.Run(shutdown); err != nil {
		log.Fatalf("familycomd: core stopped: %v", err)
	}
}

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "FamilyCom Peer"
}
