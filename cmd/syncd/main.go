// Command syncd runs the sync core as a headless service: it opens the
// event database and content store, connects the peer transport, and
// bridges the GUI message bus to stdin/stdout as JSON lines.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pvtbox/syncd/internal/availability"
	"github.com/pvtbox/syncd/internal/config"
	"github.com/pvtbox/syncd/internal/connectivity"
	"github.com/pvtbox/syncd/internal/contentstore"
	"github.com/pvtbox/syncd/internal/coordinator"
	"github.com/pvtbox/syncd/internal/download"
	"github.com/pvtbox/syncd/internal/eventdb"
	"github.com/pvtbox/syncd/internal/events"
	"github.com/pvtbox/syncd/internal/ignore"
	"github.com/pvtbox/syncd/internal/processor"
	"github.com/pvtbox/syncd/internal/slogutil"
)

var log = slogutil.NewAdapter("main")

const version = "0.1.0"

func main() {
	var (
		homeDir     = flag.String("home", defaultHomeDir(), "directory for the event database, content store and config")
		rootPath    = flag.String("root", "", "sync root directory (overrides config)")
		deviceID    = flag.String("device-id", "", "this node's peer id")
		listenAddr  = flag.String("listen", "", "development transport listen address (host:port)")
		peerList    = flag.String("peers", "", "comma-separated peer list (id=host:port)")
		metricsAddr = flag.String("metrics", "", "prometheus metrics listen address")
		authKey     = flag.String("auth-key", "", "coordinator auth key")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("syncd", version)
		return
	}

	if err := run(*homeDir, *rootPath, *deviceID, *listenAddr, *peerList, *metricsAddr, *authKey); err != nil {
		log.Warnf("fatal: %v", err)
		os.Exit(1)
	}
}

func defaultHomeDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "syncd")
	}
	return ".syncd"
}

func run(homeDir, rootPath, deviceID, listenAddr, peerList, metricsAddr, authKey string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(homeDir, 0o777); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}

	cfgPath := filepath.Join(homeDir, "config.json")
	cfg, err := config.Load(cfgPath, rootPath)
	if err != nil {
		return err
	}
	if rootPath != "" {
		cfg.RootPath = rootPath
	}
	if cfg.RootPath == "" {
		return fmt.Errorf("no sync root configured; pass -root")
	}
	bus := events.Default
	wrapper := config.Wrap(cfgPath, cfg, bus)

	db, err := eventdb.Open(filepath.Join(homeDir, "events.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := contentstore.Open(filepath.Join(homeDir, "content"))
	if err != nil {
		return err
	}
	defer store.Close()
	store.CheckPatches()

	fs, err := newRootedFS(cfg.RootPath)
	if err != nil {
		return err
	}

	coord := coordinator.New(cfg.CoordinatorURL, authKey)

	// The transport dispatch wires together after construction: the
	// dialer needs the frame handler, the handler needs the supplier
	// and download manager, and those need the sender built on the
	// connectivity manager the dialer feeds.
	var dispatch dispatcher
	transport, err := newTCPTransport(deviceID, splitPeers(peerList), dispatch.handle)
	if err != nil {
		return err
	}

	mgr := connectivity.New(transport, cfg.UploadBytesPerSec, cfg.UploadBurstBytes)
	sender := &envelopeSender{mgr: mgr, ctx: ctx}

	var proc *processor.Processor
	dm, err := download.New(sender, mgr, store, filepath.Join(homeDir, "downloads"),
		func(obj availability.ObjKey) {
			if obj.Type == availability.ObjFile {
				store.AddCopyReference(obj.ID, "download completed", false)
			}
			proc.OnDownloadCompleted()
		},
		func(obj availability.ObjKey, reason string) {
			proc.OnDownloadFailed(obj.ID, reason)
		})
	if err != nil {
		return err
	}
	defer dm.Stop()

	supplier := availability.NewSupplier(sender, dm, dm)
	dispatch.consumer = dm.Consumer()
	dispatch.supplier = supplier
	dispatch.dm = dm

	mgr.SetSignals(connectivity.Signals{
		ConnectedIncoming: func(ids []string) { bus.Log(events.DeviceConnected, map[string]interface{}{"incoming": ids}) },
		ConnectedOutgoing: func(ids []string) { bus.Log(events.DeviceConnected, map[string]interface{}{"outgoing": ids}) },
	})

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Warnf("metrics server: %v", err)
			}
		}()
	}

	proc = processor.New(db, store, wrapper.Raw(), coord, fs, dm, bus)
	ignorePath := filepath.Join(cfg.RootPath, ".syncignore")
	if matcher, err := ignore.Load(ignorePath, true); err == nil {
		proc.SetIgnoreMatcher(matcher)
	} else if !os.IsNotExist(err) {
		log.Warnf("load %s: %v", ignorePath, err)
	}
	proc.Start()
	defer proc.Stop()

	if listenAddr != "" {
		if err := transport.Listen(ctx, listenAddr, mgr); err != nil {
			return err
		}
		log.Infof("development transport listening on %s", listenAddr)
	}
	for _, peerID := range transport.peerIDs() {
		if err := mgr.Connect(ctx, peerID, len(transport.addrs)); err != nil {
			log.Warnf("connect to %s: %v", peerID, err)
		}
	}

	go emitBusToStdout(ctx, bus)
	go readActionsFromStdin(ctx, proc, wrapper, cancel)

	bus.Log(events.Starting, map[string]interface{}{"home": homeDir, "root": cfg.RootPath})
	log.Infof("syncd %s running (home %s, root %s)", version, homeDir, cfg.RootPath)

	<-ctx.Done()
	log.Infof("shutting down")
	return nil
}

func splitPeers(peerList string) []string {
	if peerList == "" {
		return nil
	}
	return strings.Split(peerList, ",")
}

func (t *tcpTransport) peerIDs() []string {
	out := make([]string, 0, len(t.addrs))
	for id := range t.addrs {
		out = append(out, id)
	}
	return out
}

// dispatcher routes decoded frames to the consumer (availability info),
// the supplier (requests), or the download manager (data plane).
type dispatcher struct {
	consumer *availability.Consumer
	supplier *availability.Supplier
	dm       *download.Manager
}

func (d *dispatcher) handle(peerID string, env *availability.Envelope) {
	if d.consumer == nil {
		return
	}
	switch env.Type {
	case availability.MsgRequest:
		d.supplier.OnRequest(peerID, env)
	case availability.MsgAbort:
		d.supplier.OnAbort(peerID, env)
	case availability.MsgInfo:
		d.consumer.OnInfoReceived(peerID, env)
	case availability.MsgFailure:
		d.consumer.OnFailureReceived(peerID, env)
	case availability.MsgDataRequest:
		d.supplier.OnDataRequest(peerID, env)
	case availability.MsgDataResponse:
		d.dm.OnDataResponse(peerID, env)
	case availability.MsgDataAbort:
		// Nothing to cancel in the development transport.
	case availability.MsgDataFailure:
		d.dm.OnDataFailure(peerID, env)
	}
}

// emitBusToStdout writes every GUI-facing event as one JSON line,
// the service side of the action+data message bus (spec §6).
func emitBusToStdout(ctx context.Context, bus *events.Logger) {
	sub := bus.Subscribe(events.SyncStatusChanged | events.DownloadProgress | events.FileMoved |
		events.InitFileList | events.RequestToUser | events.CollaborationAccessDenied |
		events.DeviceConnected | events.DeviceDisconnected | events.ConfigSaved)
	defer bus.Unsubscribe(sub)

	enc := json.NewEncoder(os.Stdout)
	for {
		ev, err := sub.Poll(time.Second)
		if err == events.ErrTimeout {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		if err != nil {
			return
		}
		enc.Encode(map[string]interface{}{ //nolint:errcheck
			"action": ev.Type.String(),
			"data":   ev.Data,
		})
	}
}

// guiAction is one inbound GUI message: an action name plus its data.
type guiAction struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// readActionsFromStdin consumes the GUI side of the message bus:
// start_sync/stop_sync toggle the processor, exit cancels the daemon,
// gui_settings_changed replaces the config and set_excluded_dirs updates
// its excluded-dirs list. Any other action, set_offline_dirs included,
// is logged at debug level and otherwise ignored.
func readActionsFromStdin(ctx context.Context, proc *processor.Processor, wrapper *config.Wrapper, cancel context.CancelFunc) {
	dec := json.NewDecoder(os.Stdin)
	for {
		var act guiAction
		if err := dec.Decode(&act); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch act.Action {
		case "start_sync":
			proc.Start()
		case "stop_sync":
			proc.Stop()
		case "exit":
			cancel()
			return
		case "gui_settings_changed":
			var cfg config.Configuration
			if err := json.Unmarshal(act.Data, &cfg); err != nil {
				log.Warnf("bad gui_settings_changed payload: %v", err)
				continue
			}
			if err := wrapper.Replace(cfg); err != nil {
				log.Warnf("apply settings: %v", err)
			}
		case "set_excluded_dirs":
			var dirs []string
			if err := json.Unmarshal(act.Data, &dirs); err != nil {
				log.Warnf("bad set_excluded_dirs payload: %v", err)
				continue
			}
			if err := wrapper.SetExcludedDirs(dirs); err != nil {
				log.Warnf("set excluded dirs: %v", err)
			}
		default:
			log.Debugf("unhandled gui action %q", act.Action)
		}
	}
}
