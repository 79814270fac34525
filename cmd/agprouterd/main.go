// Command agprouterd is a minimal demo entrypoint: it constructs a
// Router, ingests one UPDATE read from the -update-file path when that
// flag is set, then dispatches a single parallel session against the
// requested personas and prints the resulting stats snapshot as JSON.
// It performs no OPEN negotiation and does not read stdin.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/99souls/agprouter/engine"
	"github.com/99souls/agprouter/engine/agp"
	runtimeconfig "github.com/99souls/agprouter/engine/config"
	"github.com/99souls/agprouter/engine/session"
	"github.com/99souls/agprouter/engine/update"
)

func main() {
	var (
		routerID     string
		adn          int
		updateFile   string
		updatePeerID string
		personaSpec  string
		qos          string
		auditLogPath string
		metricsAddr  string
		showVersion  bool
		configPath   string
		watchConfig  bool
	)

	flag.StringVar(&routerID, "router-id", "router-1", "This router's identity, used in OPEN negotiation and loop prevention")
	flag.IntVar(&adn, "adn", 65001, "This router's Autonomous Domain Number")
	flag.StringVar(&updateFile, "update-file", "", "Path to a JSON UPDATE message to ingest on startup (optional)")
	flag.StringVar(&updatePeerID, "update-peer-id", "peer-1", "Router ID attributed to the ingested UPDATE")
	flag.StringVar(&personaSpec, "personas", "writer:1", "Comma-separated persona_id:count pairs to dispatch against")
	flag.StringVar(&qos, "qos", "standard", "QoS class for the demo dispatch")
	flag.StringVar(&auditLogPath, "audit-log", "agprouter-audit.jsonl", "Path to the hash-chained session audit log")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (empty disables)")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.StringVar(&configPath, "config", "", "Path to a YAML runtime config file (optional); loaded via engine/config and applied over the component defaults")
	flag.BoolVar(&watchConfig, "watch-config", false, "Watch -config for changes and log detected diffs (does not live-patch the running Router; restart to apply)")
	flag.Parse()

	if showVersion {
		fmt.Println("agprouterd (demo CLI)")
		return
	}

	cfg := engine.DefaultConfig()
	cfg.RouterID = routerID
	cfg.ADN = adn
	cfg.AuditLogPath = auditLogPath
	cfg.AuditKey = []byte(routerID)
	if metricsAddr != "" {
		cfg.MetricsEnabled = true
	}

	if configPath != "" {
		if err := applyRuntimeConfig(&cfg, configPath); err != nil {
			log.Fatalf("load -config: %v", err)
		}
	}

	r, err := engine.New(cfg, nil)
	if err != nil {
		log.Fatalf("construct router: %v", err)
	}
	defer func() { _ = r.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; shutting down")
		cancel()
	}()

	if watchConfig && configPath != "" {
		watchRuntimeConfig(ctx, configPath)
	}

	if metricsAddr != "" {
		if h := r.MetricsHandler(); h != nil {
			mux := http.NewServeMux()
			mux.Handle("/metrics", h)
			srv := &http.Server{Addr: metricsAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Printf("metrics server: %v", err)
				}
			}()
			go func() {
				<-ctx.Done()
				_ = srv.Close()
			}()
		}
	}

	if updateFile != "" {
		rejections, err := ingestUpdateFile(r, updateFile, updatePeerID)
		if err != nil {
			log.Fatalf("ingest update file: %v", err)
		}
		for _, rej := range rejections {
			log.Printf("rejected %s: %s (%v)", rej.Prefix, rej.Reason, rej.Err)
		}
	}

	specs, err := parsePersonaSpecs(personaSpec)
	if err != nil {
		log.Fatalf("parse -personas: %v", err)
	}

	res, err := r.Dispatch(ctx, "", qos, specs)
	if err != nil {
		log.Fatalf("dispatch: %v", err)
	}
	fmt.Printf("dispatched session %s across %d targets\n", res.Session.ID, len(res.Targets))

	if err := r.CompleteDispatch(ctx, res, 10, true); err != nil {
		log.Printf("complete dispatch: %v", err)
	}

	snap, _ := json.MarshalIndent(r.Stats(), "", "  ")
	fmt.Println(string(snap))
}

// applyRuntimeConfig loads and validates a YAML runtime config document
// and copies its component sections over cfg's defaults.
func applyRuntimeConfig(cfg *engine.Config, path string) error {
	mgr, err := runtimeconfig.NewRuntimeConfigManager(path)
	if err != nil {
		return fmt.Errorf("construct config manager: %w", err)
	}
	if err := mgr.LoadConfiguration(); err != nil {
		return fmt.Errorf("load config file: %w", err)
	}
	rc := mgr.GetCurrentConfig()
	if err := mgr.ValidateConfiguration(rc); err != nil {
		return fmt.Errorf("validate config file: %w", err)
	}
	cfg.Dampening = rc.Dampening
	cfg.Hysteresis = rc.Hysteresis
	cfg.HoldDown = rc.HoldDown
	cfg.RouteSelection = rc.RouteSelection
	cfg.SafeMode = rc.SafeMode
	cfg.ParallelSession = rc.ParallelSession
	cfg.AIMD = rc.AIMD
	cfg.Scheduler = rc.Scheduler
	return nil
}

// watchRuntimeConfig logs detected changes to the config file until ctx
// is done. Component state already constructed into the running Router
// (dampening history, route table contents, session bookkeeping) can't
// be safely swapped in place, so a detected change is surfaced as an
// operator signal to redeploy rather than live-patched.
func watchRuntimeConfig(ctx context.Context, path string) {
	hrs, err := runtimeconfig.NewHotReloadSystem(path)
	if err != nil {
		log.Printf("config watch disabled: %v", err)
		return
	}
	changes, errs := hrs.WatchConfigChanges(ctx)
	go func() {
		for {
			select {
			case change, ok := <-changes:
				if !ok {
					return
				}
				log.Printf("config file changed at %s (previous checksum %q); restart to apply", change.ChangedAt, change.PreviousChecksum)
			case err, ok := <-errs:
				if !ok {
					return
				}
				log.Printf("config watch error: %v", err)
			case <-ctx.Done():
				_ = hrs.StopWatching()
				return
			}
		}
	}()
}

func ingestUpdateFile(r *engine.Router, path, peerRouterID string) ([]update.Rejection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msg agp.UpdateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return r.IngestUpdate(&msg, peerRouterID, false), nil
}

func parsePersonaSpecs(raw string) ([]session.PersonaSpec, error) {
	var specs []session.PersonaSpec
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid persona spec %q (want persona_id:count)", part)
		}
		var count int
		if _, err := fmt.Sscanf(fields[1], "%d", &count); err != nil {
			return nil, fmt.Errorf("invalid count in persona spec %q: %w", part, err)
		}
		specs = append(specs, session.PersonaSpec{PersonaID: fields[0], Count: count})
	}
	return specs, nil
}
