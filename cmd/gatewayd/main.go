// Command gatewayd is the industrial IoT gateway process: it loads a
// workspace (connections, tags, bridges, alert rules), drives the
// Connection Manager's adapters, the Polling Engine, the Bridge Engine and
// the Alert Engine, and serves a Prometheus /metrics endpoint alongside a
// retained /debug/pprof/ surface, mirroring the shape of the teacher's
// main.go (load config, dial, run publish/stat loops, wait for signal)
// generalized from one fixed MQTT backend to N configurable protocol
// connections.
package main

import (
	"context"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kcchien/iiot-gateway/internal/alert"
	"github.com/kcchien/iiot-gateway/internal/bridge"
	"github.com/kcchien/iiot-gateway/internal/config"
	"github.com/kcchien/iiot-gateway/internal/connmgr"
	"github.com/kcchien/iiot-gateway/internal/logging"
	"github.com/kcchien/iiot-gateway/internal/metrics"
	"github.com/kcchien/iiot-gateway/internal/model"
	"github.com/kcchien/iiot-gateway/internal/poll"
	"github.com/kcchien/iiot-gateway/internal/store"
	"github.com/kcchien/iiot-gateway/internal/vault"
	"github.com/kcchien/iiot-gateway/internal/workspace"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to the gatewayd YAML config (defaults to $GATEWAY_CONFIG or configs/gateway.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Default(false).Get(logging.CompGateway).Fatal().Err(err).Msg("loading config")
	}

	pretty := cfg.Log.Pretty == nil || *cfg.Log.Pretty
	log := logging.New(os.Stdout, cfg.Log.Debug, pretty)
	gw := log.Get(logging.CompGateway)
	gw.Info().Str("workspace", cfg.Workspace).Msg("starting gatewayd")

	rbs, err := store.Open(cfg.Store.Path)
	if err != nil {
		gw.Fatal().Err(err).Msg("opening ring-buffer store")
	}
	defer rbs.Close()
	maxRows, retention := cfg.Store.MaxRows, cfg.Store.RetentionMinutes
	if err := rbs.UpdateConfig(&maxRows, &retention); err != nil {
		gw.Warn().Err(err).Msg("applying store retention config")
	}

	alertHistory, err := alert.NewHistory(rbs.DB())
	if err != nil {
		gw.Fatal().Err(err).Msg("opening alert history")
	}

	vaultStore := vault.NewFileStore(cfg.Vault.Path)
	metricsReg := metrics.New()
	env := model.Environment{Name: "default", Default: true, Variables: osEnvironMap()}

	cm := connmgr.New(env, rbs, vaultStore, log, metricsReg)
	pe := poll.New(cm, cm, log)
	be := bridge.New(cm, log, metricsReg)
	ae := alert.New(cm, alertHistory, log, metricsReg)
	ae.Start()
	defer ae.Stop()

	go logFiredAlerts(ae, log)

	loadWorkspace(cfg, cm, be, ae, pe, gw)

	if cfg.Metrics.Enabled == nil || *cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr, metricsReg, gw)
	}
	go func() {
		gw.Info().Msg("pprof listening on :6060")
		_ = http.ListenAndServe(":6060", nil)
	}()

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	gw.Info().Str("signal", sig.String()).Msg("shutting down")

	pe.StopAll()
	for _, conn := range cm.List() {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		if err := cm.Disconnect(ctx, conn.ID); err != nil {
			gw.Warn().Err(err).Str("connectionId", conn.ID).Msg("disconnect on shutdown failed")
		}
		cancel()
	}
}

// loadWorkspace reads cfg.Workspace (if present), imports its connections,
// tags, bridges and alert rules into the live components, then connects
// and starts polling every imported connection.
func loadWorkspace(cfg config.Config, cm *connmgr.Manager, be *bridge.Engine, ae *alert.Engine, pe *poll.Engine, gw zerolog.Logger) {
	data, err := os.ReadFile(cfg.Workspace)
	if err != nil {
		if !os.IsNotExist(err) {
			gw.Warn().Err(err).Str("path", cfg.Workspace).Msg("reading workspace file")
		}
		return
	}
	doc, err := workspace.Unmarshal(data)
	if err != nil {
		gw.Warn().Err(err).Msg("parsing workspace file")
		return
	}
	importer := workspace.NewImporter(cm, be, ae)
	res, err := importer.Import(doc, workspace.PolicyOverwrite)
	if err != nil {
		gw.Warn().Err(err).Msg("importing workspace")
		return
	}
	gw.Info().Int("connections", len(res.ConnectionIDByName)).Int("tags", len(res.TagIDByName)).Msg("workspace imported")

	for _, conn := range cm.List() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		if err := cm.Connect(ctx, conn.ID); err != nil {
			gw.Warn().Err(err).Str("connectionId", conn.ID).Msg("initial connect failed; not retried automatically")
		}
		cancel()
		pe.Start(conn.ID, cfg.Poll.DefaultIntervalMs)
	}
}

func serveMetrics(addr string, reg *metrics.Registry, gw zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	gw.Info().Str("addr", addr).Msg("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		gw.Warn().Err(err).Msg("metrics server stopped")
	}
}

func logFiredAlerts(ae *alert.Engine, log *logging.Logger) {
	alertLog := log.Get(logging.CompAlert)
	for fired := range ae.Fired() {
		alertLog.Warn().
			Str("ruleId", fired.RuleID).
			Str("severity", string(fired.Severity)).
			Float64("value", fired.Value).
			Msg(fired.Message)
	}
}

// osEnvironMap converts the process environment into the map form
// Variable Substitution expects, per spec §4.8.
func osEnvironMap() map[string]string {
	vars := make(map[string]string, 32)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			vars[kv[:i]] = kv[i+1:]
		}
	}
	return vars
}
