package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"rollback.dev/internal/sim/rollback"
	"rollback.dev/internal/sim/tuning"
	"rollback.dev/internal/transport/observer"
)

// serverEnv holds deployment switches read from ROLLBACK_* variables.
type serverEnv struct {
	EnableAdminHTTP bool   `env:"ENABLE_ADMIN_HTTP"`
	EnablePprofHTTP bool   `env:"ENABLE_PPROF_HTTP" envDefault:"false"`
	IndexBackend    string `env:"INDEX_BACKEND" envDefault:"sqlite"`
	DumpOnDesync    bool   `env:"DUMP_ON_DESYNC" envDefault:"true"`
}

func loadServerEnv() (serverEnv, error) {
	se := serverEnv{EnableAdminHTTP: defaultEnableAdminHTTP()}
	if err := env.ParseWithOptions(&se, env.Options{Prefix: tuning.EnvPrefix}); err != nil {
		return serverEnv{}, fmt.Errorf("server env: %w", err)
	}
	return se, nil
}

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the checksum index")
		hostHz     = flag.Int("host_hz", 0, "host frame rate (default: 4x simulation fps)")
		runFor     = flag.Duration("run_for", 0, "stop after this long (0 runs until signalled)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)
	simLogger := log.New(os.Stdout, "[rollback] ", log.LstdFlags|log.Lmicroseconds)
	obsLogger := log.New(os.Stdout, "[observer] ", log.LstdFlags|log.Lmicroseconds)

	se, err := loadServerEnv()
	if err != nil {
		logger.Fatalf("%v", err)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning file %s not found; using defaults", tp)
		tune, err = tuning.FromEnv()
		if err != nil {
			logger.Fatalf("tuning env: %v", err)
		}
	}

	_ = os.MkdirAll(*dataDir, 0o755)

	rt, err := newRuntime(runtimeConfig{
		DataDir:      *dataDir,
		Tune:         tune,
		IndexBackend: se.IndexBackend,
		DisableDB:    *disableDB,
		DumpOnDesync: se.DumpOnDesync,
	}, logger, simLogger)
	if err != nil {
		logger.Fatalf("init runtime: %v", err)
	}
	logger.Printf("sync test: players=%d fps=%d max_prediction=%d check_distance=%d",
		tune.NumPlayers, tune.FPS, tune.MaxPrediction, tune.CheckDistance)

	ctx, cancel := signalContext()
	defer cancel()
	if *runFor > 0 {
		var cancelRun context.CancelFunc
		ctx, cancelRun = context.WithTimeout(ctx, *runFor)
		defer cancelRun()
	}

	simDone := make(chan struct{})
	go func() {
		defer close(simDone)
		rt.run(ctx, *hostHz)
	}()

	mux := newMux(rt, se, logger, obsLogger)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
		cancel()
	}

	<-simDone
	if err := rt.Close(); err != nil {
		logger.Printf("close: %v", err)
	}
	st := rt.Status()
	logger.Printf("stopped at frame %d: saves=%d loads=%d advances=%d desyncs=%d",
		st.Frame, st.Stats.Saves, st.Stats.Loads, st.Stats.Advances, st.Desyncs)
}

func newMux(rt *runtime, se serverEnv, logger, obsLogger *log.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, rt)
	})

	if se.EnableAdminHTTP {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			st := rt.Status()
			resp := struct {
				Frame      int32          `json:"frame"`
				RunSlow    bool           `json:"run_slow"`
				Desyncs    uint64         `json:"desyncs"`
				LastDesync string         `json:"last_desync,omitempty"`
				Stats      rollback.Stats `json:"stats"`
				Tuning     tuning.Tuning  `json:"tuning"`
			}{
				Frame:      int32(st.Frame),
				RunSlow:    st.RunSlow,
				Desyncs:    st.Desyncs,
				LastDesync: st.LastDesync,
				Stats:      st.Stats,
				Tuning:     rt.tune,
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})

		obsSrv := observer.NewServer(rt.hub, obsLogger)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	} else {
		logger.Printf("admin endpoints disabled (ROLLBACK_ENABLE_ADMIN_HTTP=false)")
	}
	if se.EnablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (ROLLBACK_ENABLE_PPROF_HTTP=false)")
	}
	return mux
}

// writeMetrics renders the Prometheus text exposition format by hand.
func writeMetrics(rw http.ResponseWriter, rt *runtime) {
	st := rt.Status()

	fmt.Fprintf(rw, "# HELP rollback_frame Current confirmed simulation frame.\n")
	fmt.Fprintf(rw, "# TYPE rollback_frame gauge\n")
	fmt.Fprintf(rw, "rollback_frame %d\n", st.Frame)

	runSlow := 0
	if st.RunSlow {
		runSlow = 1
	}
	fmt.Fprintf(rw, "# HELP rollback_run_slow Whether steps are stretched to let remotes catch up.\n")
	fmt.Fprintf(rw, "# TYPE rollback_run_slow gauge\n")
	fmt.Fprintf(rw, "rollback_run_slow %d\n", runSlow)

	fmt.Fprintf(rw, "# HELP rollback_requests_total Session requests handled.\n")
	fmt.Fprintf(rw, "# TYPE rollback_requests_total counter\n")
	fmt.Fprintf(rw, "rollback_requests_total{kind=%q} %d\n", "save", st.Stats.Saves)
	fmt.Fprintf(rw, "rollback_requests_total{kind=%q} %d\n", "load", st.Stats.Loads)
	fmt.Fprintf(rw, "rollback_requests_total{kind=%q} %d\n", "advance", st.Stats.Advances)

	fmt.Fprintf(rw, "# HELP rollback_ticks_total Host frames processed.\n")
	fmt.Fprintf(rw, "# TYPE rollback_ticks_total counter\n")
	fmt.Fprintf(rw, "rollback_ticks_total %d\n", st.Stats.Ticks)

	fmt.Fprintf(rw, "# HELP rollback_skipped_steps_total Steps skipped by the session.\n")
	fmt.Fprintf(rw, "# TYPE rollback_skipped_steps_total counter\n")
	fmt.Fprintf(rw, "rollback_skipped_steps_total %d\n", st.Stats.Skipped)

	fmt.Fprintf(rw, "# HELP rollback_desyncs_total Checksum mismatches detected.\n")
	fmt.Fprintf(rw, "# TYPE rollback_desyncs_total counter\n")
	fmt.Fprintf(rw, "rollback_desyncs_total %d\n", st.Desyncs)

	fmt.Fprintf(rw, "# HELP rollback_advance_errors_total Advance errors other than checksum mismatches.\n")
	fmt.Fprintf(rw, "# TYPE rollback_advance_errors_total counter\n")
	fmt.Fprintf(rw, "rollback_advance_errors_total %d\n", st.AdvanceErrors)

	fmt.Fprintf(rw, "# HELP rollback_observer_subscribers Connected observer streams.\n")
	fmt.Fprintf(rw, "# TYPE rollback_observer_subscribers gauge\n")
	fmt.Fprintf(rw, "rollback_observer_subscribers %d\n", rt.hub.Subscribers())

	if rt.idx == nil {
		return
	}
	is := rt.idx.Stats()
	fmt.Fprintf(rw, "# HELP rollback_index_queue_depth Pending index writes.\n")
	fmt.Fprintf(rw, "# TYPE rollback_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "rollback_index_queue_depth %d\n", is.QueueDepth)
	fmt.Fprintf(rw, "# HELP rollback_index_dropped_total Index writes dropped because the queue was full.\n")
	fmt.Fprintf(rw, "# TYPE rollback_index_dropped_total counter\n")
	fmt.Fprintf(rw, "rollback_index_dropped_total{kind=%q} %d\n", "request", is.DropRequestTotal)
	fmt.Fprintf(rw, "rollback_index_dropped_total{kind=%q} %d\n", "dump", is.DropDumpTotal)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
