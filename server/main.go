package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	jlog "github.com/luno/jettison/log"

	"github.com/luno/flowmap"
	"github.com/luno/flowmap/server/handlers"
	"github.com/luno/flowmap/server/ops"
	"github.com/luno/flowmap/server/ops/config"
	"github.com/luno/flowmap/server/traffic"
)

var (
	port      = flag.Int("port", 80, "Port for the api server")
	debugPort = flag.Int("debug_port", 8080, "Port for metrics and readiness")
	namespace = flag.String("namespace", "default", "View state namespace, one per deployment")

	scannerURL = flag.String("scanner", "http://127.0.0.1:8000", "Base URL of the scanner service providing hosts and traffic stats")
	captureIfc = flag.String("interface", "", "Capture traffic locally from this interface instead of the scanner stats endpoints")
	captureBPF = flag.String("bpf", "", "BPF filter for local capture")
)

type state struct {
	session *ops.Session
}

func (s state) Session() *ops.Session {
	return s.session
}

func main() {
	InitLogging()
	flag.Parse()
	config.MustLoadConfig()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var store ops.ViewStateStore
	pool, err := ops.NewRedisPool(ctx)
	if err != nil {
		jlog.Error(ctx, errors.Wrap(err, "failed to connect to redis, falling back to memory store"))
		store = ops.NewMemStore()
	} else {
		store = ops.NewRedisStore(pool)
	}

	cli := flowmap.NewClient(flowmap.WithBaseURL(*scannerURL))
	assets := ops.AssetInventory(cli)
	source := ops.TrafficSource(cli)
	if *captureIfc != "" {
		pcap := traffic.NewPcapSource(*captureIfc, *captureBPF)
		source = pcap
		go func() {
			err := pcap.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				jlog.Error(ctx, errors.Wrap(err, "capture stopped"))
			}
		}()
	}

	session := ops.NewSession(assets, source, store, *namespace, config.GetConfig())
	session.Restore(ctx)
	go func() {
		err := session.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			jlog.Error(ctx, errors.Wrap(err, "session stopped"))
		}
	}()

	s := state{session: session}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runWebServer(ctx, handlers.CreateRouter(s), *port)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runWebServer(ctx, handlers.CreateDebugRouter(), *debugPort)
	}()

	wg.Wait()
}

func runWebServer(ctx context.Context, router *httprouter.Router, port int) {
	srv := &http.Server{
		BaseContext: func(listener net.Listener) context.Context { return ctx },
		Handler:     router,
		Addr:        ":" + strconv.Itoa(port),
	}
	go shutdownOnCancel(ctx, srv)
	jlog.Info(ctx, "server listening", j.KV("port", port))
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
	jlog.Info(ctx, "server terminated", j.KV("port", port))
}

func shutdownOnCancel(ctx context.Context, server *http.Server) {
	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	jlog.Info(ctx, "shutting down http server")
	_ = server.Shutdown(ctx)
}
