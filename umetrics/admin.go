// Package umetrics serves the admin endpoint of the pacing server: prometheus
// metrics, recent round summaries and a wall-clock profiler. It runs on its
// own goroutines and never touches the loop directly.
package umetrics

import (
	"log"
	"net"
	"time"

	"github.com/felixge/fgprof"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/I-Missha/gonet_pace/userver"
)

const (
	PathMetrics = "/metrics"
	PathRounds  = "/rounds"
	PathProfile = "/debug/fgprof"

	ContentTypeMsgpack = "application/msgpack"
)

type Admin struct {
	addr   string
	rounds *userver.RoundLog

	metrics fasthttp.RequestHandler
	profile fasthttp.RequestHandler
	server  *fasthttp.Server
}

func New(addr string, gatherer prometheus.Gatherer, rounds *userver.RoundLog) *Admin {
	a := &Admin{
		addr:    addr,
		rounds:  rounds,
		metrics: fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})),
		profile: fasthttpadaptor.NewFastHTTPHandler(fgprof.Handler()),
	}
	a.server = &fasthttp.Server{
		Handler:      a.handle,
		Name:         "gonet_pace",
		ReadTimeout:  5 * time.Second,
		IdleTimeout:  time.Minute,
		LogAllErrors: true,
	}
	return a
}

func (a *Admin) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case PathMetrics:
		a.metrics(ctx)
	case PathRounds:
		a.handleRounds(ctx)
	case PathProfile:
		// streams for ?seconds=N, 30 by default
		a.profile(ctx)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func (a *Admin) handleRounds(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}

	body, err := msgpack.Marshal(a.rounds.Snapshot())
	if err != nil {
		log.Printf("[Admin] failed to encode rounds: %v", err)
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetContentType(ContentTypeMsgpack)
	ctx.SetBody(body)
}

// Serve blocks until Shutdown.
func (a *Admin) Serve(ln net.Listener) error {
	log.Printf("[Admin] serving %s, %s and %s on %s", PathMetrics, PathRounds, PathProfile, ln.Addr())
	return a.server.Serve(ln)
}

func (a *Admin) ListenAndServe() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	return a.Serve(ln)
}

func (a *Admin) Shutdown() error {
	return a.server.Shutdown()
}
