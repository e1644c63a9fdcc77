package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/I-Missha/gonet_pace/config"
	"github.com/I-Missha/gonet_pace/ucpu"
	"github.com/I-Missha/gonet_pace/umetrics"
	"github.com/I-Missha/gonet_pace/userver"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg := config.Default()

	flag.StringVar(&cfg.Address, "addr", cfg.Address, "listen address")
	flag.Var(uint32Flag{&cfg.Rate}, "rate", "packets per second on each connection")
	flag.DurationVar(&cfg.ResetDelay, "reset-delay", cfg.ResetDelay, "pause after all connections close")
	flag.StringVar(&cfg.PollMode, "poll", cfg.PollMode, "poll mode: busy, block or adaptive")
	flag.DurationVar(&cfg.PollTimeout, "poll-timeout", cfg.PollTimeout, "longest poll wait in block and adaptive modes")
	flag.IntVar(&cfg.CPU, "cpu", cfg.CPU, "core to pin the loop to, negative disables pinning")
	flag.StringVar(&cfg.MetricsAddress, "metrics", "", "admin endpoint address, empty disables it")
	flag.BoolVar(&cfg.LogDebug, "debug", false, "log every packet")
	flag.Var(uint32Flag{&cfg.MaxConnections}, "max-conns", "connections served per round")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [rate]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// rate may also come as the only positional argument
	if flag.NArg() > 0 {
		if err := (uint32Flag{&cfg.Rate}).Set(flag.Arg(0)); err != nil || cfg.Rate == 0 {
			log.Fatalf("invalid rate %q", flag.Arg(0))
		}
	}

	// the loop runs on this thread, Run keeps it locked
	runtime.LockOSThread()
	if cfg.CPU >= 0 {
		if err := ucpu.PinTo(cfg.CPU); err != nil {
			log.Fatalf("failed to pin to cpu %d: %v", cfg.CPU, err)
		}
		log.Printf("[%s] pinned to cpu %d", cfg.LogPrefix, cfg.CPU)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rounds := userver.NewRoundLog(userver.DefaultRoundLogSize)

	srv, err := userver.New(cfg, userver.WithRegistry(reg), userver.WithRoundLog(rounds))
	if err != nil {
		log.Fatalf("failed to start server: %v", err)
	}

	var admin *umetrics.Admin
	if cfg.MetricsAddress != "" {
		admin = umetrics.New(cfg.MetricsAddress, reg, rounds)
		go func() {
			if err := admin.ListenAndServe(); err != nil {
				log.Printf("[Admin] stopped: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Printf("[%s] got %s, shutting down", cfg.LogPrefix, s)
		srv.Shutdown()
	}()

	runErr := srv.Run()

	if admin != nil {
		if err := admin.Shutdown(); err != nil {
			log.Printf("[Admin] shutdown failed: %v", err)
		}
	}
	if err := srv.Close(); err != nil {
		log.Printf("[%s] close failed: %v", cfg.LogPrefix, err)
	}
	if runErr != nil {
		log.Fatalf("server failed: %v", runErr)
	}
}
