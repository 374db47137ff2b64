package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

var (
	redisAddr   = flag.String("redis", "localhost:6379", "Redis address")
	embedded    = flag.Bool("embedded", false, "Run against an embedded miniredis instead of -redis")
	metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :2112)")
	workers     = flag.Int("workers", 8, "Number of workers competing for the lock")
	ttl         = flag.Duration("ttl", 200*time.Millisecond, "Lock TTL")
	trace       = flag.Bool("trace", false, "Print spans to stdout")
)

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (u user) SessionID() string { return u.ID }

func main() {
	flag.Parse()
	ctx := context.Background()

	addr := *redisAddr
	if *embedded {
		mr, err := miniredis.Run()
		if err != nil {
			log.Fatalf("miniredis: %v", err)
		}
		defer mr.Close()
		addr = mr.Addr()
		log.Printf("Using embedded Redis at %s", addr)
	}

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(ctx) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	mx := metrics.RegisterMetrics(reg)
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Printf("Serving metrics on %s/metrics", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	stack, err := presets.NewRedis[user](presets.RedisOptions{
		Addr:    addr,
		Metrics: mx,
		Tracing: *trace,
	})
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	defer stack.Close()

	if err := sessions(ctx, stack); err != nil {
		log.Fatalf("Session demo failed: %v", err)
	}
	if err := contention(ctx, stack); err != nil {
		log.Fatalf("Lock demo failed: %v", err)
	}

	if *metricsAddr != "" {
		log.Println("Done; metrics stay available until interrupted")
		select {}
	}
}

func sessions(ctx context.Context, stack *presets.Stack[user]) error {
	token, err := stack.Sessions.CreateSession(ctx, user{ID: "42", Name: "ada"})
	if err != nil {
		return err
	}
	log.Printf("Created session %s", token)

	u, err := stack.Sessions.Touch(ctx, token)
	if err != nil {
		return err
	}
	log.Printf("Resolved %s and extended the session by %v", u.Name, stack.Sessions.TTL())

	if err := stack.Sessions.Revoke(ctx, token); err != nil {
		return err
	}
	if _, err := stack.Sessions.Resolve(ctx, token); !errors.Is(err, latcherrors.ErrUnauthenticated) {
		return errors.New("revoked session still resolves")
	}
	log.Println("Revoked session no longer resolves")
	return nil
}

// contention runs workers that each take the same lock once, hold it past
// its TTL with renewal enabled and release it. Only one may be inside at
// any time.
func contention(ctx context.Context, stack *presets.Stack[user]) error {
	var inside, maxInside atomic.Int32
	start := time.Now()
	wait := time.Duration(*workers+1) * 2 * *ttl

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *workers; i++ {
		g.Go(func() error {
			waitCtx, cancel := context.WithTimeout(gctx, wait)
			defer cancel()
			l, err := stack.Locks.AcquireWait(waitCtx, "demo", *ttl, true)
			if err != nil {
				return err
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(*ttl + *ttl/2)
			inside.Add(-1)
			log.Printf("worker %d held the lock", i)
			return l.Release(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if maxInside.Load() > 1 {
		return errors.New("lock was held by more than one worker")
	}
	log.Printf("%d workers took turns in %v", *workers, time.Since(start))
	return nil
}
