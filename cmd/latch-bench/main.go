package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent clients")
	requests    = flag.Int("n", 100000, "Total number of requests")
	redisAddr   = flag.String("redis", "", "Redis address; empty runs in-memory")
	mode        = flag.String("mode", "session", "What to benchmark: session (Touch) or lock (Acquire/Release)")
)

type principal struct {
	ID string `json:"id"`
}

func (p principal) SessionID() string { return p.ID }

func main() {
	flag.Parse()

	log.Printf("Starting benchmark: %d requests, %d concurrency, mode %s", *requests, *concurrency, *mode)

	var stack *presets.Stack[principal]
	if *redisAddr == "" {
		log.Println("Initializing in-memory stack...")
		stack = presets.NewInMemoryStandalone[principal]()
	} else {
		log.Printf("Connecting to Redis at %s...", *redisAddr)
		var err error
		stack, err = presets.NewRedis[principal](presets.RedisOptions{Addr: *redisAddr, PoolSize: *concurrency})
		if err != nil {
			log.Fatalf("Setup failed: %v", err)
		}
	}
	defer stack.Close()

	ctx := context.Background()
	token, err := stack.Sessions.CreateSession(ctx, principal{ID: "bench"})
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}

	var op func(worker, i int) error
	switch *mode {
	case "session":
		op = func(int, int) error {
			_, err := stack.Sessions.Touch(ctx, token)
			return err
		}
	case "lock":
		op = func(worker, i int) error {
			// a few shared keys so some attempts contend
			l, err := stack.Locks.Acquire(ctx, fmt.Sprintf("bench-%d", (worker+i)%8), time.Second, false)
			if err != nil {
				return err
			}
			return l.Release(ctx)
		}
	default:
		log.Fatalf("unknown mode %q", *mode)
	}

	var wg sync.WaitGroup
	var ops, held, errorsCount int64

	start := time.Now()
	reqsPerWorker := *requests / *concurrency

	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < reqsPerWorker; j++ {
				err := op(w, j)
				switch {
				case err == nil:
				case errors.Is(err, latcherrors.ErrAlreadyHeld):
					atomic.AddInt64(&held, 1)
				default:
					atomic.AddInt64(&errorsCount, 1)
				}
				atomic.AddInt64(&ops, 1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	throughput := float64(ops) / elapsed.Seconds()
	avgLatency := elapsed.Seconds() / float64(ops) * 1e9 // ns

	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f req/s", throughput)
	log.Printf("Avg Latency: %.2f ns", avgLatency)
	if held > 0 {
		log.Printf("Contended: %d", held)
	}
	if errorsCount > 0 {
		log.Printf("Errors: %d", errorsCount)
	}
}
