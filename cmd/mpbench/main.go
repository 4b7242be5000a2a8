// Command mpbench runs a synthetic workload against a memproxy (or plain
// memcached) endpoint and exposes an optional pprof endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/memproxy/backend"
	"github.com/IvanBrykalov/memproxy/mc"
	"github.com/IvanBrykalov/memproxy/route"
)

func main() {
	// ---- Flags ----
	var (
		addr     = flag.String("addr", "127.0.0.1:5000", "proxy or memcached address")
		protocol = flag.String("protocol", "memcache", "wire protocol: memcache | redis")
		timeout  = flag.Duration("timeout", time.Second, "per-exchange timeout")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 80, "read percentage [0..100]")

		keys    = flag.Int("keys", 100_000, "keyspace size")
		valSize = flag.Int("valsize", 64, "value size in bytes")
		zipfS   = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV   = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		preload = flag.Int("preload", 0, "preload entries (0 = keys/10)")

		pprofAddr = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
	)
	flag.Parse()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	dest := backend.Destination{
		Addr:     *addr,
		Protocol: backend.Protocol(*protocol),
		Timeout:  *timeout,
	}
	if err := dest.Validate(); err != nil {
		log.Fatal(err)
	}

	value := make([]byte, *valSize)
	for i := range value {
		value[i] = 'v'
	}

	// ---- Preload part of the keyspace to get a realistic hit-rate ----
	pl := *preload
	if pl == 0 {
		pl = *keys / 10
	}
	func() {
		m := backend.NewMap(nil)
		defer func() { _ = m.Close() }()
		sender, err := m.For(context.Background(), dest)
		if err != nil {
			log.Fatal(err)
		}
		for i := 0; i < pl; i++ {
			req := route.NewRequest("k:" + strconv.Itoa(i))
			req.Value = value
			if rep := sender.Send(context.Background(), req, mc.OpSet); rep.Result.IsError() {
				log.Fatalf("preload: %s %s", rep.Result, rep.Value)
			}
		}
	}()

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var reads, writes, hits, misses, errs, total uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// One Map per worker gives each worker a private connection;
			// a shared Map would serialize every exchange on one socket.
			m := backend.NewMap(nil)
			defer func() { _ = m.Close() }()
			sender, err := m.For(context.Background(), dest)
			if err != nil {
				atomic.AddUint64(&errs, 1)
				return
			}

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			keyByZipf := func() string {
				return "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
			}

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				atomic.AddUint64(&total, 1)
				if int(localR.Int31n(100)) < readPctVal {
					atomic.AddUint64(&reads, 1)
					rep := sender.Send(context.Background(), route.NewRequest(keyByZipf()), mc.OpGet)
					switch {
					case rep.Result == mc.ResultFound:
						atomic.AddUint64(&hits, 1)
					case rep.Result.IsError():
						atomic.AddUint64(&errs, 1)
					default:
						atomic.AddUint64(&misses, 1)
					}
				} else {
					atomic.AddUint64(&writes, 1)
					req := route.NewRequest(keyByZipf())
					req.Value = value
					if rep := sender.Send(context.Background(), req, mc.OpSet); rep.Result.IsError() {
						atomic.AddUint64(&errs, 1)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	readsN := atomic.LoadUint64(&reads)
	writesN := atomic.LoadUint64(&writes)
	hitsN := atomic.LoadUint64(&hits)
	missesN := atomic.LoadUint64(&misses)
	errsN := atomic.LoadUint64(&errs)

	hitRate := 0.0
	if readsN > 0 {
		hitRate = float64(hitsN) / float64(readsN) * 100
	}

	fmt.Printf("addr=%s protocol=%s workers=%d keys=%d valsize=%d dur=%v seed=%d\n",
		*addr, *protocol, workersN, *keys, *valSize, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d  errors=%d\n",
		ops, float64(ops)/elapsed.Seconds(), readsN, writesN, errsN)
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hitsN, missesN, hitRate)
}
