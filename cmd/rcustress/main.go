// Command rcustress drives the rcu/list core with many concurrent
// readers and a single writer, and reports whether every retired node
// was reclaimed exactly once.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/mbver/gorcu/list"
	"github.com/mbver/gorcu/pool"
	"github.com/mbver/gorcu/rcu"
)

type config struct {
	readers      int
	toggles      int64
	batchSize    int
	keySpace     uint32
	poolCapacity int
	unbounded    bool
	tick         time.Duration
	seed         uint64
	human        bool
}

func parseFlags() config {
	var c config
	flag.IntVar(&c.readers, "readers", 15, "number of concurrent reader goroutines")
	flag.Int64Var(&c.toggles, "toggles", 8_000_000, "number of writer Toggle operations")
	flag.IntVar(&c.batchSize, "batch", 1024, "unlinked nodes batched per Call")
	keySpace := flag.Uint("keyspace", 1024, "toggle keys are drawn from [0, keyspace)")
	flag.IntVar(&c.poolCapacity, "pool-size", 1<<16, "node pool capacity")
	flag.BoolVar(&c.unbounded, "unbounded-pool", true, "fall back to heap allocation once the pool is exhausted")
	flag.DurationVar(&c.tick, "tick", rcu.DefaultTick, "reclaimer wake interval")
	flag.Uint64Var(&c.seed, "seed", 1, "PRNG seed, for reproducible runs")
	flag.BoolVar(&c.human, "human", true, "human-readable console logging instead of JSON")
	flag.Parse()
	c.keySpace = uint32(*keySpace)
	return c
}

func newLogger(human bool) zerolog.Logger {
	if human {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func main() {
	cfg := parseFlags()
	log := newLogger(cfg.human)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debug().Msgf(format, args...)
	})); err != nil {
		log.Warn().Err(err).Msg("automaxprocs: failed to set GOMAXPROCS")
	}

	if code := run(cfg, log); code != 0 {
		os.Exit(code)
	}
}

type stats struct {
	toggles         atomic.Int64
	allocErrors     atomic.Int64
	batchesEnqueued atomic.Int64
	nodesReclaimed  atomic.Int64
	staleReads      atomic.Int64
}

func run(cfg config, log zerolog.Logger) int {
	lst := list.New()
	nodePool := pool.New[list.Node](cfg.poolCapacity)
	if cfg.unbounded {
		nodePool.Unbounded(true)
	}

	ctrl := rcu.New(rcu.WithTick(cfg.tick), rcu.WithTrackerPoolCapacity(cfg.readers))

	readers := make([]*rcu.Reader, cfg.readers)
	for i := range readers {
		readers[i] = &rcu.Reader{}
		if err := ctrl.AddReader(readers[i]); err != nil {
			log.Error().Err(err).Msg("failed to register reader")
			return 1
		}
	}
	ctrl.StartBackground()
	log.Info().Int("readers", cfg.readers).Int64("toggles", cfg.toggles).Msg("stress run starting")

	freed := xsync.NewMapOf[*list.Node, struct{}]()
	var st stats
	var fatal atomic.Bool
	var retired int64 // nodes handed to the reclaimer by a successful Call

	reclaim := func(arg any) {
		batch := arg.([]*list.Node)
		for _, n := range batch {
			if _, loaded := freed.LoadOrStore(n, struct{}{}); loaded {
				log.Error().Uint32("value", n.Value).Msg("double free detected")
				fatal.Store(true)
				continue
			}
			nodePool.Free(n)
			st.nodesReclaimed.Add(1)
		}
	}

	stop := make(chan struct{})
	var readerWG sync.WaitGroup
	for i, r := range readers {
		readerWG.Add(1)
		go func(r *rcu.Reader, seed uint64) {
			defer readerWG.Done()
			rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
			for {
				select {
				case <-stop:
					return
				default:
				}
				key := uint32(rng.IntN(int(cfg.keySpace)))
				r.Lock()
				if n := lst.LookupNode(key); n != nil {
					if _, reclaimed := freed.Load(n); reclaimed {
						log.Error().Uint32("value", n.Value).Msg("lookup observed an already-reclaimed node")
						st.staleReads.Add(1)
						fatal.Store(true)
					}
				}
				r.Unlock()
			}
		}(r, cfg.seed+uint64(i)+1)
	}

	rng := rand.New(rand.NewPCG(cfg.seed, cfg.seed))
	var batch []*list.Node
	flush := func() {
		if len(batch) == 0 {
			return
		}
		toFlush := batch
		batch = nil
		if err := ctrl.Call(reclaim, toFlush); err != nil {
			log.Error().Err(err).Msg("failed to enqueue reclamation batch")
			fatal.Store(true)
			return
		}
		st.batchesEnqueued.Add(1)
		retired += int64(len(toFlush))
	}

	for i := int64(0); i < cfg.toggles; i++ {
		key := uint32(rng.IntN(int(cfg.keySpace)))
		removed, inserted, err := lst.Toggle(key, nodePool)
		if err != nil {
			st.allocErrors.Add(1)
			continue
		}
		st.toggles.Add(1)
		if !inserted && removed != nil {
			batch = append(batch, removed)
			if len(batch) >= cfg.batchSize {
				flush()
			}
		}
	}
	flush()

	close(stop)
	readerWG.Wait()

	ctrl.StopBackground()
	for _, r := range readers {
		ctrl.RemoveReader(r)
	}
	ctrl.Deinit()

	if reclaimed := st.nodesReclaimed.Load(); reclaimed != retired {
		log.Error().Int64("retired", retired).Int64("reclaimed", reclaimed).Msg("not every retired node was reclaimed exactly once")
		fatal.Store(true)
	}

	log.Info().
		Int64("toggles", st.toggles.Load()).
		Int64("alloc_errors", st.allocErrors.Load()).
		Int64("batches_enqueued", st.batchesEnqueued.Load()).
		Int64("nodes_reclaimed", st.nodesReclaimed.Load()).
		Int64("stale_reads", st.staleReads.Load()).
		Msg("stress run complete")

	if fatal.Load() {
		fmt.Fprintln(os.Stderr, "rcustress: correctness violation detected, see log")
		return 1
	}
	return 0
}
