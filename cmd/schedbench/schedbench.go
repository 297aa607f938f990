package main

import (
	crand "crypto/rand"
	"flag"
	"fmt"
	"log"
	mathrand2 "math/rand/v2"
	"time"

	tdigest "github.com/caio/go-tdigest"
	"github.com/glycerine/runq"
	"github.com/glycerine/runq/progress"
)

var td *tdigest.TDigest

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile) // Add Lshortfile for short file names

	var n = flag.Int("n", 10000, "number of one-shot timer tasks to arm")
	var nperiodic = flag.Int("p", 100, "number of periodic tasks running alongside")
	var interval = flag.Uint("i", 50, "periodic task interval, in ticks")
	var spread = flag.Uint("spread", 500, "arm the one-shots uniformly over this many ticks")
	var tickDur = flag.Duration("tick", time.Millisecond, "tick duration")
	var budget = flag.Int("budget", 200, "task dispatch budget per pass")
	var appletRounds = flag.Int("a", 1000, "passes the pump applet rides along for")
	var tracePath = flag.String("trace", "", "write the scheduling trace to this file")
	var traceCap = flag.Int("tracecap", 8192, "trace ring capacity (with -trace)")
	var press = flag.String("press", "s2", "trace compression algo; one of: none, s2, lz4, zstd")
	var quiet = flag.Bool("quiet", false, "operate quietly")

	flag.Parse()

	// compress of 100 still gives 1000x compression,
	// about 8KB for 1e6 samples; good accuracy at tails
	var err error
	td, err = tdigest.New(tdigest.Compression(100))
	panicOn(err)

	algo := *press
	if algo == "none" {
		algo = ""
	}

	cfg := runq.NewConfig()
	cfg.TickDur = *tickDur
	cfg.RunQDepth = *budget
	cfg.Quiet = *quiet
	if *tracePath != "" {
		cfg.TraceCap = *traceCap
	}

	s := runq.NewSched("schedbench", cfg)
	s.Start()

	var seed [32]byte
	_, err = crand.Read(seed[:])
	panicOn(err)
	rng := mathrand2.NewChaCha8(seed)

	// periodic background load, phases scattered so they
	// do not all land on the same tick.
	periodicFires := 0
	for i := 0; i < *nperiodic; i++ {
		pt := runq.NewPeriodicTask(uint32(*interval), func(tk *runq.Task, now runq.Tick) bool {
			periodicFires++
			return true
		}, nil, 0)
		phase := uint32(rng.Uint64()%uint64(*interval)) + 1
		panicOn(s.Arm(pt, runq.TickAdd(s.Now(), phase)))
	}

	// a pump applet rides along for a while, rescheduling
	// itself so every pass pays the applet service cost too.
	appletServices := 0
	pump := runq.NewApplet(func(a *runq.Applet) {
		appletServices++
		if appletServices < *appletRounds {
			a.Reschedule()
		}
	}, nil)
	panicOn(s.ScheduleApplet(pump))

	rate := s.NewFreqCtr()

	if !*quiet {
		log.Printf("arming %v one-shots over %v ticks of %v, budget %v, %v periodics at interval %v",
			*n, *spread, *tickDur, *budget, *nperiodic, *interval)
	}

	fires := make(chan time.Duration, *n)
	t0 := time.Now()
	for i := 0; i < *n; i++ {
		off := uint32(rng.Uint64()%uint64(*spread)) + 1
		intended := time.Duration(off) * *tickDur
		armed := time.Now()
		tk := runq.NewTask(func(me *runq.Task, now runq.Tick) (runq.Tick, runq.Outcome) {
			// overshoot past the requested delay; the
			// channel is sized for every fire, so this
			// send cannot block the loop.
			lat := time.Since(armed) - intended
			if lat < 0 {
				lat = 0
			}
			rate.Add(now, 1)
			fires <- lat
			return runq.TickEternity, runq.Remove
		}, nil, 0)
		panicOn(s.Arm(tk, runq.TickAdd(s.Now(), off)))
	}

	worst := time.Duration(-1)
	meter := progress.NewEventMeter(int64(*n), "fires")
	for i := 0; i < *n; i++ {
		lat := <-fires
		panicOn(td.Add(float64(lat)))
		if lat > worst {
			worst = lat
		}
		if !*quiet && (i%512 == 0 || i == *n-1) {
			meter.Update(int64(i) + 1)
		}
	}
	if !*quiet {
		meter.Done()
	}
	elap := time.Since(t0)

	snap, err := s.Snapshot()
	panicOn(err)
	lastNow := snap.Now
	if !*quiet {
		fmt.Printf("%v\n", snap)
	}

	s.Close()

	q999 := time.Duration(td.Quantile(0.999))
	q99 := time.Duration(td.Quantile(0.99))
	q50 := time.Duration(td.Quantile(0.50))
	log.Printf("schedbench: %v one-shot fires in %v => %v fires/second.\n", *n, elap,
		float64(*n)/(float64(int64(elap))/1e9))
	log.Printf("overshoot past requested delay: q50='%v'; q99='%v'; q999='%v'; worst='%v'\n",
		q50, q99, q999, worst)
	log.Printf("periodic fires: %v; applet services: %v; recent fire rate: %.1f/period\n",
		periodicFires, appletServices, rate.Rate(lastNow))

	if *tracePath != "" {
		tr := s.Trace()
		panicOn(tr.WriteFile(*tracePath, algo))
		log.Printf("wrote %v trace events to '%v' (algo '%v')\n", tr.Len(), *tracePath, algo)
	}
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
