package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgrid/pkg/channel"
	"github.com/ryandielhenn/zephyrgrid/pkg/node"
	"github.com/ryandielhenn/zephyrgrid/pkg/wire"
)

func main() {
	addr := pflag.String("balancer", "127.0.0.1:5000", "balancer UDP address")
	n := pflag.IntP("units", "n", 5000, "units to place")
	conc := pflag.IntP("concurrency", "c", 32, "placements in flight")
	world := pflag.Float64("world", 2048, "side of the world square")
	actions := pflag.Int("actions", 0, "movement ticks sent per unit after placement")
	seed := pflag.Int64("seed", 1, "random seed")
	pflag.Parse()

	bal, err := node.ResolveAddrPort(*addr, "5000")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	tr, err := channel.ListenUDP(":0")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, _ := zap.NewDevelopment()
	ch := channel.New(tr, channel.WithLogger(log), channel.WithArenaSlots(*conc*2+16))
	go func() { _ = ch.Serve(context.Background()) }()
	defer ch.Close()

	rng := rand.New(rand.NewSource(*seed))
	var ok, rejected, lost atomic.Int64
	wg := sync.WaitGroup{}
	sem := make(chan struct{}, *conc)
	start := time.Now()

	for i := 0; i < *n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		unit := uint64(i + 1)
		x, y := rng.Float64()*(*world), rng.Float64()*(*world)
		done := func() {
			<-sem
			wg.Done()
		}
		_, err := ch.Request(bal, wire.InitializePositionInternal{Unit: unit, X: x, Y: y},
			func(m wire.Message) {
				defer done()
				if ans, isAns := m.(*wire.InitializePositionAnswer); isAns && ans.Success {
					ok.Add(1)
					for t := 1; t <= *actions; t++ {
						_ = ch.SendStandard(bal, wire.UnitActionInternal{Unit: unit, Tick: uint64(t), X: x, Y: y, MoveX: 1})
					}
					return
				}
				rejected.Add(1)
			},
			func(error) {
				defer done()
				lost.Add(1)
			},
		)
		if err != nil {
			lost.Add(1)
			done()
		}
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d placements in %s (%.2f ops/s): %d ok, %d rejected, %d lost\n",
		*n, dur, float64(*n)/dur.Seconds(), ok.Load(), rejected.Load(), lost.Load())
}
