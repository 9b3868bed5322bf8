// Command pdemo runs a tiny echo server against either backend, mirroring
// the -v/-stats flag style of the teacher pack's CLI entry point.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	poly "github.com/paulhenrich/polyphony"
	"github.com/paulhenrich/polyphony/backend/poller"
	"github.com/paulhenrich/polyphony/backend/uring"
)

func main() {
	kind := flag.String("backend", "poller", "backend to use: poller or uring")
	addr := flag.String("addr", "127.0.0.1:9090", "listen address")
	stats := flag.Bool("stats", false, "print scheduler stats on exit")
	idleGC := flag.Duration("idle-gc", 0, "idle GC period (0 disables)")
	flag.Parse()

	fmt.Printf("Usage: pdemo [-backend poller|uring] [-addr host:port] [-stats] [-idle-gc dur]\n")
	fmt.Printf("Starting echo server on %s using the %s backend\n", *addr, *kind)

	var backend poly.Backend
	var err error
	switch *kind {
	case "uring":
		backend, err = uring.New(uring.DefaultOptions)
	case "poller":
		backend, err = poller.New()
	default:
		fmt.Fprintf(os.Stderr, "unknown backend %q\n", *kind)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "backend init failed: %v\n", err)
		os.Exit(1)
	}
	defer backend.Finalize()

	sched := poly.NewScheduler(backend)
	if *idleGC > 0 {
		sched.SetIdleGCPeriod(*idleGC)
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen failed: %v\n", err)
		os.Exit(1)
	}
	listenFD, err := fdOf(ln)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fd extraction failed: %v\n", err)
		os.Exit(1)
	}

	sched.Spawn("acceptor", func(ctx *poly.FiberCtx) {
		_ = poly.AcceptLoop(ctx, listenFD, func(fd int) error {
			sched.Spawn("conn", func(connCtx *poly.FiberCtx) {
				handleConn(connCtx, fd)
			})
			return nil
		})
	})

	if err := sched.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "scheduler exited: %v\n", err)
	}

	if *stats {
		s := sched.Stats()
		fmt.Printf("polls=%d ops=%d switches=%d runqueue=%d\n", s.PollCount, s.OpCount, s.SwitchCount, s.RunQueueSize)
	}
}

func handleConn(ctx *poly.FiberCtx, fd int) {
	defer poly.Close(ctx, fd)
	buf := make([]byte, 4096)
	_ = poly.ReadLoop(ctx, fd, buf, func(chunk []byte) error {
		_, err := poly.Write(ctx, fd, chunk)
		return err
	})
}

// fdOf extracts the raw file descriptor backing a net.Listener for the
// backends, which operate on raw fds rather than the net package's
// wrapper types.
func fdOf(ln net.Listener) (int, error) {
	type fileConn interface {
		File() (*os.File, error)
	}
	fc, ok := ln.(fileConn)
	if !ok {
		return 0, fmt.Errorf("listener %T does not expose File()", ln)
	}
	f, err := fc.File()
	if err != nil {
		return 0, err
	}
	return int(f.Fd()), nil
}
