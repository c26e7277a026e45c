// readmux-tail interleaves reads from one or more pipes or FIFOs onto
// stdout, labelling each chunk with its source. When stdin is not a
// terminal it is multiplexed as well; when it is, an interactive prompt on
// a second goroutine accepts "quit" and stops the event loop through the
// selector's cross-goroutine wakeup.
package main

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-readmux/log"
	"github.com/fzft/go-readmux/mux"
)

func main() {
	log.InitLogger()
	log.Logger.Debug("readmux-tail starting", zap.String("build", buildID()))

	interactive := isatty.IsTerminal(os.Stdin.Fd())
	if len(os.Args) < 2 && interactive {
		fmt.Fprintf(os.Stderr, "usage: %s FIFO [FIFO...]\n", os.Args[0])
		os.Exit(2)
	}

	sel, err := mux.New()
	if err != nil {
		log.Logger.Fatal("failed to create selector", zap.Error(err))
	}
	defer sel.Close()

	names := make(map[int]string)
	for _, path := range os.Args[1:] {
		f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
		if err != nil {
			log.Logger.Fatal("failed to open source", zap.String("path", path), zap.Error(err))
		}
		defer f.Close()

		fd := int(f.Fd())
		if err := sel.Register(fd); err != nil {
			log.Logger.Fatal("failed to register source", zap.String("path", path), zap.Error(err))
		}
		names[fd] = path
	}

	var quit atomic.Bool
	if interactive {
		go promptLoop(sel, &quit)
	} else {
		fd := int(os.Stdin.Fd())
		if err := unix.SetNonblock(fd, true); err != nil {
			log.Logger.Fatal("failed to set stdin nonblocking", zap.Error(err))
		}
		if err := sel.Register(fd); err != nil {
			log.Logger.Fatal("failed to register stdin", zap.Error(err))
		}
		names[fd] = "stdin"
	}

	remaining := len(names)
	for remaining > 0 {
		fd, outcome := sel.Wait(mux.NoTimeout)
		switch outcome {
		case mux.Ready:
			if eof := copyChunk(fd, names[fd]); eof {
				if err := sel.Unregister(fd); err != nil {
					log.Logger.Error("failed to unregister source", zap.Int("fd", fd), zap.Error(err))
				}
				remaining--
			}
		case mux.Interrupted:
			if quit.Load() {
				return
			}
		}
	}
}

// copyChunk moves one buffer from fd to stdout and reports end of stream.
func copyChunk(fd int, name string) (eof bool) {
	var buf [4096]byte
	n, err := unix.Read(fd, buf[:])
	if err == unix.EAGAIN {
		return false
	}
	if n <= 0 || err != nil {
		return true
	}
	fmt.Printf("[%s] %s", name, buf[:n])
	return false
}

// promptLoop runs on its own goroutine; the only selector operation it is
// allowed to touch is Wakeup.
func promptLoop(sel mux.Selector, quit *atomic.Bool) {
	line := liner.NewLiner()
	defer line.Close()

	for {
		input, err := line.Prompt("readmux> ")
		if err != nil || strings.TrimSpace(input) == "quit" {
			quit.Store(true)
			sel.Wakeup()
			return
		}
		line.AppendHistory(input)
	}
}
