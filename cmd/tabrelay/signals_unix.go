//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

func notifySignals(c chan<- os.Signal) {
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
}

func isReopenSignal(sig os.Signal) bool { return sig == syscall.SIGHUP }
