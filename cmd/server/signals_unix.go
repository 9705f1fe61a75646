//go:build unix

package server

import (
	"os"

	"golang.org/x/sys/unix"
)

func saveSignals() []os.Signal {
	return []os.Signal{unix.SIGUSR1}
}
