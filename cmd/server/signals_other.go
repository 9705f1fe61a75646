//go:build !unix

package server

import "os"

func saveSignals() []os.Signal {
	return nil
}
