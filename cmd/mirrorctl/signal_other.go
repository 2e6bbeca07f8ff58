//go:build !unix

package main

import "os"

func focusSignals() <-chan os.Signal {
	return nil
}
