// Package main provides the stageflow binary: it runs the research pipeline
// with scripted agents and inspects recorded runs.
package main

import (
	"fmt"
	"os"
	"runtime"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "stageflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
