package main

import (
	"log/slog"
	"net/http"
	"os"

	_ "net/http/pprof" // profiling

	"ropkit/internal/logging"
	"ropkit/internal/ropkit/cmd"
)

func main() {
	defer logging.RecoverPanic("main", func() {
		slog.Error("Application terminated due to unhandled panic")
	})
	defer logging.Shutdown()

	if os.Getenv("ROPKIT_PROFILE") != "" {
		go func() {
			slog.Info("Serving pprof at localhost:6060")
			if httpErr := http.ListenAndServe("localhost:6060", nil); httpErr != nil {
				slog.Error("Failed to pprof listen", "error", httpErr)
			}
		}()
	}

	cmd.Execute()
}
