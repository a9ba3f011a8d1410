package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gantry-dev/gantry/internal/echo"
)

var version = "0.1.0"

func main() {
	addr := flag.String("addr", ":8475", "listen address")
	token := flag.String("token", os.Getenv("GANTRY_ECHO_TOKEN"), "bearer token required on /process (empty disables auth)")
	flag.Parse()

	srv := echo.NewServer(version, *token)
	go func() {
		if err := srv.ListenAndServe(*addr); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}()
	fmt.Fprintf(os.Stdout, "gantry-echo listening on %s\n", *addr)
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	fmt.Fprintln(os.Stdout, "gantry-echo shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
