package main

import (
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/garagehq/shop-chat/internal/gatewaysim"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address for the simulated gateway")
	flag.Parse()

	gw := gatewaysim.New(slog.Default())

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		gw.Stop()
	}()

	if err := gw.Start(*addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("gateway-sim: %v", err)
	}
}
