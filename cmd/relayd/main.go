package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/aljazceru/whitenoise-cli/internal/relaytest"
)

func main() {
	addr := flag.String("addr", ":7447", "listen address")
	flag.Parse()

	relay := relaytest.New()
	defer relay.Close()

	log.Println("relay listening on", *addr)
	log.Fatal(http.ListenAndServe(*addr, relay))
}
