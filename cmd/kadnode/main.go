// Command kadnode runs a standalone Kademlia DHT peer reachable over
// WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ssd-technologies/kadcore/internal/dht"
	"github.com/ssd-technologies/kadcore/internal/transport"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:0", "address to listen on")
	bootstrap := flag.String("bootstrap", "", "comma-separated addresses of peers to bootstrap from")
	keyPath := flag.String("keyfile", defaultKeyPath(), "path to the node's Ed25519 keypair")
	rate := flag.Int("rate", 50, "max inbound RPCs per peer per rate-window")
	rateWindow := flag.Duration("rate-window", time.Second, "inbound rate-limit window")
	flag.Parse()

	pub, priv, err := loadOrGenerateKeypair(*keyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kadnode: %v\n", err)
		os.Exit(1)
	}
	id := dht.FromKey(pub)

	port, err := portFromListen(*listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kadnode: %v\n", err)
		os.Exit(1)
	}

	ws := transport.NewWS(transport.WSEndpoint(*listen), priv, *rate, *rateWindow)
	if err := ws.Listen(port); err != nil {
		fmt.Fprintf(os.Stderr, "kadnode: %v\n", err)
		os.Exit(1)
	}
	log.Printf("kadnode: id=%s listening on %s", id, ws.Addr())

	node := dht.Spawn(id, ws, dht.Options{Logger: log.Default()})
	defer node.Close()

	if *bootstrap != "" {
		seeds := parseBootstrap(*bootstrap)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := node.Bootstrap(ctx, seeds); err != nil {
			log.Printf("kadnode: bootstrap: %v", err)
		}
		cancel()
	}

	select {}
}

// portFromListen extracts the port to bind from a "host:port" listen
// address, so the port kadnode binds (on all interfaces) matches the
// one it advertises as its WSEndpoint. With port 0 the system picks
// the bound port, and it differs from the advertised one.
func portFromListen(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid -listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid port in -listen address %q: %w", addr, err)
	}
	return port, nil
}

func parseBootstrap(csv string) []dht.Contact {
	var seeds []dht.Contact
	for _, addr := range strings.Split(csv, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		seeds = append(seeds, dht.NewContact(dht.ZeroID, transport.WSEndpoint(addr)))
	}
	return seeds
}

func defaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "kadnode.key"
	}
	return filepath.Join(home, ".kadnode", "identity.key")
}
