package quill

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

// MDNSService is the service type relays advertise on the local network.
const MDNSService = "_quill-relay._tcp"

// AnnounceRelay registers the relay on mDNS so local peers can find it
// without configuration. The returned shutdown function unregisters it.
func AnnounceRelay(port int) (func(), error) {
	host, err := os.Hostname()
	if err != nil {
		host = "quill-relay"
	}
	server, err := zeroconf.Register(
		fmt.Sprintf("quill-%s", host),
		MDNSService,
		"local.",
		port,
		[]string{"proto=1"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return server.Shutdown, nil
}

// DiscoverRelay browses the local network for an advertised relay and
// returns its WebSocket URL.
func DiscoverRelay(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("initialize mDNS resolver: %w", err)
	}
	browseCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(browseCtx, MDNSService, "local.", entries); err != nil {
		return "", fmt.Errorf("browse mDNS services: %w", err)
	}
	for entry := range entries {
		if len(entry.AddrIPv4) == 0 {
			continue
		}
		cancel()
		return "ws://" + entry.AddrIPv4[0].String() + ":" + strconv.Itoa(entry.Port) + "/ws", nil
	}
	return "", errors.New("no relay found on the local network")
}
