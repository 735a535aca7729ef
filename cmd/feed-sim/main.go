// feed-sim is a local stand-in for an APRS-IS server: it accepts client
// connections, acknowledges the login line, and emits position packets for a
// simulated station on a fixed interval. Useful for exercising the tracker
// without live feed access.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

func main() {
	listenAddr := flag.String("listen", ":14580", "address to listen on")
	callsign := flag.String("callsign", "DW1ABC-9", "simulated station callsign")
	lat := flag.Float64("lat", 13.5857, "starting latitude in decimal degrees")
	lng := flag.Float64("lng", 124.2160, "starting longitude in decimal degrees")
	symbol := flag.String("symbol", "/>", "two-character APRS symbol code")
	interval := flag.Duration("interval", 3*time.Second, "interval between packets")
	drift := flag.Float64("drift", 0.002, "maximum random position drift per packet, in degrees")

	flag.Parse()

	if len(*symbol) != 2 {
		log.Fatalf("symbol must be exactly two characters, got %q", *symbol)
	}

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	log.Printf("feed-sim listening on %s, station %s at %.4f,%.4f", *listenAddr, *callsign, *lat, *lng)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

			g.Go(func() error {
				serve(ctx, conn, *callsign, *symbol, *lat, *lng, *interval, *drift)
				return nil
			})
		}
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("feed-sim: %v", err)
	}
}

func serve(ctx context.Context, conn net.Conn, callsign, symbol string, lat, lng float64, interval time.Duration, drift float64) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	log.Printf("client connected: %s", remote)

	fmt.Fprintf(conn, "# feed-sim APRS-IS simulator\r\n")

	reader := bufio.NewReader(conn)
	login, err := reader.ReadString('\n')
	if err != nil {
		log.Printf("client %s dropped before login", remote)
		return
	}
	log.Printf("client %s login: %s", remote, strings.TrimSpace(login))
	fmt.Fprintf(conn, "# logresp unverified, server FEEDSIM\r\n")

	// Discard any further client lines (filter directives etc.) in the
	// background so the socket's receive buffer never fills.
	go func() {
		for {
			if _, err := reader.ReadString('\n'); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			lat += (rand.Float64() - 0.5) * 2 * drift
			lng += (rand.Float64() - 0.5) * 2 * drift

			line := fmt.Sprintf("%s>APRS,TCPIP*,qAC,FEEDSIM:=%s%c%s%cfeed-sim seq %d\r\n",
				callsign, formatLat(lat), symbol[0], formatLng(lng), symbol[1], seq)
			if _, err := conn.Write([]byte(line)); err != nil {
				log.Printf("client disconnected: %s", remote)
				return
			}
		}
	}
}

// formatLat renders DDMM.mmN per the uncompressed APRS position format.
func formatLat(lat float64) string {
	hemi := byte('N')
	if lat < 0 {
		hemi = 'S'
	}
	deg, min := degreesMinutes(lat)
	return fmt.Sprintf("%02d%05.2f%c", deg, min, hemi)
}

// formatLng renders DDDMM.mmE.
func formatLng(lng float64) string {
	hemi := byte('E')
	if lng < 0 {
		hemi = 'W'
	}
	deg, min := degreesMinutes(lng)
	return fmt.Sprintf("%03d%05.2f%c", deg, min, hemi)
}

func degreesMinutes(v float64) (int, float64) {
	abs := math.Abs(v)
	deg := int(abs)
	return deg, (abs - float64(deg)) * 60
}
