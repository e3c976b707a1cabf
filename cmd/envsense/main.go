// cmd/envsense/main.go
//
// envsense runs a logging station from a JSON config: it opens the
// configured transports, builds every sensor, drives the acquisition loop
// and prints each published reading as a JSON line.
//
// Example:
//
//	envsense -config station.json -i2c i2c0=1 -sdi12 sdi0=/dev/ttyUSB0
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"envsense-go/bus"
	"envsense-go/station"
	"envsense-go/transport/i2chost"
	"envsense-go/transport/sdi12"

	_ "envsense-go/drivers/atlasph"
	_ "envsense-go/drivers/extvoltage"
	_ "envsense-go/drivers/hydros21"
	_ "envsense-go/drivers/raincounter"
)

func main() {
	var (
		configPath = flag.String("config", "station.json", "station config file")
		i2cFlag    = flag.String("i2c", "", "i2c buses as id=hostname pairs, comma separated")
		sdiFlag    = flag.String("sdi12", "", "sdi-12 ports as id=device pairs, comma separated")
	)
	flag.Parse()

	raw, err := os.ReadFile(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg, err := station.ParseConfig(raw)
	if err != nil {
		log.Fatal(err)
	}

	reg := i2chost.NewRegistry()
	defer reg.Close()
	for id, name := range parsePairs(*i2cFlag) {
		if err := reg.OpenBus(id, name); err != nil {
			log.Fatal(err)
		}
	}

	ports := sdi12.PortSet{}
	for id, dev := range parsePairs(*sdiFlag) {
		p, err := sdi12.OpenTTY(dev)
		if err != nil {
			log.Fatal(err)
		}
		ports[id] = p
	}

	b := bus.NewBus(cfg.QueueLen)
	st, err := station.New(cfg, station.Deps{
		Bus:   b,
		Buses: reg,
		Ports: ports,
		Pins:  reg,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Setup(ctx); err != nil {
		log.Fatal(err)
	}
	for _, id := range st.Sensors() {
		loc, _ := st.Location(id)
		log.Printf("sensor %s at %s", id, loc)
	}

	conn := b.NewConnection("printer")
	sub := conn.Subscribe(bus.Topic{"env", bus.WildcardRest})
	defer conn.Disconnect()

	go st.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-sub.Channel():
			if m.Retained {
				continue // info documents replayed on subscribe
			}
			line, err := json.Marshal(m.Payload)
			if err != nil {
				log.Printf("marshal: %v", err)
				continue
			}
			os.Stdout.Write(append(line, '\n'))
		}
	}
}

// parsePairs splits "a=1,b=2" into a map. Malformed entries are fatal; a
// typo in transport wiring should not half-start the station.
func parsePairs(s string) map[string]string {
	out := map[string]string{}
	if s == "" {
		return out
	}
	for _, pair := range strings.Split(s, ",") {
		id, val, ok := strings.Cut(pair, "=")
		if !ok || id == "" || val == "" {
			log.Fatalf("malformed mapping %q", pair)
		}
		out[id] = val
	}
	return out
}
