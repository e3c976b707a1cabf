// cmd/sensorcli/main.go
//
// sensorcli is an interactive shell for poking at a configured station:
// list sensors, trigger one-shot readings, inspect variables and transport
// locations. Readings arrive asynchronously and are printed as they publish.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/shlex"

	"envsense-go/bus"
	"envsense-go/station"
	"envsense-go/transport/i2chost"
	"envsense-go/transport/sdi12"
	"envsense-go/types"

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
	st, err := station.New(cfg, station.Deps{Bus: b, Buses: reg, Ports: ports, Pins: reg})
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Setup(ctx); err != nil {
		log.Fatal(err)
	}
	go st.Run(ctx)

	conn := b.NewConnection("cli")
	defer conn.Disconnect()
	sub := conn.Subscribe(bus.Topic{"env", bus.WildcardRest})
	go func() {
		for m := range sub.Channel() {
			if m.Retained {
				continue
			}
			if r, ok := m.Payload.(types.Reading); ok {
				if r.Error != "" {
					fmt.Printf("< %s %s error=%s\n", r.Sensor, r.Code, r.Error)
				} else {
					fmt.Printf("< %s %s = %g\n", r.Sensor, r.Code, r.Value)
				}
			}
		}
	}()

	repl(ctx, st)
}

func repl(ctx context.Context, st *station.Station) {
	fmt.Println("commands: list | read <id> | vars <id> | loc <id> | quit")
	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !in.Scan() || ctx.Err() != nil {
			return
		}
		args, err := shlex.Split(in.Text())
		if err != nil {
			fmt.Println("parse error:", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "quit", "exit":
			return
		case "list":
			for _, id := range st.Sensors() {
				loc, _ := st.Location(id)
				fmt.Printf("  %-12s %s\n", id, loc)
			}
		case "read":
			if len(args) != 2 {
				fmt.Println("usage: read <id>")
				continue
			}
			if err := st.ReadNow(args[1]); err != nil {
				fmt.Println("read:", err)
			}
		case "vars":
			if len(args) != 2 {
				fmt.Println("usage: vars <id>")
				continue
			}
			vars, err := st.Variables(args[1])
			if err != nil {
				fmt.Println("vars:", err)
				continue
			}
			for _, v := range vars {
				fmt.Printf("  [%d] %-24s %-26s %s\n", v.Slot, v.Name, v.Unit, v.Code)
			}
		case "loc":
			if len(args) != 2 {
				fmt.Println("usage: loc <id>")
				continue
			}
			loc, err := st.Location(args[1])
			if err != nil {
				fmt.Println("loc:", err)
				continue
			}
			fmt.Println(" ", loc)
		default:
			fmt.Println("unknown command:", args[0])
		}
	}
}

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
