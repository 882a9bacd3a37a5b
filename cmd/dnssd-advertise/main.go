// ABOUTME: Entry point for the DNS-SD advertiser
// ABOUTME: Registers one service and keeps it advertised until interrupted
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd"
	"github.com/Resonate-Protocol/dnssd-go/pkg/dnssd"
)

var (
	serviceType = flag.String("type", "_http._tcp", "Service type to advertise")
	name        = flag.String("name", "", "Instance name (default: hostname-dnssd)")
	domain      = flag.String("domain", mdnsd.DefaultDomain, "Registration domain")
	port        = flag.Int("port", 8927, "Service port")
	host        = flag.String("host", "", "Target host (default: this machine)")
	txt         = flag.String("txt", "", "TXT attributes, comma separated key=value")
	iface       = flag.String("iface", "", "Advertise on one network interface only")
	rename      = flag.Bool("rename", true, "Pick the next free name on a conflict")
	logFile     = flag.String("log-file", "dnssd-advertise.log", "Log file path")
)

func main() {
	flag.Parse()

	// Set up logging (both file and console)
	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(os.Stdout, f))

	instance := *name
	if instance == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		instance = fmt.Sprintf("%s-dnssd", hostname)
	}

	var txtRecord dnssd.TXTRecord
	if *txt != "" {
		txtRecord = dnssd.ParseTXT(strings.Split(*txt, ","))
	}

	engine := dnssd.NewEngine(mdnsd.New(mdnsd.Config{Interface: *iface}), dnssd.Config{Domain: *domain})

	rec := dnssd.ServiceRecord{
		Name:     instance,
		RegType:  *serviceType,
		Hostname: *host,
		Port:     *port,
		TXT:      txtRecord,
	}

	log.Printf("Advertising %q as %s on port %d", rec.Name, rec.RegType, rec.Port)
	log.Printf("Press Ctrl-C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		reg, err := engine.RegisterService(context.Background(), rec)
		if err != nil {
			log.Fatalf("Invalid service: %v", err)
		}

		select {
		case ev := <-reg.Events():
			switch ev.Kind {
			case dnssd.Registered:
				log.Printf("Registered %q", ev.Name)
			case dnssd.NameConflict:
				reg.Cancel()
				if !*rename {
					log.Fatalf("Name %q is already taken", rec.Name)
				}
				next := dnssd.NextName(rec.Name)
				log.Printf("Name %q is already taken, trying %q", rec.Name, next)
				rec.Name = next
				continue
			default:
				log.Fatalf("Registration failed: %v", ev.Err)
			}
		case sig := <-sigChan:
			log.Printf("Received %v signal before registration finished", sig)
			reg.Cancel()
			return
		}

		sig := <-sigChan
		log.Printf("Received %v signal, withdrawing %q...", sig, rec.Name)
		reg.Cancel()
		log.Printf("Advertiser stopped")
		return
	}
}
