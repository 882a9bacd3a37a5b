// ABOUTME: Entry point for the DNS-SD service browser
// ABOUTME: Parses CLI flags, browses locally or views a remote feed, optionally advertises
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/dnssd-go/internal/discovery"
	"github.com/Resonate-Protocol/dnssd-go/internal/feed"
	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd"
	"github.com/Resonate-Protocol/dnssd-go/internal/ui"
	"github.com/Resonate-Protocol/dnssd-go/internal/version"
	"github.com/Resonate-Protocol/dnssd-go/pkg/dnssd"
	tea "github.com/charmbracelet/bubbletea"
)

var (
	serviceType = flag.String("type", "", "Service type to browse, e.g. _http._tcp (default: all service types)")
	domain      = flag.String("domain", mdnsd.DefaultDomain, "Browse and registration domain")
	iface       = flag.String("iface", "", "Restrict to one network interface")
	timeout     = flag.Duration("timeout", 0, "Stop browsing after this long (0: until quit)")
	register    = flag.Bool("register", false, "Advertise a service while browsing")
	name        = flag.String("name", "", "Advertised instance name (default: hostname-dnssd)")
	port        = flag.Int("port", 8927, "Advertised port")
	txt         = flag.String("txt", "", "Advertised TXT attributes, comma separated key=value")
	listen      = flag.String("listen", "", "Serve the live websocket feed on this address")
	connect     = flag.String("connect", "", "View a remote feed at host:port instead of browsing locally")
	logFile     = flag.String("log-file", "dnssd-browse.log", "Log file path")
	noTUI       = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
)

func main() {
	flag.Parse()

	useTUI := !*noTUI

	// Set up logging
	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer func() { _ = f.Close() }()

	if useTUI {
		// TUI mode: log only to file
		log.SetOutput(f)
	} else {
		// Streaming logs mode: log to both stdout and file
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	log.Printf("Starting %s %s", version.Product, version.Version)

	var tuiProg *tea.Program
	var ctrl *ui.Control

	if useTUI {
		ctrl = ui.NewControl()
		tuiProg, err = ui.Run(ctrl)
		if err != nil {
			log.Fatalf("Failed to start TUI: %v", err)
		}
		go func() {
			if _, err := tuiProg.Run(); err != nil {
				log.Printf("TUI error: %v", err)
			}
		}()
	}

	// Helper to update TUI, or the log when there is none
	update := func(msg tea.Msg) {
		if tuiProg != nil {
			tuiProg.Send(msg)
			return
		}
		if rec, ok := msg.(ui.RecordMsg); ok {
			logRecord(rec.Record)
		}
	}

	var rescan <-chan ui.RescanMsg
	var quit <-chan ui.QuitMsg
	if ctrl != nil {
		rescan = ctrl.Rescan
		quit = ctrl.Quit
	}

	finished := make(chan struct{})
	var cleanup []func()

	if *connect != "" {
		go viewRemote(*connect, *serviceType, rescan, update, finished)
	} else {
		ifIndex := 0
		if *iface != "" {
			ifi, err := net.InterfaceByName(*iface)
			if err != nil {
				log.Fatalf("Unknown interface %s: %v", *iface, err)
			}
			ifIndex = ifi.Index
		}

		native := mdnsd.New(mdnsd.Config{Interface: *iface})
		engine := dnssd.NewEngine(native, dnssd.Config{Domain: *domain, IfIndex: ifIndex})

		scanTimeout := time.Duration(-1)
		if *timeout > 0 {
			scanTimeout = *timeout
		}
		mgr := discovery.NewManager(engine, discovery.Config{
			ServiceType: *serviceType,
			Timeout:     scanTimeout,
			Retries:     2,
			AutoRename:  true,
		})
		cleanup = append(cleanup, mgr.Stop)

		if *register {
			reg := advertise(mgr)
			cleanup = append(cleanup, reg.Cancel)
		}

		if *listen != "" {
			srv := feed.NewServer(engine, feed.Config{
				Addr:        *listen,
				Name:        hostName("dnssd-feed"),
				ServiceType: *serviceType,
			})
			go func() {
				if err := srv.Start(); err != nil {
					log.Printf("Feed server error: %v", err)
				}
			}()
			cleanup = append(cleanup, srv.Stop)
		}

		go browseLocal(mgr, rescan, update, finished)
	}

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Printf("Received quit signal from TUI")
	case <-sigChan:
		log.Printf("Shutdown signal received")
	case <-finished:
		log.Printf("Browse finished")
	}

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	if tuiProg != nil {
		tuiProg.Quit()
	}

	log.Printf("Browser stopped")
}

// browseLocal feeds the TUI from shared scans until a scan ends without a
// rescan request
func browseLocal(mgr *discovery.Manager, rescan <-chan ui.RescanMsg, update func(tea.Msg), finished chan<- struct{}) {
	defer close(finished)

	for {
		sub, err := mgr.Subscribe()
		if err != nil {
			log.Printf("Browse failed to start: %v", err)
			update(status(false, err))
			return
		}

		connected := true
		update(ui.StatusMsg{Connected: &connected, Source: "local", ServiceType: typeLabel(*serviceType)})

		if !drain(sub.Records(), rescan, update) {
			sub.Close()
			continue
		}

		update(status(false, sub.Err()))
		if sub.Err() != nil {
			log.Printf("Browse ended: %v", sub.Err())
		}

		// with a TUI the list stays up until the user rescans or quits
		if rescan == nil {
			return
		}
		if _, ok := <-rescan; !ok {
			return
		}
	}
}

// viewRemote feeds the TUI from a remote feed
func viewRemote(addr, serviceType string, rescan <-chan ui.RescanMsg, update func(tea.Msg), finished chan<- struct{}) {
	defer close(finished)

	for {
		client := feed.NewClient(feed.ClientConfig{ServerAddr: addr, ServiceType: serviceType})
		if err := client.Connect(); err != nil {
			log.Printf("Feed connection failed: %v", err)
			update(status(false, err))
			return
		}

		hello := client.Hello()
		connected := true
		update(ui.StatusMsg{
			Connected:   &connected,
			Source:      fmt.Sprintf("%s (%s)", hello.Name, addr),
			ServiceType: hello.ServiceType,
		})

		if !drain(client.Records, rescan, update) {
			client.Close()
			continue
		}

		update(status(false, client.Err()))
		if rescan == nil {
			return
		}
		if _, ok := <-rescan; !ok {
			return
		}
	}
}

// drain forwards records until the stream closes (true) or a rescan is
// requested (false)
func drain(records <-chan dnssd.ServiceRecord, rescan <-chan ui.RescanMsg, update func(tea.Msg)) bool {
	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return true
			}
			update(ui.RecordMsg{Record: rec})
		case <-rescan:
			log.Printf("Rescan requested")
			return false
		}
	}
}

func advertise(mgr *discovery.Manager) *dnssd.Registration {
	regType := *serviceType
	if regType == "" {
		log.Fatalf("-register needs -type")
	}

	rec := dnssd.ServiceRecord{
		Name:    *name,
		RegType: regType,
		Domain:  *domain,
		Port:    *port,
		TXT:     parseTXTFlag(*txt),
	}
	if rec.Name == "" {
		rec.Name = hostName("dnssd")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg, err := mgr.Advertise(ctx, rec)
	if err != nil {
		log.Fatalf("Failed to advertise: %v", err)
	}
	return reg
}

func status(connected bool, err error) ui.StatusMsg {
	return ui.StatusMsg{Connected: &connected, Err: err}
}

func typeLabel(t string) string {
	if t == "" {
		return mdnsd.ServiceTypeEnumeration
	}
	return t
}

func hostName(suffix string) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%s", hostname, suffix)
}

// parseTXTFlag splits "a=1,b=2,flag" into a TXT record
func parseTXTFlag(s string) dnssd.TXTRecord {
	if s == "" {
		return nil
	}
	return dnssd.ParseTXT(strings.Split(s, ","))
}

func logRecord(rec dnssd.ServiceRecord) {
	if rec.Lost() {
		log.Printf("LOST  %s (%s%s) on interface %d", rec.Name, rec.RegType, rec.Domain, rec.IfIndex)
		return
	}

	where := "unresolved"
	if rec.Resolved() {
		where = fmt.Sprintf("%s:%d", rec.Hostname, rec.Port)
	}
	addrs := make([]string, 0, len(rec.Addresses))
	for _, ip := range rec.Addresses {
		addrs = append(addrs, ip.String())
	}
	log.Printf("FOUND %s (%s%s) at %s [%s] txt=%v", rec.Name, rec.RegType, rec.Domain, where, strings.Join(addrs, " "), rec.TXT.Strings())
}
