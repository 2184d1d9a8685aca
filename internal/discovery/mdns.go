// ABOUTME: mDNS service discovery for the audiocore control endpoint
// ABOUTME: Handles both advertisement (daemon) and browsing (clients)
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/mdns"
)

// DefaultService is the mDNS service type of the control endpoint
const DefaultService = "_audiocore._tcp"

// ErrNotFound is returned by Lookup when no daemon answers
var ErrNotFound = errors.New("no audiocore daemon found")

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Service     string
	Port        int
	// Info is published as TXT records, e.g. "driver=pulse"
	Info []string
}

// Manager handles mDNS operations
type Manager struct {
	config  Config
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo
}

// ServerInfo describes a discovered daemon
type ServerInfo struct {
	Name string
	Host string
	Port int
	Info []string
}

// Addr returns host:port
func (s *ServerInfo) Addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprint(s.Port))
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	if config.Service == "" {
		config.Service = DefaultService
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
	}
}

// Advertise publishes the control endpoint until Stop
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	txt := append([]string{"path=/audiocore"}, m.config.Info...)
	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		m.config.Service,
		"",
		"",
		m.config.Port,
		ips,
		txt,
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	log.Infof("Advertising mDNS service: %s on port %d (type: %s)", m.config.ServiceName, m.config.Port, m.config.Service)

	go func() {
		<-m.ctx.Done()
		if err := server.Shutdown(); err != nil {
			log.Debugf("mdns shutdown: %v", err)
		}
	}()

	return nil
}

// Browse searches for daemons until Stop, publishing them on Servers
func (m *Manager) Browse() error {
	go m.browseLoop()
	return nil
}

// browseLoop continuously browses for servers
func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				server := toServerInfo(entry)
				log.Debugf("Discovered server: %s at %s", server.Name, server.Addr())

				select {
				case m.servers <- server:
				case <-m.ctx.Done():
				}
			}
		}()

		params := &mdns.QueryParam{
			Service: m.config.Service,
			Domain:  "local",
			Timeout: 3 * time.Second,
			Entries: entries,
		}

		if err := mdns.Query(params); err != nil {
			log.Warnf("mdns query failed: %v", err)
		}
		close(entries)
		<-done
	}
}

// Servers returns the channel of discovered servers
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Stop stops advertisement and browsing
func (m *Manager) Stop() {
	m.cancel()
}

// Lookup runs one query and returns the first daemon found
func Lookup(service string, timeout time.Duration) (*ServerInfo, error) {
	if service == "" {
		service = DefaultService
	}

	entries := make(chan *mdns.ServiceEntry, 10)
	found := make(chan *ServerInfo, 1)

	go func() {
		for entry := range entries {
			select {
			case found <- toServerInfo(entry):
			default:
			}
		}
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service: service,
		Domain:  "local",
		Timeout: timeout,
		Entries: entries,
	})
	close(entries)
	if err != nil {
		return nil, fmt.Errorf("mdns query: %w", err)
	}

	select {
	case s := <-found:
		return s, nil
	case <-time.After(100 * time.Millisecond):
		return nil, ErrNotFound
	}
}

func toServerInfo(entry *mdns.ServiceEntry) *ServerInfo {
	host := entry.Host
	if entry.AddrV4 != nil {
		host = entry.AddrV4.String()
	} else if entry.AddrV6 != nil {
		host = entry.AddrV6.String()
	}
	return &ServerInfo{
		Name: entry.Name,
		Host: host,
		Port: entry.Port,
		Info: entry.InfoFields,
	}
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
