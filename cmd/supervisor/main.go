// iris is the unprivileged supervisor CLI: it drives the extension
// lifecycle, relays the root CA, aggregates status, and runs the batch
// scanner tier. Every verb answers synchronously with "ok" or with
// "error: <reason>"; there is no separate "failed" answer. Exit code 0
// means ok.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/delfador0x42/iris/internal/config"
	"github.com/delfador0x42/iris/internal/ipc"
)

const usage = `usage: iris <command>

commands:
  status           aggregate extension status (also writes the JSON snapshot)
  reinstall        reinstall both extensions
  startProxy       start the proxy extension
  stopProxy        stop the proxy extension
  cleanProxy       stop the proxy extension and remove its state
  installProxy     install the proxy extension binary
  installDNS       install the DNS extension binary
  sendCA           deliver the root CA to the proxy extension
  checkExtensions  probe every extension over IPC
  scan             run the batch scanner tiers and print findings
`

func main() {
	godotenv.Load()
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.Get()
	sup := &supervisor{
		cfg:    cfg,
		proxy:  ipc.NewClient("proxy", filepath.Join(cfg.IPC.SocketDir, "proxy.sock"), callTimeout(cfg)),
		dns:    ipc.NewClient("dns", filepath.Join(cfg.IPC.SocketDir, "dns.sock"), callTimeout(cfg)),
		esev:   ipc.NewClient("esevents", filepath.Join(cfg.IPC.SocketDir, "esevents.sock"), callTimeout(cfg)),
		logger: log.New(os.Stderr, "[SUPERVISOR] ", log.LstdFlags),
	}

	var err error
	switch os.Args[1] {
	case "status":
		err = sup.status()
	case "reinstall":
		err = sup.reinstall()
	case "startProxy":
		err = sup.startProxy()
	case "stopProxy":
		err = sup.stopProxy()
	case "cleanProxy":
		err = sup.cleanProxy()
	case "installProxy":
		err = sup.install("iris-proxyext")
	case "installDNS":
		err = sup.install("iris-dnsext")
	case "sendCA":
		err = sup.sendCA()
	case "checkExtensions":
		err = sup.checkExtensions()
	case "scan":
		err = sup.scan()
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func callTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.IPC.CallTimeoutSeconds) * time.Second
}

type supervisor struct {
	cfg    *config.Config
	proxy  *ipc.Client
	dns    *ipc.Client
	esev   *ipc.Client
	logger *log.Logger
}

type extensionStatus struct {
	Extension string           `json:"extension"`
	Reachable bool             `json:"reachable"`
	Error     string           `json:"error,omitempty"`
	Status    *ipc.StatusReply `json:"status,omitempty"`
}

func (s *supervisor) collectStatus() []extensionStatus {
	out := make([]extensionStatus, 0, 3)
	for _, c := range []struct {
		name   string
		client *ipc.Client
	}{{"proxy", s.proxy}, {"dns", s.dns}, {"esevents", s.esev}} {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout(s.cfg))
		reply, err := c.client.Status(ctx)
		cancel()
		es := extensionStatus{Extension: c.name, Reachable: err == nil}
		if err != nil {
			es.Error = err.Error()
		} else {
			es.Status = &reply
		}
		out = append(out, es)
	}
	return out
}

// status prints the aggregate and writes the JSON snapshot to the
// well-known path.
func (s *supervisor) status() error {
	statuses := s.collectStatus()
	snapshot := map[string]any{
		"taken_at":   time.Now().UTC(),
		"extensions": statuses,
	}
	blob, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	os.Stdout.Write(blob)
	fmt.Println()

	if err := os.MkdirAll(filepath.Dir(s.cfg.IPC.StatusPath), 0o755); err != nil {
		return fmt.Errorf("status snapshot dir: %w", err)
	}
	tmp := s.cfg.IPC.StatusPath + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("status snapshot write: %w", err)
	}
	return os.Rename(tmp, s.cfg.IPC.StatusPath)
}

func (s *supervisor) checkExtensions() error {
	healthy := true
	for _, es := range s.collectStatus() {
		state := "ok"
		if !es.Reachable {
			state = "unreachable: " + es.Error
			healthy = false
		}
		fmt.Printf("%-10s %s\n", es.Extension, state)
	}
	if !healthy {
		return fmt.Errorf("one or more extensions unreachable")
	}
	return nil
}

func (s *supervisor) sendCA() error {
	path := os.Getenv("IRIS_CA_PEM")
	if path == "" {
		path = "/var/lib/iris/root-ca.pem"
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read CA pem: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout(s.cfg))
	defer cancel()
	return s.proxy.InstallCA(ctx, pemBytes)
}

func (s *supervisor) reinstall() error {
	if err := s.install("iris-proxyext"); err != nil {
		return err
	}
	return s.install("iris-dnsext")
}
