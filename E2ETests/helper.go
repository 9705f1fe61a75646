// Package E2ETests drives a real in-process vectank server over TCP.
package E2ETests

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vectank.org/vectank-server/cmd/server"
	"github.com/vectank.org/vectank-server/internal/client"
	"github.com/vectank.org/vectank-server/internal/config"
	"github.com/vectank.org/vectank-server/internal/models"
)

const Secret = "e2e-secret"

// Harness is a running server bound to a loopback port.
type Harness struct {
	Server *server.Server
	Config *config.Config
	Addr   string

	cancel context.CancelFunc
	done   chan error
}

// NewConfig returns a loopback configuration storing snapshots under dir.
func NewConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.Secret = Secret
	cfg.Auth.Burst = 1000
	cfg.Auth.AttemptsPerSecond = 1000
	cfg.Storage.Prefix = filepath.Join(dir, "vectank")
	cfg.DefaultTank.Dimension = 4
	return cfg
}

// Start runs a server for cfg until Stop.
func Start(cfg *config.Config) (*Harness, error) {
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := server.New(ctx, cfg, zap.NewNop())
	if err != nil {
		cancel()
		return nil, err
	}
	if err := srv.Listen(); err != nil {
		cancel()
		return nil, err
	}
	h := &Harness{
		Server: srv,
		Config: cfg,
		Addr:   srv.Addr().String(),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { h.done <- srv.Serve(ctx) }()
	return h, nil
}

// Stop cancels the server and waits for its final save.
func (h *Harness) Stop() error {
	h.cancel()
	return h.Wait(10 * time.Second)
}

// Wait blocks until Serve returns. It may be called once.
func (h *Harness) Wait(timeout time.Duration) error {
	select {
	case err := <-h.done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("server did not stop within %v", timeout)
	}
}

// Connect opens an authenticated client.
func (h *Harness) Connect() (*client.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Dial(ctx, h.Addr, Secret)
}

// Login sends the login line on a raw connection and reports whether the
// server accepted it.
func Login(secret string, conn net.Conn, reader *bufio.Reader) bool {
	resp, err := SendLine(models.LoginRequest{Secret: secret}, conn, reader)
	return err == nil && resp.Status == models.StatusOK
}

// SendLine writes one JSON line and decodes the reply line.
func SendLine(msg any, conn net.Conn, reader *bufio.Reader) (models.Response, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return models.Response{}, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return models.Response{}, err
	}
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return models.Response{}, err
	}
	var resp models.Response
	err = json.Unmarshal(line, &resp)
	return resp, err
}

func formatVec(vec []float64) string {
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}
