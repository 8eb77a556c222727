package bridge

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const defaultStopGrace = 10 * time.Second

// ProxyConfig carries everything needed to launch unifi-cam-proxy for one
// emulated camera.
type ProxyConfig struct {
	// BinPath is the consumer executable; defaults to "unifi-cam-proxy".
	BinPath string

	// Protect controller connection.
	Host       string
	Username   string
	Password   string
	AdoptToken string
	Insecure   bool

	// Emulated camera identity.
	CameraName string
	MAC        string

	// Credentials the consumer presents on its stream-facing side.
	RTSPUsername string
	RTSPPassword string

	// StopGrace bounds the wait for a graceful exit before the process is
	// killed; defaults to 10s.
	StopGrace time.Duration
}

// Proxy owns at most one running consumer process bound to a stream locator.
// It is driven by a single goroutine (the supervisor) and is not safe for
// concurrent use; ownership partitioning replaces locking here.
type Proxy struct {
	cfg ProxyConfig
	log *slog.Logger

	// newCommand builds the consumer command; replaceable in tests.
	newCommand func(locator string, transport Transport) *exec.Cmd

	cmd     *exec.Cmd
	locator string
	waitCh  chan error
	exited  bool
	exitErr error
}

// NewProxy returns a Proxy for the given configuration, applying defaults
// for the binary path and stop grace period.
func NewProxy(cfg ProxyConfig, log *slog.Logger) *Proxy {
	if cfg.BinPath == "" {
		cfg.BinPath = "unifi-cam-proxy"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	p := &Proxy{cfg: cfg, log: log}
	p.newCommand = p.buildCommand
	return p
}

func (p *Proxy) buildCommand(locator string, transport Transport) *exec.Cmd {
	args := []string{
		string(transport), locator,
		"--host", p.cfg.Host,
		"--mac", p.cfg.MAC,
		"--name", p.cfg.CameraName,
		"--rtsp-username", p.cfg.RTSPUsername,
		"--rtsp-password", p.cfg.RTSPPassword,
	}
	if p.cfg.Username != "" && p.cfg.Password != "" {
		args = append(args, "--username", p.cfg.Username, "--password", p.cfg.Password)
	}
	if p.cfg.AdoptToken != "" {
		args = append(args, "--token", p.cfg.AdoptToken)
	}
	if p.cfg.Insecure {
		args = append(args, "--insecure")
	}

	cmd := exec.Command(p.cfg.BinPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// Start launches the consumer bound to the given locator. If a process is
// already owned it is stopped first, so two instances never run at once.
// A spawn failure returns ErrLaunchFailed; anything after a successful spawn
// is left for the next liveness check.
func (p *Proxy) Start(locator string, transport Transport) error {
	if p.cmd != nil {
		p.log.Info("stopping existing consumer before restart")
		p.Stop()
	}

	if transport != TransportRTSP {
		p.log.Warn("starting consumer with non-rtsp transport, ensure the consumer build supports it",
			slog.String("transport", string(transport)))
	}

	cmd := p.newCommand(locator, transport)
	p.log.Info("starting consumer",
		slog.String("bin", cmd.Path),
		slog.String("transport", string(transport)))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	p.cmd = cmd
	p.locator = locator
	p.waitCh = waitCh
	p.exited = false
	p.exitErr = nil
	return nil
}

// Alive reports whether an owned process exists and has not exited.
func (p *Proxy) Alive() bool {
	if p.cmd == nil {
		return false
	}
	if !p.exited {
		select {
		case err := <-p.waitCh:
			p.exited = true
			p.exitErr = err
		default:
		}
	}
	return !p.exited
}

// BoundLocator returns the locator the owned process was started with, or
// the empty string when no process is owned.
func (p *Proxy) BoundLocator() string {
	if p.cmd == nil {
		return ""
	}
	return p.locator
}

// Stop terminates the owned process: SIGTERM, a bounded wait for exit, then
// SIGKILL. Handle state is always cleared, so Alive reports false once Stop
// returns. Stopping with no owned process is a no-op.
func (p *Proxy) Stop() {
	if p.cmd == nil {
		return
	}

	if p.Alive() {
		p.log.Info("terminating consumer")
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case p.exitErr = <-p.waitCh:
		case <-time.After(p.cfg.StopGrace):
			p.log.Warn("consumer did not exit within grace period, killing")
			_ = p.cmd.Process.Kill()
			p.exitErr = <-p.waitCh
		}
	}

	if p.exitErr != nil {
		p.log.Debug("consumer exited", slog.String("error", p.exitErr.Error()))
	}

	p.cmd = nil
	p.locator = ""
	p.waitCh = nil
	p.exited = false
	p.exitErr = nil
}
