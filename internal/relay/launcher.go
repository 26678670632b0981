package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/relayworks/agent-relay/internal/proxyserver"
)

// launch starts the proxy, points the agent binary at it via environment,
// and relays stdio and signals until the agent exits. The proxy stops after
// the agent within the shutdown grace period, giving pending API calls one
// last chance to flush.
func (a *app) launch(ctx context.Context, extraArgs []string) error {
	command := strings.TrimSpace(a.cfg.Agent.Command)
	if command == "" {
		return errors.New("no agent command: set agent.command in the config")
	}

	srv, info, err := a.startProxy(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Stop(context.Background()); err != nil {
			a.logger.Warnf("proxy stop: %v", err)
		}
	}()

	provider, _ := a.registry.Lookup(a.cfg.Provider.Name)
	args := append(append([]string(nil), a.cfg.Agent.Args...), extraArgs...)
	// #nosec G204 -- the agent command comes from the user's own config.
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = childEnv(os.Environ(), provider.EnvVar, info, a.cfg.Session.ID)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent %q: %w", command, err)
	}
	a.logger.Infof("agent started (pid=%d command=%s proxy=%s)", cmd.Process.Pid, command, info.URL)

	// Forward interrupts to the agent; the proxy stops only after the agent
	// is gone.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				_ = cmd.Process.Signal(sig)
			case <-done:
				return
			}
		}
	}()

	err = cmd.Wait()
	close(done)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		a.logger.Infof("agent exited with status %d", exitErr.ExitCode())
		return err
	}
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	a.logger.Infof("agent exited cleanly")
	return nil
}

// childEnv rewrites the agent's environment so its API traffic flows
// through the proxy. The provider's env var (when declared) and the generic
// RELAY_* vars all point at the local listener.
func childEnv(base []string, providerEnvVar string, info *proxyserver.Info, sessionID string) []string {
	overrides := map[string]string{
		"RELAY_PROXY_URL":  info.URL,
		"RELAY_SESSION_ID": sessionID,
	}
	if v := strings.TrimSpace(providerEnvVar); v != "" {
		overrides[v] = info.URL
	}

	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		name, _, ok := strings.Cut(kv, "=")
		if ok {
			if _, shadowed := overrides[name]; shadowed {
				continue
			}
		}
		out = append(out, kv)
	}
	for name, val := range overrides {
		out = append(out, name+"="+val)
	}
	return out
}
