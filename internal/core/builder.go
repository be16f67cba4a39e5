package core

import (
	"context"
	"fmt"
	"time"

	"enclaverun/config"
	ncerr "enclaverun/internal/errors"
	"enclaverun/internal/metrics"
	"enclaverun/internal/transform"
	"enclaverun/internal/usercall"
	"enclaverun/tunnel"
	"enclaverun/util"
)

// Extension is the bind extension built from a Config together with
// the SSH gateway its rules share, if any.
type Extension struct {
	*usercall.Dispatcher

	// Gateway is non-nil when at least one rule binds remotely.
	Gateway *tunnel.Gateway

	// Rules describes the table in evaluation order.
	Rules []string
}

// Close releases the gateway connection.
func (e *Extension) Close() error {
	if e.Gateway == nil {
		return nil
	}
	return e.Gateway.Close()
}

// BuildExtension turns the configured intercepts into a dispatcher.
// This is the single place where rules, transforms and bind backends
// are put together.  Nothing is bound until the guest asks.
func BuildExtension(cfg *config.Config, logger *util.Logger, m *metrics.Collector) (*Extension, error) {
	opts := []usercall.Option{
		usercall.WithLogger(logger.Named("usercall")),
		usercall.WithMetrics(m),
	}

	ext := &Extension{}
	var rules []usercall.Rule
	for i, ic := range cfg.EffectiveIntercepts() {
		match, err := buildMatcher(ic)
		if err != nil {
			return nil, &ncerr.ConfigError{
				Field:   fmt.Sprintf("intercept[%d]", i),
				Value:   ic.Pattern,
				Message: err.Error(),
			}
		}

		t := &transform.Skip{N: ic.Skip, Timeout: ic.Timeout}

		var binder usercall.Binder
		backend := "local"
		if ic.Remote() {
			if ext.Gateway == nil {
				ext.Gateway = tunnel.NewGateway(gatewayConfig(cfg), logger, m)
			}
			binder = gatewayBinder(ext.Gateway, t, opts)
			backend = "gateway " + ext.Gateway.Addr()
		} else {
			binder = &usercall.TCPBinder{Transform: t, Options: opts}
		}

		name := fmt.Sprintf("intercept %s (skip %d, %s)", ic.Target(), ic.Skip, backend)
		rules = append(rules, usercall.Rule{Name: name, Match: match, Bind: binder})
		ext.Rules = append(ext.Rules, name)
	}

	ext.Dispatcher = usercall.NewDispatcher(rules, opts...)
	return ext, nil
}

func buildMatcher(ic config.Intercept) (usercall.Matcher, error) {
	if ic.Pattern != "" {
		return usercall.Glob(ic.Pattern)
	}
	return usercall.Exact(ic.Address), nil
}

// gatewayBinder binds on the SSH gateway and runs t over every
// forwarded stream.
func gatewayBinder(gw *tunnel.Gateway, t transform.Transform, opts []usercall.Option) usercall.Binder {
	return usercall.BinderFunc(func(ctx context.Context, addr string) (usercall.Listener, error) {
		ln, err := gw.Listen(ctx, addr)
		if err != nil {
			return nil, err
		}
		return usercall.Wrap(ln, t, opts...), nil
	})
}

func gatewayConfig(cfg *config.Config) *tunnel.Config {
	var keepAlive time.Duration
	if cfg.KeepAliveSeconds > 0 {
		keepAlive = time.Duration(cfg.KeepAliveSeconds) * time.Second
	}
	return &tunnel.Config{
		User:          cfg.GatewayUser,
		Host:          cfg.GatewayHost,
		Port:          cfg.GatewayPort,
		KeyPath:       cfg.SSHKeyPath,
		PromptPass:    cfg.SSHPassword,
		UseAgent:      cfg.UseSSHAgent,
		StrictHostKey: cfg.StrictHostKey,
		KnownHosts:    cfg.KnownHostsPath,
		ConnTimeout:   config.DefaultConnTimeout,
		DialAttempts:  config.DefaultDialAttempts,
		KeepAlive:     keepAlive,
	}
}
