package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/flemzord/sbeat/internal/config"
	"github.com/flemzord/sbeat/pkg/app"
)

const serviceName = "sbeat"

// program runs the scheduler under a service manager.
type program struct {
	params app.RunParams
	cancel context.CancelCauseFunc
	done   chan error
}

var _ service.Interface = (*program)(nil)

func (p *program) Start(_ service.Service) error {
	ctx, cancel := context.WithCancelCause(context.Background())
	rt, err := app.Load(p.params, cancel)
	if err != nil {
		cancel(err)
		return err
	}
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() { p.done <- rt.Serve(ctx) }()
	return nil
}

func (p *program) Stop(_ service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel(nil)
	return <-p.done
}

// serviceConfig describes the installed service. The config path is made
// absolute since service managers start from their own directory.
func serviceConfig(params app.RunParams, user bool) (*service.Config, error) {
	args := []string{"start"}
	if params.ConfigPath != "" {
		path, err := filepath.Abs(params.ConfigPath)
		if err != nil {
			return nil, err
		}
		args = append(args, "--config", path)
	}
	if params.DataDir != "" {
		dir, err := filepath.Abs(params.DataDir)
		if err != nil {
			return nil, err
		}
		args = append(args, "--data-dir", dir)
	}
	if params.LogLevel != "" {
		args = append(args, "--log-level", params.LogLevel)
	}

	cfg := &service.Config{
		Name:        serviceName,
		DisplayName: "sbeat scheduler",
		Description: "Dispatches periodic tasks from the sbeat entry store.",
		Arguments:   args,
		Option:      service.KeyValue{},
	}
	if user {
		cfg.Option["UserService"] = true
	}
	return cfg, nil
}

func newService(params app.RunParams, user bool) (service.Service, error) {
	cfg, err := serviceConfig(params, user)
	if err != nil {
		return nil, err
	}
	return service.New(&program{params: params}, cfg)
}

func serviceCmd() *cobra.Command {
	var user bool
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage sbeat as a system service",
	}
	cmd.PersistentFlags().BoolVar(&user, "user", false, "Manage a per-user service")

	control := func(action, done string) *cobra.Command {
		return &cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the service", action),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				params := runParams(cmd)
				if action == "install" {
					path, err := config.Locate(params.ConfigPath)
					if err != nil {
						return err
					}
					params.ConfigPath = path
				}
				svc, err := newService(params, user)
				if err != nil {
					return err
				}
				if err := service.Control(svc, action); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service %s %s\n", serviceName, done)
				return nil
			},
		}
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Print the service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService(runParams(cmd), user)
			if err != nil {
				return err
			}
			st, err := svc.Status()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", serviceName, statusText(st, err))
			if err != nil && !errors.Is(err, service.ErrNotInstalled) {
				return err
			}
			return nil
		},
	}

	cmd.AddCommand(
		control("install", "installed"),
		control("uninstall", "uninstalled"),
		control("start", "started"),
		control("stop", "stopped"),
		status,
	)
	return cmd
}

func statusText(st service.Status, err error) string {
	switch {
	case errors.Is(err, service.ErrNotInstalled):
		return "not installed"
	case err != nil:
		return "unknown"
	case st == service.StatusRunning:
		return "running"
	case st == service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
