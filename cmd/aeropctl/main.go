package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/portmacros/internal/api"
	"github.com/devghori1264/aerophoenix/portmacros/internal/models"
	natsclient "github.com/devghori1264/aerophoenix/portmacros/internal/nats"
)

type globals struct {
	flydBase   string
	macrodBase string
	natsURL    string
	subject    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:          "aeropctl",
		Short:        "Control flyd-sim machines and inspect port macros",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.flydBase, "flyd", "http://localhost:8080", "flyd-sim HTTP base URL")
	pf.StringVar(&g.macrodBase, "macrod", "http://localhost:8081", "macrod HTTP base URL")
	pf.StringVar(&g.natsURL, "nats", "nats://localhost:4222", "NATS URL")
	pf.StringVar(&g.subject, "subject", natsclient.DefaultLifecycleSubject, "lifecycle subject")

	root.AddCommand(
		pingCmd(g),
		createCmd(g),
		getCmd(g),
		actionCmd(g, "start", "Start a machine"),
		actionCmd(g, "stop", "Stop a machine"),
		actionCmd(g, "destroy", "Terminate and remove a machine"),
		macrosCmd(g),
		eventCmd(g),
	)
	return root
}

func pingCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check flyd-sim is reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return doRequest(cmd, http.MethodGet, g.flydBase+"/ping", nil)
		},
	}
}

func createCmd(g *globals) *cobra.Command {
	var (
		workspace string
		name      string
		region    string
		ports     []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a machine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]any{
				"workspace_id": workspace,
				"name":         name,
				"region":       region,
				"ports":        ports,
			}
			return doRequest(cmd, http.MethodPost, g.flydBase+"/create", body)
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&name, "name", "", "machine name")
	cmd.Flags().StringVar(&region, "region", "us-east", "region")
	cmd.Flags().StringArrayVar(&ports, "port", nil, "server key to expose, e.g. 8080/tcp (repeatable)")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func getCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRequest(cmd, http.MethodGet, g.flydBase+"/get?id="+url.QueryEscape(args[0]), nil)
		},
	}
}

func actionCmd(g *globals, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRequest(cmd, http.MethodPost, g.flydBase+"/"+action, map[string]string{"id": args[0]})
		},
	}
}

func macrosCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "macros",
		Short: "Inspect the macro agent",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered macros",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return doRequest(cmd, http.MethodGet, g.macrodBase+"/macros", nil)
			},
		},
		&cobra.Command{
			Use:   "state",
			Short: "Show the resolver state",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return doRequest(cmd, http.MethodGet, g.macrodBase+"/state", nil)
			},
		},
		&cobra.Command{
			Use:   "expand TEMPLATE",
			Short: "Expand ${...} references in a template",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return doRequest(cmd, http.MethodPost, g.macrodBase+"/expand", api.ExpandRequest{Template: args[0]})
			},
		},
	)
	return cmd
}

func eventCmd(g *globals) *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:       "event started|stopped [MACHINE_ID]",
		Short:     "Publish a lifecycle event by hand",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{string(models.EventStarted), string(models.EventStopped)},
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := models.LifecycleEvent{Kind: models.EventKind(args[0]), WorkspaceID: workspace}
			if len(args) == 2 {
				ev.MachineID = args[1]
			}
			if err := ev.Validate(); err != nil {
				return err
			}

			nc, err := natsclient.Connect(g.natsURL, "aeropctl", zap.NewNop())
			if err != nil {
				return err
			}
			pub := natsclient.NewPublisher(nc, g.subject)
			defer pub.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if err := pub.NotifyLifecycle(ctx, ev); err != nil {
				return err
			}
			if err := nc.FlushWithContext(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s on %s\n", ev.Kind, g.subject)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace id")
	return cmd
}

func doRequest(cmd *cobra.Command, method, target string, body any) error {
	var rd io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(bs)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()

	out := cmd.OutOrStdout()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, target, resp.Status)
	}
	return nil
}
