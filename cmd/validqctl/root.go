package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/validq/internal/client"
)

const defaultServer = "http://localhost:8080"

// commandContext holds the persistent flags and builds the API client on
// first use.
type commandContext struct {
	server  string
	token   string
	output  string
	timeout time.Duration

	c *client.Client
}

func (cc *commandContext) client() (*client.Client, error) {
	if cc.c != nil {
		return cc.c, nil
	}
	c, err := client.New(cc.server,
		client.WithToken(cc.token),
		client.WithTimeout(cc.timeout),
	)
	if err != nil {
		return nil, err
	}
	cc.c = c
	return c, nil
}

func (cc *commandContext) jsonOutput() bool { return cc.output == "json" }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCommand() *cobra.Command {
	cc := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "validqctl",
		Short:         "Operate a validq validation queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cc.output != "table" && cc.output != "json" {
				return fmt.Errorf("invalid --output %q (table or json)", cc.output)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cc.server, "server", envOr("VALIDQ_SERVER", defaultServer), "validq server URL (env VALIDQ_SERVER)")
	pf.StringVar(&cc.token, "token", os.Getenv("VALIDQ_TOKEN"), "API bearer token (env VALIDQ_TOKEN)")
	pf.StringVarP(&cc.output, "output", "o", "table", "output format: table or json")
	pf.DurationVar(&cc.timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(
		newSweepCommand(cc),
		newUnavailableCommand(cc),
		newQueueCommand(cc),
		newStatsCommand(cc),
		newStatusCommand(cc),
	)
	return rootCmd
}
