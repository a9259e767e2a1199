package cmd

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/msto63/popper/pkg/core/health"
	"github.com/msto63/popper/pkg/core/version"
)

var statusTimeout time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe a running popper instance",
	Long: `Checks the HTTP health route and the gRPC health service of the
instance described by the config file. Exits with 1 when a front is down.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 3*time.Second, "per check timeout")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	httpAddr := net.JoinHostPort(host, strconv.Itoa(cfg.Server.HTTPPort))
	grpcAddr := net.JoinHostPort(host, strconv.Itoa(cfg.Server.GRPCPort))

	reg := health.NewRegistry("popper-status", version.Popper)
	reg.Register(health.HTTPCheck("http", "http://"+httpAddr+"/health", statusTimeout))
	reg.Register(health.GRPCCheck("grpc", grpcAddr, statusTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), 2*statusTimeout)
	defer cancel()
	report := reg.Check(ctx)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("Popper status"))
	addrs := map[string]string{"http": httpAddr, "grpc": grpcAddr}
	for _, c := range report.Checks {
		icon := successStyle.Render("[+]")
		if c.Status != health.StatusHealthy {
			icon = errorStyle.Render("[-]")
		}
		line := fmt.Sprintf("  %s %-5s %-22s %s", icon, c.Name, addrs[c.Name], c.Status)
		if c.Message != "" {
			line += mutedStyle.Render(" " + c.Message)
		}
		fmt.Fprintln(out, line)
	}

	if report.Status == health.StatusUnhealthy {
		return errRejected
	}
	return nil
}
