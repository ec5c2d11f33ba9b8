package cli

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"collabtext/internal/discovery"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find sync servers on the local network",
	Long:  `Browses mDNS for servers started with advertise_mdns enabled.`,
	Args:  cobra.NoArgs,
	RunE:  runDiscover,
}

func init() {
	discoverCmd.Flags().DurationVarP(&discoverTimeout, "timeout", "t", 5*time.Second, "How long to listen for answers")
	rootCmd.AddCommand(discoverCmd)
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	if discoverTimeout <= 0 {
		return errors.New("--timeout must be positive")
	}
	ctx, cancel := context.WithTimeout(context.Background(), discoverTimeout)
	defer cancel()

	peers, err := discovery.Browse(ctx)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		cmd.Println("No servers found")
		return nil
	}
	for _, p := range peers {
		addrs := make([]string, 0, len(p.Addrs))
		for _, ip := range p.Addrs {
			addrs = append(addrs, ip.String())
		}
		cmd.Printf("%s\n", p.Instance)
		cmd.Printf("  Host: %s:%d\n", p.Host, p.Port)
		if len(addrs) > 0 {
			cmd.Printf("  Addresses: %s\n", strings.Join(addrs, ", "))
		}
		if len(p.Text) > 0 {
			cmd.Printf("  TXT: %s\n", strings.Join(p.Text, " "))
		}
	}
	cmd.Printf("Total: %d servers\n", len(peers))
	return nil
}
