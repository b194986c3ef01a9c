package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chatmesh/config"
	"github.com/chatmesh/database"
	"github.com/chatmesh/directory"
	"github.com/chatmesh/hub"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "chatmesh",
	Short:        "Peer-hosted chat: directory service and user nodes",
	SilenceUsage: true,
}

var directoryCmd = &cobra.Command{
	Use:   "directory",
	Short: "Run the directory service",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, closer, err := newLogger(&conf.Log, "[directory] ")
		if err != nil {
			return err
		}
		defer closer.Close()

		var table database.PeerTable
		if conf.Directory.Table == "redis" {
			client := database.InitRedis(conf.Redis.Addr, conf.Redis.Password, conf.Redis.Db)
			if err := client.Ping().Err(); err != nil {
				return fmt.Errorf("connecting to redis at %s: %w", conf.Redis.Addr, err)
			}
			defer client.Close()
			table = database.NewRedisPeerTable(client, conf.Redis.Namespace)
		}

		server := directory.NewServer(&directory.Config{
			ListenIP: conf.Directory.ListenIP,
			Port:     conf.Directory.ListenPort,
			Table:    table,
			Logger:   logger,
		})
		if err := server.Start(); err != nil {
			return err
		}

		// listen sys.exit
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		server.Stop()
		return nil
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the node of a logged-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, closer, err := newLogger(&conf.Log, "[hub] ")
		if err != nil {
			return err
		}
		defer closer.Close()
		return hub.RunMain(conf, logger)
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List the peers known to the directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		c, err := directory.Dial(ctx, conf.Directory.Address)
		if err != nil {
			return fmt.Errorf("connecting to directory: %w", err)
		}
		defer c.Close()

		peers, err := c.ListPeers(ctx)
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			fmt.Println("No peers registered.")
			return nil
		}
		fmt.Print(formatPeers(peers, time.Now()))
		return nil
	},
}

// formatPeers renders one line per peer, ordered by id.
func formatPeers(peers map[string]database.Peer, now time.Time) string {
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "%-8s %-16s %-9s %-15s %6s %6s %6s  %s\n", "ID", "USERNAME", "STATUS", "IP", "LINK", "HOST", "MEDIA", "SEEN")
	for _, id := range ids {
		p := peers[id]
		fmt.Fprintf(&b, "%-8s %-16s %-9s %-15s %6d %6d %6d  %s\n",
			p.ID, p.Username, p.Status, p.IP, p.Port, p.HostPort, p.MediaPort,
			humanize.RelTime(time.Unix(p.UpdatedAt, 0), now, "ago", "from now"))
	}
	return b.String()
}

func init() {
	rootCmd.PersistentFlags().String("config", config.DefaultConfigFile, "Path to conf.ini")
	rootCmd.PersistentFlags().String("directory", "", "Directory service address (host:port)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory")

	directoryCmd.Flags().Int("listen-port", 0, "Port to listen on")
	directoryCmd.Flags().String("table", "", "Peer table: memory or redis")
	rootCmd.AddCommand(directoryCmd)

	nodeCmd.Flags().Int64("user-id", 0, "Logged-in user id")
	nodeCmd.Flags().String("username", "", "Logged-in username")
	rootCmd.AddCommand(nodeCmd)

	rootCmd.AddCommand(peersCmd)

	sendCmd.Flags().Int64("user-id", 0, "Sender user id")
	sendCmd.Flags().String("username", "", "Sender username")
	sendCmd.Flags().Int64("owner", 0, "User id of the channel owner, looked up in the directory")
	sendCmd.Flags().String("host", "", "Channel host address (host:port); skips the directory")
	sendCmd.Flags().Int64P("channel", "c", 0, "Channel id")
	sendCmd.Flags().IntP("count", "n", 1, "Number of copies to send concurrently")
	sendCmd.MarkFlagRequired("channel")
	rootCmd.AddCommand(sendCmd)
}
