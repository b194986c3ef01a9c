package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatmesh/config"
	"github.com/chatmesh/directory"
	"github.com/chatmesh/host"
)

var sendCmd = &cobra.Command{
	Use:   "send [text...]",
	Short: "Send a message to a channel as a member",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		channelID, _ := cmd.Flags().GetInt64("channel")
		num, _ := cmd.Flags().GetInt("count")
		addr, _ := cmd.Flags().GetString("host")
		owner, _ := cmd.Flags().GetInt64("owner")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if addr == "" {
			if addr, err = resolveHost(ctx, conf, owner); err != nil {
				return err
			}
		}
		return sendConcurrently(ctx, addr, conf.Node.UserID, conf.Node.Username, channelID, strings.Join(args, " "), num)
	},
}

// resolveHost asks the directory where owner's channel host listens.
func resolveHost(ctx context.Context, conf *config.Config, owner int64) (string, error) {
	if owner == 0 {
		return "", errors.New("either --host or --owner is required")
	}
	c, err := directory.Dial(ctx, conf.Directory.Address)
	if err != nil {
		return "", fmt.Errorf("connecting to directory: %w", err)
	}
	defer c.Close()
	p, err := c.Introduce(ctx, strconv.FormatInt(owner, 10))
	if err != nil {
		return "", err
	}
	if p.HostPort == 0 {
		return "", fmt.Errorf("user %d hosts no channels", owner)
	}
	return net.JoinHostPort(p.IP, strconv.Itoa(p.HostPort)), nil
}

// sendConcurrently sends text num times from num goroutines sharing one
// member connection. Every result is printed; the first failure is
// returned.
func sendConcurrently(ctx context.Context, addr string, userID int64, username string, channelID int64, text string, num int) error {
	if userID == 0 {
		return fmt.Errorf("%w: a sender user id is required", config.ErrInvalidConfig)
	}
	c, err := host.Dial(ctx, addr, userID, username)
	if err != nil {
		return fmt.Errorf("connecting to host %s: %w", addr, err)
	}
	defer c.Close()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for index := 0; index < num; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			id, err := c.SendMessage(ctx, channelID, text, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fmt.Printf("#%d: %v\n", index, err)
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			fmt.Printf("#%d: message %d\n", index, id)
		}(index)
	}
	wg.Wait()
	return firstErr
}
