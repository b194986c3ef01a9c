package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chatmesh/config"
)

const defaultLogName = "chatmesh.log"

// loadConfig reads --config, then lets explicitly set flags win over the
// file and the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	conf, err := config.LoadConfig(file)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("user-id") {
		conf.Node.UserID, _ = flags.GetInt64("user-id")
	}
	if flags.Changed("username") {
		conf.Node.Username, _ = flags.GetString("username")
	}
	if flags.Changed("directory") {
		conf.Directory.Address, _ = flags.GetString("directory")
	}
	if flags.Changed("listen-port") {
		conf.Directory.ListenPort, _ = flags.GetInt("listen-port")
	}
	if flags.Changed("table") {
		conf.Directory.Table, _ = flags.GetString("table")
	}
	if flags.Changed("data-dir") {
		conf.Node.DataDir, _ = flags.GetString("data-dir")
	}
	return conf, conf.Validate()
}

// newLogger writes to <log.dir>/chatmesh.log, and to stderr as well when
// log.stderr is set. The returned closer closes the file.
func newLogger(conf *config.LogConfig, prefix string) (*log.Logger, io.Closer, error) {
	if conf.Dir == "" {
		return log.New(os.Stderr, prefix, log.LstdFlags), nopCloser{}, nil
	}
	if err := os.MkdirAll(conf.Dir, os.ModePerm); err != nil {
		return nil, nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(conf.Dir, defaultLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	var w io.Writer = f
	if conf.Stderr {
		w = io.MultiWriter(f, os.Stderr)
	}
	return log.New(w, prefix, log.LstdFlags), f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
