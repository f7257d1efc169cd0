// Command rediscli is a minimal command-line front end over the redis
// package: run a single command, pipe a script of commands through stdin,
// or subscribe to channels and stream messages.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kordal/goredis"
)

type logrusLogger struct {
	entry *logrus.Entry
}

func (l logrusLogger) Printf(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

var (
	urlFlag    string
	configFlag string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rediscli",
		Short: "A minimal client for exercising the redis package",
	}
	root.PersistentFlags().StringVar(&urlFlag, "url", "", "connection URL, e.g. redis://localhost:6379/0")
	root.PersistentFlags().StringVar(&configFlag, "config", "", "cluster config YAML path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logrus level")

	root.AddCommand(newExecCmd())
	root.AddCommand(newPipeCmd())
	root.AddCommand(newMonitorCmd())
	return root
}

func newLogger() redis.Logger {
	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log := logrus.New()
	log.SetLevel(lvl)
	return logrusLogger{entry: logrus.NewEntry(log)}
}

// newClient builds a lazily connected client from --url, or a cluster client
// from --config when given.
func newClient() (*redis.Client, error) {
	logger := newLogger()
	if configFlag != "" {
		cfg, err := redis.LoadClusterConfig(configFlag)
		if err != nil {
			return nil, fmt.Errorf("load cluster config: %w", err)
		}
		return redis.NewClusterClient(*cfg, nil, logger)
	}
	if urlFlag == "" {
		urlFlag = "redis://127.0.0.1:6379/0"
	}
	opts, err := redis.ParseURL(urlFlag)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	return redis.NewLazyClient(opts, logger)
}

func newExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec [command] [args...]",
		Short: "Run a single command and print its reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			cmdArgs := make([]interface{}, len(args)-1)
			for i, a := range args[1:] {
				cmdArgs[i] = a
			}
			v, err := client.SendCommand(args[0], cmdArgs...)
			if err != nil {
				return err
			}
			fmt.Println(formatValue(v))
			return nil
		},
	}
}

func newPipeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pipe",
		Short: "Read newline-delimited commands from stdin, flush as one pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			pipe := client.Pipeline()
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				fields := strings.Fields(scanner.Text())
				if len(fields) == 0 {
					continue
				}
				cmdArgs := make([]interface{}, len(fields)-1)
				for i, a := range fields[1:] {
					cmdArgs[i] = a
				}
				if _, err := pipe.SendCommand(fields[0], cmdArgs...); err != nil {
					return err
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}

			results, err := pipe.Flush()
			if err != nil {
				return err
			}
			for _, v := range results {
				fmt.Println(formatValue(v))
			}
			return nil
		},
	}
}

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor [channels...]",
		Short: "Subscribe to channels and print delivered messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			sub, err := client.Subscribe(args...)
			if err != nil {
				return err
			}
			defer sub.Close()

			for msg := range sub.Receive() {
				fmt.Printf("%s: %s\n", msg.Channel, msg.Payload)
			}
			return nil
		},
	}
}

func formatValue(v redis.Value) string {
	if err := v.Err(); err != nil {
		return err.Error()
	}
	return fmt.Sprint(v.Value())
}
