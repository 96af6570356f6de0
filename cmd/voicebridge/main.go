// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/voicebridge/pkg/config"
	"github.com/voicebridge/voicebridge/pkg/errors"
	"github.com/voicebridge/voicebridge/pkg/service"
	"github.com/voicebridge/voicebridge/pkg/stats"
	"github.com/voicebridge/voicebridge/version"
)

func main() {
	cmd := &cli.Command{
		Name:        "voicebridge",
		Usage:       "Call audio bridge",
		Version:     version.Version,
		Description: "Streams call audio to websocket endpoints and transfers callers on their request",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "voicebridge yaml config file",
				Sources: cli.EnvVars("VOICEBRIDGE_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "voicebridge yaml config body",
				Sources: cli.EnvVars("VOICEBRIDGE_CONFIG_BODY"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "check-config",
				Usage:  "parse and validate the configuration, then exit",
				Action: checkConfig,
			},
			{
				Name:      "exec",
				Usage:     "send one stream command to a running instance",
				ArgsUsage: "<command line>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "api",
						Usage:   "address of the command api",
						Value:   fmt.Sprintf("127.0.0.1:%d", config.DefaultAPIPort),
						Sources: cli.EnvVars("VOICEBRIDGE_API"),
					},
				},
				Action: execCommand,
			},
		},
		Action: runService,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runService(ctx context.Context, c *cli.Command) error {
	conf, err := getConfig(c, true)
	if err != nil {
		return err
	}
	log := logger.GetLogger()

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGQUIT)

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, syscall.SIGINT)

	mon := stats.NewMonitor(conf)
	if err = mon.Start(); err != nil {
		return err
	}
	defer mon.Stop()

	svc := service.NewService(conf, log, mon)

	go func() {
		select {
		case sig := <-stopChan:
			log.Infow("exit requested, finishing all sessions then shutting down", "signal", sig)
			svc.Stop(false)
		case sig := <-killChan:
			log.Infow("exit requested, stopping all sessions and shutting down", "signal", sig)
			svc.Stop(true)
		}
	}()

	return svc.Run(ctx)
}

func checkConfig(_ context.Context, c *cli.Command) error {
	conf, err := getConfig(c, false)
	if err != nil {
		return err
	}
	fmt.Printf("config ok: api %s, %d destinations\n", conf.APIAddress(), len(conf.Destinations))
	return nil
}

func execCommand(ctx context.Context, c *cli.Command) error {
	line := strings.Join(c.Args().Slice(), " ")
	if line == "" {
		return errors.ErrInvalidCommand
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+c.String("api")+"/v1/stream", strings.NewReader(line))
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Print(string(reply))
	if resp.StatusCode != http.StatusOK {
		return cli.Exit("", 1)
	}
	return nil
}

func getConfig(c *cli.Command, initialize bool) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" {
		if configFile == "" {
			return nil, errors.ErrNoConfig
		}
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	conf, err := config.NewConfig(configBody)
	if err != nil {
		return nil, err
	}

	if initialize {
		err = conf.Init()
		if err != nil {
			return nil, err
		}
	}

	return conf, nil
}
