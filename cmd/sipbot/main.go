package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/sip4k/sipbot/pkg/account"
	"github.com/sip4k/sipbot/pkg/config"
	"github.com/sip4k/sipbot/pkg/metrics"
	"github.com/sip4k/sipbot/pkg/ua"
	"github.com/sip4k/sipbot/pkg/utils"
)

const version = "0.3.0"

func main() {
	cmd := &cli.Command{
		Name:        "sipbot",
		Usage:       "SIP voice bot",
		Version:     version,
		Description: "Registers with a SIP server and talks on calls over G.711",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "yaml config file",
				Sources: cli.EnvVars("SIPBOT_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "yaml config body",
				Sources: cli.EnvVars("SIPBOT_CONFIG_BODY"),
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: ".env files read before the config",
				Value: []string{".env"},
			},
			&cli.StringFlag{
				Name:  "call",
				Usage: "user to call once registered",
			},
			&cli.BoolFlag{
				Name:  "echo",
				Usage: "play every caller phrase back to them",
			},
			&cli.BoolFlag{
				Name:  "console",
				Usage: "interactive console",
			},
		},
		Action: runBot,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runBot(ctx context.Context, c *cli.Command) error {
	if err := config.LoadEnvFiles(c.StringSlice("env-file")...); err != nil {
		return err
	}
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	logger := utils.NewLogrusLogger(conf.Level(), "SipBot", nil)
	utils.SetAllLogLevel(conf.Level())

	m := metrics.New(nil)
	if conf.MetricsAddr != "" {
		srv := &http.Server{Addr: conf.MetricsAddr, Handler: metrics.Handler()}
		go func() {
			logger.Infof("metrics on %s", conf.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	opts := []ua.Option{
		ua.WithLogger(logger),
		ua.WithMetrics(m),
		ua.WithRegisterStateHandler(func(state account.RegisterState) {
			logger.Infof("RegisterStateHandler: user => %s, state => %v, expires => %v, reason => %v",
				state.Account.Login, state.StatusCode, state.Expiration, state.Reason)
		}),
	}
	var echo *echoBot
	if c.Bool("echo") {
		echo = newEchoBot(logger)
		opts = append(opts, ua.WithAudioHandler(echo.onAudio), ua.WithSessionEndHandler(echo.forget))
	} else {
		opts = append(opts, ua.WithSessionEndHandler(func(user string) {
			logger.Infof("call with %s ended", user)
		}))
	}

	client, err := ua.NewClient(conf, opts...)
	if err != nil {
		return err
	}
	defer client.Close()
	if echo != nil {
		echo.client.Store(client)
	}

	if _, err := client.Register(ctx); err != nil {
		return err
	}
	if to := c.String("call"); to != "" {
		callCtx, cancel := context.WithTimeout(ctx, conf.SipTimeout+time.Second)
		_, err := client.Call(callCtx, to)
		cancel()
		if err != nil {
			logger.Warnf("call %s: %v", to, err)
		}
	}

	if c.Bool("console") {
		consoleLoop(ctx, client)
		return nil
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	sig := <-stop
	logger.Infof("exit requested on %v, hanging up", sig)
	return nil
}

func getConfig(c *cli.Command) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" && configFile != "" {
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}
	return config.NewConfig(configBody)
}
