package cmd

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/longhorn/htif/pkg/config"
	"github.com/longhorn/htif/pkg/htif"
	"github.com/longhorn/htif/pkg/util"
)

const (
	ConnectTimeout = 10 * time.Second
)

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return config.Config{}, err
	}
	if c.GlobalIsSet("url") {
		cfg.URL = c.GlobalString("url")
	}
	if c.GlobalIsSet("read-timeout") {
		cfg.ReadTimeout = c.GlobalDuration("read-timeout")
	}
	return cfg, cfg.Validate()
}

// withSession dials the target, runs f on a fresh session and closes the
// connection afterwards.
func withSession(c *cli.Context, f func(*htif.Session, config.Config) error) error {
	return withMeteredSession(c, nil, f)
}

func withMeteredSession(c *cli.Context, metrics *htif.Metrics, f func(*htif.Session, config.Config) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	conn, err := util.Dial(cfg.URL, ConnectTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logrus.WithError(err).Warnf("Failed to close connection to %v", cfg.URL)
		}
	}()

	session := htif.NewSession(htif.NewConnChannel(conn, cfg.ReadTimeout), cfg.SessionConfig(metrics))
	return f(session, cfg)
}
