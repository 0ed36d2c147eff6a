package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/longhorn/htif/pkg/config"
	"github.com/longhorn/htif/pkg/htif"
)

func StartCmd() cli.Command {
	return cli.Command{
		Name:  "start",
		Usage: "Start the target core",
		Action: func(c *cli.Context) {
			if err := withSession(c, func(s *htif.Session, _ config.Config) error {
				return s.Start()
			}); err != nil {
				logrus.WithError(err).Fatalf("Error running start command")
			}
		},
	}
}

func StopCmd() cli.Command {
	return cli.Command{
		Name:  "stop",
		Usage: "Stop the target core",
		Action: func(c *cli.Context) {
			if err := withSession(c, func(s *htif.Session, _ config.Config) error {
				return s.Stop()
			}); err != nil {
				logrus.WithError(err).Fatalf("Error running stop command")
			}
		},
	}
}
