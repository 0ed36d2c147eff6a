package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/longhorn/htif/app/cmd"
	"github.com/longhorn/htif/pkg/types"
)

func main() {
	a := cli.NewApp()
	a.Name = "htif"
	a.Usage = "Control and inspect a simulated core over the host-target interface"
	a.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	a.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "url",
			Value: types.DefaultURL,
			Usage: "Target endpoint, unix:///path or tcp://host:port. Overrides the config file",
		},
		cli.StringFlag{
			Name:   "config",
			EnvVar: "HTIF_CONFIG",
			Usage:  "TOML file with max_data_size, data_align, register_width, read_timeout and url",
		},
		cli.DurationFlag{
			Name:  "read-timeout",
			Usage: "Give up on a response after this long. Zero waits forever",
		},
		cli.BoolFlag{
			Name: "debug",
		},
	}
	a.Commands = []cli.Command{
		cmd.StartCmd(),
		cmd.StopCmd(),
		cmd.ReadMemCmd(),
		cmd.WriteMemCmd(),
		cmd.ReadCRCmd(),
		cmd.WriteCRCmd(),
		cmd.LoadCmd(),
		cmd.DumpCmd(),
		cmd.BenchmarkCmd(),
		cmd.ServeCmd(),
	}
	if err := a.Run(os.Args); err != nil {
		logrus.Fatal("Error when executing command: ", err)
	}
}
