package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/longhorn/htif/pkg/config"
	"github.com/longhorn/htif/pkg/htif"
	"github.com/longhorn/htif/pkg/util"
)

func ReadCRCmd() cli.Command {
	return cli.Command{
		Name:  "read-cr",
		Usage: "Read a control register of a core",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "core",
				Value: "0",
			},
			cli.StringFlag{
				Name: "reg",
			},
		},
		Action: func(c *cli.Context) {
			if err := readCR(c); err != nil {
				logrus.WithError(err).Fatalf("Error running read-cr command")
			}
		},
	}
}

func WriteCRCmd() cli.Command {
	return cli.Command{
		Name:  "write-cr",
		Usage: "Write a control register of a core",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "core",
				Value: "0",
			},
			cli.StringFlag{
				Name: "reg",
			},
			cli.StringFlag{
				Name: "value",
			},
		},
		Action: func(c *cli.Context) {
			if err := writeCR(c); err != nil {
				logrus.WithError(err).Fatalf("Error running write-cr command")
			}
		},
	}
}

func parseRegister(c *cli.Context) (uint32, uint32, error) {
	core, err := parseUintFlag(c, "core", 32)
	if err != nil {
		return 0, 0, err
	}
	reg, err := parseUintFlag(c, "reg", 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(core), uint32(reg), nil
}

func readCR(c *cli.Context) error {
	core, reg, err := parseRegister(c)
	if err != nil {
		return err
	}

	return withSession(c, func(s *htif.Session, _ config.Config) error {
		value, err := s.ReadControlRegister(core, reg)
		if err != nil {
			return err
		}
		fmt.Printf("0x%x\n", value)
		return nil
	})
}

func writeCR(c *cli.Context) error {
	core, reg, err := parseRegister(c)
	if err != nil {
		return err
	}
	raw, err := requiredString(c, "value")
	if err != nil {
		return err
	}
	value, err := util.ParseUint(raw, 64)
	if err != nil {
		return err
	}

	return withSession(c, func(s *htif.Session, _ config.Config) error {
		return s.WriteControlRegister(core, reg, value)
	})
}
