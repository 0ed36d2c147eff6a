package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"gopkg.in/cheggaaa/pb.v2"

	"github.com/longhorn/htif/pkg/config"
	"github.com/longhorn/htif/pkg/htif"
	"github.com/longhorn/htif/pkg/util"
)

func ReadMemCmd() cli.Command {
	return cli.Command{
		Name:  "read-mem",
		Usage: "Read target memory and print it as a hex dump",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "addr",
				Usage: "Target address, decimal or 0x prefixed hex. Must be aligned to data_align",
			},
			cli.StringFlag{
				Name:  "size",
				Value: "8",
				Usage: "Bytes to read, in bytes or human readable 4k, 1Mi",
			},
		},
		Action: func(c *cli.Context) {
			if err := readMem(c); err != nil {
				logrus.WithError(err).Fatalf("Error running read-mem command")
			}
		},
	}
}

func WriteMemCmd() cli.Command {
	return cli.Command{
		Name:  "write-mem",
		Usage: "Write hex encoded bytes into target memory",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "addr",
				Usage: "Target address, decimal or 0x prefixed hex. Must be aligned to data_align",
			},
			cli.StringFlag{
				Name:  "data",
				Usage: "Hex encoded payload, its length must be a multiple of data_align",
			},
		},
		Action: func(c *cli.Context) {
			if err := writeMem(c); err != nil {
				logrus.WithError(err).Fatalf("Error running write-mem command")
			}
		},
	}
}

func LoadCmd() cli.Command {
	return cli.Command{
		Name:  "load",
		Usage: "Copy a binary file into target memory, zero padded to data_align",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "addr",
				Usage: "Target address the file is loaded at",
			},
			cli.StringFlag{
				Name:  "file",
				Usage: "Path of the binary image",
			},
		},
		Action: func(c *cli.Context) {
			if err := load(c); err != nil {
				logrus.WithError(err).Fatalf("Error running load command")
			}
		},
	}
}

func DumpCmd() cli.Command {
	return cli.Command{
		Name:  "dump",
		Usage: "Copy a range of target memory into a file",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "addr",
				Usage: "Target address the dump starts at",
			},
			cli.StringFlag{
				Name:  "size",
				Usage: "Bytes to dump, in bytes or human readable 4k, 1Mi",
			},
			cli.StringFlag{
				Name:  "file",
				Usage: "Output path",
			},
		},
		Action: func(c *cli.Context) {
			if err := dump(c); err != nil {
				logrus.WithError(err).Fatalf("Error running dump command")
			}
		},
	}
}

func readMem(c *cli.Context) error {
	addr, err := parseUintFlag(c, "addr", 64)
	if err != nil {
		return err
	}
	size, err := parseSizeFlag(c, "size")
	if err != nil {
		return err
	}

	return withSession(c, func(s *htif.Session, _ config.Config) error {
		buf := make([]byte, size)
		if err := s.ReadMemory(addr, buf); err != nil {
			return err
		}
		fmt.Print(formatDump(addr, buf))
		return nil
	})
}

func writeMem(c *cli.Context) error {
	addr, err := parseUintFlag(c, "addr", 64)
	if err != nil {
		return err
	}
	raw, err := requiredString(c, "data")
	if err != nil {
		return err
	}
	data, err := parseHexData(raw)
	if err != nil {
		return err
	}

	return withSession(c, func(s *htif.Session, _ config.Config) error {
		return s.WriteMemory(addr, data)
	})
}

func load(c *cli.Context) error {
	addr, err := parseUintFlag(c, "addr", 64)
	if err != nil {
		return err
	}
	path, err := requiredString(c, "file")
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "cannot stat %v", path)
	}

	return withSession(c, func(s *htif.Session, cfg config.Config) error {
		size := util.AlignUp(info.Size(), cfg.DataAlign)
		padding := bytes.NewReader(make([]byte, size-info.Size()))

		bar := pb.Full.Start64(size)
		defer bar.Finish()

		if err := s.Load(addr, io.MultiReader(f, padding), size, func(n int) { bar.Add(n) }); err != nil {
			return errors.Wrapf(err, "failed to load %v at 0x%x", path, addr)
		}
		logrus.Infof("Loaded %v bytes from %v at 0x%x", size, path, addr)
		return nil
	})
}

func dump(c *cli.Context) error {
	addr, err := parseUintFlag(c, "addr", 64)
	if err != nil {
		return err
	}
	size, err := parseSizeFlag(c, "size")
	if err != nil {
		return err
	}
	path, err := requiredString(c, "file")
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return withSession(c, func(s *htif.Session, _ config.Config) error {
		bar := pb.Full.Start64(size)
		defer bar.Finish()

		if err := s.Dump(addr, f, size, func(n int) { bar.Add(n) }); err != nil {
			return errors.Wrapf(err, "failed to dump 0x%x+%v into %v", addr, size, path)
		}
		return f.Sync()
	})
}
