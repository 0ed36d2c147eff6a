package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/longhorn/htif/pkg/config"
	"github.com/longhorn/htif/pkg/htif"
	"github.com/longhorn/htif/pkg/util"
)

func BenchmarkCmd() cli.Command {
	return cli.Command{
		Name: "bench",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "bench-type,b",
				Value: "seq-bandwidth-write",
				Usage: "The type can be <seq>/<rand>-<iops>/<bandwidth>/<latency>-<read>/<write>. For example, seq-bandwidth-write.",
			},
			cli.StringFlag{
				Name:  "addr",
				Value: "0",
				Usage: "Start of the target memory range used by the benchmark",
			},
			cli.StringFlag{
				Name:  "size",
				Value: "1Mi",
				Usage: "The test size, in bytes or human readable 4k, 1Mi",
			},
			cli.IntFlag{
				Name:  "block-size",
				Usage: "Bytes per I/O. Defaults to max_data_size so every block is a single exchange",
			},
		},
		Usage: "Benchmark HTIF memory access against the target. The memory range is overwritten.",
		Action: func(c *cli.Context) {
			if err := bench(c); err != nil {
				logrus.WithError(err).Fatalf("Error running bench command")
			}
		},
	}
}

func bench(c *cli.Context) error {
	benchType := c.String("bench-type")
	addr, err := parseUintFlag(c, "addr", 64)
	if err != nil {
		return err
	}
	size, err := parseSizeFlag(c, "size")
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics, err := htif.NewClientMetrics(registry)
	if err != nil {
		return err
	}

	return withMeteredSession(c, metrics, func(s *htif.Session, _ config.Config) error {
		blockSize := c.Int("block-size")
		if blockSize == 0 {
			blockSize = s.MaxDataSize()
		}
		output, err := util.Bench(benchType, addr, size, blockSize, s.WriteMemory, s.ReadMemory)
		if err != nil {
			return err
		}
		fmt.Println(output)
		return reportMetrics(os.Stdout, registry)
	})
}

// reportMetrics prints every counter sample as name{labels} value.
func reportMetrics(w io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			fmt.Fprintf(w, "%s{%s} %v\n", mf.GetName(), strings.Join(labels, ","), m.GetCounter().GetValue())
		}
	}
	return nil
}
