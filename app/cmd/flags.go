package cmd

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"github.com/urfave/cli"

	"github.com/longhorn/htif/pkg/util"
)

func requiredString(c *cli.Context, name string) (string, error) {
	v := c.String(name)
	if v == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return v, nil
}

func parseUintFlag(c *cli.Context, name string, bitSize int) (uint64, error) {
	v, err := requiredString(c, name)
	if err != nil {
		return 0, err
	}
	return util.ParseUint(v, bitSize)
}

// parseSizeFlag accepts bytes or human readable sizes such as 4k or 1Mi.
func parseSizeFlag(c *cli.Context, name string) (int64, error) {
	v, err := requiredString(c, name)
	if err != nil {
		return 0, err
	}
	size, err := units.RAMInBytes(v)
	if err != nil {
		return 0, err
	}
	if size < 0 {
		return 0, fmt.Errorf("invalid negative size %v", v)
	}
	return size, nil
}

func parseHexData(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.ReplaceAll(s, "_", "")
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %v", err)
	}
	return data, nil
}

// formatDump renders buf as lines of 16 bytes prefixed with their target
// address.
func formatDump(addr uint64, buf []byte) string {
	var sb strings.Builder
	for offset := 0; offset < len(buf); offset += 16 {
		end := min(offset+16, len(buf))
		line := buf[offset:end]
		fmt.Fprintf(&sb, "0x%016x: %-47s  |", addr+uint64(offset), spacedHex(line))
		for _, b := range line {
			if b >= 0x20 && b < 0x7f {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("|\n")
	}
	return sb.String()
}

func spacedHex(b []byte) string {
	parts := make([]string, len(b))
	for i := range b {
		parts[i] = hex.EncodeToString(b[i : i+1])
	}
	return strings.Join(parts, " ")
}
