// Package peinspect obtains section and export metadata for a PE image by
// shelling out to objdump. Every failure here is recoverable by the caller:
// the analysis pipeline degrades to fixed fallback values rather than
// aborting when the tool is missing, errors or times out.
package peinspect

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

const (
	DefaultObjdumpPath = "objdump"
	DefaultTimeout     = 30 * time.Second
)

// Section is the location and extent of an image section in the module's
// virtual address space.
type Section struct {
	VMA  uint64
	Size uint64
}

// Client invokes objdump against a PE image.
type Client struct {
	logger  log.Logger
	objdump string
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithObjdumpPath overrides the objdump binary to invoke.
func WithObjdumpPath(path string) Option {
	return func(c *Client) {
		c.objdump = path
	}
}

// WithTimeout overrides the per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func NewClient(logger log.Logger, opts ...Option) *Client {
	c := &Client{
		logger:  logger,
		objdump: DefaultObjdumpPath,
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TextSection returns the virtual address and size of the image's .text
// section, from "objdump -h" output.
func (c *Client) TextSection(ctx context.Context, imagePath string) (Section, error) {
	out, err := c.run(ctx, "-h", imagePath)
	if err != nil {
		return Section{}, err
	}
	return ParseTextSection(out)
}

// Exports returns the image's export table as a map from non-decorated
// symbol name to RVA, from "objdump -p" output.
func (c *Client) Exports(ctx context.Context, imagePath string) (map[string]uint32, error) {
	out, err := c.run(ctx, "-p", imagePath)
	if err != nil {
		return nil, err
	}
	return ParseExports(out), nil
}

func (c *Client) run(ctx context.Context, flag, imagePath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	level.Debug(c.logger).Log("msg", "invoking objdump", "flag", flag, "image", imagePath)

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, c.objdump, flag, imagePath)
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "running %s %s %s", c.objdump, flag, imagePath)
	}
	return stdout.String(), nil
}

// ParseTextSection extracts the .text row from an "objdump -h" section
// listing. Row format: idx name size vma lma fileoff align.
func ParseTextSection(out string) (Section, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, ".text") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		size, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			continue
		}
		vma, err := strconv.ParseUint(fields[3], 16, 64)
		if err != nil {
			continue
		}
		return Section{VMA: vma, Size: size}, nil
	}
	return Section{}, errors.New("no .text section in objdump output")
}

// ParseExports extracts the export table from an "objdump -p" dump. Rows
// look like "1 0x35c0 Aud_CloseGetFile"; header lines are skipped and the
// table ends at the first blank line. Decorated names (stdcall @N suffixes)
// are dropped so that names match the documented export list.
func ParseExports(out string) map[string]uint32 {
	exports := make(map[string]uint32)
	inTable := false
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "Export Table:") {
			inTable = true
			continue
		}
		if !inTable {
			continue
		}
		if strings.Contains(line, "DLL name:") || strings.Contains(line, "Ordinal") {
			continue
		}
		if strings.TrimSpace(line) == "" {
			break
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		rvaStr, name := fields[1], fields[2]
		if !strings.HasPrefix(rvaStr, "0x") || strings.Contains(name, "@") {
			continue
		}
		rva, err := strconv.ParseUint(rvaStr[2:], 16, 32)
		if err != nil {
			continue
		}
		exports[name] = uint32(rva)
	}
	return exports
}
