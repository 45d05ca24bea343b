// Command framedump prints the frames of a captured peerwire stream.
//
//	framedump dump capture.bin
//	framedump dump --full - < capture.bin
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"peerwire/protocol"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	app := cli.NewApp()
	app.Name = "framedump"
	app.Usage = "inspect captured peerwire frame streams"
	app.Commands = []cli.Command{
		DumpCmd(logger),
	}
	if err := app.Run(os.Args); err != nil {
		logger.Fatal("framedump failed", zap.Error(err))
	}
}

func DumpCmd(logger *zap.Logger) cli.Command {
	return cli.Command{
		Name:      "dump",
		Usage:     "print one line per frame",
		ArgsUsage: "<file|->",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "full",
				Usage: "decode every body instead of only the call routing fields",
			},
		},
		Action: func(c *cli.Context) {
			if err := dumpFile(c); err != nil {
				logger.Fatal("Error running dump command", zap.Error(err))
			}
		},
	}
}

func dumpFile(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return errors.New("missing capture file, use - for stdin")
	}
	in := io.Reader(os.Stdin)
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return errors.Wrap(err, "open capture")
		}
		defer f.Close()
		in = f
	}
	return dump(os.Stdout, in, c.Bool("full"))
}

// dump stops at the first undecodable frame; frames printed before it
// stay valid.
func dump(w io.Writer, in io.Reader, full bool) error {
	r := bufio.NewReader(in)
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	defer tw.Flush()

	format := "%d\t%#08x\t%s\t%d\t%s\n"
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", "#", "ID", "TYPE", "SIZE", "DETAIL")
	for n := 0; ; n++ {
		f, err := protocol.ReadLazyFrame(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "frame %d", n)
		}
		detail, err := describe(f, full)
		if err != nil {
			return errors.Wrapf(err, "frame %d", n)
		}
		fmt.Fprintf(tw, format, n, f.ID, f.Type, f.Size, detail)
	}
}

func describe(f *protocol.LazyFrame, full bool) (string, error) {
	if !full {
		return describeLazy(f)
	}
	frame, err := f.Parse()
	if err != nil {
		return "", err
	}
	switch b := frame.Body.(type) {
	case *protocol.InitRequest:
		return fmt.Sprintf("v%d %s", b.Version, headers(b.Headers)), nil
	case *protocol.InitResponse:
		return fmt.Sprintf("v%d %s", b.Version, headers(b.Headers)), nil
	case *protocol.CallRequest:
		return fmt.Sprintf("%s ttl=%s %s %s", b.Service, b.TTL, headers(b.Headers), args(&b.CallFields)), nil
	case *protocol.CallResponse:
		return fmt.Sprintf("code=%d %s %s", b.Code, headers(b.Headers), args(&b.CallFields)), nil
	case *protocol.CallRequestContinuation:
		return args(&b.CallFields), nil
	case *protocol.CallResponseContinuation:
		return args(&b.CallFields), nil
	case *protocol.ErrorResponse:
		return fmt.Sprintf("%s: %s", b.Code, b.Message), nil
	}
	return "", nil
}

// describeLazy reads only what a relay would: service and arg1.
func describeLazy(f *protocol.LazyFrame) (string, error) {
	var parts []string
	if f.Type == protocol.TypeCallRequest {
		service, err := f.Service()
		if err != nil {
			return "", err
		}
		parts = append(parts, service)
	}
	if f.Type == protocol.TypeCallRequest || f.Type == protocol.TypeCallResponse {
		arg1, err := f.Arg1()
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("arg1=%q", arg1))
	}
	if f.Fragmented() {
		parts = append(parts, "fragmented")
	}
	return strings.Join(parts, " "), nil
}

func headers(h protocol.Headers) string {
	kv := make([]string, 0, len(h))
	for _, p := range h {
		kv = append(kv, p.Key+"="+p.Value)
	}
	return "{" + strings.Join(kv, " ") + "}"
}

func args(c *protocol.CallFields) string {
	sizes := make([]string, 0, len(c.Args))
	for _, a := range c.Args {
		sizes = append(sizes, fmt.Sprint(len(a)))
	}
	s := fmt.Sprintf("csum=%s args=[%s]", c.Checksum.Type, strings.Join(sizes, " "))
	if c.Fragmented() {
		s += " fragmented"
	}
	return s
}
