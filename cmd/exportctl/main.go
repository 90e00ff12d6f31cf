// Command exportctl submits shader exports to the export API and follows them
// until the video can be downloaded.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loopforge/exporter/internal/model"
	"github.com/loopforge/exporter/internal/poller"
	"github.com/loopforge/exporter/pkg/logger"
)

const usage = `usage:
  exportctl submit --file shader.glsl [--aspect 16:9] [--quality HD] [--duration 5] [--fps 30] [--format mp4] [--wait] [--out path]
  exportctl status <jobId>
  exportctl wait <jobId> [--out path]

common flags (or EXPORTCTL_* environment variables):
  --server     export API base URL
  --token      bearer token
  --interval   status poll interval
  --log-level  debug, info, warn or error
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type cli struct {
	client *poller.Client
	stdin  io.Reader
	out    io.Writer
	log    *logger.Logger
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	case "submit", "status", "wait":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	fs := pflag.NewFlagSet("exportctl "+cmd, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.String("server", "http://localhost:8080", "export API base URL")
	fs.String("token", "", "bearer token")
	fs.Duration("interval", poller.DefaultInterval, "status poll interval")
	fs.String("log-level", "warn", "log level")

	var (
		req  model.ExportRequest
		file string
		wait bool
		out  string
	)
	if cmd == "submit" {
		fs.StringVarP(&file, "file", "f", "", "fragment shader source, - for stdin")
		fs.StringVar((*string)(&req.AspectRatio), "aspect", "", "aspect ratio: 16:9, 9:16 or 1:1")
		fs.StringVar((*string)(&req.Quality), "quality", "", "quality: HD, FHD or 4K")
		fs.Float64Var(&req.Duration, "duration", 0, "duration in seconds")
		fs.IntVar(&req.FPS, "fps", 0, "frames per second")
		fs.StringVar((*string)(&req.Format), "format", "", "container: mp4 or mov")
		fs.BoolVarP(&wait, "wait", "w", false, "wait for the export and download it")
	}
	if cmd != "status" {
		fs.StringVarP(&out, "out", "o", ".", "download destination file or directory")
	}

	if err := fs.Parse(rest); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	v := viper.New()
	v.SetEnvPrefix("EXPORTCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		fmt.Fprintf(stderr, "exportctl: %v\n", err)
		return 1
	}

	log := logger.New(logger.Config{
		Level:       v.GetString("log-level"),
		Format:      "text",
		Output:      stderr,
		ServiceName: "exportctl",
	})
	client := poller.New(v.GetString("server"), v.GetString("token"), log)
	client.Interval = v.GetDuration("interval")

	c := &cli{client: client, stdin: stdin, out: stdout, log: log}

	var err error
	switch cmd {
	case "submit":
		err = c.submit(ctx, file, &req, wait, out)
	case "status":
		err = c.status(ctx, fs.Args())
	case "wait":
		if fs.NArg() != 1 {
			err = errors.New("wait takes exactly one job id")
			break
		}
		err = c.wait(ctx, fs.Arg(0), out)
	}
	if err != nil {
		fmt.Fprintf(stderr, "exportctl %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func (c *cli) submit(ctx context.Context, file string, req *model.ExportRequest, wait bool, out string) error {
	if file == "" {
		return errors.New("--file is required")
	}

	var (
		src []byte
		err error
	)
	if file == "-" {
		src, err = io.ReadAll(c.stdin)
	} else {
		src, err = os.ReadFile(file)
	}
	if err != nil {
		return fmt.Errorf("read shader: %w", err)
	}
	req.ShaderCode = string(src)

	result, err := c.client.Submit(ctx, req)
	if err != nil {
		var apiErr *poller.APIError
		if errors.As(err, &apiErr) && len(apiErr.Details) > 0 {
			return fmt.Errorf("%w %s", err, apiErr.Details)
		}
		return err
	}
	fmt.Fprintf(c.out, "%s\t%s\n", result.JobID, result.Status)

	if !wait {
		return nil
	}
	return c.wait(ctx, result.JobID, out)
}

func (c *cli) status(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return errors.New("status needs at least one job id")
	}
	for _, id := range ids {
		st, err := c.client.Status(ctx, id)
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		switch st.Status {
		case model.JobStatusCompleted:
			fmt.Fprintf(c.out, "%s\t%s\t%s\n", st.JobID, st.Status, st.OutputLocation)
		case model.JobStatusFailed:
			fmt.Fprintf(c.out, "%s\t%s\t%s\n", st.JobID, st.Status, st.Error)
		default:
			fmt.Fprintf(c.out, "%s\t%s\n", st.JobID, st.Status)
		}
	}
	return nil
}

func (c *cli) wait(ctx context.Context, jobID, out string) error {
	last := ""
	st, err := c.client.Wait(ctx, jobID, func(u poller.Update) {
		line := fmt.Sprintf("%s %d%%", u.Label, u.Progress)
		if line != last {
			fmt.Fprintf(c.out, "%s\t%s\n", jobID, line)
			last = line
		}
	})
	if err != nil {
		return err
	}

	path, err := c.client.Download(ctx, st.OutputLocation, out)
	if err != nil {
		if errors.Is(err, poller.ErrNotFound) {
			return fmt.Errorf("%s was already downloaded", st.OutputLocation)
		}
		return err
	}
	fmt.Fprintf(c.out, "%s\tsaved %s\n", jobID, path)
	return nil
}
