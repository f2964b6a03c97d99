// ext2cat - Read files from ext2 filesystem images
//
// Usage:
//
//	ext2cat ls [-l] [-a] <image> [path]
//	ext2cat cat [--force] <image> <path>
//	ext2cat stat [-o text|yaml] <image> <path>
//	ext2cat info [-o text|yaml] <image>
//	ext2cat resolve [-j N] <image> <path>...
//	ext2cat digest <image> <path>...
//	ext2cat mkfs [--block-size N] <txtar> <out>
//	ext2cat serve [--socket PATH] <image>
//
// Images may be raw or compressed with zstd or gzip.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/lvdlvd/ext2cat/cmd"
	"github.com/lvdlvd/ext2cat/detect"
	"github.com/lvdlvd/ext2cat/fsys/ext2"
	"github.com/lvdlvd/ext2cat/fsys/ext2/mkfs"
	"github.com/lvdlvd/ext2cat/imagefile"
	"github.com/lvdlvd/ext2cat/nbd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	return newApp(stdout, stderr).RunContext(ctx, args)
}

type app struct {
	cfg    *Config
	stdout io.Writer
	stderr io.Writer
}

// image is an opened image handed to command actions.
type image struct {
	file *imagefile.Image
	fs   *ext2.FS
	typ  detect.Type
}

func newApp(stdout, stderr io.Writer) *cli.App {
	a := &app{stdout: stdout, stderr: stderr}
	outputFlag := &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "output format: text or yaml",
	}

	return &cli.App{
		Name:        appName,
		Usage:       "read files from ext2 filesystem images",
		HideVersion: true,
		Writer:      stdout,
		ErrWriter:   stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name: "config",
				Usage: "config file (default $" + envVarPrefix + "_CONFIG_FILE " +
					"or ~/.config/" + appName + ".yaml)",
			},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-format", Usage: "text or json"},
		},
		Before: a.setup,
		Commands: []*cli.Command{{
			Name:        "ls",
			Usage:       "list a directory",
			ArgsUsage:   "IMAGE [PATH]",
			Description: "list the entries of a directory, or show a single file",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "l", Usage: "use long listing format"},
				&cli.BoolFlag{Name: "a", Usage: "show entries starting with a dot"},
			},
			Action: a.withImage(func(img *image, c *cli.Context) error {
				p := "."
				if c.NArg() > 1 {
					p = c.Args().Get(1)
				}
				return cmd.Ls(img.fs, p, a.stdout, cmd.LsOptions{
					Long: c.Bool("l"),
					All:  c.Bool("a"),
				})
			}),
		}, {
			Name:        "cat",
			Usage:       "write a file to stdout",
			ArgsUsage:   "IMAGE PATH",
			Description: "copy the contents of a regular file to stdout",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "write binary data to a terminal"},
			},
			Action: a.withImage(func(img *image, c *cli.Context) error {
				if c.NArg() < 2 {
					return fmt.Errorf("cat requires a path argument")
				}
				return cmd.Cat(img.fs, c.Args().Get(1), a.stdout, cmd.CatOptions{Force: c.Bool("force")})
			}),
		}, {
			Name:      "stat",
			Usage:     "show inode details",
			ArgsUsage: "IMAGE PATH",
			Flags:     []cli.Flag{outputFlag},
			Action: a.withImage(func(img *image, c *cli.Context) error {
				if c.NArg() < 2 {
					return fmt.Errorf("stat requires a path argument")
				}
				format, err := a.format(c)
				if err != nil {
					return err
				}
				return cmd.Stat(img.fs, c.Args().Get(1), a.stdout, format)
			}),
		}, {
			Name:      "info",
			Usage:     "summarize the image",
			ArgsUsage: "IMAGE",
			Flags:     []cli.Flag{outputFlag},
			Action: a.withImage(func(img *image, c *cli.Context) error {
				format, err := a.format(c)
				if err != nil {
					return err
				}
				return cmd.Info(img.fs.Image(), img.typ, img.file.Compression(), a.stdout, format)
			}),
		}, {
			Name:        "resolve",
			Usage:       "print the inode number of each path",
			ArgsUsage:   "IMAGE PATH...",
			Description: "resolve absolute paths and print PATH<TAB>INODE for each, in order",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "jobs", Aliases: []string{"j"}, Usage: "concurrent lookups (default from config)"},
			},
			Action: a.withImage(func(img *image, c *cli.Context) error {
				paths := c.Args().Tail()
				if len(paths) == 0 {
					return fmt.Errorf("resolve requires at least one path")
				}
				workers := a.cfg.Workers
				if c.IsSet("jobs") {
					workers = c.Int("jobs")
				}
				return cmd.Resolve(c.Context, img.fs.Image(), paths, workers, a.stdout, a.stderr)
			}),
		}, {
			Name:      "digest",
			Usage:     "print the sha256 digest of files",
			ArgsUsage: "IMAGE PATH...",
			Action: a.withImage(func(img *image, c *cli.Context) error {
				paths := c.Args().Tail()
				if len(paths) == 0 {
					return fmt.Errorf("digest requires at least one path")
				}
				return cmd.Digest(img.fs, paths, a.stdout)
			}),
		}, {
			Name:      "mkfs",
			Usage:     "build an image from a txtar tree",
			ArgsUsage: "TXTAR OUT",
			Description: "lay out a single-group ext2 image holding the files of a txtar " +
				"archive; OUT ending in .zst or .gz is compressed, - is stdout",
			Flags: []cli.Flag{
				&cli.UintFlag{Name: "block-size", Value: 1024, Usage: "1024, 2048 or 4096"},
				&cli.UintFlag{Name: "inodes", Usage: "minimum inode count"},
				&cli.StringFlag{Name: "volume-name", Usage: "volume label"},
				&cli.StringFlag{Name: "uuid", Usage: "filesystem UUID (default random)"},
			},
			Action: a.mkfs,
		}, {
			Name:      "serve",
			Usage:     "export the image read-only over NBD",
			ArgsUsage: "IMAGE",
			Description: "serve the decompressed image on a unix socket until interrupted; " +
				"attach with nbd-client -N NAME -unix SOCKET /dev/nbdX",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "socket", Value: appName + ".sock", Usage: "unix socket path"},
				&cli.StringFlag{Name: "name", Usage: "export name (default image file name)"},
			},
			Action: a.withImage(func(img *image, c *cli.Context) error {
				name := c.String("name")
				if name == "" {
					name = filepath.Base(c.Args().First())
				}
				l, err := nbd.Listen(c.String("socket"))
				if err != nil {
					return err
				}
				defer os.Remove(c.String("socket"))

				data := img.file.Bytes()
				srv := &nbd.Server{Name: name, Data: bytes.NewReader(data), Size: int64(len(data))}
				return srv.Serve(c.Context, l)
			}),
		}},
	}
}

func (a *app) setup(c *cli.Context) error {
	path, required := configFile(c.String("config"))
	cfg, err := LoadConfig(path, required)
	if err != nil {
		return err
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = c.String("log-format")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.SetDefault(cfg.Logger(a.stderr))
	slog.Debug("loaded configuration", "file", path, "workers", cfg.Workers, "maxImageSize", cfg.MaxImageSize)
	a.cfg = cfg
	return nil
}

func (a *app) format(c *cli.Context) (cmd.Format, error) {
	if c.IsSet("output") {
		return cmd.ParseFormat(c.String("output"))
	}
	return cmd.ParseFormat(a.cfg.Output)
}

func (a *app) withImage(f func(*image, *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		if c.NArg() < 1 {
			return fmt.Errorf("missing image argument")
		}
		img, err := a.openImage(c.Args().First())
		if err != nil {
			return err
		}
		defer img.file.Close()
		return f(img, c)
	}
}

func (a *app) openImage(path string) (*image, error) {
	file, err := imagefile.Open(path, imagefile.Options{MaxSize: a.cfg.MaxImageSize})
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}

	typ, err := detect.DetectBytes(file.Bytes())
	if err != nil || !typ.IsExt() {
		file.Close()
		return nil, fmt.Errorf("%s: unknown or unsupported filesystem", path)
	}

	filesystem, err := ext2.OpenFS(file.Bytes())
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("opening filesystem: %w", err)
	}

	slog.Debug("image loaded",
		"path", path,
		"type", typ,
		"compression", file.Compression(),
		"size", len(file.Bytes()),
		"blockSize", filesystem.Image().BlockSize())
	return &image{file: file, fs: filesystem, typ: typ}, nil
}

func (a *app) mkfs(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("mkfs requires TXTAR and OUT arguments")
	}
	src, err := os.ReadFile(c.Args().Get(0))
	if err != nil {
		return err
	}

	opts := mkfs.Options{
		BlockSize:  uint32(c.Uint("block-size")),
		Inodes:     uint32(c.Uint("inodes")),
		VolumeName: c.String("volume-name"),
		UUID:       uuid.New(),
		Time:       time.Now(),
	}
	if c.IsSet("uuid") {
		if opts.UUID, err = uuid.Parse(c.String("uuid")); err != nil {
			return fmt.Errorf("parsing --uuid: %w", err)
		}
	}

	outPath := c.Args().Get(1)
	if outPath == "-" {
		return cmd.Mkfs(src, a.stdout, detect.Unknown, opts)
	}
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	if err := cmd.Mkfs(src, out, cmd.CompressionFor(outPath), opts); err != nil {
		out.Close()
		os.Remove(outPath)
		return err
	}
	return out.Close()
}
