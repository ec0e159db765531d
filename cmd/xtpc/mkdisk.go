package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tinyrange/xtpc/internal/ata"
)

type mkdiskOptions struct {
	sizeMiB   int64
	cylinders uint
	heads     uint
	sectors   uint
	force     bool
	quiet     bool
}

func (o *mkdiskOptions) bytes() (int64, error) {
	chs := o.cylinders != 0 || o.heads != 0 || o.sectors != 0
	switch {
	case chs && o.sizeMiB != 0:
		return 0, errors.New("--size and --chs flags are exclusive")
	case chs:
		if o.cylinders == 0 || o.heads == 0 || o.heads > 16 || o.sectors == 0 || o.sectors > 63 {
			return 0, fmt.Errorf("invalid geometry %d/%d/%d", o.cylinders, o.heads, o.sectors)
		}
		return int64(o.cylinders) * int64(o.heads) * int64(o.sectors) * ata.SectorSize, nil
	case o.sizeMiB > 0:
		return o.sizeMiB << 20, nil
	default:
		return 0, errors.New("image size required: use --size or --cylinders/--heads/--sectors")
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func createImage(path string, size int64, o *mkdiskOptions, progress io.Writer) error {
	flag := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if o.force {
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return err
	}

	dst := io.Writer(f)
	if progress != nil {
		dst = io.MultiWriter(f, progress)
	}
	if _, err := io.Copy(dst, io.LimitReader(zeroReader{}, size)); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func newMkdiskCommand() *cobra.Command {
	opts := &mkdiskOptions{}
	cmd := &cobra.Command{
		Use:   "mkdisk <image>",
		Short: "Create a zero-filled raw hard disk image.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := opts.bytes()
			if err != nil {
				return err
			}
			var progress io.Writer
			if !opts.quiet {
				progress = progressbar.DefaultBytes(size, "mkdisk")
			}
			if err := createImage(args[0], size, opts, progress); err != nil {
				return err
			}
			geo := ata.DefaultGeometry(uint64(size / ata.SectorSize))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d sectors, reported as %d/%d/%d\n",
				args[0], size/ata.SectorSize, geo.Cylinders, geo.Heads, geo.SectorsPerTrack)
			return nil
		},
	}
	cmd.Flags().Int64Var(&opts.sizeMiB, "size", 0, "image size in MiB")
	cmd.Flags().UintVar(&opts.cylinders, "cylinders", 0, "geometry: cylinders")
	cmd.Flags().UintVar(&opts.heads, "heads", 0, "geometry: heads (at most 16)")
	cmd.Flags().UintVar(&opts.sectors, "sectors", 0, "geometry: sectors per track (at most 63)")
	cmd.Flags().BoolVarP(&opts.force, "force", "f", false, "overwrite an existing image")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "do not show progress")
	return cmd
}
