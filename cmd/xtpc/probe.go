package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"golang.org/x/term"

	"github.com/tinyrange/xtpc/internal/machine"
	"github.com/tinyrange/xtpc/internal/monitor"
	"github.com/tinyrange/xtpc/internal/probe"
	"github.com/tinyrange/xtpc/internal/screen"
)

type probeOptions struct {
	screen bool
	listen string
	open   bool
	hold   bool
}

func newProbeCommand(opts *globalOptions) *cobra.Command {
	po := &probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe <script.yaml>",
		Short: "Run a port and memory access script against a machine.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := probe.LoadScript(args[0])
			if err != nil {
				return err
			}
			cfg, err := opts.machineConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runProbe(ctx, *cfg, script, po, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&po.screen, "screen", false, "print the video buffer after the script")
	cmd.Flags().StringVar(&po.listen, "http", "", "serve the monitor API on this address")
	cmd.Flags().BoolVar(&po.open, "open", false, "open the monitor in a browser (with --http)")
	cmd.Flags().BoolVar(&po.hold, "hold", false, "keep the machine alive after the script until interrupted")
	return cmd
}

func runProbe(ctx context.Context, cfg machine.Config, script *probe.Script, po *probeOptions, out io.Writer) error {
	m, err := machine.New(cfg)
	if err != nil {
		return err
	}
	atexit.Register(func() { m.Close() })
	defer m.Close()

	if po.listen != "" {
		ln, err := net.Listen("tcp", po.listen)
		if err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		srv := &http.Server{Handler: monitor.NewServer(m)}
		defer srv.Close()
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("xtpc: monitor stopped", "err", err)
			}
		}()
		url := fmt.Sprintf("http://%s/api/machine", ln.Addr())
		fmt.Fprintf(os.Stderr, "Monitoring machine %s with %s\n", m.ID(), url)
		if po.open {
			if err := browser.OpenURL(url); err != nil {
				slog.Warn("xtpc: open browser", "err", err)
			}
		}
	}

	r, err := probe.NewRunner(m, out)
	if err != nil {
		return err
	}
	if err := r.Run(ctx, script); err != nil {
		return err
	}
	slog.Debug("xtpc: script complete", "steps", len(script.Steps), "interrupts", r.Engine().Raised())

	if po.screen {
		if err := dumpScreen(m, out); err != nil {
			return err
		}
	}
	if po.hold {
		<-ctx.Done()
	}
	return nil
}

// dumpScreen repaints a terminal with ANSI, and prints plain rows
// otherwise.
func dumpScreen(m *machine.Machine, out io.Writer) error {
	cfg := m.Video.AdapterConfiguration()
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if err := screen.Render(out, cfg, m.VRAM()); err != nil {
			return err
		}
		_, err := io.WriteString(out, "\r\n")
		return err
	}
	rows := screen.Text(cfg, m.VRAM())
	if rows == nil {
		_, err := fmt.Fprintf(out, "[screen: video enabled=%t text=%t]\n", cfg.VideoEnabled, cfg.TextMode)
		return err
	}
	_, err := io.WriteString(out, strings.Join(rows, "\n")+"\n")
	return err
}
