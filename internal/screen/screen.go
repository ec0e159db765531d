// Package screen renders the monochrome text buffer of the video adapter to
// an ANSI terminal.
package screen

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/xtpc/internal/devices/xt"
)

// MDA attribute byte.
const (
	attrForeground = 0x07
	attrBackground = 0x70
	attrIntense    = 0x08
	attrBlink      = 0x80
	attrUnderline  = 0x01
	attrReverse    = 0x70
)

// SGR parameters.
const (
	sgrBold      = 1
	sgrUnderline = 4
	sgrBlink     = 5
	sgrReverse   = 7
	sgrConceal   = 8
)

// Cell is one decoded character position.
type Cell struct {
	Char rune
	Attr uint8
}

// visible reports whether the attribute draws the glyph at all.
func visible(attr uint8) bool { return attr&(attrForeground|attrBackground) != 0 }

func sgr(attr uint8) []ansi.Attr {
	var ps []ansi.Attr
	switch {
	case !visible(attr):
		return []ansi.Attr{sgrConceal}
	case attr&(attrForeground|attrBackground) == attrReverse:
		ps = append(ps, sgrReverse)
	case attr&attrForeground == attrUnderline:
		ps = append(ps, sgrUnderline)
	}
	if attr&attrIntense != 0 {
		ps = append(ps, sgrBold)
	}
	if attr&attrBlink != 0 {
		ps = append(ps, sgrBlink)
	}
	return ps
}

// Cells decodes the text buffer described by cfg. Positions outside vram
// read as blank.
func Cells(cfg xt.AdapterConfiguration, vram []byte) [][]Cell {
	rows := make([][]Cell, cfg.TextRows)
	for r := range rows {
		row := make([]Cell, cfg.TextColumns)
		for c := range row {
			off := cfg.TextOffset + (r*cfg.TextColumns+c)*2
			if off+1 >= len(vram) {
				row[c] = Cell{Char: ' '}
				continue
			}
			row[c] = Cell{Char: Glyph(vram[off]), Attr: vram[off+1]}
		}
		rows[r] = row
	}
	return rows
}

// Text returns the visible characters of each row with trailing blanks
// removed.
func Text(cfg xt.AdapterConfiguration, vram []byte) []string {
	if !cfg.VideoEnabled || !cfg.TextMode {
		return nil
	}
	cells := Cells(cfg, vram)
	out := make([]string, len(cells))
	for r, row := range cells {
		var b strings.Builder
		for _, cell := range row {
			if visible(cell.Attr) {
				b.WriteRune(cell.Char)
			} else {
				b.WriteByte(' ')
			}
		}
		out[r] = strings.TrimRight(b.String(), " ")
	}
	return out
}

// Render repaints the terminal with the current screen contents. Graphics
// modes and a disabled adapter produce a cleared screen with a one-line
// status.
func Render(w io.Writer, cfg xt.AdapterConfiguration, vram []byte) error {
	var b strings.Builder
	b.WriteString(ansi.ResetStyle)
	b.WriteString(ansi.EraseDisplay(2))
	b.WriteString(ansi.CursorPosition(1, 1))

	switch {
	case !cfg.VideoEnabled:
		b.WriteString("[video disabled]")
	case !cfg.TextMode:
		fmt.Fprintf(&b, "[graphics %dx%d page 0x%05x]", cfg.WidthPixels, cfg.HeightPixels, cfg.GraphicsOffset)
	default:
		renderText(&b, cfg, vram)
	}
	b.WriteString(ansi.ResetStyle)
	if cfg.VideoEnabled && cfg.TextMode && cfg.TextColumns > 0 {
		pos := cfg.CursorAddress / 2
		if pos >= 0 && pos < cfg.TextColumns*cfg.TextRows {
			b.WriteString(ansi.CursorPosition(pos%cfg.TextColumns+1, pos/cfg.TextColumns+1))
		}
	}
	_, err := io.WriteString(w, b.String())
	if err != nil {
		return fmt.Errorf("screen: %w", err)
	}
	return nil
}

func renderText(b *strings.Builder, cfg xt.AdapterConfiguration, vram []byte) {
	for r, row := range Cells(cfg, vram) {
		b.WriteString(ansi.CursorPosition(1, r+1))
		last := -1
		for _, cell := range row {
			if int(cell.Attr) != last {
				b.WriteString(ansi.ResetStyle)
				if ps := sgr(cell.Attr); len(ps) > 0 {
					b.WriteString(ansi.SGR(ps...))
				}
				last = int(cell.Attr)
			}
			b.WriteRune(cell.Char)
		}
	}
}
