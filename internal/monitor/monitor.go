// Package monitor exposes machine state over HTTP for inspection while a
// guest runs.
package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tinyrange/xtpc/internal/ata"
	"github.com/tinyrange/xtpc/internal/bus"
	"github.com/tinyrange/xtpc/internal/devices/xt"
	"github.com/tinyrange/xtpc/internal/machine"
	"github.com/tinyrange/xtpc/internal/screen"
)

// Server serves the monitor API for one machine.
type Server struct {
	m      *machine.Machine
	router *mux.Router
}

// NewServer builds the route table.
func NewServer(m *machine.Machine) *Server {
	s := &Server{m: m, router: mux.NewRouter()}
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/machine", s.machineInfo).Methods(http.MethodGet)
	api.HandleFunc("/ranges/{space}", s.ranges).Methods(http.MethodGet)
	api.HandleFunc("/pic", s.pic).Methods(http.MethodGet)
	api.HandleFunc("/ata", s.ata).Methods(http.MethodGet)
	api.HandleFunc("/ems", s.ems).Methods(http.MethodGet)
	api.HandleFunc("/screen", s.screen).Methods(http.MethodGet)
	api.HandleFunc("/keyboard", s.keyboard).Methods(http.MethodPost)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Warn("monitor: encode response", "err", err)
	}
}

type machineInfo struct {
	ID  string `json:"id"`
	NMI bool   `json:"nmi"`
}

func (s *Server) machineInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, machineInfo{ID: s.m.ID(), NMI: s.m.NMI.Enabled()})
}

func (s *Server) ranges(w http.ResponseWriter, r *http.Request) {
	var d *bus.Dispatcher
	switch strings.ToLower(mux.Vars(r)["space"]) {
	case "mmio", "memory":
		d = s.m.MMIO
	case "io":
		d = s.m.IO
	default:
		http.Error(w, "unknown address space", http.StatusNotFound)
		return
	}
	writeJSON(w, d.Ranges())
}

func (s *Server) pic(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.m.PIC.State())
}

type driveInfo struct {
	Position  string         `json:"position"`
	Present   bool           `json:"present"`
	Sectors   uint64         `json:"sectors,omitempty"`
	Registers *ata.Registers `json:"registers,omitempty"`
}

type channelInfo struct {
	Selected           int         `json:"selected"`
	InterruptRequested bool        `json:"interruptRequested"`
	Drives             []driveInfo `json:"drives"`
}

func (s *Server) ata(w http.ResponseWriter, _ *http.Request) {
	info := channelInfo{
		Selected:           s.m.Channel.Selected(),
		InterruptRequested: s.m.Channel.InterruptRequested(),
	}
	for i, pos := range []string{"master", "slave"} {
		d := driveInfo{Position: pos}
		if hd := s.m.Disks[i]; hd != nil {
			regs := hd.Registers()
			d.Present = true
			d.Sectors = hd.Sectors()
			d.Registers = &regs
		}
		info.Drives = append(info.Drives, d)
	}
	writeJSON(w, info)
}

func (s *Server) ems(w http.ResponseWriter, _ *http.Request) {
	if s.m.EMS == nil {
		http.Error(w, "no expanded memory board", http.StatusNotFound)
		return
	}
	var present []xt.EMSPage
	for _, p := range s.m.EMS.Pages() {
		if p.Present {
			present = append(present, p)
		}
	}
	writeJSON(w, present)
}

type screenInfo struct {
	Adapter xt.AdapterConfiguration `json:"adapter"`
	Text    []string                `json:"text,omitempty"`
}

func (s *Server) screen(w http.ResponseWriter, r *http.Request) {
	cfg := s.m.Video.AdapterConfiguration()
	if r.URL.Query().Get("format") == "ansi" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := screen.Render(w, cfg, s.m.VRAM()); err != nil {
			slog.Warn("monitor: render screen", "err", err)
		}
		return
	}
	writeJSON(w, screenInfo{Adapter: cfg, Text: screen.Text(cfg, s.m.VRAM())})
}

type keyboardRequest struct {
	Scancodes []string `json:"scancodes"`
}

// keyboard queues scancodes given as hex strings.
func (s *Server) keyboard(w http.ResponseWriter, r *http.Request) {
	var req keyboardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	codes := make([]uint8, 0, len(req.Scancodes))
	for _, sc := range req.Scancodes {
		v, err := strconv.ParseUint(strings.TrimPrefix(sc, "0x"), 16, 8)
		if err != nil {
			http.Error(w, "bad scancode "+strconv.Quote(sc), http.StatusBadRequest)
			return
		}
		codes = append(codes, uint8(v))
	}
	for _, c := range codes {
		s.m.Keyboard.PushScancode(c)
	}
	w.WriteHeader(http.StatusAccepted)
}
