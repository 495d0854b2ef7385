package backend

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"

	vfscache "github.com/wolfeidau/vfs-cache"
	"gopkg.in/yaml.v3"
)

// SparsePrefix is the prefix the sparse composite handler is registered under.
const SparsePrefix = "/vsisparse/"

// sparseRegion maps [Dst, Dst+Length) of the composite file either onto a
// range of another file or onto a repeated byte.
type sparseRegion struct {
	Filename string
	Dst      int64
	Src      int64
	Length   int64
	Constant bool
	Value    byte
}

func (r sparseRegion) contains(off int64) bool {
	return off >= r.Dst && off < r.Dst+r.Length
}

// sparseLayout is a parsed control document.
type sparseLayout struct {
	Length  int64
	Regions []sparseRegion
}

// XML control document form.
type sparseXML struct {
	XMLName   xml.Name `xml:"VSISparseFile"`
	Length    *int64   `xml:"Length"`
	Subfiles  []struct {
		Filename struct {
			Relative int    `xml:"relativeToVRT,attr"`
			Value    string `xml:",chardata"`
		} `xml:"Filename"`
		DestinationOffset int64 `xml:"DestinationOffset"`
		SourceOffset      int64 `xml:"SourceOffset"`
		RegionLength      int64 `xml:"RegionLength"`
	} `xml:"SubfileRegion"`
	Constants []struct {
		DestinationOffset int64 `xml:"DestinationOffset"`
		Value             int   `xml:"Value"`
		RegionLength      int64 `xml:"RegionLength"`
	} `xml:"ConstantRegion"`
}

// YAML control document form.
type sparseYAML struct {
	Length  *int64 `yaml:"length"`
	Regions []struct {
		File              string `yaml:"file"`
		Relative          bool   `yaml:"relative"`
		Constant          *int   `yaml:"constant"`
		DestinationOffset int64  `yaml:"destination_offset"`
		SourceOffset      int64  `yaml:"source_offset"`
		Length            int64  `yaml:"length"`
	} `yaml:"regions"`
}

// parseSparse decodes a control document. Documents starting with '<' are
// XML, anything else is YAML. Relative file names are resolved against dir.
func parseSparse(data []byte, dir string) (sparseLayout, error) {
	var (
		layout sparseLayout
		length *int64
	)
	resolve := func(name string, relative bool) string {
		if relative && !strings.HasPrefix(name, "/") {
			return path.Join(dir, name)
		}
		return name
	}

	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '<' {
		var doc sparseXML
		if err := xml.Unmarshal(trimmed, &doc); err != nil {
			return sparseLayout{}, fmt.Errorf("parsing sparse XML: %w", vfscache.ErrBadParameter)
		}
		length = doc.Length
		for _, s := range doc.Subfiles {
			layout.Regions = append(layout.Regions, sparseRegion{
				Filename: resolve(strings.TrimSpace(s.Filename.Value), s.Filename.Relative != 0),
				Dst:      s.DestinationOffset,
				Src:      s.SourceOffset,
				Length:   s.RegionLength,
			})
		}
		for _, c := range doc.Constants {
			layout.Regions = append(layout.Regions, sparseRegion{
				Dst:      c.DestinationOffset,
				Length:   c.RegionLength,
				Constant: true,
				Value:    byte(c.Value),
			})
		}
	} else {
		var doc sparseYAML
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return sparseLayout{}, fmt.Errorf("parsing sparse YAML: %w", vfscache.ErrBadParameter)
		}
		length = doc.Length
		for _, r := range doc.Regions {
			region := sparseRegion{Dst: r.DestinationOffset, Src: r.SourceOffset, Length: r.Length}
			if r.Constant != nil {
				region.Constant = true
				region.Value = byte(*r.Constant)
			} else {
				region.Filename = resolve(r.File, r.Relative)
			}
			layout.Regions = append(layout.Regions, region)
		}
	}

	for _, r := range layout.Regions {
		if r.Dst < 0 || r.Src < 0 || r.Length < 0 {
			return sparseLayout{}, fmt.Errorf("negative offset in sparse region: %w", vfscache.ErrBadParameter)
		}
		if !r.Constant && r.Filename == "" {
			return sparseLayout{}, fmt.Errorf("sparse region without file name: %w", vfscache.ErrBadParameter)
		}
		layout.Length = max(layout.Length, r.Dst+r.Length)
	}
	if length != nil {
		layout.Length = *length
	}
	return layout, nil
}

// Sparse composes a file out of regions of other files and constant-filled
// regions, described by a control document. Uncovered ranges read as zeros.
type Sparse struct {
	vfscache.Unimplemented
	reg *vfscache.Registry
}

// NewSparse creates a sparse handler reading control documents and region
// files through reg.
func NewSparse(reg *vfscache.Registry) *Sparse {
	return &Sparse{reg: reg}
}

func (s *Sparse) layout(ctx context.Context, p string) (sparseLayout, error) {
	control, ok := strings.CutPrefix(strings.ReplaceAll(p, "\\", "/"), SparsePrefix)
	if !ok || control == "" {
		return sparseLayout{}, fmt.Errorf("%s is not a sparse path: %w", p, vfscache.ErrBadParameter)
	}
	data, err := s.reg.ReadFile(ctx, control)
	if err != nil {
		return sparseLayout{}, err
	}
	return parseSparse(data, path.Dir(control))
}

// Open parses the control document and returns a read-only composite handle.
func (s *Sparse) Open(ctx context.Context, p, mode string) (vfscache.Handle, error) {
	md, err := vfscache.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	if md.Write {
		return nil, fmt.Errorf("mode %q on sparse file: %w", mode, vfscache.ErrNotSupported)
	}
	layout, err := s.layout(ctx, p)
	if err != nil {
		return nil, err
	}
	return &sparseHandle{ctx: ctx, reg: s.reg, layout: layout, open: make(map[string]vfscache.Handle)}, nil
}

// Stat reports the composite length.
func (s *Sparse) Stat(ctx context.Context, p string) (vfscache.FileInfo, error) {
	layout, err := s.layout(ctx, p)
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	return vfscache.FileInfo{Name: path.Base(p), Size: layout.Length, Mode: 0o444}, nil
}

type sparseHandle struct {
	vfscache.ReadOnly
	ctx    context.Context
	reg    *vfscache.Registry
	layout sparseLayout
	open   map[string]vfscache.Handle
	pos    int64
	eof    bool
}

// region returns the first declared region containing off, or the start of
// the next region when off falls in a gap.
func (h *sparseHandle) region(off int64) (sparseRegion, bool, int64) {
	next := h.layout.Length
	for _, r := range h.layout.Regions {
		if r.contains(off) {
			return r, true, 0
		}
		if r.Dst > off && r.Dst < next {
			next = r.Dst
		}
	}
	return sparseRegion{}, false, next
}

func (h *sparseHandle) file(name string) (vfscache.Handle, error) {
	if f, ok := h.open[name]; ok {
		return f, nil
	}
	f, err := h.reg.Open(h.ctx, name, "rb")
	if err != nil {
		return nil, err
	}
	h.open[name] = f
	return f, nil
}

func (h *sparseHandle) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if h.pos >= h.layout.Length {
			h.eof = true
			break
		}
		want := min(int64(len(p)-total), h.layout.Length-h.pos)
		dst := p[total : total+int(want)]

		r, ok, next := h.region(h.pos)
		switch {
		case !ok:
			n := min(int64(len(dst)), next-h.pos)
			clear(dst[:n])
			total += int(n)
			h.pos += n
		case r.Constant:
			n := min(int64(len(dst)), r.Dst+r.Length-h.pos)
			for i := range dst[:n] {
				dst[i] = r.Value
			}
			total += int(n)
			h.pos += n
		default:
			n := min(int64(len(dst)), r.Dst+r.Length-h.pos)
			f, err := h.file(r.Filename)
			if err != nil {
				return total, err
			}
			if _, err := f.Seek(r.Src+h.pos-r.Dst, io.SeekStart); err != nil {
				return total, err
			}
			got, err := io.ReadFull(f, dst[:n])
			if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
				return total, err
			}
			// A short source reads as zeros past its end.
			clear(dst[got:n])
			total += int(n)
			h.pos += n
		}
	}
	if total == 0 && h.eof && len(p) > 0 {
		return 0, io.EOF
	}
	return total, nil
}

func (h *sparseHandle) Seek(offset int64, whence int) (int64, error) {
	pos, err := vfscache.SeekPosition(h.pos, h.layout.Length, offset, whence)
	if err != nil {
		return 0, err
	}
	h.pos, h.eof = pos, false
	return pos, nil
}

func (h *sparseHandle) Size() (int64, error) { return h.layout.Length, nil }

func (h *sparseHandle) Tell() int64 { return h.pos }

func (h *sparseHandle) EOF() bool { return h.eof }

func (h *sparseHandle) Close() error {
	var firstErr error
	for name, f := range h.open {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", name, err)
		}
	}
	h.open = nil
	return firstErr
}

// Compile-time interface checks
var (
	_ vfscache.Handler = (*Sparse)(nil)
	_ vfscache.Handle  = (*sparseHandle)(nil)
	_ vfscache.Sizer   = (*sparseHandle)(nil)
)
