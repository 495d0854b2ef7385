package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/cryptfs"
	"github.com/wolfeidau/vfs-cache/download"
	"github.com/wolfeidau/vfs-cache/paging"
)

// CatCmd writes a file, or a range of it, to stdout.
type CatCmd struct {
	Path   string `arg:"" help:"Virtual path to read."`
	Offset int64  `help:"Start reading at this byte offset." default:"0"`
	Length int64  `help:"Read at most this many bytes. Negative reads to the end." default:"-1"`
}

func (c *CatCmd) Run(app *App) error {
	h, err := app.Set.Open(app.Ctx, c.Path, "rb")
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()

	if c.Offset > 0 {
		if _, err := h.Seek(c.Offset, io.SeekStart); err != nil {
			return fmt.Errorf("seeking to %d: %w", c.Offset, err)
		}
	}
	var r io.Reader = h
	if c.Length >= 0 {
		r = io.LimitReader(h, c.Length)
	}
	_, err = io.Copy(app.Stdout, r)
	return err
}

// LsCmd lists a directory.
type LsCmd struct {
	Path string `arg:"" help:"Virtual directory to list."`
	Long bool   `short:"l" help:"Show mode, size and modification time."`
}

func (c *LsCmd) Run(app *App) error {
	entries, err := app.Set.ReadDir(app.Ctx, c.Path)
	if err != nil {
		return err
	}
	if !c.Long {
		for _, e := range entries {
			fmt.Fprintln(app.Stdout, e.Name)
		}
		return nil
	}
	tw := tabwriter.NewWriter(app.Stdout, 0, 0, 1, ' ', tabwriter.AlignRight)
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t %s\t\n", e.Mode, e.Size, formatTime(e.ModTime), e.Name)
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// StatCmd describes a path as JSON.
type StatCmd struct {
	Path string `arg:"" help:"Virtual path to describe."`
}

type statOutput struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time,omitzero"`
}

func (c *StatCmd) Run(app *App) error {
	fi, err := app.Set.Stat(app.Ctx, c.Path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(app.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(statOutput{
		Name:    fi.Name,
		Size:    fi.Size,
		Mode:    fi.Mode.String(),
		IsDir:   fi.IsDir(),
		ModTime: fi.ModTime,
	})
}

// CpCmd copies between any two virtual paths.
type CpCmd struct {
	Src string `arg:"" help:"Source path."`
	Dst string `arg:"" help:"Destination path."`
}

func (c *CpCmd) Run(app *App) error {
	res, err := download.CopyFile(app.Ctx, app.Set.Registry, c.Src, c.Dst, app.Logger)
	if err != nil {
		return err
	}
	app.Logger.Info("copied", "src", c.Src, "dst", c.Dst, "size", res.Size, "digest", res.Digest)
	return nil
}

// DigestCmd prints one BLAKE3 digest per path.
type DigestCmd struct {
	Paths []string `arg:"" help:"Virtual paths to digest."`
	Paged bool     `help:"Read through a demand-paged mapping of each file."`
}

func (c *DigestCmd) Run(app *App) error {
	for _, p := range c.Paths {
		d, err := c.digest(app, p)
		if err != nil {
			return err
		}
		fmt.Fprintf(app.Stdout, "%s  %s\n", d, p)
	}
	return nil
}

func (c *DigestCmd) digest(app *App, p string) (vfscache.Digest, error) {
	h, err := app.Set.Open(app.Ctx, p, "rb")
	if err != nil {
		return vfscache.Digest{}, err
	}
	defer func() { _ = h.Close() }()

	var src io.Reader = h
	if c.Paged {
		size, err := vfscache.Size(h)
		if err != nil {
			return vfscache.Digest{}, err
		}
		if size > 0 {
			region, err := paging.NewHandleRegion(h, 0, size, paging.RegionConfig{
				Mode:   paging.ReadOnly,
				Logger: app.Logger,
			})
			if err != nil {
				return vfscache.Digest{}, err
			}
			defer func() { _ = region.Close() }()
			src = &pagedReader{region: region, transparent: paging.Default().Transparent()}
		}
	}

	res, err := download.CopyThrough(app.Ctx, nil, src, download.CopyOptions{ExpectedSize: -1, Logger: app.Logger})
	if err != nil {
		return vfscache.Digest{}, fmt.Errorf("digesting %s: %w", p, err)
	}
	return res.Digest, nil
}

// pagedReader reads a region sequentially, one page per call. On platforms
// with transparent paging the copy runs inside Region.Do so that the faults
// fill the pages.
type pagedReader struct {
	region      *paging.Region
	off         int64
	transparent bool
}

func (r *pagedReader) Read(p []byte) (int, error) {
	size := r.region.Size()
	if r.off >= size {
		return 0, io.EOF
	}
	n := int(min(int64(len(p)), size-r.off, int64(r.region.PageSize())))
	if !r.transparent {
		n, err := r.region.ReadAt(p[:n], r.off)
		r.off += int64(n)
		return n, err
	}
	off := r.off
	err := r.region.Do(func(mem []byte) error {
		copy(p[:n], mem[off:])
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.off += int64(n)
	return n, nil
}

// CryptFlags are the container parameters shared by encrypt and decrypt.
type CryptFlags struct {
	Key      string `help:"Raw encryption key."`
	KeyB64   string `name:"key-b64" help:"Base64 encryption key, or GENERATE_IT to create one."`
	Alg      string `help:"Cipher algorithm."`
	Mode     string `help:"Block mode."`
	FreeText string `name:"freetext" help:"Free text stored in the header."`
	KeyCheck bool   `name:"add-key-check" help:"Store a key check so a wrong key is detected."`
}

func (f CryptFlags) path(file string) string {
	var params []string
	for _, kv := range [][2]string{
		{"key", f.Key},
		{"key_b64", f.KeyB64},
		{"alg", f.Alg},
		{"mode", f.Mode},
		{"freetext", f.FreeText},
	} {
		if kv[1] != "" {
			params = append(params, kv[0], kv[1])
		}
	}
	if f.KeyCheck {
		params = append(params, "add_key_check", "YES")
	}
	return cryptfs.Path(file, params...)
}

// EncryptCmd writes Src into an encrypted container at Dst.
type EncryptCmd struct {
	CryptFlags

	Src string `arg:"" help:"Plaintext source path."`
	Dst string `arg:"" help:"Container path."`
}

func (c *EncryptCmd) Run(app *App) error {
	res, err := download.CopyFile(app.Ctx, app.Set.Registry, c.Src, c.path(c.Dst), app.Logger)
	if err != nil {
		return err
	}
	app.Logger.Info("encrypted", "src", c.Src, "dst", c.Dst, "size", res.Size)
	return nil
}

// DecryptCmd writes the plaintext of the container at Src to Dst.
type DecryptCmd struct {
	CryptFlags

	Src string `arg:"" help:"Container path."`
	Dst string `arg:"" help:"Plaintext destination path."`
}

func (c *DecryptCmd) Run(app *App) error {
	res, err := download.CopyFile(app.Ctx, app.Set.Registry, c.path(c.Src), c.Dst, app.Logger)
	if err != nil {
		return err
	}
	app.Logger.Info("decrypted", "src", c.Src, "dst", c.Dst, "size", res.Size, "digest", res.Digest)
	return nil
}

func encodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
