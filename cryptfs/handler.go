// Package cryptfs serves /vsicrypt/: files encrypted sector by sector so
// they can be read and rewritten at random offsets.
//
// Paths carry optional comma separated parameters before the file name:
//
//	/vsicrypt/key=secret,alg=AES,mode=CBC,file=/vsimem/data.bin
//	/vsicrypt//vsimem/data.bin
//
// Parameters missing from the path fall back to the VSICRYPT_* options.
package cryptfs

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"

	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/config"
)

// Prefix is the prefix the crypt handler is registered under.
const Prefix = "/vsicrypt/"

// GenerateKey as the key of a new file makes the handler create a random key
// of the longest length the algorithm accepts.
const GenerateKey = "GENERATE_IT"

// Files is the filesystem encrypted files live on. *vfscache.Registry
// satisfies it.
type Files interface {
	vfscache.Opener
	Stat(ctx context.Context, path string) (vfscache.FileInfo, error)
	Unlink(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Mkdir(ctx context.Context, path string, perm fs.FileMode) error
	Rmdir(ctx context.Context, path string) error
	ReadDir(ctx context.Context, path string) ([]vfscache.FileInfo, error)
}

// Handler opens encrypted files.
type Handler struct {
	files       Files
	logger      *slog.Logger
	options     *config.Options
	key         []byte
	onGenerated func(path string, key []byte)
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithOptions sets the option set consulted for parameters missing from a
// path. Defaults to config.Default().
func WithOptions(o *config.Options) Option {
	return func(h *Handler) {
		h.options = o
	}
}

// WithKey sets a key used when neither the path nor the options carry one.
func WithKey(key []byte) Option {
	return func(h *Handler) {
		h.key = key
	}
}

// WithGeneratedKey registers a callback receiving keys created for
// key=GENERATE_IT.
func WithGeneratedKey(fn func(path string, key []byte)) Option {
	return func(h *Handler) {
		h.onGenerated = fn
	}
}

// New creates a crypt handler over files.
func New(files Files, opts ...Option) *Handler {
	h := &Handler{
		files:  files,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.options == nil {
		h.options = config.Default()
	}
	return h
}

// Path returns the /vsicrypt/ path of file with the given parameters, which
// are written in the order given as key, value pairs.
func Path(file string, params ...string) string {
	var b strings.Builder
	b.WriteString(Prefix)
	for i := 0; i+1 < len(params); i += 2 {
		b.WriteString(params[i])
		b.WriteByte('=')
		b.WriteString(params[i+1])
		b.WriteByte(',')
	}
	if b.Len() > len(Prefix) {
		b.WriteString("file=")
	}
	b.WriteString(file)
	return b.String()
}

// parsePath splits a /vsicrypt/ path into its parameters and file name.
func parsePath(p string) (map[string]string, string, error) {
	rest, ok := strings.CutPrefix(p, Prefix)
	if !ok {
		return nil, "", fmt.Errorf("%s is not a crypt path: %w", p, vfscache.ErrBadParameter)
	}
	params := make(map[string]string)
	i := strings.Index(rest, "file=")
	for i > 0 && rest[i-1] != ',' {
		next := strings.Index(rest[i+1:], "file=")
		if next < 0 {
			i = -1
			break
		}
		i += next + 1
	}
	if i < 0 {
		if rest == "" {
			return nil, "", fmt.Errorf("%s names no file: %w", p, vfscache.ErrBadParameter)
		}
		return params, rest, nil
	}
	for _, kv := range strings.Split(rest[:i], ",") {
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, "", fmt.Errorf("crypt parameter %q: %w", kv, vfscache.ErrBadParameter)
		}
		params[strings.ToLower(k)] = v
	}
	file := rest[i+len("file="):]
	if file == "" {
		return nil, "", fmt.Errorf("%s names no file: %w", p, vfscache.ErrBadParameter)
	}
	return params, file, nil
}

func (h *Handler) param(params map[string]string, name, key, def string) string {
	if v, ok := params[name]; ok && v != "" {
		return v
	}
	return h.options.Get(key, def)
}

// resolveKey finds the key from the path, then the options, then the
// handler default. The raw key wins over the base64 one.
func (h *Handler) resolveKey(params map[string]string) ([]byte, error) {
	if k := h.param(params, "key", config.CryptKey, ""); k != "" {
		return []byte(k), nil
	}
	if k := h.param(params, "key_b64", config.CryptKeyB64, ""); k != "" {
		if k == GenerateKey {
			return []byte(k), nil
		}
		key, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 key: %v: %w", err, vfscache.ErrBadParameter)
		}
		return key, nil
	}
	if len(h.key) > 0 {
		return h.key, nil
	}
	return nil, fmt.Errorf("encryption key not defined: %w", vfscache.ErrBadParameter)
}

// Open opens an encrypted file. Modes "r" and "r+" require an existing file,
// "w" and "w+" create one, and "a" appends, creating the file if needed.
func (h *Handler) Open(ctx context.Context, p, mode string) (vfscache.Handle, error) {
	md, err := vfscache.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	params, file, err := parsePath(p)
	if err != nil {
		return nil, err
	}
	key, err := h.resolveKey(params)
	if err != nil {
		return nil, err
	}

	switch {
	case md.Append:
		if _, err := h.files.Stat(ctx, file); errors.Is(err, vfscache.ErrNotFound) {
			return h.create(ctx, p, file, params, key)
		}
		fh, err := h.openExisting(ctx, file, key, true)
		if err != nil {
			return nil, err
		}
		if _, err := fh.Seek(0, io.SeekEnd); err != nil {
			_ = fh.Close()
			return nil, err
		}
		return fh, nil
	case md.Write && md.Create:
		return h.create(ctx, p, file, params, key)
	default:
		return h.openExisting(ctx, file, key, md.Write)
	}
}

func (h *Handler) openExisting(ctx context.Context, file string, key []byte, writable bool) (*Handle, error) {
	if string(key) == GenerateKey {
		return nil, fmt.Errorf("%s can only create files: %w", GenerateKey, vfscache.ErrBadParameter)
	}
	baseMode := "rb"
	if writable {
		baseMode = "r+b"
	}
	base, err := h.files.Open(ctx, file, baseMode)
	if err != nil {
		return nil, err
	}
	hdr, c, err := h.readHeader(base, key)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	h.logger.Debug("opened encrypted file", "path", file, "alg", hdr.Algorithm, "mode", hdr.Mode,
		"sector_size", hdr.SectorSize, "size", hdr.PayloadSize)
	return newHandle(base, hdr, c, writable), nil
}

// readHeader decodes the header of base and checks key against it. A nil
// key skips the key check.
func (h *Handler) readHeader(base vfscache.Handle, key []byte) (*Header, *sectorCipher, error) {
	hdr, err := ReadHeader(base)
	if err != nil {
		return nil, nil, err
	}
	if key == nil {
		return hdr, nil, nil
	}
	c, err := newSectorCipher(hdr.Algorithm, hdr.Mode, key)
	if err != nil {
		return nil, nil, err
	}
	if err := hdr.validate(c, vfscache.ErrIntegrity); err != nil {
		return nil, nil, err
	}
	if len(hdr.KeyCheck) > 0 {
		if subtle.ConstantTimeCompare(hdr.KeyCheck, c.keyCheck(hdr.IV)) != 1 {
			return nil, nil, fmt.Errorf("wrong encryption key: %w", vfscache.ErrIntegrity)
		}
	}
	return hdr, c, nil
}

func (h *Handler) create(ctx context.Context, p, file string, params map[string]string, key []byte) (*Handle, error) {
	alg, err := ParseAlgorithm(h.param(params, "alg", config.CryptAlg, AES.String()))
	if err != nil {
		return nil, err
	}
	mode, err := ParseBlockMode(h.param(params, "mode", config.CryptMode, CBC.String()))
	if err != nil {
		return nil, err
	}
	s, err := lookup(alg)
	if err != nil {
		return nil, err
	}

	if string(key) == GenerateKey {
		key = make([]byte, s.maxKey())
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating key: %w", err)
		}
		encoded := base64.StdEncoding.EncodeToString(key)
		h.options.Set(config.CryptKeyB64, encoded)
		if h.onGenerated != nil {
			h.onGenerated(p, key)
		}
		h.logger.Info("generated encryption key", "path", file, "alg", alg, "key_bytes", len(key),
			"option", config.CryptKeyB64)
	}

	c, err := newSectorCipher(alg, mode, key)
	if err != nil {
		return nil, err
	}

	sectorSize := DefaultSectorSize
	if v := h.param(params, "sector_size", config.CryptSectorSize, ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 0xffff {
			h.logger.Warn("invalid sector size, using default", "value", v, "default", DefaultSectorSize)
		} else {
			sectorSize = n
		}
	}

	var iv []byte
	if v := h.param(params, "iv", config.CryptIV, ""); v != "" {
		iv = []byte(v)
	} else {
		iv = make([]byte, c.blockSize())
		if _, err := rand.Read(iv); err != nil {
			return nil, fmt.Errorf("generating iv: %w", err)
		}
	}

	hdr := &Header{
		SectorSize: sectorSize,
		Algorithm:  alg,
		Mode:       mode,
		IV:         iv,
		FreeText:   h.param(params, "freetext", config.CryptFreeText, ""),
	}
	if err := hdr.validate(c, vfscache.ErrBadParameter); err != nil {
		return nil, err
	}
	if parseBool(h.param(params, "add_key_check", config.CryptAddKeyCheck, "NO")) {
		hdr.KeyCheck = c.keyCheck(iv)
	}
	data, err := hdr.MarshalBinary()
	if err != nil {
		return nil, err
	}

	base, err := h.files.Open(ctx, file, "w+b")
	if err != nil {
		return nil, err
	}
	if _, err := base.Write(data); err != nil {
		_ = base.Close()
		return nil, fmt.Errorf("writing crypt header: %w", err)
	}
	h.logger.Debug("created encrypted file", "path", file, "alg", alg, "mode", mode, "sector_size", sectorSize)
	return newHandle(base, hdr, c, true), nil
}

func parseBool(v string) bool {
	switch strings.ToUpper(v) {
	case "YES", "TRUE", "ON", "1":
		return true
	}
	return false
}

// Stat reports the plaintext size of an encrypted file. The key check is
// verified when a key is available.
func (h *Handler) Stat(ctx context.Context, p string) (vfscache.FileInfo, error) {
	params, file, err := parsePath(p)
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	fi, err := h.files.Stat(ctx, file)
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	if fi.IsDir() {
		return fi, nil
	}
	base, err := h.files.Open(ctx, file, "rb")
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	defer func() { _ = base.Close() }()
	key, err := h.resolveKey(params)
	if err != nil || string(key) == GenerateKey {
		key = nil
	}
	hdr, _, err := h.readHeader(base, key)
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	fi.Size = int64(hdr.PayloadSize)
	return fi, nil
}

func (h *Handler) Unlink(ctx context.Context, p string) error {
	_, file, err := parsePath(p)
	if err != nil {
		return err
	}
	return h.files.Unlink(ctx, file)
}

// Rename renames the underlying file. newPath may be given with or without
// the crypt prefix.
func (h *Handler) Rename(ctx context.Context, oldPath, newPath string) error {
	_, from, err := parsePath(oldPath)
	if err != nil {
		return err
	}
	to := newPath
	if strings.HasPrefix(newPath, Prefix) {
		if _, to, err = parsePath(newPath); err != nil {
			return err
		}
	}
	return h.files.Rename(ctx, from, to)
}

func (h *Handler) Mkdir(ctx context.Context, p string, perm fs.FileMode) error {
	_, dir, err := parsePath(p)
	if err != nil {
		return err
	}
	return h.files.Mkdir(ctx, dir, perm)
}

func (h *Handler) Rmdir(ctx context.Context, p string) error {
	_, dir, err := parsePath(p)
	if err != nil {
		return err
	}
	return h.files.Rmdir(ctx, dir)
}

// ReadDir lists the underlying directory. Sizes are those of the encrypted
// files.
func (h *Handler) ReadDir(ctx context.Context, p string) ([]vfscache.FileInfo, error) {
	_, dir, err := parsePath(p)
	if err != nil {
		return nil, err
	}
	return h.files.ReadDir(ctx, dir)
}

var _ vfscache.Handler = (*Handler)(nil)
