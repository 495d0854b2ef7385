// Package opprovider resolves op:// secret references in a credentials file
// through the 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/vfs-cache/credentials"
)

// Name is the template function the provider registers.
const Name = "op"

type settings struct {
	binary  string
	account string
}

// Option configures the provider.
type Option func(*settings)

// WithBinary runs the CLI from path instead of looking up "op" in PATH.
func WithBinary(path string) Option {
	return func(s *settings) { s.binary = path }
}

// WithAccount selects the 1Password account to read from.
func WithAccount(account string) Option {
	return func(s *settings) { s.account = account }
}

// WithOnePassword registers the "op" template function, which runs
// `op read <ref>` and returns its trimmed output.
func WithOnePassword(opts ...Option) credentials.ResolverOption {
	s := settings{binary: "op"}
	for _, opt := range opts {
		opt(&s)
	}
	return credentials.WithProvider(Name, func(ctx context.Context, ref string) (string, error) {
		if !strings.HasPrefix(ref, "op://") {
			return "", fmt.Errorf("secret reference %q must start with op://", ref)
		}
		args := []string{"read", "--no-newline"}
		if s.account != "" {
			args = append(args, "--account", s.account)
		}
		cmd := exec.CommandContext(ctx, s.binary, append(args, ref)...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
		}
		return strings.TrimSpace(stdout.String()), nil
	})
}
