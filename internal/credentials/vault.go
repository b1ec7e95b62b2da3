package credentials

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"path"
	"strings"

	"github.com/xkilldash9x/passup/internal/config"
)

// Vault is a password database that receives the new password of every
// account rotated successfully.
type Vault interface {
	Save(ctx context.Context, e Entry) error
}

// CommandRunner runs name with args, feeding stdin, and returns the combined
// output.
type CommandRunner func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //#nosec G204 -- binary comes from configuration
	cmd.Stdin = bytes.NewReader(stdin)
	return cmd.CombinedOutput()
}

// PassStore writes entries to the standard unix password store through the
// pass command line tool.
type PassStore struct {
	binary string
	prefix string
	run    CommandRunner
}

// NewPassStore creates a PassStore. A nil runner executes the real binary.
func NewPassStore(binary, prefix string, run CommandRunner) *PassStore {
	if binary == "" {
		binary = "pass"
	}
	if run == nil {
		run = execCommand
	}
	return &PassStore{binary: binary, prefix: strings.Trim(prefix, "/"), run: run}
}

// NewVault returns the vault selected by cfg, or nil when write-back is off.
func NewVault(cfg config.VaultConfig) (Vault, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "pass":
		return NewPassStore(cfg.Binary, cfg.Prefix, nil), nil
	default:
		return nil, fmt.Errorf("unknown password database %q", cfg.Type)
	}
}

// Name is the pass entry for e: the optional prefix, the host and the user.
func (p *PassStore) Name(e Entry) string {
	host := e.Site
	if host == "" {
		host = e.URL
		if u, err := url.Parse(e.URL); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
	}
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	return path.Join(p.prefix, host, e.Username)
}

// Save overwrites the entry with the new password. --multiline reads the
// secret from stdin until EOF, so the password never appears in argv.
func (p *PassStore) Save(ctx context.Context, e Entry) error {
	if e.NewPassword == "" {
		return fmt.Errorf("no new password for %s", e)
	}
	name := p.Name(e)
	out, err := p.run(ctx, []byte(e.NewPassword+"\n"), p.binary, "insert", "--multiline", "--force", name)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("pass insert %s: %w", name, err)
		}
		return fmt.Errorf("pass insert %s: %w: %s", name, err, msg)
	}
	return nil
}
