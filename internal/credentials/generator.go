// Package credentials generates new passwords and reads and writes the
// credential entry files used by batch rotation.
package credentials

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/xkilldash9x/passup/internal/config"
)

const (
	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	symbolChars = "!#$%&*+-=?@^_~"
	// similarChars are dropped when ExcludeSimilar is set.
	similarChars = "il1Lo0O"
)

// Generator produces random passwords. Every enabled character class is
// guaranteed to appear at least once.
type Generator struct {
	length  int
	classes []string
	rand    io.Reader
}

// NewGenerator validates cfg and builds a generator backed by crypto/rand.
func NewGenerator(cfg config.PasswordConfig) (*Generator, error) {
	return newGenerator(cfg, rand.Reader)
}

func newGenerator(cfg config.PasswordConfig, r io.Reader) (*Generator, error) {
	classes := []string{lowerChars, upperChars}
	if cfg.Numbers {
		classes = append(classes, digitChars)
	}
	if cfg.Symbols {
		classes = append(classes, symbolChars)
	}
	if cfg.ExcludeSimilar {
		for i, c := range classes {
			classes[i] = strings.Map(func(r rune) rune {
				if strings.ContainsRune(similarChars, r) {
					return -1
				}
				return r
			}, c)
		}
	}
	if cfg.Length < len(classes) {
		return nil, fmt.Errorf("password length %d cannot hold %d character classes", cfg.Length, len(classes))
	}
	return &Generator{length: cfg.Length, classes: classes, rand: r}, nil
}

// Generate returns a new password.
func (g *Generator) Generate() (string, error) {
	all := strings.Join(g.classes, "")
	out := make([]byte, 0, g.length)
	for _, class := range g.classes {
		c, err := g.pick(class)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for len(out) < g.length {
		c, err := g.pick(all)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}

	// Fisher-Yates so the guaranteed characters are not always in front.
	for i := len(out) - 1; i > 0; i-- {
		j, err := g.intn(i + 1)
		if err != nil {
			return "", err
		}
		out[i], out[j] = out[j], out[i]
	}
	return string(out), nil
}

func (g *Generator) pick(set string) (byte, error) {
	i, err := g.intn(len(set))
	if err != nil {
		return 0, err
	}
	return set[i], nil
}

func (g *Generator) intn(n int) (int, error) {
	v, err := rand.Int(g.rand, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return int(v.Int64()), nil
}
