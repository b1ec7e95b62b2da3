// internal/browser/allocator.go
package browser

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/passup/internal/config"
)

// AllocatorFlags returns the Chrome command line switches derived from cfg,
// on top of chromedp's defaults. Keys carry no leading dashes.
func AllocatorFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		// Hardened container hosts refuse the sandbox and have a tiny /dev/shm.
		"no-sandbox":                   true,
		"disable-dev-shm-usage":        true,
		"headless":                     cfg.Headless,
		"hide-scrollbars":              cfg.Headless,
		"mute-audio":                   true,
		"disable-extensions":           true,
		"password-store":               "basic",
		"disable-save-password-bubble": true,
	}
	if cfg.Headless {
		flags["disable-gpu"] = true
	}
	if cfg.DisableCache {
		flags["disk-cache-size"] = "0"
		flags["media-cache-size"] = "0"
		flags["disable-cache"] = true
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
		flags["allow-insecure-localhost"] = true
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		flags["window-size"] = formatSize(w, h)
	}
	if cfg.UserAgent != "" {
		flags["user-agent"] = cfg.UserAgent
	}

	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		key, value, hasValue := strings.Cut(arg, "=")
		if !hasValue {
			flags[key] = true
			continue
		}
		flags[key] = value
	}
	return flags
}

// DefaultAllocatorOptions builds the exec allocator options for cfg.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	flags := AllocatorFlags(cfg)
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, chromedp.Flag(k, flags[k]))
	}
	return opts
}

func formatSize(w, h int) string {
	return fmt.Sprintf("%d,%d", w, h)
}
