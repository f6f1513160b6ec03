// Package namespace maps request paths onto configured upstream locations.
//
// A Config is built once at startup by New and is read-only afterwards, so a
// single value can be shared by every request handler.
package namespace

import (
	"fmt"
	"net/url"
	"strings"

	"module-gateway/internal/model"
)

// Default path prefixes used when none is configured.
const (
	DefaultRootPath    = "/root/"
	DefaultLibraryPath = "/library/"
)

// allowedSchemes are the upstream location schemes the fetch layer can serve.
var allowedSchemes = map[string]bool{
	"file":  true,
	"http":  true,
	"https": true,
}

// ConfigurationError reports a namespace configuration that cannot be served.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "namespace: " + e.Reason
}

// Options are the construction-time namespace settings.
// An empty location disables its namespace; an empty path selects the default prefix.
type Options struct {
	RootURI     string
	RootPath    string
	LibraryURI  string
	LibraryPath string
}

// Config is the immutable, validated namespace configuration.
type Config struct {
	rootURI     string
	rootPath    string
	libraryURI  string
	libraryPath string
}

// New validates opts and returns the resulting Config.
// It fails with *ConfigurationError when a location uses an unsupported
// scheme, when no location is configured, or when the two path prefixes are
// prefixes of one another.
func New(opts Options) (*Config, error) {
	if opts.RootURI == "" && opts.LibraryURI == "" {
		return nil, &ConfigurationError{Reason: "at least one of the root or library locations must be set"}
	}

	c := &Config{}

	if opts.RootURI != "" {
		uri := trailingSlash(opts.RootURI)
		if err := validateURI(uri); err != nil {
			return nil, err
		}
		c.rootURI = uri
		c.rootPath = normalizePrefix(opts.RootPath, DefaultRootPath)
	}

	if opts.LibraryURI != "" {
		uri := trailingSlash(opts.LibraryURI)
		if err := validateURI(uri); err != nil {
			return nil, err
		}
		c.libraryURI = uri
		c.libraryPath = normalizePrefix(opts.LibraryPath, DefaultLibraryPath)
	}

	if c.rootPath != "" && c.libraryPath != "" &&
		(strings.HasPrefix(c.rootPath, c.libraryPath) || strings.HasPrefix(c.libraryPath, c.rootPath)) {
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("the paths %q and %q are ambiguous", c.rootPath, c.libraryPath),
		}
	}

	return c, nil
}

// RootURI returns the root location, or "" when the root namespace is disabled.
func (c *Config) RootURI() string { return c.rootURI }

// RootPath returns the normalized root path prefix.
func (c *Config) RootPath() string { return c.rootPath }

// LibraryURI returns the library location, or "" when the library namespace is disabled.
func (c *Config) LibraryURI() string { return c.libraryURI }

// LibraryPath returns the normalized library path prefix.
func (c *Config) LibraryPath() string { return c.libraryPath }

// Resolve maps a path produced by Normalize to its upstream resource.
// The root namespace is checked first. ok is false when no namespace matches
// or the path carries an encoded separator.
func (c *Config) Resolve(p string) (res model.Resource, ok bool) {
	if !resolvable(p) {
		return model.Resource{}, false
	}
	if c.rootURI != "" && strings.HasPrefix(p, c.rootPath) {
		rest := p[len(c.rootPath):]
		return model.Resource{
			URI:       c.rootURI + rest,
			Namespace: model.NamespaceRoot,
			ModuleID:  "/" + strings.TrimPrefix(rest, "/"),
		}, true
	}
	if c.libraryURI != "" && strings.HasPrefix(p, c.libraryPath) {
		rest := p[len(c.libraryPath):]
		return model.Resource{
			URI:       c.libraryURI + rest,
			Namespace: model.NamespaceLibrary,
			ModuleID:  strings.TrimPrefix(rest, "/"),
		}, true
	}
	return model.Resource{}, false
}

// Locations returns the configured upstream locations, root first.
func (c *Config) Locations() []string {
	var locs []string
	for _, uri := range []string{c.rootURI, c.libraryURI} {
		if uri != "" {
			locs = append(locs, uri)
		}
	}
	return locs
}

// Classify returns a bounded label for the namespace p falls into:
// "root", "library" or "none".
func (c *Config) Classify(p string) string {
	res, ok := c.Resolve(p)
	if !ok {
		return "none"
	}
	return string(res.Namespace)
}

// Normalize cleans an escaped request path. Each segment is decoded before
// dot segments are resolved, so "%2e%2e" climbs like "..". Surviving segments
// are re-escaped canonically; an encoded slash stays inside its segment as
// "%2F". Repeated slashes collapse, a leading slash is guaranteed and a
// trailing slash is preserved.
func Normalize(raw string) string {
	if raw == "" {
		return "/"
	}

	var out []string
	for _, seg := range strings.Split(raw, "/") {
		dec, err := url.PathUnescape(seg)
		if err != nil {
			// Left as is; Resolve refuses it.
			out = append(out, seg)
			continue
		}
		switch dec {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, url.PathEscape(dec))
		}
	}

	cleaned := "/" + strings.Join(out, "/")
	if strings.HasSuffix(raw, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// resolvable reports whether a normalized path may be mapped onto a location.
// Paths with malformed escapes or an encoded separator inside a segment are
// refused: a fetcher that decodes them would read them as extra segments.
func resolvable(p string) bool {
	if _, err := url.PathUnescape(p); err != nil {
		return false
	}
	lower := strings.ToLower(p)
	return !strings.Contains(lower, "%2f") && !strings.Contains(lower, "%5c")
}

func validateURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("invalid URI %q: %v", uri, err)}
	}
	scheme := strings.ToLower(u.Scheme)
	if !allowedSchemes[scheme] {
		return &ConfigurationError{Reason: fmt.Sprintf("invalid URI %q: scheme must be file, http or https", uri)}
	}
	if scheme != "file" && u.Host == "" {
		return &ConfigurationError{Reason: fmt.Sprintf("invalid URI %q: missing host", uri)}
	}
	return nil
}

func normalizePrefix(p, def string) string {
	if p == "" {
		return def
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return trailingSlash(p)
}

func trailingSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
