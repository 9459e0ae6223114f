// Package discovery scans General/PluginsDir for method plugin binaries
// at daemon startup, queries each one's capability manifest once, and
// signs what it found with internal/plugin/sign so the factory's
// production Starter can re-verify a plugin's advertised method/
// mechanism set on every later start — catching a binary silently
// replaced between the initial scan and a subsequent lazy spawn.
package discovery

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/gsignond/gsignond-go/internal/plugin/contracts"
	"github.com/gsignond/gsignond-go/internal/plugin/factory"
	"github.com/gsignond/gsignond-go/internal/plugin/proxy"
	"github.com/gsignond/gsignond-go/internal/plugin/sign"
)

// probeDriver is the subset of proxy.Proxy's surface VerifyingStarter
// needs: a factory.Driver plus the capability probe it re-verifies a
// spawn against. startProxy is a seam over proxy.Start so tests can
// substitute a fake binary's capabilities without spawning a real
// subprocess.
type probeDriver interface {
	factory.Driver
	Capabilities(ctx context.Context) (contracts.Capabilities, error)
}

var startProxy = func(ctx context.Context, method, path string, config []byte) (probeDriver, error) {
	return proxy.Start(ctx, method, path, config)
}

// capabilitiesSchema is generated once: a JSON Schema describing the
// capabilities payload every plugin binary's /capabilities endpoint
// must return, published alongside each signed Manifest for operator
// tooling that wants to validate a plugin before installing it.
var capabilitiesSchema = mustGenerateSchema(contracts.Capabilities{})

func mustGenerateSchema(v any) []byte {
	r := &jsonschema.Reflector{}
	schema, err := r.ReflectFromType(reflect.TypeOf(v)).MarshalJSON()
	if err != nil {
		panic(fmt.Sprintf("discovery: generate capabilities schema: %v", err))
	}
	return schema
}

const scanTimeout = 10 * time.Second

// binaryPrefix is the naming convention cmd/gsignond-plugin-* binaries
// follow; ScanPluginsDir only considers files matching it.
const binaryPrefix = "gsignond-plugin-"

// Manifest pairs a discovered plugin's capabilities with the daemon's
// signature over them.
type Manifest struct {
	Capabilities contracts.Capabilities
	Signature    []byte
	Schema       []byte
}

// ScanPluginsDir lists every file under dir named gsignond-plugin-*,
// the convention cmd/gsignond-plugin-password and -digest follow.
func ScanPluginsDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: read plugins dir %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !filepathHasPrefix(e.Name(), binaryPrefix) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func filepathHasPrefix(name, prefix string) bool {
	return len(name) >= len(prefix) && name[:len(prefix)] == prefix
}

// Result is what Discover hands the daemon's composition root: the
// method/mechanism registry, a Locator resolving a method back to its
// binary, and the signed manifests the production Starter re-verifies
// against on every later (re)spawn.
type Result struct {
	Methods   map[string][]string
	Locator   factory.Locator
	Manifests map[string]Manifest
}

// Discover starts every binary paths names just long enough to read its
// capability manifest, then stops it; the factory spawns it again for
// real on first use. key signs each discovered manifest.
func Discover(ctx context.Context, paths []string, config []byte, key *rsa.PrivateKey, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	res := Result{
		Methods:   map[string][]string{},
		Manifests: map[string]Manifest{},
	}
	byMethod := map[string]string{}

	for _, path := range paths {
		caps, err := probe(ctx, path, config)
		if err != nil {
			logger.Warn("discovery: skipping plugin binary", "path", path, "error", err)
			continue
		}
		sig, err := sign.Manifest(key, caps)
		if err != nil {
			return Result{}, fmt.Errorf("discovery: sign manifest for %s: %w", path, err)
		}
		mechs := append([]string(nil), caps.Mechanisms...)
		sort.Strings(mechs)
		res.Methods[caps.Method] = mechs
		res.Manifests[caps.Method] = Manifest{Capabilities: caps, Signature: sig, Schema: capabilitiesSchema}
		byMethod[caps.Method] = path
		logger.Info("discovery: found plugin", "method", caps.Method, "mechanisms", mechs, "path", path)
	}

	res.Locator = func(method string) (string, bool) {
		path, ok := byMethod[method]
		return path, ok
	}
	return res, nil
}

func probe(ctx context.Context, path string, config []byte) (contracts.Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	p, err := proxy.Start(ctx, filepath.Base(path), path, config)
	if err != nil {
		return contracts.Capabilities{}, err
	}
	defer func() { _ = p.Stop() }()

	return p.Capabilities(ctx)
}

// VerifyingStarter builds a factory.Starter that starts method's binary
// via locate, re-queries its capabilities, and rejects it if they no
// longer match the signed manifest Discover recorded at startup —
// catching a binary swap between discovery and this later (re)spawn.
// A method with no recorded manifest (hot-added after startup) is
// started unverified.
func VerifyingStarter(locate factory.Locator, config []byte, manifests map[string]Manifest, pub *rsa.PublicKey) factory.Starter {
	return func(ctx context.Context, method string) (factory.Driver, error) {
		path, ok := locate(method)
		if !ok {
			return nil, fmt.Errorf("discovery: no plugin binary for method %q", method)
		}
		p, err := startProxy(ctx, method, path, config)
		if err != nil {
			return nil, err
		}

		manifest, ok := manifests[method]
		if !ok {
			return p, nil
		}
		caps, err := p.Capabilities(ctx)
		if err != nil {
			_ = p.Stop()
			return nil, fmt.Errorf("discovery: query capabilities for %q: %w", method, err)
		}
		if err := sign.VerifyManifest(pub, caps, manifest.Signature); err != nil {
			_ = p.Stop()
			return nil, fmt.Errorf("discovery: %q: %w", method, err)
		}
		return p, nil
	}
}
