// Package stepcache fingerprints step inputs, validates output contracts,
// and stores step results keyed by fingerprint so re-running an unchanged
// step can skip its worker entirely.
package stepcache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

// Policy is a step's cache policy after recipe interpolation.
type Policy struct {
	Enabled bool  `json:"enabled" yaml:"enabled"`
	TTLMS   int64 `json:"ttl_ms,omitempty" yaml:"ttl_ms,omitempty"`
	// Include restricts which files of a directory source participate in the
	// fingerprint, as doublestar globs over the path relative to the
	// directory. Empty means every file counts.
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
}

// sourceKeys are the payload fields recognized as input-path references.
var sourceKeys = []string{"folder_path", "path", "file", "source"}

// SourceSignature captures the identity of one input path. Missing paths
// still contribute (Exists false) so a step run against a now-absent input
// never matches a cache entry produced when it existed.
type SourceSignature struct {
	Path     string            `json:"absolute_path"`
	Exists   bool              `json:"exists"`
	Dir      bool              `json:"dir,omitempty"`
	Size     int64             `json:"size,omitempty"`
	MTimeMS  int64             `json:"mtime,omitempty"`
	Checksum string            `json:"content_checksum,omitempty"`
	Entries  []SourceSignature `json:"entries,omitempty"`
}

// checksumParallelism bounds concurrent file reads during directory walks.
const checksumParallelism = 4

// CollectSignatures signs every recognized path-carrying payload field, in
// sourceKeys order so the fingerprint input is stable.
func CollectSignatures(payload map[string]any, include []string) ([]SourceSignature, error) {
	var sigs []SourceSignature
	for _, key := range sourceKeys {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		path, ok := raw.(string)
		if !ok || path == "" {
			continue
		}
		sig, err := SignPath(path, include)
		if err != nil {
			return nil, fmt.Errorf("sign %s=%s: %w", key, path, err)
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// SignPath produces the signature of one file or directory. Directory
// signatures enumerate their files recursively in sorted path order.
func SignPath(path string, include []string) (SourceSignature, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return SourceSignature{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return SourceSignature{Path: abs, Exists: false}, nil
		}
		return SourceSignature{}, err
	}
	if info.IsDir() {
		return signDir(abs, include)
	}
	return signFile(abs, info)
}

func signFile(abs string, info os.FileInfo) (SourceSignature, error) {
	sum, err := checksumFile(abs)
	if err != nil {
		return SourceSignature{}, err
	}
	return SourceSignature{
		Path:     abs,
		Exists:   true,
		Size:     info.Size(),
		MTimeMS:  info.ModTime().UnixMilli(),
		Checksum: sum,
	}, nil
}

func signDir(root string, include []string) (SourceSignature, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		ok, err := matchesInclude(rel, include)
		if err != nil {
			return err
		}
		if ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return SourceSignature{}, err
	}
	sort.Strings(files)

	entries := make([]SourceSignature, len(files))
	var g errgroup.Group
	g.SetLimit(checksumParallelism)
	for i, path := range files {
		g.Go(func() error {
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			sig, err := signFile(path, info)
			if err != nil {
				return err
			}
			entries[i] = sig
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SourceSignature{}, err
	}
	return SourceSignature{Path: root, Exists: true, Dir: true, Entries: entries}, nil
}

func matchesInclude(rel string, include []string) (bool, error) {
	if len(include) == 0 {
		return true, nil
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range include {
		ok, err := doublestar.Match(pattern, rel)
		if err != nil {
			return false, fmt.Errorf("bad include glob %q: %w", pattern, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// fingerprintDoc is the canonical serialization hashed into a fingerprint.
// Field order is fixed by the struct; map keys are sorted by encoding/json.
type fingerprintDoc struct {
	Command      string            `json:"command"`
	Payload      any               `json:"payload"`
	Sources      []SourceSignature `json:"sources"`
	ToolVersions map[string]string `json:"tool_versions"`
}

// Fingerprint hashes a step's identity: command, interpolated payload, input
// signatures, and tool versions. Identical inputs yield byte-identical hex
// digests across runs.
func Fingerprint(cmd string, payload map[string]any, sources []SourceSignature, toolVersions map[string]string) (string, error) {
	if toolVersions == nil {
		toolVersions = map[string]string{}
	}
	doc := fingerprintDoc{
		Command:      cmd,
		Payload:      canonicalizePayload(payload),
		Sources:      sources,
		ToolVersions: toolVersions,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode fingerprint for %s: %w", cmd, err)
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalizePayload round-trips the payload through JSON so in-process
// values (ints, typed slices) hash identically to their decoded wire forms.
func canonicalizePayload(payload map[string]any) any {
	if payload == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return payload
	}
	return out
}
