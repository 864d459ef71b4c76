// Package voice implements the on-disk voice registry: the mapping from an
// opaque voice ID to a display name and the reference audio used to condition
// speech synthesis.
//
// Layout inside the registry directory, for a voice with ID "1a2b3c4d":
//
//	1a2b3c4d.meta       YAML metadata (name, reference, hosted, created_at)
//	1a2b3c4d_ref.webm   the uploaded sample, as received
//	1a2b3c4d_ref.wav    the reference normalized to mono 16-bit PCM
//
// Every file is written to a temporary name and renamed into place, so a
// reader never observes a half-written metadata file. Artifacts are written
// before metadata; a voice is therefore visible only once its reference exists.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/types"
)

const (
	metaSuffix        = ".meta"
	refInfix          = "_ref"
	defaultExt        = "webm"
	defaultSampleRate = 24000
	idLength          = 8
)

// Sample is one uploaded audio file.
type Sample struct {
	Filename string
	Data     []byte
}

// meta is the YAML document stored in {id}.meta.
type meta struct {
	Name      string    `yaml:"name"`
	Reference string    `yaml:"reference"`
	Hosted    bool      `yaml:"hosted,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Option is a functional option for configuring a [Registry].
type Option func(*Registry)

// WithSampleRate sets the sample rate references are normalized to.
// Defaults to 24000 Hz.
func WithSampleRate(rate int) Option {
	return func(r *Registry) {
		r.format.SampleRate = rate
	}
}

// WithIDGenerator replaces the random ID source. Intended for tests.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) {
		r.newID = fn
	}
}

// WithClock replaces time.Now for CreatedAt stamps.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		r.now = fn
	}
}

// Registry is a directory-backed voice store. It is safe for concurrent use;
// concurrent writes to the same voice ID are not serialised.
type Registry struct {
	dir    string
	format audio.Format
	newID  func() string
	now    func() time.Time
}

// New opens (creating if necessary) the registry rooted at dir.
func New(dir string, opts ...Option) (*Registry, error) {
	if dir == "" {
		return nil, errors.New("voice: dir must not be empty")
	}
	r := &Registry{
		dir:    dir,
		format: audio.Format{SampleRate: defaultSampleRate, Channels: 1},
		newID:  func() string { return uuid.NewString()[:idLength] },
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.format.SampleRate <= 0 {
		return nil, fmt.Errorf("voice: invalid sample rate %d", r.format.SampleRate)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("voice: create dir %q: %w", dir, err)
	}
	return r, nil
}

// Dir returns the registry directory.
func (r *Registry) Dir() string { return r.dir }

// Format returns the reference format samples are normalized to.
func (r *Registry) Format() audio.Format { return r.format }

// Register stores a new voice whose canonical reference is the first sample.
// Samples that are not already mono 16-bit WAV at the registry rate are
// transcoded; when transcoding fails the raw bytes are stored as the
// reference instead so synthesis can still attempt playback.
func (r *Registry) Register(ctx context.Context, name string, samples []Sample) (types.Voice, error) {
	const op = "voice.register"
	if strings.TrimSpace(name) == "" {
		return types.Voice{}, fault.InvalidInput(op, "name must not be empty")
	}
	if len(samples) == 0 {
		return types.Voice{}, fault.InvalidInput(op, "at least one audio sample is required")
	}
	for i, s := range samples {
		if len(s.Data) == 0 {
			return types.Voice{}, fault.InvalidInput(op, "sample %d (%q) is empty", i, s.Filename)
		}
	}
	if err := ctx.Err(); err != nil {
		return types.Voice{}, fault.Internal(op, err)
	}

	id, err := r.allocateID()
	if err != nil {
		return types.Voice{}, fault.Internal(op, err)
	}
	first := samples[0]

	ext := extension(first.Filename)
	if ext != "wav" {
		if err := writeFileAtomic(r.path(id+refInfix+"."+ext), first.Data); err != nil {
			return types.Voice{}, fault.Internal(op, err)
		}
	}

	ref := r.path(id + refInfix + ".wav")
	normalized, err := audio.Normalize(first.Data, r.format)
	if err != nil {
		slog.Warn("voice: reference transcoding failed, storing raw sample",
			"voice_id", id, "filename", first.Filename, "err", err)
		normalized = first.Data
	}
	if err := writeFileAtomic(ref, normalized); err != nil {
		r.removeArtifacts(id)
		return types.Voice{}, fault.Internal(op, err)
	}

	v := types.Voice{ID: id, Name: name, Reference: ref, CreatedAt: r.now().UTC()}
	if err := r.writeMeta(v); err != nil {
		r.removeArtifacts(id)
		return types.Voice{}, fault.Internal(op, err)
	}
	slog.Info("voice registered", "voice_id", id, "name", name, "reference", ref)
	return v, nil
}

// Record stores metadata for a voice hosted by a remote provider. v.ID is
// the provider's handle.
func (r *Registry) Record(ctx context.Context, v types.Voice) error {
	const op = "voice.record"
	if err := validID(op, v.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fault.Internal(op, err)
	}
	v.Hosted = true
	if v.Reference == "" {
		v.Reference = v.ID
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = r.now().UTC()
	}
	if err := r.writeMeta(v); err != nil {
		return fault.Internal(op, err)
	}
	return nil
}

// Get returns the voice registered under id.
func (r *Registry) Get(ctx context.Context, id string) (types.Voice, error) {
	const op = "voice.get"
	if err := validID(op, id); err != nil {
		return types.Voice{}, err
	}
	if err := ctx.Err(); err != nil {
		return types.Voice{}, fault.Internal(op, err)
	}
	v, err := r.readMeta(id)
	if errors.Is(err, os.ErrNotExist) {
		return types.Voice{}, fault.NotFound(op, "voice %s not found", id)
	}
	if err != nil {
		return types.Voice{}, fault.Internal(op, err)
	}
	return v, nil
}

// List returns every registered voice in directory enumeration order.
// Unreadable metadata files are skipped and logged.
func (r *Registry) List(ctx context.Context) ([]types.Voice, error) {
	const op = "voice.list"
	if err := ctx.Err(); err != nil {
		return nil, fault.Internal(op, err)
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fault.Internal(op, err)
	}
	voices := make([]types.Voice, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		v, err := r.readMeta(strings.TrimSuffix(name, metaSuffix))
		if err != nil {
			slog.Warn("voice: skipping unreadable metadata", "file", name, "err", err)
			continue
		}
		voices = append(voices, v)
	}
	return voices, nil
}

// Delete removes the metadata and every artifact belonging to id. It reports
// whether anything was removed; deleting an absent voice returns false.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	const op = "voice.delete"
	if err := validID(op, id); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, fault.Internal(op, err)
	}
	// Metadata goes first so a concurrent Get never sees a voice whose
	// reference has already been removed.
	removed := false
	switch err := os.Remove(r.path(id + metaSuffix)); {
	case err == nil:
		removed = true
	case !errors.Is(err, os.ErrNotExist):
		return false, fault.Internal(op, err)
	}
	n, err := r.removeArtifacts(id)
	if err != nil {
		return removed || n > 0, fault.Internal(op, err)
	}
	removed = removed || n > 0
	if removed {
		slog.Info("voice deleted", "voice_id", id, "files", n)
	}
	return removed, nil
}

// removeArtifacts removes every file named {id}.* or {id}_*.
func (r *Registry) removeArtifacts(id string) (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, e := range entries {
		if e.IsDir() || !ownedBy(e.Name(), id) {
			continue
		}
		if err := os.Remove(r.path(e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (r *Registry) allocateID() (string, error) {
	for range 5 {
		id := r.newID()
		if _, err := os.Stat(r.path(id + metaSuffix)); errors.Is(err, os.ErrNotExist) {
			return id, nil
		}
	}
	return "", errors.New("voice: could not allocate a unique id")
}

func (r *Registry) writeMeta(v types.Voice) error {
	data, err := yaml.Marshal(meta{
		Name:      v.Name,
		Reference: v.Reference,
		Hosted:    v.Hosted,
		CreatedAt: v.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("voice: encode metadata: %w", err)
	}
	return writeFileAtomic(r.path(v.ID+metaSuffix), data)
}

func (r *Registry) readMeta(id string) (types.Voice, error) {
	data, err := os.ReadFile(r.path(id + metaSuffix))
	if err != nil {
		return types.Voice{}, err
	}
	var m meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return types.Voice{}, fmt.Errorf("voice: decode metadata %s: %w", id, err)
	}
	return types.Voice{
		ID:        id,
		Name:      m.Name,
		Reference: m.Reference,
		Hosted:    m.Hosted,
		CreatedAt: m.CreatedAt,
	}, nil
}

func (r *Registry) path(name string) string {
	return filepath.Join(r.dir, name)
}

// writeFileAtomic writes data to a temp file beside path and renames it into
// place.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("voice: create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("voice: write %s: %w", filepath.Base(path), err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("voice: sync %s: %w", filepath.Base(path), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("voice: close %s: %w", filepath.Base(path), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("voice: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func ownedBy(name, id string) bool {
	rest, ok := strings.CutPrefix(name, id)
	return ok && (strings.HasPrefix(rest, ".") || strings.HasPrefix(rest, "_"))
}

// extension returns the lower-case extension of filename without the dot,
// or "webm" when there is none usable.
func extension(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" || len(ext) > 8 {
		return defaultExt
	}
	for _, c := range ext {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return defaultExt
		}
	}
	return ext
}

func validID(op, id string) error {
	if id == "" || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fault.InvalidInput(op, "invalid voice id %q", id)
	}
	return nil
}
