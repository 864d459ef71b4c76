package voice_test

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/types"
	"github.com/MrWong99/voicerelay/pkg/voice"
)

// toneWAV returns a WAV-encoded 220 Hz tone.
func toneWAV(t *testing.T, rate, channels int, seconds float64) []byte {
	t.Helper()
	frames := int(float64(rate) * seconds)
	samples := make([]int, frames*channels)
	for i := range frames {
		v := int(6000 * math.Sin(2*math.Pi*220*float64(i)/float64(rate)))
		for ch := range channels {
			samples[i*channels+ch] = v
		}
	}
	data, err := audio.WAVBytes(&audio.Clip{Format: audio.Format{SampleRate: rate, Channels: channels}, Samples: samples})
	if err != nil {
		t.Fatalf("WAVBytes: %v", err)
	}
	return data
}

// sequentialIDs returns an ID generator producing v0001, v0002, ...
func sequentialIDs() func() string {
	var n atomic.Int32
	return func() string { return fmt.Sprintf("v%04d", n.Add(1)) }
}

func newRegistry(t *testing.T, opts ...voice.Option) *voice.Registry {
	t.Helper()
	r, err := voice.New(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestNew_EmptyDir(t *testing.T) {
	if _, err := voice.New(""); err == nil {
		t.Error("expected error for empty dir")
	}
}

func TestRegister_ResamplesReference(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	v, err := r.Register(ctx, "Alice", []voice.Sample{{Filename: "alice.wav", Data: toneWAV(t, 16000, 1, 3)}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if v.Name != "Alice" {
		t.Errorf("Name = %q, want Alice", v.Name)
	}
	if len(v.ID) != 8 {
		t.Errorf("ID %q: want 8 characters", v.ID)
	}

	got, err := r.Get(ctx, v.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Alice" || got.Reference != v.Reference {
		t.Errorf("Get = %+v, want name Alice and reference %q", got, v.Reference)
	}

	data, err := os.ReadFile(got.Reference)
	if err != nil {
		t.Fatalf("read reference: %v", err)
	}
	f, ok := audio.Probe(data)
	if !ok {
		t.Fatal("reference is not a 16-bit wav")
	}
	if f.SampleRate != 24000 || f.Channels != 1 {
		t.Errorf("reference format = %v, want 24000Hz mono", f)
	}

	voices, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, lv := range voices {
		if lv.ID == v.ID && lv.Name == "Alice" {
			found = true
		}
	}
	if !found {
		t.Errorf("List = %+v, want entry for %s", voices, v.ID)
	}
}

func TestRegister_KeepsRawUploadAndFallsBackOnUndecodable(t *testing.T) {
	r := newRegistry(t, voice.WithIDGenerator(sequentialIDs()))
	raw := []byte{0x1A, 0x45, 0xDF, 0xA3, 0x01, 0x02, 0x03}

	v, err := r.Register(context.Background(), "Bob", []voice.Sample{{Filename: "clip.webm", Data: raw}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if filepath.Base(v.Reference) != "v0001_ref.wav" {
		t.Errorf("Reference = %q, want v0001_ref.wav", v.Reference)
	}
	ref, err := os.ReadFile(v.Reference)
	if err != nil {
		t.Fatalf("read reference: %v", err)
	}
	if string(ref) != string(raw) {
		t.Error("expected raw bytes stored as the reference on transcoding failure")
	}
	if _, err := os.Stat(filepath.Join(r.Dir(), "v0001_ref.webm")); err != nil {
		t.Errorf("expected raw upload kept: %v", err)
	}
}

func TestRegister_DefaultExtension(t *testing.T) {
	r := newRegistry(t, voice.WithIDGenerator(sequentialIDs()))
	if _, err := r.Register(context.Background(), "NoExt", []voice.Sample{{Filename: "blob", Data: []byte("xyz")}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := os.Stat(filepath.Join(r.Dir(), "v0001_ref.webm")); err != nil {
		t.Errorf("expected webm default extension: %v", err)
	}
}

func TestRegister_InvalidInput(t *testing.T) {
	r := newRegistry(t)
	tests := []struct {
		name    string
		vname   string
		samples []voice.Sample
	}{
		{"no samples", "Alice", nil},
		{"empty sample", "Alice", []voice.Sample{{Filename: "a.wav", Data: []byte("ok")}, {Filename: "b.wav"}}},
		{"blank name", "  ", []voice.Sample{{Filename: "a.wav", Data: []byte("ok")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(context.Background(), tt.vname, tt.samples)
			if !fault.IsKind(err, fault.KindInvalidInput) {
				t.Fatalf("err = %v, want InvalidInput", err)
			}
			entries, _ := os.ReadDir(r.Dir())
			if len(entries) != 0 {
				t.Errorf("expected no files after rejected register, found %d", len(entries))
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Get(context.Background(), "deadbeef")
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestGet_InvalidID(t *testing.T) {
	r := newRegistry(t)
	for _, id := range []string{"", "../etc", "a/b", ".hidden"} {
		if _, err := r.Get(context.Background(), id); !fault.IsKind(err, fault.KindInvalidInput) {
			t.Errorf("Get(%q) err = %v, want InvalidInput", id, err)
		}
	}
}

func TestDelete_TrueThenFalse(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	v, err := r.Register(ctx, "Alice", []voice.Sample{{Filename: "a.mp3", Data: []byte("not really mp3")}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	first, err := r.Delete(ctx, v.ID)
	if err != nil || !first {
		t.Fatalf("first Delete = %v, %v; want true, nil", first, err)
	}
	second, err := r.Delete(ctx, v.ID)
	if err != nil || second {
		t.Fatalf("second Delete = %v, %v; want false, nil", second, err)
	}

	entries, _ := os.ReadDir(r.Dir())
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), v.ID) {
			t.Errorf("artifact %s survived delete", e.Name())
		}
	}
	if _, err := r.Get(ctx, v.ID); !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("Get after delete err = %v, want NotFound", err)
	}
}

func TestDelete_LeavesOtherVoices(t *testing.T) {
	ids := []string{"abc", "abcd"}
	var i int
	r := newRegistry(t, voice.WithIDGenerator(func() string { id := ids[i]; i++; return id }))
	ctx := context.Background()
	sample := []voice.Sample{{Filename: "s.wav", Data: toneWAV(t, 24000, 1, 0.1)}}
	if _, err := r.Register(ctx, "short", sample); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(ctx, "long", sample); err != nil {
		t.Fatal(err)
	}

	if ok, err := r.Delete(ctx, "abc"); err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	if _, err := r.Get(ctx, "abcd"); err != nil {
		t.Errorf("voice abcd should survive deleting abc: %v", err)
	}
}

func TestRecord_HostedVoice(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	if err := r.Record(ctx, types.Voice{ID: "21m00Tcm4TlvDq8ikWAM", Name: "Rachel"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	v, err := r.Get(ctx, "21m00Tcm4TlvDq8ikWAM")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !v.Hosted || v.Reference != "21m00Tcm4TlvDq8ikWAM" || v.CreatedAt.IsZero() {
		t.Errorf("Get = %+v, want hosted voice referencing its own handle", v)
	}
}

func TestList_SkipsTempAndCorruptFiles(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	if err := os.WriteFile(filepath.Join(r.Dir(), ".tmp-123"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(r.Dir(), "broken.meta"), []byte("name: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.Record(ctx, types.Voice{ID: "hosted1", Name: "Hosted"}); err != nil {
		t.Fatal(err)
	}
	voices, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "hosted1" {
		t.Errorf("List = %+v, want only hosted1", voices)
	}
}

func TestRegister_ConcurrentDistinctIDs(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	const n = 8
	ids := make(chan string, n)
	errs := make(chan error, n)
	for range n {
		go func() {
			v, err := r.Register(ctx, "x", []voice.Sample{{Filename: "x.bin", Data: []byte("abc")}})
			errs <- err
			ids <- v.ID
		}()
	}
	seen := map[string]bool{}
	for range n {
		if err := <-errs; err != nil {
			t.Fatalf("Register: %v", err)
		}
		id := <-ids
		if seen[id] {
			t.Errorf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
