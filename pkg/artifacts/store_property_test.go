//go:build property
// +build property

package artifacts_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/depot/pkg/artifacts"
	"github.com/Mindburn-Labs/depot/pkg/storage"
	"github.com/Mindburn-Labs/depot/pkg/versioning"
)

const propRoot = "/depot"

func freshStore() (*artifacts.Store, *storage.MemoryBackend) {
	mem := storage.NewMemoryBackend()
	_ = mem.MkdirAll(context.Background(), propRoot+"/p")
	s, _ := artifacts.New(mem, propRoot)
	return s, mem
}

// Property: the ledger lists exactly the accepted versions, in order, and
// they are strictly increasing.
func TestLedgerMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("accepted versions strictly increase", prop.ForAll(
		func(versions []uint16) bool {
			ctx := context.Background()
			s, mem := freshStore()

			var accepted []string
			for _, v := range versions {
				name := versioning.ArtifactName("update", int64(v))
				_, err := s.AcceptUpload(ctx, propRoot+"/p", name, strings.NewReader(name))
				if err == nil {
					accepted = append(accepted, versioning.FormatToken(int64(v)))
				}
			}

			want := ""
			if len(accepted) > 0 {
				want = strings.Join(accepted, "\n") + "\n"
			}
			if string(mem.Bytes(propRoot+"/p/update.txt")) != want {
				return false
			}
			for i := 1; i < len(accepted); i++ {
				a, _ := versioning.ParseToken(accepted[i-1])
				b, _ := versioning.ParseToken(accepted[i])
				if b <= a {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt16()),
	))

	properties.TestingRun(t)
}

// Property: an upload is accepted iff its version exceeds the latest so far.
func TestAcceptanceMatchesLatest(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("accept iff greater than latest", prop.ForAll(
		func(versions []uint8) bool {
			ctx := context.Background()
			s, _ := freshStore()

			latest := int64(-1)
			for _, v := range versions {
				name := versioning.ArtifactName("update", int64(v))
				_, err := s.AcceptUpload(ctx, propRoot+"/p", name, strings.NewReader("x"))
				shouldAccept := int64(v) > latest
				if shouldAccept != (err == nil) {
					return false
				}
				if shouldAccept {
					latest = int64(v)
				}
				got, ok, lerr := s.LatestVersion(ctx, "p")
				if lerr != nil || ok != (latest >= 0) || (ok && got != latest) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

// Property: an accepted payload is returned byte for byte by download.
func TestUploadDownloadRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("download returns uploaded bytes", prop.ForAll(
		func(payload []byte, chunk int, v uint32) bool {
			ctx := context.Background()
			mem := storage.NewMemoryBackend()
			_ = mem.MkdirAll(ctx, propRoot+"/p")
			s, err := artifacts.New(mem, propRoot, artifacts.WithChunkSize(chunk))
			if err != nil {
				return false
			}

			name := versioning.ArtifactName("update", int64(v))
			if _, err := s.AcceptUpload(ctx, propRoot+"/p", name, bytes.NewReader(payload)); err != nil {
				return false
			}
			path, err := s.ResolveDownload(ctx, "p", fmt.Sprintf("v%d", v))
			if err != nil {
				return false
			}
			f, err := s.Open(ctx, path)
			if err != nil {
				return false
			}
			defer func() { _ = f.Close() }()
			got, err := io.ReadAll(f)
			return err == nil && bytes.Equal(got, payload)
		},
		gen.SliceOf(gen.UInt8()),
		gen.IntRange(1, 64),
		gen.UInt32(),
	))

	properties.TestingRun(t)
}
