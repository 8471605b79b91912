package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// otaFixture serves the fleet server's OTA surface for one artifact.
type otaFixture struct {
	artifact  []byte
	hash      string
	version   string
	size      int64
	available bool
}

func (f *otaFixture) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/ota/check", func(w http.ResponseWriter, r *http.Request) {
		var req checkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(checkResponse{
			UpdateAvailable: f.available,
			Version:         f.version,
			ArtifactHash:    f.hash,
			DownloadURL:     "/artifact",
			ArtifactSize:    f.size,
			DeploymentID:    "dep-test",
		})
	})
	mux.HandleFunc("GET /artifact", func(w http.ResponseWriter, r *http.Request) {
		w.Write(f.artifact)
	})
	mux.HandleFunc("GET /api/ota/public-key", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("-----BEGIN PUBLIC KEY-----"))
	})
	return mux
}

func newTestUpdateManager(t *testing.T, serverURL string) (*UpdateManager, *FlashBank) {
	t.Helper()
	s := newTestStore(t)
	bank := newTestBank(t, s)
	u, err := NewUpdateManager(serverURL, "dev-1", bank, 5*time.Second, 10*time.Second, testLogger())
	assert.NilError(t, err)
	return u, bank
}

func sha256hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestDownloadVerifyZeroArtifact(t *testing.T) {
	ctx := context.Background()
	artifact := make([]byte, 1024)
	fix := &otaFixture{
		artifact:  artifact,
		hash:      sha256hex(artifact),
		version:   "1.0.1",
		size:      1024,
		available: true,
	}
	srv := httptest.NewServer(fix.handler())
	defer srv.Close()

	u, bank := newTestUpdateManager(t, srv.URL)

	res, desc := u.CheckForUpdate(ctx, "1.0.0")
	assert.Equal(t, res, CheckUpdateAvailable)
	assert.Equal(t, desc.Version, "1.0.1")
	assert.Equal(t, desc.ArtifactSize, int64(1024))
	assert.Assert(t, strings.HasPrefix(desc.DownloadURL, srv.URL), "relative download url must resolve against the server base")

	assert.NilError(t, u.Download(ctx, desc))
	assert.Assert(t, u.VerifyHash(desc), "digest of 1024 zero bytes must match")
	assert.NilError(t, u.Apply(ctx))

	next, err := bank.RunningSlot(ctx)
	assert.NilError(t, err)
	assert.Equal(t, next.Label, SlotLabelA, "apply must not change the running slot")

	slotB, err := bank.slot(ctx, SlotLabelB)
	assert.NilError(t, err)
	assert.Equal(t, slotB.Tag, TagPendingVerify)
	assert.Equal(t, slotB.Version, "1.0.1")
}

func TestVerifyHashRejectsBitFlip(t *testing.T) {
	ctx := context.Background()
	artifact := make([]byte, 1024)
	fix := &otaFixture{
		artifact:  artifact,
		hash:      sha256hex(artifact),
		version:   "1.0.1",
		size:      1024,
		available: true,
	}
	// Flip a single bit after computing the expected hash.
	fix.artifact = append([]byte(nil), artifact...)
	fix.artifact[512] ^= 0x01

	srv := httptest.NewServer(fix.handler())
	defer srv.Close()

	u, _ := newTestUpdateManager(t, srv.URL)
	_, desc := u.CheckForUpdate(ctx, "1.0.0")

	assert.NilError(t, u.Download(ctx, desc))
	assert.Assert(t, !u.VerifyHash(desc), "a bit flip must fail verification")
	u.Abort()
}

func TestDownloadRejectsTruncatedArtifact(t *testing.T) {
	ctx := context.Background()
	artifact := make([]byte, 1024)
	fix := &otaFixture{
		artifact:  artifact[:1023],
		hash:      sha256hex(artifact),
		version:   "1.0.1",
		size:      1024,
		available: true,
	}
	srv := httptest.NewServer(fix.handler())
	defer srv.Close()

	u, _ := newTestUpdateManager(t, srv.URL)
	_, desc := u.CheckForUpdate(ctx, "1.0.0")

	err := u.Download(ctx, desc)
	assert.Assert(t, err != nil, "1023 of 1024 declared bytes must fail the size cross-check")
	assert.Assert(t, !u.VerifyHash(desc), "verify after a failed download must be false")
}

func TestVerifyHashIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	artifact := []byte("firmware image payload")
	fix := &otaFixture{
		artifact:  artifact,
		hash:      strings.ToUpper(sha256hex(artifact)),
		version:   "1.0.1",
		size:      int64(len(artifact)),
		available: true,
	}
	srv := httptest.NewServer(fix.handler())
	defer srv.Close()

	u, _ := newTestUpdateManager(t, srv.URL)
	_, desc := u.CheckForUpdate(ctx, "1.0.0")

	assert.NilError(t, u.Download(ctx, desc))
	assert.Assert(t, u.VerifyHash(desc))
}

func TestCheckForUpdateNoUpdate(t *testing.T) {
	ctx := context.Background()
	fix := &otaFixture{available: false}
	srv := httptest.NewServer(fix.handler())
	defer srv.Close()

	u, _ := newTestUpdateManager(t, srv.URL)

	res, desc := u.CheckForUpdate(ctx, "1.0.0")
	assert.Equal(t, res, CheckNoUpdate)
	assert.Assert(t, desc == nil)

	// Idempotent: repeated checks with the same version never yield work.
	res, _ = u.CheckForUpdate(ctx, "1.0.0")
	assert.Equal(t, res, CheckNoUpdate)
}

func TestCheckForUpdateMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	u, _ := newTestUpdateManager(t, srv.URL)
	res, _ := u.CheckForUpdate(context.Background(), "1.0.0")
	assert.Equal(t, res, CheckError)
}

func TestCheckForUpdateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	u, _ := newTestUpdateManager(t, srv.URL)
	res, _ := u.CheckForUpdate(context.Background(), "1.0.0")
	assert.Equal(t, res, CheckError)
}

func TestCheckForUpdateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	u, _ := newTestUpdateManager(t, srv.URL)
	res, _ := u.CheckForUpdate(context.Background(), "1.0.0")
	assert.Equal(t, res, CheckError)
}

func TestServerReachable(t *testing.T) {
	fix := &otaFixture{}
	srv := httptest.NewServer(fix.handler())

	u, _ := newTestUpdateManager(t, srv.URL)
	assert.Assert(t, u.ServerReachable(context.Background()))

	srv.Close()
	assert.Assert(t, !u.ServerReachable(context.Background()))
}

func TestVerifyHashWithoutDownload(t *testing.T) {
	u, _ := newTestUpdateManager(t, "http://127.0.0.1:0")
	assert.Assert(t, !u.VerifyHash(&UpdateDescriptor{ArtifactHash: "deadbeef"}))
}

func TestAbortIsIdempotent(t *testing.T) {
	u, _ := newTestUpdateManager(t, "http://127.0.0.1:0")
	u.Abort()
	u.Abort()
}
