package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vaultgate/vaultgate/internal/auth"
	"github.com/vaultgate/vaultgate/internal/cryptox"
	"github.com/vaultgate/vaultgate/internal/grants"
	"github.com/vaultgate/vaultgate/internal/metadata"
	"github.com/vaultgate/vaultgate/internal/storage/local"
)

type testEnv struct {
	srv  *httptest.Server
	api  *Server
	meta metadata.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	meta := metadata.NewMemory()
	store, err := local.New(local.Config{RootPath: t.TempDir()})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	cipher, err := cryptox.New("test-content-secret")
	if err != nil {
		t.Fatalf("cryptox.New: %v", err)
	}
	a := auth.New(meta, "test-jwt-secret")
	for _, u := range []string{"alice@example.com", "bob@example.com"} {
		if err := a.CreateUser(context.Background(), u, "password"); err != nil {
			t.Fatalf("CreateUser(%s): %v", u, err)
		}
	}

	gr := grants.NewStore(meta, store)
	api := NewServer(Config{MaxUploadSize: 16 << 20}, store, meta, gr, a, cipher)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, api: api, meta: meta}
}

func (e *testEnv) login(t *testing.T, email string) string {
	t.Helper()
	body := fmt.Sprintf(`{"email":%q,"password":"password"}`, email)
	resp, err := http.Post(e.srv.URL+"/api/v1/auth/token", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return out.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) upload(t *testing.T, token, folder, name string, content []byte) {
	t.Helper()
	path := "/api/v1/proxy-upload?fileName=" + name
	if folder != "" {
		path += "&folder=" + folder
	}
	resp := e.do(t, http.MethodPut, path, token, bytes.NewReader(content))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status = %d: %s", resp.StatusCode, b)
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice@example.com")

	content := make([]byte, 1000)
	rand.Read(content)
	e.upload(t, token, "", "clip.mp4", content)

	// Full object, no Range.
	resp := e.do(t, http.MethodGet, "/api/v1/video/clip.mp4", token, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("full get status = %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, content) {
		t.Fatal("decrypted full body does not match upload")
	}
}

func TestRangeRequestSemantics(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice@example.com")

	content := make([]byte, 1000)
	rand.Read(content)
	e.upload(t, token, "", "clip.mp4", content)

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/video/clip.mp4", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Range", "bytes=0-0")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 0-0/1000" {
		t.Errorf("Content-Range = %q, want %q", cr, "bytes 0-0/1000")
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 1 || body[0] != content[0] {
		t.Errorf("body = %v (len %d), want first plaintext byte", body, len(body))
	}

	// Interior range decrypts correctly without the preceding bytes.
	req2, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/video/clip.mp4", nil)
	req2.Header.Set("Authorization", "Bearer "+token)
	req2.Header.Set("Range", "bytes=500-599")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	body2, _ := io.ReadAll(resp2.Body)
	if !bytes.Equal(body2, content[500:600]) {
		t.Error("interior range does not match plaintext slice")
	}

	// Unsatisfiable start.
	req3, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/video/clip.mp4", nil)
	req3.Header.Set("Authorization", "Bearer "+token)
	req3.Header.Set("Range", "bytes=1000-")
	resp3, err := http.DefaultClient.Do(req3)
	if err != nil {
		t.Fatal(err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("unsatisfiable range status = %d, want 416", resp3.StatusCode)
	}
}

func TestNonVideoIgnoresRange(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice@example.com")

	content := []byte("just a text document, not streamable")
	e.upload(t, token, "", "notes.txt", content)

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/download/notes.txt", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Range", "bytes=0-3")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "notes.txt") {
		t.Errorf("Content-Disposition = %q, want attachment with filename", cd)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, content) {
		t.Error("non-video download must return the whole object")
	}
}

func TestUploadTraversalRejected(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice@example.com")

	body := strings.NewReader(`{"file_name":"passwd","folder":"../../etc/"}`)
	resp := e.do(t, http.MethodPost, "/api/v1/upload", token, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("traversal folder status = %d, want 400", resp.StatusCode)
	}

	resp2 := e.do(t, http.MethodPut, "/api/v1/proxy-upload?fileName=..%252Fsecrets", token, strings.NewReader("x"))
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("traversal filename status = %d, want 400", resp2.StatusCode)
	}
}

func TestShareLinkLifecycle(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice@example.com")

	content := []byte("shared file content")
	e.upload(t, token, "", "report.pdf", content)

	body := strings.NewReader(`{"max_downloads":2,"per_ip_limit":2,"ttl_seconds":3600}`)
	resp := e.do(t, http.MethodPost, "/api/v1/share/report.pdf", token, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("share create status = %d: %s", resp.StatusCode, b)
	}
	var created struct {
		LinkID string `json:"link_id"`
	}
	json.NewDecoder(resp.Body).Decode(&created)

	// Anonymous downloads up to the quota.
	for i := 0; i < 2; i++ {
		dl, err := http.Get(e.srv.URL + "/share/" + created.LinkID)
		if err != nil {
			t.Fatal(err)
		}
		got, _ := io.ReadAll(dl.Body)
		dl.Body.Close()
		if dl.StatusCode != http.StatusOK || !bytes.Equal(got, content) {
			t.Fatalf("share download %d: status %d", i+1, dl.StatusCode)
		}
	}

	// Quota exhausted.
	dl, err := http.Get(e.srv.URL + "/share/" + created.LinkID)
	if err != nil {
		t.Fatal(err)
	}
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusTooManyRequests {
		t.Errorf("exhausted link status = %d, want 429", dl.StatusCode)
	}

	// Unknown link.
	missing, err := http.Get(e.srv.URL + "/share/nosuchlink")
	if err != nil {
		t.Fatal(err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing link status = %d, want 404", missing.StatusCode)
	}
}

func TestShareLinkMissingObject(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice@example.com")

	resp := e.do(t, http.MethodPost, "/api/v1/share/ghost.pdf", token,
		strings.NewReader(`{"ttl_seconds":3600}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGeofencedShareLinkChallenge(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice@example.com")

	e.upload(t, token, "", "doc.pdf", []byte("fenced"))

	body := strings.NewReader(`{"ttl_seconds":3600,"geofence":{"latitude":48.8566,"longitude":2.3522,"radius_km":5}}`)
	resp := e.do(t, http.MethodPost, "/api/v1/share/doc.pdf", token, body)
	defer resp.Body.Close()
	var created struct {
		LinkID string `json:"link_id"`
	}
	json.NewDecoder(resp.Body).Decode(&created)

	// No claimed location: geolocation challenge, quota untouched.
	dl, err := http.Get(e.srv.URL + "/share/" + created.LinkID)
	if err != nil {
		t.Fatal(err)
	}
	dl.Body.Close()
	if dl.StatusCode != http.StatusPreconditionRequired {
		t.Fatalf("no-location status = %d, want 428", dl.StatusCode)
	}

	// Inside the fence.
	ok, err := http.Get(e.srv.URL + "/share/" + created.LinkID + "?lat=48.8566&lng=2.3522")
	if err != nil {
		t.Fatal(err)
	}
	ok.Body.Close()
	if ok.StatusCode != http.StatusOK {
		t.Errorf("in-fence status = %d, want 200", ok.StatusCode)
	}

	// Outside the fence.
	far, err := http.Get(e.srv.URL + "/share/" + created.LinkID + "?lat=51.5&lng=-0.12")
	if err != nil {
		t.Fatal(err)
	}
	far.Body.Close()
	if far.StatusCode != http.StatusForbidden {
		t.Errorf("out-of-fence status = %d, want 403", far.StatusCode)
	}
}

func TestFolderGrantFlow(t *testing.T) {
	e := newTestEnv(t)
	alice := e.login(t, "alice@example.com")
	bob := e.login(t, "bob@example.com")

	e.upload(t, alice, "media", "clip.mp4", []byte("granted video bytes"))

	body := strings.NewReader(`{"grantee":"bob@example.com","permissions":{"download":true},"ttl_seconds":3600}`)
	resp := e.do(t, http.MethodPost, "/api/v1/access/media", alice, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("grant create status = %d: %s", resp.StatusCode, b)
	}
	var created struct {
		GrantID string `json:"grant_id"`
	}
	json.NewDecoder(resp.Body).Decode(&created)

	// Bob lists and downloads through the grant.
	list := e.do(t, http.MethodGet, "/api/v1/files?sharedId="+created.GrantID, bob, nil)
	defer list.Body.Close()
	if list.StatusCode != http.StatusOK {
		t.Fatalf("grant list status = %d", list.StatusCode)
	}
	var listing struct {
		Files []struct {
			Name string `json:"name"`
		} `json:"files"`
	}
	json.NewDecoder(list.Body).Decode(&listing)
	if len(listing.Files) != 1 || listing.Files[0].Name != "clip.mp4" {
		t.Errorf("grant listing = %+v", listing.Files)
	}

	dl := e.do(t, http.MethodGet, "/api/v1/video/clip.mp4?sharedId="+created.GrantID, bob, nil)
	got, _ := io.ReadAll(dl.Body)
	dl.Body.Close()
	if dl.StatusCode != http.StatusOK || string(got) != "granted video bytes" {
		t.Fatalf("grant download status = %d", dl.StatusCode)
	}

	// Download-only grant cannot upload or delete.
	up := e.do(t, http.MethodPut, "/api/v1/proxy-upload?fileName=evil.txt&sharedId="+created.GrantID, bob, strings.NewReader("x"))
	up.Body.Close()
	if up.StatusCode != http.StatusForbidden {
		t.Errorf("grant upload status = %d, want 403", up.StatusCode)
	}
	del := e.do(t, http.MethodDelete, "/api/v1/files/clip.mp4?sharedId="+created.GrantID, bob, nil)
	del.Body.Close()
	if del.StatusCode != http.StatusForbidden {
		t.Errorf("grant delete status = %d, want 403", del.StatusCode)
	}

	// The owner is not the grantee either.
	e2 := e.do(t, http.MethodGet, "/api/v1/files?sharedId="+created.GrantID, alice, nil)
	e2.Body.Close()
	if e2.StatusCode != http.StatusForbidden {
		t.Errorf("wrong grantee status = %d, want 403", e2.StatusCode)
	}
}

func TestPermissionsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	alice := e.login(t, "alice@example.com")

	resp := e.do(t, http.MethodGet, "/api/v1/permissions", alice, nil)
	defer resp.Body.Close()
	var out struct {
		Owner       bool `json:"owner"`
		Permissions struct {
			Download bool `json:"download"`
			Upload   bool `json:"upload"`
			Delete   bool `json:"delete"`
		} `json:"permissions"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if !out.Owner || !out.Permissions.Download || !out.Permissions.Upload || !out.Permissions.Delete {
		t.Errorf("owner permissions = %+v", out)
	}
}

func TestListAndDelete(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice@example.com")

	e.upload(t, token, "docs", "a.txt", []byte("a"))
	e.upload(t, token, "docs", "b.txt", []byte("b"))
	e.upload(t, token, "", "root.txt", []byte("r"))

	list := e.do(t, http.MethodGet, "/api/v1/files", token, nil)
	defer list.Body.Close()
	var listing struct {
		Files []struct {
			Name string `json:"name"`
		} `json:"files"`
		Folders []string `json:"folders"`
	}
	json.NewDecoder(list.Body).Decode(&listing)
	if len(listing.Files) != 1 || listing.Files[0].Name != "root.txt" {
		t.Errorf("root files = %+v", listing.Files)
	}
	if len(listing.Folders) != 1 || listing.Folders[0] != "docs" {
		t.Errorf("root folders = %+v", listing.Folders)
	}

	// Recursive folder delete.
	del := e.do(t, http.MethodDelete, "/api/v1/files/docs/", token, nil)
	del.Body.Close()
	if del.StatusCode != http.StatusOK {
		t.Fatalf("recursive delete status = %d", del.StatusCode)
	}
	gone := e.do(t, http.MethodGet, "/api/v1/download/docs/a.txt", token, nil)
	gone.Body.Close()
	if gone.StatusCode != http.StatusNotFound {
		t.Errorf("deleted file status = %d, want 404", gone.StatusCode)
	}
}

func TestUploadCompleteQueuesTranscode(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice@example.com")
	e.upload(t, token, "", "clip.mp4", []byte("video"))

	resp := e.do(t, http.MethodPost, "/api/v1/upload/complete", token,
		strings.NewReader(`{"file_name":"clip.mp4"}`))
	defer resp.Body.Close()
	var out struct {
		Queued  bool   `json:"queued"`
		VideoID string `json:"video_id"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if !out.Queued || out.VideoID == "" {
		t.Fatalf("transcode response = %+v", out)
	}
	if _, err := e.meta.Get(context.Background(), "transcodeQueue/"+out.VideoID); err != nil {
		t.Errorf("queued job record missing: %v", err)
	}

	// Non-video completion does not enqueue.
	resp2 := e.do(t, http.MethodPost, "/api/v1/upload/complete", token,
		strings.NewReader(`{"file_name":"doc.pdf"}`))
	defer resp2.Body.Close()
	var out2 struct {
		Queued bool `json:"queued"`
	}
	json.NewDecoder(resp2.Body).Decode(&out2)
	if out2.Queued {
		t.Error("non-video upload must not queue a transcode job")
	}
}

func TestUnauthenticated(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/api/v1/files", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}
