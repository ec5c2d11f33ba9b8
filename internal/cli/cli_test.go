package cli

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/auth"
	"collabtext/internal/codec"
	"collabtext/internal/config"
	"collabtext/internal/crdt"
)

const testSecret = "cli-test-secret"

type testEnv struct {
	dir        string
	configFile string
	storageDir string
}

// newTestEnv writes a config pointing every store into a temp directory and
// clears the environment overrides.
func newTestEnv(t *testing.T, extra string) *testEnv {
	t.Helper()
	for _, key := range []string{"LISTEN_ADDR", "REDIS_ADDR", "DATABASE_URL", "STORAGE_DIR", "JWT_SECRET", "SKIP_WS_AUTH", "COLLABTEXT_ENV", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	dir := t.TempDir()
	env := &testEnv{
		dir:        dir,
		configFile: filepath.Join(dir, "collabtext.toml"),
		storageDir: filepath.Join(dir, "data"),
	}
	content := "storage_dir = " + quote(env.storageDir) + "\n" +
		"database_url = " + quote("sqlite://"+filepath.Join(dir, "meta.db")) + "\n" +
		"log_level = \"error\"\n" + extra
	require.NoError(t, os.WriteFile(env.configFile, []byte(content), 0600))
	return env
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `\`, `\\`) + `"`
}

// run executes the root command with args against env's config.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(append([]string{"--config", e.configFile}, args...))
	defer func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetIn(nil)
	}()

	err := rootCmd.Execute()
	return buf.String(), err
}

func resetFlags() {
	configPath = ""
	tokenUsername, tokenTTL = "", 24*time.Hour
	inspectEncoding = "raw"
	docOwner, docTitle, docContent, docPermission = "", "", "", "view"
	serveListen, serveRedis, serveStorageDir = "", "", ""
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	names := make([]string, 0)
	for _, cmd := range rootCmd.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"serve", "token", "inspect", "doc", "discover", "watch", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestVersionCmd_Executes(t *testing.T) {
	env := newTestEnv(t, "")
	originalVersion := version
	version = "test-version-1.0.0"
	defer func() { version = originalVersion }()

	out, err := env.run(t, "version")

	require.NoError(t, err)
	assert.Contains(t, out, "collabtext version test-version-1.0.0")
}

func TestRootCmd_BadConfig(t *testing.T) {
	env := newTestEnv(t, "")
	require.NoError(t, os.WriteFile(env.configFile, []byte("listen_addr = ["), 0600))

	_, err := env.run(t, "version")

	assert.Error(t, err)
}

func TestTokenCmd_MintsVerifiableToken(t *testing.T) {
	env := newTestEnv(t, "jwt_secret = \""+testSecret+"\"\n")

	out, err := env.run(t, "token", "alice", "--username", "Alice")
	require.NoError(t, err)

	claims, err := auth.NewVerifier(testSecret).Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "Alice", claims.Username)
}

func TestTokenCmd_RequiresSecret(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.run(t, "token", "alice")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestTokenCmd_RequiresExactlyOneArg(t *testing.T) {
	env := newTestEnv(t, "jwt_secret = \""+testSecret+"\"\n")

	_, err := env.run(t, "token")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestDocCmd_Lifecycle(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run(t, "doc", "create", "d1", "--owner", "alice", "--title", "Notes", "--content", "Hello")
	require.NoError(t, err)
	assert.Contains(t, out, "Created document d1 owned by alice")
	assert.Contains(t, out, "Saved initial content as version 1")

	out, err = env.run(t, "doc", "share", "d1", "bob", "--permission", "edit")
	require.NoError(t, err)
	assert.Contains(t, out, "Granted bob EDIT on d1")

	out, err = env.run(t, "doc", "show", "d1")
	require.NoError(t, err)
	assert.Contains(t, out, "Title: Notes")
	assert.Contains(t, out, "Owner: alice")
	assert.Contains(t, out, "bob EDIT")

	out, err = env.run(t, "inspect", filepath.Join(env.storageDir, "d1.snapshot"))
	require.NoError(t, err)
	assert.Contains(t, out, "Kind: snapshot")
	assert.Contains(t, out, `Text: "Hello"`)

	ver, err := os.ReadFile(filepath.Join(env.storageDir, "d1.version"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(ver))

	out, err = env.run(t, "doc", "delete", "d1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted document d1")

	out, err = env.run(t, "doc", "show", "d1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted: yes")
}

func TestDocCmd_Errors(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.run(t, "doc", "share", "d1", "bob", "--permission", "admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown permission")

	_, err = env.run(t, "doc", "delete", "missing")
	require.Error(t, err)

	_, err = env.run(t, "doc", "show", "missing")
	require.Error(t, err)
}

func TestDocCmd_RequiresDatabase(t *testing.T) {
	env := newTestEnv(t, "")
	require.NoError(t, os.WriteFile(env.configFile, []byte(""), 0600))

	_, err := env.run(t, "doc", "delete", "d1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url")
}

func TestInspectCmd_HexFromStdin(t *testing.T) {
	env := newTestEnv(t, "")
	store := crdt.New(7)
	_, err := store.Insert(0, "Hello")
	require.NoError(t, err)
	_, err = store.Delete(0, 2)
	require.NoError(t, err)

	rootCmd.SetIn(strings.NewReader(hex.EncodeToString(codec.EncodeSnapshot(store)) + "\n"))
	out, err := env.run(t, "inspect", "-", "--encoding", "hex")

	require.NoError(t, err)
	assert.Contains(t, out, `Text: "llo"`)
	assert.Contains(t, out, "7: 5")
	assert.Contains(t, out, "7: clocks 0-1")
}

func TestInspectCmd_DeltaNeedsBase(t *testing.T) {
	env := newTestEnv(t, "")
	store := crdt.New(7)
	_, err := store.Insert(0, "ab")
	require.NoError(t, err)
	sv := store.StateVector()
	_, err = store.Insert(2, "c")
	require.NoError(t, err)

	path := filepath.Join(env.dir, "delta.bin")
	require.NoError(t, os.WriteFile(path, codec.EncodeDelta(store, sv), 0600))

	_, err = env.run(t, "inspect", path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be applied on its own")
}

func TestInspectCmd_RejectsGarbage(t *testing.T) {
	env := newTestEnv(t, "")
	path := filepath.Join(env.dir, "garbage.bin")
	require.NoError(t, os.WriteFile(path, []byte{0x09, 0x09, 0x09}, 0600))

	_, err := env.run(t, "inspect", path)

	assert.ErrorIs(t, err, codec.ErrDecode)
}

func TestDecodeInput(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		encoding string
		want     []byte
		wantErr  bool
	}{
		{name: "raw", input: "\x01\x02", encoding: "raw", want: []byte{1, 2}},
		{name: "hex", input: "0102\n", encoding: "hex", want: []byte{1, 2}},
		{name: "base64", input: "AQI=", encoding: "base64", want: []byte{1, 2}},
		{name: "bad hex", input: "zz", encoding: "hex", wantErr: true},
		{name: "unknown", input: "x", encoding: "rot13", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeInput([]byte(tt.input), tt.encoding)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyServeFlags(t *testing.T) {
	resetFlags()
	serveListen, serveRedis, serveStorageDir = ":9999", "localhost:6390", "/tmp/snapshots"
	defer resetFlags()

	c := config.Default()
	applyServeFlags(c)

	assert.Equal(t, ":9999", c.ListenAddr)
	assert.Equal(t, "localhost:6390", c.RedisAddr)
	assert.Equal(t, "/tmp/snapshots", c.StorageDir)
}
