package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/btcsuite/btcutil/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed() []byte {
	s := make([]byte, SeedSize)
	for i := range s {
		s[i] = byte(i * 7)
	}
	return s
}

func TestParseSecretFormats(t *testing.T) {
	full := append(seed(), make([]byte, 32)...)

	got, err := ParseSecret(hex.EncodeToString(seed()))
	require.NoError(t, err)
	assert.Equal(t, seed(), got)

	got, err = ParseSecret(base58.Encode(full))
	require.NoError(t, err)
	assert.Equal(t, seed(), got)

	parts := make([]string, len(full))
	for i, b := range full {
		parts[i] = strconv.Itoa(int(b))
	}
	got, err = ParseSecret("[" + strings.Join(parts, ",") + "]")
	require.NoError(t, err)
	assert.Equal(t, seed(), got)

	_, err = ParseSecret("abc")
	assert.Error(t, err)
}

func TestEncryptRoundTrip(t *testing.T) {
	blob, err := EncryptSeed(seed(), "hunter2")
	require.NoError(t, err)

	got, err := DecryptSeed(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, seed(), got)

	_, err = DecryptSeed(blob, "wrong")
	assert.Error(t, err)
}

func TestLoadSeedFromEncryptedFile(t *testing.T) {
	blob, err := EncryptSeed(seed(), "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "relayer.enc.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err := LoadSeed(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, seed(), got)

	_, err = LoadSeed(KeyConfig{})
	assert.Error(t, err)
}
