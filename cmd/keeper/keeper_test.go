package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/crypto"
)

const (
	testProgram = "11111111111111111111111111111111"
	testMint    = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keeper.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDerivePrintsMarketAddresses(t *testing.T) {
	path := writeConfig(t, "[ledger]\nprogram_id = \""+testProgram+"\"\nmint = \""+testMint+"\"\n")

	out, err := execute(t, "derive", "-c", path, "--asset", "ETH", "--timeframe", "1h", "--expiry", "2026-03-01T13:00:00Z")
	require.NoError(t, err)

	d := chain.Deriver{Program: chain.MustPublicKey(testProgram), Mint: chain.MustPublicKey(testMint)}
	market, err := d.Market("ETH", "1h", time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	vault, err := d.Vault(market)
	require.NoError(t, err)

	assert.Contains(t, out, "market: "+market.String())
	assert.Contains(t, out, "vault:  "+vault.String())
}

func TestDeriveRejectsUnknownAsset(t *testing.T) {
	path := writeConfig(t, "[ledger]\nprogram_id = \""+testProgram+"\"\nmint = \""+testMint+"\"\n")

	_, err := execute(t, "derive", "-c", path, "--asset", "DOGE", "--expiry", "2026-03-01T13:00:00Z")
	require.Error(t, err)
}

func TestConfigRedactsSecrets(t *testing.T) {
	path := writeConfig(t, "[server]\napi_key = \"hunter2\"\n")

	out, err := execute(t, "config", "-c", path)
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, `api_key = "***"`)
}

func TestEncryptKeyRoundTrips(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, crypto.SeedSize)
	kp, err := chain.KeypairFromSeed(seed)
	require.NoError(t, err)

	path := writeConfig(t, "[ledger]\nprivate_key = \""+strings.Repeat("07", crypto.SeedSize)+"\"\n")
	out := filepath.Join(t.TempDir(), "key.enc")

	_, err = execute(t, "encrypt-key", "-c", path, "-o", out, "--password", "pw")
	require.NoError(t, err)

	loaded, err := crypto.LoadSeed(crypto.KeyConfig{EncryptedKeyPath: out, KeyPassword: "pw"})
	require.NoError(t, err)
	kp2, err := chain.KeypairFromSeed(loaded)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey(), kp2.PublicKey())
}
