package chain

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testProgram = MustPublicKey("5Kq43SR2HUNsyNZWaau1p8kQzAvW2UA2mAvempdchTrk")
	testMint    = MustPublicKey("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
)

func testOwner() PublicKey {
	var pk PublicKey
	for i := range pk {
		pk[i] = byte(i + 1)
	}
	return pk
}

func TestDiscriminator(t *testing.T) {
	cases := map[string]string{
		IxInitializeMarket:     "2323bdc19b30aacb",
		IxActivateMarket:       "0a1ac57471634859",
		IxResolveMarket:        "9b1750ad2e4a17ef",
		IxSettlePositions:      "2b42c8d8dbba2c57",
		IxCloseMarket:          "589af8ba300e7bf4",
		IxCancelOrderByRelayer: "940c33bb9c9bbe2f",
	}
	for name, want := range cases {
		d := Discriminator(name)
		assert.Equal(t, want, hex.EncodeToString(d[:]), name)
	}
}

func TestDeriveAddresses(t *testing.T) {
	d := Deriver{Program: testProgram, Mint: testMint}
	owner := testOwner()
	require.Equal(t, "4wBqpZM9xaSheZzJSMawUKKwhdpChKbZ5eu5ky4Vigw", owner.String())

	global, err := d.Global()
	require.NoError(t, err)
	assert.Equal(t, "BM1bdMXC8qaaUXujHeXsozPqMNNwCAWueXn87iroWUP7", global.String())

	market, err := d.Market("BTC", "5m", time.Unix(1700000100, 0))
	require.NoError(t, err)
	assert.Equal(t, "Fd5x2XqZ1HaGUEYyjFMsbmEFEUimoNmMGcijupsS3gti", market.String())

	vault, err := d.Vault(market)
	require.NoError(t, err)
	assert.Equal(t, "DtbAf8oG4cppFr2DHy2hfv9B2XjpcCV28RxtZxYxD7tt", vault.String())

	ata, err := d.TokenAccount(owner)
	require.NoError(t, err)
	assert.Equal(t, "9z1TnAigt5WEMVA9GAUkdtnfHMv9NYXRvY6Sd2RswZ8v", ata.String())

	pos, err := d.Position(market, owner)
	require.NoError(t, err)
	assert.Equal(t, "4DZoNh9t8iSAWuSpA6LCHWQzwXXcQZD3iKHBpdUNJjJN", pos.String())

	ord, err := d.Order(market, owner, 42)
	require.NoError(t, err)
	assert.Equal(t, "F9rhusSbBizrtUiTDqKiDrzPaou1ya7vYaM27qMEbn5T", ord.String())
}

func TestWellKnownProgramIDs(t *testing.T) {
	for name, id := range map[string]string{
		"system":           "11111111111111111111111111111111",
		"token":            "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA",
		"associated token": "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL",
		"compute budget":   "ComputeBudget111111111111111111111111111111",
	} {
		pk, err := ParsePublicKey(id)
		require.NoError(t, err, name)
		assert.Equal(t, id, pk.String(), name)
	}
	assert.Equal(t, "06ddf6e1", hex.EncodeToString(TokenProgramID[:4]))
	assert.Equal(t, "8c97258f", hex.EncodeToString(AssociatedTokenProgram[:4]))

	_, err := ParsePublicKey("TokenkegQfeZyiNwAJbNbGkPWb6ZnJ5KPM9rjbc9w8")
	assert.Error(t, err)
}

func TestMarketBumpSkipsOnCurve(t *testing.T) {
	_, bump, err := FindProgramAddress(MarketSeeds("BTC", "5m", time.Unix(1700000100, 0)), testProgram)
	require.NoError(t, err)
	assert.Equal(t, uint8(254), bump)
}

func TestSeedsAreUnpadded(t *testing.T) {
	seeds := MarketSeeds("SOL", "1h", time.Unix(1, 0))
	require.Len(t, seeds, 4)
	assert.Equal(t, []byte("SOL"), seeds[1])
	assert.Equal(t, []byte("1h"), seeds[2])
	assert.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0}, seeds[3])
}

func TestInitializeMarketEncoding(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	b := Builder{Deriver: Deriver{Program: testProgram, Mint: testMint}, Authority: kp.PublicKey()}

	ix, market, err := b.InitializeMarket("ETH", "15m", 0, time.Unix(1700000100, 0))
	require.NoError(t, err)
	require.Len(t, ix.Accounts, 8)
	assert.Equal(t, market, ix.Accounts[1].PublicKey)
	assert.True(t, ix.Accounts[4].IsSigner)

	want := "2323bdc19b30aacb" +
		"03000000" + hex.EncodeToString([]byte("ETH")) +
		"03000000" + hex.EncodeToString([]byte("15m")) +
		"0000000000000000" +
		"64f1536500000000"
	assert.Equal(t, want, hex.EncodeToString(ix.Data))
}

func TestResolveMarketEncoding(t *testing.T) {
	b := Builder{Deriver: Deriver{Program: testProgram, Mint: testMint}, Authority: testOwner()}
	ix := b.ResolveMarket(testOwner(), 1, 10_000_000_001)
	assert.Equal(t, "9b1750ad2e4a17ef"+"01"+"01e40b5402000000", hex.EncodeToString(ix.Data))
	assert.False(t, ix.Accounts[1].IsWritable)
}

func TestComputeBudget(t *testing.T) {
	assert.Equal(t, []byte{2, 0x40, 0x0d, 0x03, 0}, SetComputeUnitLimit(200_000).Data)
	assert.Equal(t, []byte{3, 0xe8, 0x03, 0, 0, 0, 0, 0, 0}, SetComputeUnitPrice(1000).Data)
}

func TestCompileMessageOrdering(t *testing.T) {
	payer := testOwner()
	other := MustPublicKey("BM1bdMXC8qaaUXujHeXsozPqMNNwCAWueXn87iroWUP7")
	ro := MustPublicKey("Fd5x2XqZ1HaGUEYyjFMsbmEFEUimoNmMGcijupsS3gti")
	ix := Instruction{
		ProgramID: testProgram,
		Accounts:  []AccountMeta{readonly(ro), writable(other), signer(payer, false)},
		Data:      []byte{9},
	}
	msg, err := CompileMessage(payer, []Instruction{ix}, Hash{})
	require.NoError(t, err)
	assert.Equal(t, MessageHeader{1, 0, 2}, msg.Header)
	assert.Equal(t, []PublicKey{payer, other, ro, testProgram}, msg.AccountKeys)
	assert.Equal(t, []uint8{2, 1, 0}, msg.Instructions[0].Accounts)
	assert.Equal(t, uint8(3), msg.Instructions[0].ProgramIDIndex)
}

func TestSignAndSerialize(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	b := Builder{Deriver: Deriver{Program: testProgram, Mint: testMint}, Authority: kp.PublicKey()}
	ixs := []Instruction{SetComputeUnitLimit(200_000), b.ActivateMarket(testOwner(), 5)}

	tx, err := NewTransaction(ixs, Hash{1}, kp)
	require.NoError(t, err)
	raw, err := tx.Serialize()
	require.NoError(t, err)

	est, err := EstimateSize(kp.PublicKey(), ixs)
	require.NoError(t, err)
	assert.Equal(t, est, len(raw))
	assert.True(t, Verify(kp.PublicKey(), tx.Message.Serialize(), tx.Signatures[0][:]))
	assert.NotEmpty(t, tx.Signature())
}

func TestSignMissingSigner(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	ix := Instruction{ProgramID: testProgram, Accounts: []AccountMeta{signer(testOwner(), false)}}
	_, err = NewTransaction([]Instruction{ix}, Hash{}, kp)
	assert.Error(t, err)
}

func TestPackRespectsCountAndSize(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	b := Builder{Deriver: Deriver{Program: testProgram, Mint: testMint}, Authority: kp.PublicKey()}
	market, err := b.Market("BTC", "5m", time.Unix(1700000100, 0))
	require.NoError(t, err)

	var items [][]Instruction
	for i := 0; i < 12; i++ {
		var owner PublicKey
		owner[0] = byte(i + 1)
		ix, err := b.SettlePosition(market, owner)
		require.NoError(t, err)
		items = append(items, []Instruction{ix})
	}
	prefix := []Instruction{SetComputeUnitLimit(400_000), SetComputeUnitPrice(1)}
	batches, err := Pack(kp.PublicKey(), prefix, items, 50)
	require.NoError(t, err)
	require.Greater(t, len(batches), 1)

	total := 0
	for _, batch := range batches {
		total += len(batch)
		size, err := EstimateSize(kp.PublicKey(), append(append([]Instruction{}, prefix...), batch...))
		require.NoError(t, err)
		assert.LessOrEqual(t, size, MaxTransactionSize)
	}
	assert.Equal(t, 12, total)

	batches, err = Pack(kp.PublicKey(), nil, items[:5], 2)
	require.NoError(t, err)
	assert.Len(t, batches, 3)
}

func TestChunk(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 5}, {5, 10}, {10, 12}}, Chunk(12, 5))
	assert.Empty(t, Chunk(0, 5))
}

func TestShortVec(t *testing.T) {
	assert.Equal(t, []byte{0x7f}, appendShortVec(nil, 127))
	assert.Equal(t, []byte{0x80, 0x01}, appendShortVec(nil, 128))
	assert.Equal(t, []byte{0xff, 0xff, 0x03}, appendShortVec(nil, 0xffff))
	assert.Equal(t, 2, shortVecLen(200))
}

func TestDecodeMarketAccount(t *testing.T) {
	data := make([]byte, marketAccountSize)
	copy(data, marketDisc[:])
	copy(data[48:], "BTC")
	copy(data[58:], "5m")
	data[68] = 0x10
	data[116] = byte(LedgerMarketResolved)
	data[117] = 1
	data[130] = 3

	acct, err := DecodeMarketAccount(data)
	require.NoError(t, err)
	assert.Equal(t, "BTC", acct.Asset)
	assert.Equal(t, "5m", acct.Timeframe)
	assert.Equal(t, uint64(0x10), acct.StrikePrice)
	assert.Equal(t, LedgerMarketResolved, acct.Status)
	assert.Equal(t, LedgerOutcomeYes, acct.Outcome)
	assert.Equal(t, uint32(3), acct.TotalPositions)

	_, err = DecodeMarketAccount(data[:100])
	assert.Error(t, err)
	data[0] ^= 0xff
	_, err = DecodeMarketAccount(data)
	assert.Error(t, err)
}
